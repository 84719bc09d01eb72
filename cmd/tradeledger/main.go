package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"TradeLedger/internal/config"
	"TradeLedger/internal/core"
	"TradeLedger/internal/fanout"
	"TradeLedger/internal/feed"
	"TradeLedger/internal/observability"
	"TradeLedger/internal/persistence"
	"TradeLedger/internal/server"
	"TradeLedger/migrations"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	configFile := flag.String("config", "", "config file (yaml, toml or json); TRADE_CONFIG_FILE also works")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithLevel("tradeledger", observability.ParseLogLevel(cfg.LogLevel))

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("tradeledger stopped")
	}
	logger.Info().Msg("tradeledger stopped")
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	g, gctx := errgroup.WithContext(ctx)
	deps := core.Deps{Config: cfg, Metrics: metrics, Logger: logger}

	// --- Postgres ---
	if cfg.Store == config.StorePostgres {
		db, err := persistence.Open(ctx, cfg.Postgres.DSN, persistence.PoolConfig{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return err
		}
		defer db.Close()
		health.AddCheck("postgres", db.PingContext)
		logger.Info().Msg("postgres connected")

		if cfg.Postgres.AutoMigrate {
			n, err := persistence.NewMigrator(db, migrationFiles(cfg), logger).Up(ctx)
			if err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			logger.Info().Int("applied", n).Msg("migrations up to date")
		}

		journal := persistence.NewJournalWorker(db, cfg.Journal.BatchSize, cfg.Journal.FlushTimeout,
			logger.With().Str("component", "journal").Logger(), metrics)
		deps.DB = db
		deps.Auditor = journal
		g.Go(func() error { return ignoreCanceled(journal.Run(gctx)) })
	}

	// --- Price feeds and outbound events ---
	var sources []feed.Source
	if cfg.NATS.URL != "" {
		nc, js, err := feed.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		health.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})

		natsCfg := feed.NATSConfig{
			Stream:   cfg.NATS.PriceStream,
			Subject:  cfg.NATS.PriceSubject,
			Consumer: cfg.NATS.PriceConsumer,
		}
		if err := feed.EnsurePriceStream(ctx, js, natsCfg); err != nil {
			return err
		}
		if err := fanout.EnsureOutboundStream(ctx, js); err != nil {
			return err
		}
		sink := fanout.NewNATSSink(js, cfg.Fanout.ChannelBuffer, logger.With().Str("component", "nats_sink").Logger(), metrics)
		deps.Sinks = append(deps.Sinks, sink)
		g.Go(func() error { return ignoreCanceled(sink.Run(gctx)) })

		sources = append(sources, feed.NewNATSSource(js, natsCfg, logger.With().Str("component", "feed_nats").Logger(), metrics))
		logger.Info().Str("url", cfg.NATS.URL).Msg("nats connected")
	}
	if len(cfg.Kafka.Brokers) > 0 {
		reader := feed.NewKafkaReader(feed.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		})
		sources = append(sources, feed.NewKafkaSource(reader, logger.With().Str("component", "feed_kafka").Logger(), metrics))
	}
	if cfg.Poll.URL != "" {
		client := &http.Client{Timeout: 5 * time.Second}
		sources = append(sources, feed.NewPollSource(cfg.Poll.URL, cfg.Poll.Interval, client,
			logger.With().Str("component", "feed_poll").Logger(), metrics))
	}
	if len(sources) == 0 {
		logger.Warn().Msg("no price feed configured; prices arrive only through POST /v1/prices")
	}

	// --- Exchange and servers ---
	x, err := core.New(deps)
	if err != nil {
		return err
	}
	auth, err := server.NewStaticTokenAuthenticator(cfg.Server.Tokens)
	if err != nil {
		return err
	}
	srv, err := server.New(server.Config{
		GRPCAddr:   cfg.Server.GRPCAddr,
		HTTPAddr:   cfg.Server.HTTPAddr,
		AdminToken: cfg.Server.AdminToken,
		WriteWait:  cfg.Fanout.WriteTimeout,
	}, server.Deps{
		Spot:    x.Spot,
		Futures: x.Futures,
		Query:   x.Query,
		Prices:  x.Prices,
		Ledger:  x.Ledger,
		Hub:     x.Hub,
		Auth:    auth,
		Health:  health,
		Metrics: metrics,
	}, logger.With().Str("component", "server").Logger())
	if err != nil {
		return err
	}

	g.Go(func() error { return x.Run(gctx) })
	g.Go(func() error {
		feed.RunAll(gctx, x.Prices, logger, sources...)
		return nil
	})
	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTP(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr, reg, logger) })

	health.SetReady(true)
	logger.Info().
		Str("store", cfg.Store).
		Strs("symbols", cfg.Symbols).
		Int("price_sources", len(sources)).
		Msg("tradeledger started")

	err = g.Wait()
	health.SetReady(false)
	return err
}

func migrationFiles(cfg config.Config) fs.FS {
	if cfg.Postgres.MigrationsDir != "" {
		return os.DirFS(cfg.Postgres.MigrationsDir)
	}
	return migrations.FS
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
