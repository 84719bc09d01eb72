// Package server exposes the engines over HTTP/JSON and websockets, and runs
// a gRPC endpoint carrying the standard health and reflection services.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"TradeLedger/internal/apperr"
	"TradeLedger/internal/fanout"
	"TradeLedger/internal/futures"
	"TradeLedger/internal/ledger"
	"TradeLedger/internal/observability"
	"TradeLedger/internal/price"
	"TradeLedger/internal/query"
	"TradeLedger/internal/spot"

	"github.com/gorilla/websocket"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

type Config struct {
	GRPCAddr   string
	HTTPAddr   string
	AdminToken string
	// WriteWait bounds each websocket frame write.
	WriteWait time.Duration
}

// Deps holds everything the handlers call into.
type Deps struct {
	Spot    *spot.Engine
	Futures *futures.Engine
	Query   *query.Service
	Prices  *price.Aggregator
	Ledger  *ledger.Ledger
	Hub     *fanout.Hub
	Auth    Authenticator
	Health  *observability.HealthChecker
	Metrics *observability.Metrics
}

// Server wraps the gRPC server and the HTTP mux.
type Server struct {
	cfg      Config
	deps     Deps
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	grpcServer *grpc.Server
	health     *health.Server
	handler    http.Handler
}

func New(cfg Config, deps Deps, logger zerolog.Logger) (*Server, error) {
	if deps.Auth == nil {
		return nil, fmt.Errorf("%w: server needs an authenticator", apperr.ErrValidation)
	}
	if deps.Health == nil {
		deps.Health = observability.NewHealthChecker()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Authentication is by token, not cookie, so any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryLoggingInterceptor(logger)))
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(s.grpcServer)

	api := runtime.NewServeMux()
	if err := s.routes(api); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.Health.LivenessHandler)
	mux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	mux.HandleFunc("/ws/account", s.accountStream)
	mux.Handle("/", api)
	s.handler = mux
	return s, nil
}

// Handler returns the HTTP handler; tests mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.cfg.GRPCAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the API until ctx is cancelled.
func (s *Server) StartHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.cfg.HTTPAddr).Msg("HTTP server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// UnaryLoggingInterceptor logs every call and converts engine errors into
// gRPC statuses.
func UnaryLoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			if _, ok := status.FromError(err); !ok {
				err = status.Error(apperr.GRPCCode(err), err.Error())
			}
		}
		code := status.Code(err)
		ev := logger.Debug()
		if code != codes.OK {
			ev = logger.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Msg("grpc request")
		return resp, err
	}
}
