package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	"TradeLedger/internal/config"
	"TradeLedger/internal/observability"
	"TradeLedger/internal/persistence"
	"TradeLedger/migrations"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list pending migrations")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  TRADE_POSTGRES_DSN             - Postgres connection string")
		fmt.Println("  TRADE_POSTGRES_MIGRATIONS_DIR  - read migrations from disk instead of the embedded set")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")
	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx := context.Background()
	db, err := persistence.Open(ctx, cfg.Postgres.DSN, persistence.PoolConfig{MaxOpenConns: 1})
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	var files fs.FS = migrations.FS
	if cfg.Postgres.MigrationsDir != "" {
		files = os.DirFS(cfg.Postgres.MigrationsDir)
	}
	migrator := persistence.NewMigrator(db, files, logger)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		pending, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		if len(pending) == 0 {
			fmt.Println("up to date")
		}
		for _, name := range pending {
			fmt.Println("pending:", name)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
