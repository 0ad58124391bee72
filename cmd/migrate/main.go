package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"BidLedger/internal/config"
	"BidLedger/internal/observability"
	"BidLedger/internal/persistence"

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
		fmt.Println("  BID_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  BID_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
		os.Exit(1)
	}
	logger := observability.NewLogger("migrate")

	cfg := config.Default()
	dsn := os.Getenv("BID_POSTGRES_DSN")
	if dsn == "" {
		dsn = cfg.Postgres.DSN
	}
	dir := os.Getenv("BID_MIGRATIONS_DIR")
	if dir == "" {
		dir = cfg.Postgres.MigrationsDir
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, dir)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		pending, err := migrator.Pending(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		logger.Info().Strs("pending", pending).Int("count", len(pending)).Msg("migration status")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
