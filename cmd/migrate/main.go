package main

import (
	"CDPLedger/internal/config"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"CDPLedger/migrations"
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list migrations and whether each is applied")
	fmt.Println()
	fmt.Println("Configuration is read like the node's: CDP_CONFIG (default configs/cdpledger.toml),")
	fmt.Println("then CDP_POSTGRES_URL and CDP_MIGRATIONS_DIR from the environment or .env.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	logger := observability.NewLogger("migrate")

	cfg, err := config.Load(config.Path("configs/cdpledger.toml"))
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if cfg.Postgres.DSN == "" {
		logger.Fatal().Msg("postgres dsn not configured (set CDP_POSTGRES_URL)")
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	migrator := persistence.NewMigratorFS(db, migrations.FS)
	if cfg.Postgres.MigrationsDir != "" {
		migrator = persistence.NewMigrator(db, cfg.Postgres.MigrationsDir)
	}

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
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration status")
		}
		for _, st := range statuses {
			state := "pending"
			if st.Applied {
				state = "applied"
			}
			fmt.Printf("%s  %-8s %s\n", st.Version, state, st.Filename)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
