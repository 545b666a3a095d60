package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"llm_wallet/internal/storage"
)

var globalFlags struct {
	driver string
	dsn    string
}

var rootCmd = &cobra.Command{
	Use:   "walletctl",
	Short: "Operate the wallet ledger",
	Long: `walletctl inspects and repairs wallets directly in the ledger database.

It talks to the same database as walletd and uses the same transactions,
so it is safe to run while the service is up.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.driver, "driver", envOr("DATABASE_DRIVER", storage.DriverPostgres), "database driver (postgres or sqlite)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.dsn, "dsn", os.Getenv("DATABASE_URL"), "database URL or SQLite path")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// openDB connects with a small pool; the tool runs one command at a time
func openDB(ctx context.Context, migrate bool) (*storage.DB, error) {
	if globalFlags.dsn == "" {
		return nil, fmt.Errorf("--dsn or DATABASE_URL is required")
	}

	cfg := storage.DefaultDBConfig()
	cfg.Driver = globalFlags.driver
	cfg.DSN = globalFlags.dsn
	cfg.MaxOpenConns = 2
	cfg.MaxIdleConns = 1

	db, err := storage.NewDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if migrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return db, nil
}
