package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	"ProtectionLedger/internal/config"
	"ProtectionLedger/internal/observability"
	"ProtectionLedger/internal/persistence"
	"ProtectionLedger/internal/projection"

	"github.com/caarlos0/env/v11"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

// dbConfig is the subset of the service configuration the migrator needs
type dbConfig struct {
	PostgresURL   string `env:"POSTGRES_DSN,required"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
}

var migrationsDir string

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the protection ledger schema",
	Long: `migrate applies and rolls back the SQL migrations of the protection ledger.

Environment:
  PROTECTION_POSTGRES_DSN     Postgres connection string (required)
  PROTECTION_MIGRATIONS_DIR   path to the migrations directory (default: migrations)`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: withMigrator(func(ctx context.Context, cmd *cobra.Command, db *sql.DB, m *persistence.Migrator) error {
		if err := m.Up(ctx); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "all migrations applied")
		return nil
	}),
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last migration",
	RunE: withMigrator(func(ctx context.Context, cmd *cobra.Command, db *sql.DB, m *persistence.Migrator) error {
		if err := m.Down(ctx); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "last migration rolled back")
		return nil
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether they are applied",
	RunE: withMigrator(func(ctx context.Context, cmd *cobra.Command, db *sql.DB, m *persistence.Migrator) error {
		statuses, err := m.Status(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED\tMODIFIED")
		for _, s := range statuses {
			fmt.Fprintf(w, "%s\t%s\t%t\t%t\n", s.Version, s.Filename, s.Applied, s.Modified)
		}
		return w.Flush()
	}),
}

var rebuildBalancesCmd = &cobra.Command{
	Use:   "rebuild-balances",
	Short: "Recompute projection.balances from the journal",
	RunE: withMigrator(func(ctx context.Context, cmd *cobra.Command, db *sql.DB, _ *persistence.Migrator) error {
		if err := projection.RebuildBalances(ctx, db); err != nil {
			return fmt.Errorf("rebuild balances: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "balances rebuilt from the journal")
		return nil
	}),
}

func withMigrator(run func(ctx context.Context, cmd *cobra.Command, db *sql.DB, m *persistence.Migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		var cfg dbConfig
		if err := env.ParseWithOptions(&cfg, env.Options{Prefix: config.EnvPrefix}); err != nil {
			return err
		}
		if migrationsDir != "" {
			cfg.MigrationsDir = migrationsDir
		}
		logger := observability.NewLoggerTo(os.Stderr, "migrate", observability.ParseLogLevel(cfg.LogLevel))

		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		ctx := cmd.Context()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping db: %w", err)
		}
		return run(ctx, cmd, db, persistence.NewMigrator(db, cfg.MigrationsDir, logger))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "dir", "", "migrations directory (overrides PROTECTION_MIGRATIONS_DIR)")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd, rebuildBalancesCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
