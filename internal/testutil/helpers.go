package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ProtectionLedger/internal/persistence"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// TestPostgresDSN returns the Postgres DSN for integration tests, or "" when
// TEST_DATABASE_URL is unset.
func TestPostgresDSN() string {
	return os.Getenv("TEST_DATABASE_URL")
}

// TestNATSURL returns the NATS URL for integration tests, or "" when
// TEST_NATS_URL is unset.
func TestNATSURL() string {
	return os.Getenv("TEST_NATS_URL")
}

// SetupTestDB opens the test database, applies migrations and truncates every
// table on cleanup. Skips the test when no database is configured.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := TestPostgresDSN()
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("test postgres not available: %v", err)
	}

	migrator := persistence.NewMigrator(db, MigrationsDir(t), zerolog.Nop())
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}

	truncate := func() {
		tables := []string{
			"event_log.checkpoints",
			"event_log.journal",
			"event_log.events",
			"projection.pool_summaries",
			"projection.seller_positions",
			"projection.protections",
			"projection.balances",
			"projection.watermark",
		}
		for _, table := range tables {
			db.Exec(fmt.Sprintf("TRUNCATE %s CASCADE", table))
		}
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		db.Close()
	})
	return db
}

// MigrationsDir finds migrations/ by walking up from the test's package dir
func MigrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("migrations directory not found")
		}
		dir = parent
	}
}
