package persistence_test

import (
	"context"
	"os"
	"testing"
	"testing/fstest"

	"ProtectionLedger/internal/persistence"
	. "ProtectionLedger/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: Migration files
// ============================================================================

func TestLoadMigrations_PairsAndOrders(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_projections.up.sql":   {Data: []byte("CREATE SCHEMA projection;")},
		"000002_projections.down.sql": {Data: []byte("DROP SCHEMA projection;")},
		"000001_event_log.up.sql":     {Data: []byte("CREATE SCHEMA event_log;")},
		"000001_event_log.down.sql":   {Data: []byte("DROP SCHEMA event_log;")},
		"README.md":                   {Data: []byte("ignored")},
	}

	migrations, err := persistence.LoadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	require.Equal(t, "000001", migrations[0].Version)
	require.Equal(t, "event_log", migrations[0].Name)
	require.Equal(t, "CREATE SCHEMA event_log;", migrations[0].Up)
	require.Equal(t, "DROP SCHEMA event_log;", migrations[0].Down)
	require.Len(t, migrations[0].Checksum, 64)

	require.Equal(t, "000002", migrations[1].Version)
	require.NotEqual(t, migrations[0].Checksum, migrations[1].Checksum)
}

func TestLoadMigrations_Rejects(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"missing down": {
			"000001_event_log.up.sql": {Data: []byte("SELECT 1;")},
		},
		"missing up": {
			"000001_event_log.down.sql": {Data: []byte("SELECT 1;")},
		},
		"version reused": {
			"000001_event_log.up.sql":     {Data: []byte("SELECT 1;")},
			"000001_event_log.down.sql":   {Data: []byte("SELECT 1;")},
			"000001_projections.up.sql":   {Data: []byte("SELECT 1;")},
			"000001_projections.down.sql": {Data: []byte("SELECT 1;")},
		},
		"bad name": {
			"event_log.up.sql": {Data: []byte("SELECT 1;")},
		},
		"non numeric version": {
			"v1_event_log.up.sql":   {Data: []byte("SELECT 1;")},
			"v1_event_log.down.sql": {Data: []byte("SELECT 1;")},
		},
	}
	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := persistence.LoadMigrations(fsys)
			require.ErrorIs(t, err, persistence.ErrMigrationFiles)
		})
	}
}

func TestLoadMigrations_RepositoryDirectory(t *testing.T) {
	migrations, err := persistence.LoadMigrations(os.DirFS(MigrationsDir(t)))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(migrations), 2)
	for i := 1; i < len(migrations); i++ {
		require.Less(t, migrations[i-1].Version, migrations[i].Version)
	}
}

// ============================================================================
// Test: Migrator against Postgres
// ============================================================================

func TestMigrator_UpIsIdempotent(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()
	m := persistence.NewMigrator(db, MigrationsDir(t), zerolog.Nop())

	require.NoError(t, m.Up(ctx))

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, statuses)
	for _, s := range statuses {
		require.True(t, s.Applied, s.Filename)
		require.False(t, s.Modified, s.Filename)
	}
}

func TestMigrator_RefusesEditedMigration(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()
	m := persistence.NewMigrator(db, MigrationsDir(t), zerolog.Nop())

	var version, checksum string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT version, checksum FROM public.schema_migrations ORDER BY version LIMIT 1`,
	).Scan(&version, &checksum))
	t.Cleanup(func() {
		db.Exec(`UPDATE public.schema_migrations SET checksum = $1 WHERE version = $2`, checksum, version)
	})

	_, err := db.ExecContext(ctx, `UPDATE public.schema_migrations SET checksum = 'edited' WHERE version = $1`, version)
	require.NoError(t, err)

	err = m.Up(ctx)
	require.ErrorIs(t, err, persistence.ErrMigrationChanged)

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, version, statuses[0].Version)
	require.True(t, statuses[0].Modified)
}
