package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

var (
	ErrMigrationFiles   = errors.New("invalid migration files")
	ErrMigrationChanged = errors.New("applied migration was modified")
)

// migrationLockKey serializes migrators across processes sharing a database
const migrationLockKey int64 = 0x70726f746c6467 // "protldg"

// Migration is one {version}_{name}.up.sql file and its .down.sql pair
type Migration struct {
	Version  string
	Name     string
	Up       string
	Down     string
	Checksum string
}

func (m Migration) upFile() string   { return m.Version + "_" + m.Name + ".up.sql" }
func (m Migration) downFile() string { return m.Version + "_" + m.Name + ".down.sql" }

// LoadMigrations reads every migration pair at the root of fsys, ordered by
// version. An up file without a down file, or two files sharing a version, is
// an error.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		version, name, direction, ok := parseMigrationName(e.Name())
		if !ok {
			return nil, fmt.Errorf("%w: unrecognised file %s", ErrMigrationFiles, e.Name())
		}
		body, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}

		m, seen := byVersion[version]
		if !seen {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		} else if m.Name != name {
			return nil, fmt.Errorf("%w: version %s used by %s and %s", ErrMigrationFiles, version, m.Name, name)
		}
		switch direction {
		case "up":
			m.Up = string(body)
			sum := sha256.Sum256(body)
			m.Checksum = hex.EncodeToString(sum[:])
		case "down":
			m.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("%w: %s has no up file", ErrMigrationFiles, m.downFile())
		}
		if m.Down == "" {
			return nil, fmt.Errorf("%w: %s has no down file", ErrMigrationFiles, m.upFile())
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// parseMigrationName splits "000001_event_log.up.sql" into its parts
func parseMigrationName(file string) (version, name, direction string, ok bool) {
	base := strings.TrimSuffix(file, ".sql")
	switch {
	case strings.HasSuffix(base, ".up"):
		direction = "up"
	case strings.HasSuffix(base, ".down"):
		direction = "down"
	default:
		return "", "", "", false
	}
	base = strings.TrimSuffix(base, "."+direction)
	version, name, ok = strings.Cut(base, "_")
	if !ok || version == "" || name == "" {
		return "", "", "", false
	}
	for _, r := range version {
		if r < '0' || r > '9' {
			return "", "", "", false
		}
	}
	return version, name, direction, true
}

// Migrator applies the SQL migrations in a directory. Each migration runs in
// its own transaction and the whole run holds a Postgres advisory lock.
type Migrator struct {
	db     *sql.DB
	fsys   fs.FS
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return NewMigratorFS(db, os.DirFS(migrationsDir), logger)
}

func NewMigratorFS(db *sql.DB, fsys fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, fsys: fsys, logger: logger.With().Str("component", "migrator").Logger()}
}

// MigrationStatus is one migration and its state in the database
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
	// Modified is set when the file no longer matches the applied checksum
	Modified bool
}

type appliedMigration struct {
	name     string
	checksum string
}

func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := LoadMigrations(m.fsys)
	if err != nil {
		return nil, err
	}
	var out []MigrationStatus
	err = m.withLock(ctx, func(conn *sql.Conn) error {
		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return err
		}
		out = make([]MigrationStatus, 0, len(migrations))
		for _, mig := range migrations {
			a, ok := applied[mig.Version]
			out = append(out, MigrationStatus{
				Version:  mig.Version,
				Filename: mig.upFile(),
				Applied:  ok,
				Modified: ok && a.checksum != "" && a.checksum != mig.Checksum,
			})
		}
		return nil
	})
	return out, err
}

// Up applies every pending migration in version order. It refuses to run when
// an already applied migration has been edited since.
func (m *Migrator) Up(ctx context.Context) error {
	migrations, err := LoadMigrations(m.fsys)
	if err != nil {
		return err
	}
	return m.withLock(ctx, func(conn *sql.Conn) error {
		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return err
		}

		pending := 0
		for _, mig := range migrations {
			a, ok := applied[mig.Version]
			if ok {
				if a.checksum != "" && a.checksum != mig.Checksum {
					return fmt.Errorf("%w: %s", ErrMigrationChanged, mig.upFile())
				}
				continue
			}
			if err := m.apply(ctx, conn, mig.upFile(), mig.Up,
				`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
				mig.Version, mig.upFile(), mig.Checksum,
			); err != nil {
				return err
			}
			pending++
		}
		m.logger.Info().Int("applied", pending).Int("total", len(migrations)).Msg("schema up to date")
		return nil
	})
}

// Down rolls back the most recently applied migration, if any
func (m *Migrator) Down(ctx context.Context) error {
	migrations, err := LoadMigrations(m.fsys)
	if err != nil {
		return err
	}
	return m.withLock(ctx, func(conn *sql.Conn) error {
		var version string
		err := conn.QueryRowContext(ctx,
			`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("nothing to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		idx := sort.Search(len(migrations), func(i int) bool { return migrations[i].Version >= version })
		if idx == len(migrations) || migrations[idx].Version != version {
			return fmt.Errorf("%w: applied version %s has no files", ErrMigrationFiles, version)
		}
		mig := migrations[idx]
		return m.apply(ctx, conn, mig.downFile(), mig.Down,
			`DELETE FROM public.schema_migrations WHERE version = $1`, mig.Version,
		)
	})
}

// apply runs one migration body and its bookkeeping statement in a transaction
func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, file, body, record string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("exec %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", file, err)
	}
	m.logger.Info().Str("file", file).Msg("migration executed")
	return nil
}

// withLock pins a connection, takes the session advisory lock and makes sure
// the bookkeeping table exists before calling fn
func (m *Migrator) withLock(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			m.logger.Warn().Err(err).Msg("release migration lock")
		}
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	if _, err := conn.ExecContext(ctx,
		`ALTER TABLE public.schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''`,
	); err != nil {
		return fmt.Errorf("ensure schema_migrations checksum: %w", err)
	}
	return fn(conn)
}

func appliedMigrations(ctx context.Context, conn *sql.Conn) (map[string]appliedMigration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, filename, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]appliedMigration)
	for rows.Next() {
		var version string
		var a appliedMigration
		if err := rows.Scan(&version, &a.name, &a.checksum); err != nil {
			return nil, err
		}
		applied[version] = a
	}
	return applied, rows.Err()
}
