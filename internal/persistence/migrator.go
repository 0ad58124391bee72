package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"BidLedger/internal/observability"

	"github.com/rs/zerolog"
)

// migrationLockKey serializes migrations across BidLedger instances
// sharing one database.
const migrationLockKey = 0x42494400

// Migrator runs SQL migration files in order. Files follow golang-migrate
// naming: {version}_{name}.up.sql and {version}_{name}.down.sql.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return &Migrator{db: db, dir: migrationsDir, logger: observability.NewLogger("migrator")}
}

// Pending returns the up-migration files not yet applied.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx, m.db); err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, m.db)
	if err != nil {
		return nil, err
	}
	files, err := listFiles(m.dir, ".up.sql")
	if err != nil {
		return nil, err
	}
	return pending(files, applied), nil
}

// Up applies all pending up-migrations, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return fmt.Errorf("get applied versions: %w", err)
		}
		files, err := listFiles(m.dir, ".up.sql")
		if err != nil {
			return fmt.Errorf("list migrations: %w", err)
		}
		for _, f := range pending(files, applied) {
			m.logger.Info().Str("file", f).Msg("applying migration")
			err := m.run(ctx, conn, f,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
				extractVersion(f), f)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version, filename string
		err := conn.QueryRowContext(ctx,
			`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &filename)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("get latest migration: %w", err)
		}

		downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
		m.logger.Info().Str("file", downFile).Msg("rolling back migration")
		return m.run(ctx, conn, downFile, `DELETE FROM public.schema_migrations WHERE version = $1`, version)
	})
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(*sql.Conn) error) error {
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

	if err := m.ensureTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

// run executes one migration file and its bookkeeping statement atomically.
func (m *Migrator) run(ctx context.Context, conn *sql.Conn, file, record string, args ...any) error {
	content, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (m *Migrator) ensureTable(ctx context.Context, db execQuerier) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

func appliedVersions(ctx context.Context, db execQuerier) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func listFiles(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func pending(files []string, applied map[string]bool) []string {
	var out []string
	for _, f := range files {
		if !applied[extractVersion(f)] {
			out = append(out, f)
		}
	}
	return out
}

// extractVersion returns the numeric prefix of a migration filename,
// e.g. "000001_auction.up.sql" -> "000001".
func extractVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
