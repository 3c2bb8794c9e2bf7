package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/rs/zerolog"
)

// migrationLockKey is the pg advisory lock every replica takes before
// touching schema_migrations, so services booting with auto-migrate on
// apply each file once.
const migrationLockKey int64 = 0x5e771ed9e5

var (
	ErrMigrationChanged   = errors.New("applied migration file was edited")
	ErrDuplicateMigration = errors.New("two migration files share a version")
)

var (
	migrationFile = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.up\.sql$`)
	downName      = regexp.MustCompile(`^\d+_[a-z0-9_]+\.down\.sql$`)
)

type migration struct {
	version  string
	upFile   string
	body     string
	checksum string
}

func (mg migration) downFile() string {
	return mg.upFile[:len(mg.upFile)-len(".up.sql")] + ".down.sql"
}

// Migrator applies {version}_{name}.up.sql files from a directory and
// rolls back with the matching .down.sql. Each file runs in its own
// transaction and is recorded with a sha256 of its contents.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: logger}
}

// Up applies all pending migrations in version order and returns how many
// this process ran. A recorded migration whose file no longer matches its
// checksum stops the run before anything is applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return 0, fmt.Errorf("ensure migration table: %w", err)
	}
	all, err := m.load()
	if err != nil {
		return 0, fmt.Errorf("list migrations: %w", err)
	}
	applied, err := m.appliedChecksums(ctx)
	if err != nil {
		return 0, fmt.Errorf("get applied versions: %w", err)
	}

	for _, mg := range all {
		// Rows written before checksums were tracked carry none.
		if sum, ok := applied[mg.version]; ok && sum != "" && sum != mg.checksum {
			return 0, fmt.Errorf("%w: %s", ErrMigrationChanged, mg.upFile)
		}
	}

	ran := 0
	for _, mg := range all {
		if _, ok := applied[mg.version]; ok {
			continue
		}
		done, err := m.apply(ctx, mg)
		if err != nil {
			return ran, err
		}
		if done {
			ran++
		}
	}
	return ran, nil
}

// apply runs one migration under the advisory lock. It reports false when
// another process recorded the version while this one waited.
func (m *Migrator) apply(ctx context.Context, mg migration) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx for %s: %w", mg.upFile, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("lock migrations: %w", err)
	}
	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, mg.version,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check %s: %w", mg.upFile, err)
	}
	if exists {
		m.logger.Info().Str("file", mg.upFile).Msg("migration applied by another process")
		return false, nil
	}

	m.logger.Info().Str("file", mg.upFile).Msg("applying migration")
	if _, err := tx.ExecContext(ctx, mg.body); err != nil {
		return false, fmt.Errorf("exec migration %s: %w", mg.upFile, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
		mg.version, mg.upFile, mg.checksum,
	); err != nil {
		return false, fmt.Errorf("record migration %s: %w", mg.upFile, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", mg.upFile, err)
	}
	m.logger.Info().Str("file", mg.upFile).Str("checksum", mg.checksum[:12]).Msg("applied migration")
	return true, nil
}

// Down rolls back the latest applied migration. No-op on an empty schema.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	var mg migration
	err = tx.QueryRowContext(ctx,
		`SELECT version, filename FROM schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&mg.version, &mg.upFile)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get latest migration: %w", err)
	}

	downFile := mg.downFile()
	content, err := os.ReadFile(filepath.Join(m.migrationsDir, downFile))
	if err != nil {
		return fmt.Errorf("read down migration %s: %w", downFile, err)
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec down migration %s: %w", downFile, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, mg.version); err != nil {
		return fmt.Errorf("remove migration record %s: %w", mg.version, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	m.logger.Info().Str("file", downFile).Msg("rolled back migration")
	return nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT;
	`)
	return err
}

func (m *Migrator) appliedChecksums(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, COALESCE(checksum, '') FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, sum string
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, err
		}
		applied[version] = sum
	}
	return applied, rows.Err()
}

// load reads every up-migration in the directory, sorted by version.
// Files that do not follow the naming scheme are ignored with a warning.
func (m *Migrator) load() ([]migration, error) {
	entries, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]string)
	var out []migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(e.Name())
		if match == nil {
			if filepath.Ext(e.Name()) == ".sql" && !downName.MatchString(e.Name()) {
				m.logger.Warn().Str("file", e.Name()).Msg("skipping unrecognised migration file")
			}
			continue
		}
		if prev, dup := seen[match[1]]; dup {
			return nil, fmt.Errorf("%w: %s and %s", ErrDuplicateMigration, prev, e.Name())
		}
		seen[match[1]] = e.Name()

		body, err := os.ReadFile(filepath.Join(m.migrationsDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(body)
		out = append(out, migration{
			version:  match[1],
			upFile:   e.Name(),
			body:     string(body),
			checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
