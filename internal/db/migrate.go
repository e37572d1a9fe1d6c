package db

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
)

//go:embed migrations/*.up.sql
var embedded embed.FS

// Migrations is the migration source used by Open. Every migration is
// additive: none drops a partition that may hold unsynced rows.
var Migrations fs.FS = mustSub(embedded, "migrations")

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

type migrationFile struct {
	version int
	name    string
}

// Migrator handles database schema migrations.
type Migrator struct {
	db   *sql.DB
	fsys fs.FS
}

// NewMigrator creates a new Migrator reading V{n}__{name}.up.sql files from fsys.
func NewMigrator(db *sql.DB, fsys fs.FS) *Migrator {
	return &Migrator{
		db:   db,
		fsys: fsys,
	}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// LatestVersion returns the highest version this build knows about.
func (m *Migrator) LatestVersion() (int, error) {
	files, err := m.files()
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, nil
	}
	return files[len(files)-1].version, nil
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

// files lists migration files sorted by version.
func (m *Migrator) files() ([]migrationFile, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		// V1__initial_schema.up.sql
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		parts := strings.SplitN(strings.TrimSuffix(name, ".up.sql"), "__", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
		if err != nil {
			continue
		}
		files = append(files, migrationFile{version, name})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].version < files[j].version
	})
	return files, nil
}

// Up applies all pending migrations in version order. A store written by a
// newer build is refused rather than opened with an unknown layout, and an
// applied migration whose content changed is reported as a checksum mismatch.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to initialize schema_migrations", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to get applied migrations", err)
	}
	appliedChecksums := make(map[int]string, len(applied))
	for _, mig := range applied {
		appliedChecksums[mig.Version] = mig.Checksum
	}

	files, err := m.files()
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to list migrations", err)
	}

	latest := 0
	if len(files) > 0 {
		latest = files[len(files)-1].version
	}
	current, err := m.CurrentVersion()
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to read schema version", err)
	}
	if current > latest {
		return errors.New(errors.ErrMigration,
			fmt.Sprintf("database schema v%d is newer than supported v%d", current, latest))
	}

	for _, file := range files {
		content, err := fs.ReadFile(m.fsys, file.name)
		if err != nil {
			return errors.Wrap(errors.ErrMigration, "failed to read migration file", err)
		}
		checksum := checksumOf(content)

		if prev, ok := appliedChecksums[file.version]; ok {
			if prev != checksum {
				return errors.New(errors.ErrMigration,
					fmt.Sprintf("checksum mismatch for applied migration V%d", file.version))
			}
			continue
		}

		if err := m.applyMigration(file, content, checksum); err != nil {
			return errors.Wrap(errors.ErrMigration, fmt.Sprintf("failed to apply migration V%d", file.version), err)
		}
	}

	return nil
}

func checksumOf(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// applyMigration applies a single migration.
func (m *Migrator) applyMigration(file migrationFile, content []byte, checksum string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	description := strings.TrimSuffix(file.name, ".up.sql")
	description = strings.TrimPrefix(description, fmt.Sprintf("V%d__", file.version))
	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, file.version, time.Now().Unix(), description, checksum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
