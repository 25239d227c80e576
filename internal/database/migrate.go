package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration represents a single database migration.
type Migration struct {
	Version string
	Name    string
	UpSQL   string
	DownSQL string
}

// Migrator handles database migrations.
type Migrator struct {
	db         *DB
	migrations []Migration
	tableName  string
}

// NewMigrator creates a Migrator loaded with the embedded migrations.
func NewMigrator(db *DB) (*Migrator, error) {
	m := &Migrator{
		db:        db,
		tableName: "schema_migrations",
	}

	migrations, err := loadMigrations(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	m.migrations = migrations

	return m, nil
}

// migrationFileRegex matches migration files like "20260401000001_initial_schema.up.sql"
var migrationFileRegex = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

func loadMigrations(embedFS embed.FS, dir string) ([]Migration, error) {
	subFS, err := fs.Sub(embedFS, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to access migrations directory %q: %w", dir, err)
	}

	migrationMap := make(map[string]*Migration)

	err = fs.WalkDir(subFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		filename := filepath.Base(path)
		matches := migrationFileRegex.FindStringSubmatch(filename)
		if matches == nil {
			return nil // Skip non-migration files
		}

		version := matches[1]
		name := matches[2]
		direction := matches[3]

		content, err := fs.ReadFile(subFS, path)
		if err != nil {
			return fmt.Errorf("failed to read migration file %q: %w", path, err)
		}

		mig, ok := migrationMap[version]
		if !ok {
			mig = &Migration{
				Version: version,
				Name:    name,
			}
			migrationMap[version] = mig
		}

		switch direction {
		case "up":
			mig.UpSQL = string(content)
		case "down":
			mig.DownSQL = string(content)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	migrations := make([]Migration, 0, len(migrationMap))
	for _, m := range migrationMap {
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// ensureMigrationsTable creates the migrations tracking table if it doesn't exist.
func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version VARCHAR(14) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW() NOT NULL
		)
	`, m.tableName)

	_, err := m.db.pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// getAppliedMigrations returns a map of applied migration versions.
func (m *Migrator) getAppliedMigrations(ctx context.Context) (map[string]time.Time, error) {
	query := fmt.Sprintf(`SELECT version, applied_at FROM %s`, m.tableName)

	rows, err := m.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version string
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = appliedAt
	}

	return applied, rows.Err()
}

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue // Already applied
		}

		if mig.UpSQL == "" {
			return count, fmt.Errorf("migration %s has no up SQL", mig.Version)
		}

		if err := m.applyMigration(ctx, mig); err != nil {
			return count, fmt.Errorf("failed to apply migration %s: %w", mig.Version, err)
		}
		count++
	}

	return count, nil
}

// applyMigration runs one migration and records it, in a single transaction.
func (m *Migrator) applyMigration(ctx context.Context, mig Migration) error {
	return m.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
			return fmt.Errorf("migration SQL failed: %w", err)
		}
		record := fmt.Sprintf(`INSERT INTO %s (version, name) VALUES ($1, $2)`, m.tableName)
		if _, err := tx.Exec(ctx, record, mig.Version, mig.Name); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}
