package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

type Migration struct {
	Version string
	Name    string
	SQL     string
}

type MigrationStatus struct {
	Migration
	Applied bool
}

type Migrator struct {
	db     *sql.DB
	dbType string
	log    *zap.Logger
}

func NewMigrator(db *sql.DB, dbType string) *Migrator {
	return &Migrator{
		db:     db,
		dbType: dbType,
		log:    zap.L().Named("migrator"),
	}
}

// WithLogger replaces the migrator's logger.
func (m *Migrator) WithLogger(log *zap.Logger) *Migrator {
	m.log = log
	return m
}

// Initialize creates the migrations tracking table if it doesn't exist
func (m *Migrator) Initialize() error {
	if m.dbType != "postgres" {
		// SQLite schema is created through AutoMigrate
		return nil
	}

	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version VARCHAR(255) PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`

	if _, err := m.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	m.log.Debug("migration tracking table ready")
	return nil
}

// GetAppliedMigrations returns the set of already applied migration versions
func (m *Migrator) GetAppliedMigrations() (map[string]bool, error) {
	applied := make(map[string]bool)

	rows, err := m.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

// LoadMigrations loads all *.sql files from migrationsPath ordered by version.
// File names are expected as "<version>_<name>.sql", e.g. "001_init.sql".
func (m *Migrator) LoadMigrations(migrationsPath string) ([]Migration, error) {
	entries, err := os.ReadDir(migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, _, ok := strings.Cut(entry.Name(), "_")
		if !ok || version == "" {
			m.log.Warn("skipping invalid migration filename", zap.String("file", entry.Name()))
			continue
		}

		content, err := os.ReadFile(filepath.Join(migrationsPath, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, Migration{
			Version: version,
			Name:    entry.Name(),
			SQL:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// ApplyMigration runs a single migration in its own transaction
func (m *Migrator) ApplyMigration(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", migration.Name, err)
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version) VALUES ($1)",
		migration.Version,
	); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", migration.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", migration.Name, err)
	}

	m.log.Info("applied migration", zap.String("name", migration.Name))
	return nil
}

// Status reports every migration found in migrationsPath and whether it ran.
func (m *Migrator) Status(migrationsPath string) ([]MigrationStatus, error) {
	if err := m.Initialize(); err != nil {
		return nil, err
	}

	applied := map[string]bool{}
	if m.dbType == "postgres" {
		var err error
		if applied, err = m.GetAppliedMigrations(); err != nil {
			return nil, err
		}
	}

	migrations, err := m.LoadMigrations(migrationsPath)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, migration := range migrations {
		statuses = append(statuses, MigrationStatus{Migration: migration, Applied: applied[migration.Version]})
	}
	return statuses, nil
}

// Run executes all pending migrations
func (m *Migrator) Run(migrationsPath string) error {
	if m.dbType != "postgres" {
		m.log.Debug("skipping migrations for non-PostgreSQL database")
		return nil
	}

	if err := m.Initialize(); err != nil {
		return err
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return err
	}

	migrations, err := m.LoadMigrations(migrationsPath)
	if err != nil {
		return err
	}

	pendingCount := 0
	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}

		if err := m.ApplyMigration(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		pendingCount++
	}

	if pendingCount == 0 {
		m.log.Info("no pending migrations")
	} else {
		m.log.Info("applied migrations", zap.Int("count", pendingCount))
	}

	return nil
}
