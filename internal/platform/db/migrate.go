package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// MigrationStatus represents the status of a migration (applied or pending).
type MigrationStatus struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies the embedded goose migrations to one PostgreSQL schema.
type Migrator struct {
	db       *sql.DB
	provider *goose.Provider
	schema   string
}

// NewMigrator opens a database/sql handle from the pool configuration whose
// sessions resolve unqualified names in schema, and wraps it in a goose
// provider. An empty schema leaves the server's default search_path.
func NewMigrator(pool *pgxpool.Pool, schema string) (*Migrator, error) {
	if schema != "" && !tenantIDPattern.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name: %s", schema)
	}

	connCfg := pool.Config().ConnConfig.Copy()
	if schema != "" {
		if connCfg.RuntimeParams == nil {
			connCfg.RuntimeParams = map[string]string{}
		}
		connCfg.RuntimeParams["search_path"] = schema + ", public"
	}
	sqlDB := stdlib.OpenDB(*connCfg)

	provider, err := newProvider(sqlDB, embeddedMigrations)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &Migrator{db: sqlDB, provider: provider, schema: schema}, nil
}

func newProvider(sqlDB *sql.DB, source fs.FS) (*goose.Provider, error) {
	migrations, err := fs.Sub(source, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, migrations)
	if err != nil {
		return nil, fmt.Errorf("create goose provider: %w", err)
	}
	return provider, nil
}

// Up applies all pending migrations and returns how many were applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	results, err := m.provider.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("apply migrations to %s: %w", m.schemaLabel(), err)
	}
	return len(results), nil
}

// Version returns the highest applied migration version.
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	v, err := m.provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("get migration version: %w", err)
	}
	return v, nil
}

// Status returns the state of every known migration.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	results, err := m.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status for %s: %w", m.schemaLabel(), err)
	}

	statuses := make([]MigrationStatus, 0, len(results))
	for _, r := range results {
		s := MigrationStatus{
			Version: r.Source.Version,
			Name:    r.Source.Path,
			Applied: r.State == goose.StateApplied,
		}
		if s.Applied {
			at := r.AppliedAt
			s.AppliedAt = &at
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

// Close releases the database/sql handle. The pool is left open.
func (m *Migrator) Close() error {
	return m.db.Close()
}

func (m *Migrator) schemaLabel() string {
	if m.schema == "" {
		return "default schema"
	}
	return m.schema
}
