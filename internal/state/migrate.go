package state

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	controlMigrationsPath = "migrations/control"
	agentMigrationsPath   = "migrations/agent"
)

//go:embed migrations/control/*.sql migrations/agent/*.sql
var migrationsFS embed.FS

// MigrateControlDB applies control-plane schema migrations. The sqlite
// migration driver takes an exclusive lock for the whole run, so replicas
// converging at once cannot race (busy_timeout makes the losers wait).
func MigrateControlDB(db *sql.DB) error {
	return migrateUp(db, controlMigrationsPath)
}

// MigrateAgentDB applies the node agent's event-ledger schema migrations.
func MigrateAgentDB(db *sql.DB) error {
	return migrateUp(db, agentMigrationsPath)
}

func migrateUp(db *sql.DB, path string) error {
	if db == nil {
		return fmt.Errorf("migrate %s: nil db", path)
	}

	sourceDriver, err := iofs.New(migrationsFS, path)
	if err != nil {
		return fmt.Errorf("migrate %s: init source: %w", path, err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("migrate %s: init db driver: %w", path, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate %s: init migrator: %w", path, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: up: %w", path, err)
	}
	return nil
}
