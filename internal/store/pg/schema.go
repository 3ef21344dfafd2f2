package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// RequiredSchemaVersion is the migration version this binary expects.
const RequiredSchemaVersion uint = 1

//go:embed migrations/*.sql
var migrationFS embed.FS

var (
	ErrSchemaOutdated = errors.New("database schema is outdated")
	ErrSchemaDirty    = errors.New("database schema is dirty (failed migration)")
	ErrSchemaAhead    = errors.New("database schema is newer than this binary")
)

// SchemaStatus represents the result of a schema compatibility check.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
	Compatible      bool
	NeedsMigration  bool
}

// Err returns the error describing an incompatible status, or nil.
func (s *SchemaStatus) Err() error {
	switch {
	case s.Dirty:
		return fmt.Errorf("%w: version %d", ErrSchemaDirty, s.CurrentVersion)
	case s.NeedsMigration:
		return fmt.Errorf("%w: have %d, need %d (run: relayclaw migrate up)", ErrSchemaOutdated, s.CurrentVersion, s.RequiredVersion)
	case !s.Compatible:
		return fmt.Errorf("%w: have %d, need %d", ErrSchemaAhead, s.CurrentVersion, s.RequiredVersion)
	}
	return nil
}

// CheckSchema queries the schema_migrations table and compares
// against RequiredSchemaVersion.
func CheckSchema(ctx context.Context, db *sql.DB) (*SchemaStatus, error) {
	var version uint
	var dirty bool

	err := db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if err != nil {
		// No rows or no table: fresh database.
		return &SchemaStatus{RequiredVersion: RequiredSchemaVersion, NeedsMigration: true}, nil
	}

	s := &SchemaStatus{
		CurrentVersion:  version,
		RequiredVersion: RequiredSchemaVersion,
		Dirty:           dirty,
	}
	if dirty {
		return s, nil
	}
	switch {
	case version == RequiredSchemaVersion:
		s.Compatible = true
	case version < RequiredSchemaVersion:
		s.NeedsMigration = true
	}
	return s, nil
}

// NewMigrator builds a migrator over the embedded SQL files.
// dsn must use the postgres:// scheme.
func NewMigrator(dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}
