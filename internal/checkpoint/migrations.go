package checkpoint

import (
	"database/sql"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/acorvin/tally/internal/errors"
	"github.com/acorvin/tally/internal/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// runMigrations applies pending schema migrations on the write connection.
// A dirty version left by an interrupted migration is forced back to its
// recorded version first; with a single baseline migration this recovery
// is safe.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return errors.Wrap(err, "open migration source")
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return errors.Wrap(err, "create migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return errors.Wrap(err, "create migrator")
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return errors.Wrap(err, "read migration version")
	}
	if dirty {
		logging.Warn("recovering dirty migration state", "version", version)
		if err := m.Force(int(version)); err != nil {
			return errors.Wrapf(err, "recover dirty migration state at version %d", version)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}
