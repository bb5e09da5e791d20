package store

import (
	"database/sql"
	"embed"
	"sync"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its dialect, filesystem and logger in package globals.
var gooseMu sync.Mutex

// migrate brings the schema up to the latest embedded migration.
func migrate(db *sql.DB, driver string, log *zap.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(zap.NewStdLog(log.Named("migrate")))
	if err := goose.SetDialect(driver); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// Migrate applies pending migrations to an open store. Open already does
// this; the migrate command calls it to report the resulting version.
func (s *Store) Migrate() (int64, error) {
	if err := migrate(s.db, s.driver, s.log); err != nil {
		return 0, Error.Wrap(err)
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()
	version, err := goose.GetDBVersion(s.db)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return version, nil
}
