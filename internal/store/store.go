package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// Error is the error class for state store failures.
var Error = errs.Class("store")

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "postgres"
)

// Store provides durable storage for scene and tile state.
type Store struct {
	db     *sql.DB
	driver string
	log    *zap.Logger

	// now stamps date_processed and date_completed.
	now func() time.Time
}

// Open connects to the store described by connstr and applies pending
// migrations. It is safe to call repeatedly against the same database.
func Open(ctx context.Context, log *zap.Logger, connstr string) (*Store, error) {
	driver, dsn := parseConnString(connstr)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, Error.New("failed to open database: %w", err)
	}

	// Verify connection works
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, Error.New("failed to connect to database: %w", err)
	}

	if driver == driverSQLite {
		// SQLite only supports one writer at a time, so limit connections
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		if err := applyPragmas(db); err != nil {
			db.Close()
			return nil, Error.New("failed to apply pragmas: %w", err)
		}
	}

	if err := migrate(db, driver, log); err != nil {
		db.Close()
		return nil, Error.New("failed to apply schema: %w", err)
	}

	return &Store{
		db:     db,
		driver: driver,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string {
	return s.driver
}

// parseConnString picks a driver for connstr and strips any scheme the
// driver does not understand.
func parseConnString(connstr string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(connstr, "postgres://"), strings.HasPrefix(connstr, "postgresql://"):
		return driverPostgres, connstr
	case strings.Contains(connstr, "host=") || strings.Contains(connstr, "dbname="):
		return driverPostgres, connstr
	case strings.HasPrefix(connstr, "sqlite3://"):
		return driverSQLite, strings.TrimPrefix(connstr, "sqlite3://")
	}
	return driverSQLite, connstr
}

// q rebinds ? placeholders for the active driver.
func (s *Store) q(query string) string {
	return rebind(s.driver, query)
}

func rebind(driver, query string) string {
	if driver != driverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
