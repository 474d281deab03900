// Package migrations embeds the SQLite schema of the signature catalogue and
// applies it with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"minhash-go/internal/errclass"
)

//go:embed files/*.sql
var schema embed.FS

// ErrNeedsMigration means the database has never been migrated.
var ErrNeedsMigration = errors.New("catalogue has no schema version")

// Status describes where a catalogue stands relative to the embedded schema.
type Status struct {
	Current uint
	Latest  uint
	Dirty   bool
}

func (s Status) UpToDate() bool { return !s.Dirty && s.Current == s.Latest }

// Inspect reports the schema version of db without changing it.
func Inspect(db *sql.DB) (Status, error) {
	latest, err := LatestVersion()
	if err != nil {
		return Status{}, err
	}
	m, err := open(db)
	if err != nil {
		return Status{}, err
	}
	// Closing m would close db, which belongs to the caller.
	current, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{Latest: latest}, ErrNeedsMigration
	}
	if err != nil {
		return Status{}, fmt.Errorf("reading schema version: %w", err)
	}
	return Status{Current: current, Latest: latest, Dirty: dirty}, nil
}

// Check fails unless db is exactly at the embedded schema version.
func Check(db *sql.DB) error {
	st, err := Inspect(db)
	if err != nil {
		return err
	}
	switch {
	case st.Dirty:
		return errclass.ErrIntegrityViolation.WithMessagef("schema migration %d did not finish", st.Current)
	case st.Current > st.Latest:
		return errclass.ErrNotSupported.WithMessagef("catalogue schema %d is newer than this build (%d)", st.Current, st.Latest)
	case st.Current < st.Latest:
		return fmt.Errorf("catalogue schema %d is behind %d", st.Current, st.Latest)
	}
	return nil
}

// MigrateUp applies pending migrations. A current database is untouched.
func MigrateUp(db *sql.DB) error {
	m, err := open(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating catalogue: %w", err)
	}
	return nil
}

// LatestVersion is the newest migration embedded in the binary.
func LatestVersion() (uint, error) {
	src, err := iofs.New(schema, "files")
	if err != nil {
		return 0, fmt.Errorf("reading embedded schema: %w", err)
	}
	defer src.Close()
	return last(src)
}

func open(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(schema, "files")
	if err != nil {
		return nil, fmt.Errorf("reading embedded schema: %w", err)
	}
	drv, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("binding migrate to sqlite: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("preparing migrations: %w", err)
	}
	return m, nil
}

func last(src source.Driver) (uint, error) {
	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("embedded schema is empty: %w", err)
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, err
		}
		v = next
	}
}
