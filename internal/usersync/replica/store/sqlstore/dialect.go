package sqlstore

import (
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect captures the few places PostgreSQL and SQLite differ.
type Dialect struct {
	Name   string
	Schema []string
	// IsUniqueViolation recognises the driver's unique/primary key error.
	IsUniqueViolation func(error) bool
	// Rebind rewrites '?' placeholders into the driver's style.
	Rebind func(query string) string
}

// Postgres is the production dialect (github.com/lib/pq).
var Postgres = Dialect{
	Name: "postgres",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS replicas (
			local_id     BIGSERIAL PRIMARY KEY,
			natural_key  TEXT NOT NULL,
			display_name TEXT NOT NULL,
			avatar_url   TEXT NULL,
			level        TEXT NOT NULL DEFAULT 'USER',
			can_sell     BOOLEAN NOT NULL DEFAULT FALSE,
			deleted      BOOLEAN NOT NULL DEFAULT FALSE,
			version      BIGINT NOT NULL DEFAULT 0,
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS replicas_natural_key_idx ON replicas (natural_key)`,
		`CREATE TABLE IF NOT EXISTS subject_links (
			subject_id TEXT PRIMARY KEY,
			local_id   BIGINT NOT NULL UNIQUE REFERENCES replicas (local_id),
			linked_at  TIMESTAMPTZ NOT NULL
		)`,
	},
	IsUniqueViolation: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	},
	Rebind: rebindDollar,
}

// SQLite is the embedded dialect (modernc.org/sqlite), used for single-node
// deployments and tests that need a real unique index.
var SQLite = Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS replicas (
			local_id     INTEGER PRIMARY KEY AUTOINCREMENT,
			natural_key  TEXT NOT NULL,
			display_name TEXT NOT NULL,
			avatar_url   TEXT NULL,
			level        TEXT NOT NULL DEFAULT 'USER',
			can_sell     BOOLEAN NOT NULL DEFAULT 0,
			deleted      BOOLEAN NOT NULL DEFAULT 0,
			version      INTEGER NOT NULL DEFAULT 0,
			created_at   TIMESTAMP NOT NULL,
			updated_at   TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS replicas_natural_key_idx ON replicas (natural_key)`,
		`CREATE TABLE IF NOT EXISTS subject_links (
			subject_id TEXT PRIMARY KEY,
			local_id   INTEGER NOT NULL UNIQUE REFERENCES replicas (local_id),
			linked_at  TIMESTAMP NOT NULL
		)`,
	},
	IsUniqueViolation: func(err error) bool {
		var sqliteErr *sqlite.Error
		if !errors.As(err, &sqliteErr) {
			return false
		}
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return false
	},
	Rebind: func(query string) string { return query },
}

// DialectFor resolves a dialect by driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "postgres", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return Dialect{}, errors.New("sqlstore: unsupported driver " + strconv.Quote(driver))
}

func rebindDollar(query string) string {
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
