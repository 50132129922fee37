// Package store provides storage backends for DialPilot.
//
// This file holds the shared configuration options for database-backed
// stores.
package store

import "strings"

// Opts holds configuration options for database-backed stores.
type Opts struct {
	// DSN is the database connection string: a PostgreSQL URL or an SQLite
	// file path.
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets an SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports whether a DSN names a "postgres" or "sqlite"
// database. Anything that does not look like a PostgreSQL URL or key=value
// connection string is treated as an SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
