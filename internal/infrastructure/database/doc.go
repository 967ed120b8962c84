// Package database provides the SQLite connection layer for fleetd.
//
// It wraps database/sql with WAL-mode pragmas, restrictive file
// permissions, a single-writer connection pool, and an embedded migration
// runner. The schema lives in the top-level migrations package and is
// compiled into the binary.
package database
