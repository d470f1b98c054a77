// Package database opens the SQLite file that backs single-host deployments.
//
// The sqlite job store and the sqlite broker share one schema, versioned in
// schema_version. Writers go through Exec or InTx, which retry on
// SQLITE_BUSY so concurrent worker slots and the front door can share the
// file.
package database
