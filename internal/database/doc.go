// Package database provides the PostgreSQL connection pool shared by the
// LISTEN/NOTIFY bus and the audit store.
package database
