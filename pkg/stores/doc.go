// Package stores provides the SQLite-backed resource store for Capstan.
// It keeps the cached provider view of every resource with its lineage
// flags, the dependency edges between resources, and the full history of
// every operation (status, step outcomes, logs and self-healing failures).
//
// The database runs in WAL mode with immediate write transactions; every
// mutation is a single statement or a single transaction, so concurrent
// readers never observe a half-written record.
package stores
