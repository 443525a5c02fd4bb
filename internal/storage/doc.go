// Package storage is the durable source of truth for the work-execution core.
//
// One database/sql implementation serves both drivers:
//   - "sqlite": modernc.org/sqlite (pure Go), single writer connection, WAL
//   - "postgres": jackc/pgx stdlib driver, pooled connections
//
// Queries are written with $N placeholders and rebound for sqlite. Every
// state transition that can race between concurrent executions (task claim,
// retry increment, work start, credit deduction) is a single conditional
// UPDATE so it is safe under the database's own isolation.
package storage
