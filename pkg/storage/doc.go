// Package storage persists instances, volumes, action logs and tenancy data
// in PostgreSQL via database/sql and github.com/lib/pq. Transactions are kept
// short: a single statement or a small batch. TransitionInstance is the one
// place an instance's status row, its history row, and its action-log row
// are written together, atomically.
package storage
