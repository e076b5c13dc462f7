// Package storage provides persistence for runs, run steps, pipeline
// graphs and user credentials.
//
// Implementations:
//   - sqlite: database/sql with go-sqlite3 (default, durable)
//   - redis: JSON documents in Redis with TTL
//   - memory: in-memory for testing
package storage
