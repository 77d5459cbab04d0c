// Package history provides completed-task archive implementations.
//
// Implementations:
//   - redis: Redis with JSON serialization and TTL
//   - memory: In-memory with a bounded record count, also used for testing
//
// Only terminal task records are stored; queued tasks are never persisted.
package history
