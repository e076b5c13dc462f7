// Package queue provides the durable job queue that carries run-pipeline
// work from the API to the worker pool.
//
// Delivery is at-least-once: a claimed job is redelivered after its retry
// delay when the handler fails, and dead-lettered once its retry limit is
// exhausted.
//
// Implementations:
//   - redis: Redis Streams with a consumer group, a delayed-retry sorted set
//     and a dead-letter list
//   - memory: in-process queue for tests and single-binary development
package queue
