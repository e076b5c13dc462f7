// Package events provides run event bus implementations.
//
// Implementations:
//   - memory: in-process bus keyed by run id with bounded per-subscriber queues
//   - redis: Pub/Sub relay that bridges the in-process bus across processes
package events
