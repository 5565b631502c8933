// Package queue implements the durable job queue and worker pool (§4.9,
// C9): Queue owns enqueue/status/cancel/pause and lifecycle-hook firing;
// Worker owns the per-lane dequeue/dispatch/heartbeat loop. Storage is
// the broker contract both depend on; pkg/storage provides Redis and
// GORM implementations.
package queue
