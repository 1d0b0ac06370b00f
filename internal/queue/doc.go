// Package queue implements the five-tier priority job queue.
//
// Work that should not block an admitted request is enqueued on one of the
// tiers CRITICAL, HIGH, STANDARD, LOW or BULK. Each tier has its own worker
// pool, concurrency ceiling and optional start rate. A job is attempted at
// most MaxAttempts times with exponential backoff between attempts and is
// then moved to the dead-letter record of its tier. Jobs are never dropped
// silently.
//
// Jobs claimed by a worker that does not finish within the stall timeout
// are recovered by a scheduler task: the first stall requeues the job, the
// second dead-letters it. A worker that finishes after its job was
// recovered finds its claim stale and its acknowledgement is ignored.
//
// Storage is pluggable through Store. MemoryStore keeps one min-heap per
// tier; RedisStore shares the queue across replicas.
package queue
