// Package jobqueue is a small priority job queue: three lanes drained
// highest-first onto a bounded worker pool, with a pausable and capped
// low lane for background cache population, completion callbacks and
// cooperative cancellation checked at job entry.
package jobqueue
