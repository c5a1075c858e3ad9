// Package inflight provides the per-key population dedup coordinator:
// a mutex-guarded set of cache keys with a broadcast completion signal.
//
// A key is a member from the moment a populator wins TryBegin until its
// matching End, and no two populations for the same key ever run their
// transform step concurrently. Waiters block in AwaitAbsent and re-read
// the metadata store afterwards rather than re-populating.
package inflight
