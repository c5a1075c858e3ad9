// Package texturecache coordinates the on-disk cache of derived
// (resized, re-oriented, re-compressed) images: synchronous and queued
// background population, per-key dedup of concurrent requests,
// freshness revalidation, usage accounting, invalidation, export and
// the unused-texture cleanup sweep.
//
// Exactly one derivative is stored per cache key regardless of the
// target dimensions different callers request: a size change for an
// already-cached source re-derives and overwrites the stored file
// rather than multiplying entries.
package texturecache
