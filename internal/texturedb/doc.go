// Package texturedb is the thin SQLite persistence wrapper for texture
// cache metadata: one row per cache key carrying the derivative file
// name, the source fingerprint, stored dimensions, the updateable flag
// and usage accounting.
//
// Every operation is serialized under one coarse lock shared with the
// handle lifecycle, and a closed store degrades to cache-miss behavior
// rather than surfacing errors; the transform work that dominates
// request latency deliberately happens outside this lock.
package texturedb
