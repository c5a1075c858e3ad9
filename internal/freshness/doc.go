// Package freshness decides whether cached derivatives can still be
// trusted against their live source images.
//
// The fingerprint format "d<mtime>s<size>" is persisted in the texture
// database and must stay stable across versions.
package freshness
