// Package handlers implements the HTTP endpoints of the texture cache
// service: derivative fetch with populate-on-miss, invalidation,
// background precache and stats.
package handlers
