// Package metrics defines the Prometheus metrics exposed by the texture
// cache service: HTTP request metrics, cache hit/miss and population
// counters, job queue depth, and texture database query timings.
//
// All metrics are registered with the default registry via promauto and
// served by the /metrics endpoint.
package metrics
