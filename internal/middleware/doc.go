// Package middleware provides HTTP middleware for the texture cache
// service: request logging and Prometheus request metrics.
package middleware
