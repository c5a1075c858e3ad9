// Package workers provides utilities for determining worker pool sizes
// in containerized environments.
//
// Go 1.19+ sets GOMAXPROCS from container CPU limits, while
// runtime.NumCPU() still reports the host's CPU count. The helpers here
// size pools from GOMAXPROCS so the cache's transform workers respect
// cgroup constraints, with a TEXTURE_WORKERS environment override for
// operators.
package workers
