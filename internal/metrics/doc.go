/*
Package metrics collects prometheus instrumentation for the control plane:
HTTP traffic, job submissions and per-status gauges, dispatch decisions,
lease grants and expiries, event appends, checkpoints, replay outcomes,
retries, interrupts, cache hit rates, and database pool state.

Each Collector owns its own Registry, exposed through Registry() for
promhttp, so independent collectors never collide.
*/
package metrics
