/*
loomd is the durable execution control plane daemon.

It serves the job and worker HTTP APIs on one port and Prometheus metrics on
another, runs the lease expiry scan and stale interrupt sweep in the
background, and ships its own schema migrations.

	loomd serve --config /etc/loom/config.yaml
	loomd migrate up
	loomd version
*/
package main
