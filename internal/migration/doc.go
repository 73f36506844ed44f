/*
Package migration manages the control plane's schema with golang-migrate.

Migration SQL lives in embedded per-dialect directories under migrations/
(postgres, mysql, sqlite), so the binary carries its own schema. The CLI
type wraps a Migrator with the human-facing output used by the loomd
migrate subcommand.
*/
package migration
