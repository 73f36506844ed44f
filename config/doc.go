// Package config loads and watches the service configuration.
//
// Values resolve in three layers: built-in defaults, then an optional YAML
// file, then LOOM_* environment variables. A poll-based file watcher can
// reload the file at runtime for the knobs that tolerate it.
package config
