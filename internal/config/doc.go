// Package config loads, normalizes, and validates meshqueue configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks for
// secrets and backend endpoints. Stage sections are merged over built-in
// defaults and resolved into a stage.Catalog, so an unknown stage kind or a
// pipeline naming one fails at load time rather than inside a worker.
//
// Always obtain settings through this package so the daemon, the workers and
// the CLI agree on paths, backends and retry bounds.
package config
