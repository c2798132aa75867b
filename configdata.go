// Package imesignals provides embedded assets for the imesignals daemon.
//
// The root package exists solely to embed [config.default.toml] via
// [DefaultConfigTOML]. The daemon writes it to the data directory on first
// run so users start from an annotated file.
package imesignals

import _ "embed"

// DefaultConfigTOML holds the raw bytes of config.default.toml, embedded at
// build time. It is regenerated by go generate in internal/config.
//
//go:embed config.default.toml
var DefaultConfigTOML []byte
