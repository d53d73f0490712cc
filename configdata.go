package pgnotify

import _ "embed"

// DefaultConfigTOML holds config.default.toml, embedded at build time. The
// CLI writes it to the data directory on first run.
//
//go:embed config.default.toml
var DefaultConfigTOML []byte
