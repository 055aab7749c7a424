// Package configs holds the configuration template embedded in the
// binary. `pdindex config init` writes it to the user config path.
package configs

import _ "embed"

// UserConfigTemplate is the commented user configuration written by
// `pdindex config init`. It must load without errors.
//
//go:embed user-config.example.yaml
var UserConfigTemplate string
