// Package defaults provides embedded copies of the default config and
// servers file for the mcpdesk init subcommand.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte

//go:embed mcp.example.json
var ServersJSON []byte
