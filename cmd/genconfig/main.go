// Package main implements the genconfig tool that writes config.default.toml
// from config.DefaultConfig().
//
// It is invoked by go generate via the directive in internal/config/config.go.
package main

import (
	"fmt"
	"os"

	"tools.zach/dev/imesignals/internal/config"
)

// outPath is relative to internal/config, where go generate runs. The repo
// root holds the file that configdata.go embeds.
const outPath = "../../config.default.toml"

func main() {
	data, err := config.Render(config.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "render: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", outPath, err)
		os.Exit(1)
	}
	fmt.Println("wrote config.default.toml")
}
