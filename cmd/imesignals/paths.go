package main

import "tools.zach/dev/imesignals/internal/paths"

// DataPaths aliases [paths.DataDir] for the daemon and subcommands.
type DataPaths = paths.DataDir
