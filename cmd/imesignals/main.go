// Package main implements imesignals: a daemon that owns the voice input
// "logging info pending" flag and broadcasts IME_TEXT_ACCEPTED log events on
// a local bus, plus the client commands that drive and observe it.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"tools.zach/dev/imesignals/internal/paths"
)

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version is set at release time with -ldflags "-X main.version=0.1.0".
// Without it, resolveVersion falls back to the VCS info Go embeds.
var version = "dev"

// resolveVersion returns [version] when set via ldflags, otherwise a
// "dev+<hash>" tag built from the embedded VCS revision.
func resolveVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return version
	}
	hash := revision[:min(7, len(revision))]
	if dirty {
		return "dev+" + hash + ".dirty"
	}
	return "dev+" + hash
}

// ///////////////////////////////////////////////
// Command Dispatch
// ///////////////////////////////////////////////

const usage = `usage: imesignals [-data-dir DIR] <command> [args]

commands:
  serve [-foreground]            run the daemon
  pending on|off                 set the pending voice logging flag
  accept <calling-app>           report IME text accepted by an app
  broadcast <action> [k=v ...]   publish an intent on the bus
  listen [pattern ...]           print matching broadcasts as JSON lines
  logs [-n N]                    print the end of the daemon log
  version                        print the version
`

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// errUsage marks command line mistakes, which exit with [exitUsage].
var errUsage = errors.New("usage error")

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one command line and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(paths.BinaryName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	dataDir := fs.String("data-dir", paths.DefaultRoot(), "Data directory for config, PID file, and logs")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}

	dp := DataPaths{Root: *dataDir}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	var err error
	switch cmd {
	case "serve":
		err = cmdServe(dp, rest, stderr)
	case "pending":
		err = cmdPending(dp, rest)
	case "accept":
		err = cmdAccept(dp, rest)
	case "broadcast":
		err = cmdBroadcast(dp, rest)
	case "listen":
		err = cmdListen(dp, rest, stdout)
	case "logs":
		err = cmdLogs(dp, rest, stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, paths.BinaryName, resolveVersion())
	default:
		err = usageErrorf("unknown command %q", cmd)
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "%v\n\n%s", err, usage)
		return exitUsage
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitError
	}
}
