package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"tools.zach/dev/imesignals/internal/bus"
	"tools.zach/dev/imesignals/internal/config"
	"tools.zach/dev/imesignals/internal/intent"
	"tools.zach/dev/imesignals/internal/logger"
)

// cliClientID identifies command line sessions to the daemon.
const cliClientID = "imesignals-cli"

// ///////////////////////////////////////////////
// Bus Connection
// ///////////////////////////////////////////////

// endpoint resolves the bus address of the daemon that owns dp. An explicit
// socket in the config wins; otherwise the address the daemon recorded in the
// data directory is used, so daemons sharing a bus name never cross-talk.
func endpoint(dp DataPaths) (bus.Endpoint, error) {
	cfg, err := config.LoadFile(dp.Config())
	if err != nil {
		return bus.Endpoint{}, fmt.Errorf("load config: %w", err)
	}
	ep := bus.Endpoint{Name: cfg.Bus.Name, Socket: cfg.Bus.Socket}
	if ep.Socket != "" {
		return ep, nil
	}

	data, err := os.ReadFile(dp.Bus())
	if errors.Is(err, os.ErrNotExist) {
		return bus.Endpoint{}, fmt.Errorf("%w: no daemon for %s", bus.ErrBusNotAvailable, dp.Root)
	}
	if err != nil {
		return bus.Endpoint{}, fmt.Errorf("read bus address: %w", err)
	}
	addr := strings.TrimSpace(string(data))
	if addr == "" {
		return bus.Endpoint{}, fmt.Errorf("%w: empty bus address in %s", bus.ErrBusNotAvailable, dp.Bus())
	}
	ep.Socket = addr
	return ep, nil
}

// publish opens a publisher session, runs fn and closes the session.
func publish(dp DataPaths, fn func(*bus.Client) error) error {
	ep, err := endpoint(dp)
	if err != nil {
		return err
	}
	c := bus.NewClient(cliClientID, ep)
	if err := c.Connect(); err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer c.Close()
	return fn(c)
}

// ///////////////////////////////////////////////
// Tracker Commands
// ///////////////////////////////////////////////

func cmdPending(dp DataPaths, args []string) error {
	if len(args) != 1 {
		return usageErrorf("pending takes exactly one argument: on or off")
	}
	pending, err := parseSwitch(args[0])
	if err != nil {
		return err
	}
	return publish(dp, func(c *bus.Client) error {
		return c.SetPending(pending)
	})
}

// parseSwitch accepts on/off and the boolean spellings strconv understands.
func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b, nil
	}
	return false, usageErrorf("expected on or off, got %q", s)
}

func cmdAccept(dp DataPaths, args []string) error {
	if len(args) != 1 {
		return usageErrorf("accept takes exactly one argument: the calling app")
	}
	return publish(dp, func(c *bus.Client) error {
		return c.AcceptText(args[0])
	})
}

// ///////////////////////////////////////////////
// Broadcast and Listen
// ///////////////////////////////////////////////

func cmdBroadcast(dp DataPaths, args []string) error {
	if len(args) == 0 {
		return usageErrorf("broadcast needs an action")
	}
	in, err := buildIntent(args[0], args[1:])
	if err != nil {
		return err
	}
	return publish(dp, func(c *bus.Client) error {
		return c.Broadcast(in)
	})
}

// buildIntent parses key=value extras. Values that parse as base-10 integers
// become long extras; everything else is a string.
func buildIntent(action string, pairs []string) (intent.Intent, error) {
	in := intent.New(action)
	for _, kv := range pairs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return intent.Intent{}, usageErrorf("extra %q is not key=value", kv)
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			in.PutLong(key, n)
		} else {
			in.PutString(key, value)
		}
	}
	if err := in.Validate(); err != nil {
		return intent.Intent{}, usageErrorf("%v", err)
	}
	return in, nil
}

// cmdListen prints every matching broadcast as one JSON line until the
// daemon goes away or the user interrupts.
func cmdListen(dp DataPaths, patterns []string, stdout io.Writer) error {
	ep, err := endpoint(dp)
	if err != nil {
		return err
	}
	c := bus.NewClient(cliClientID, ep)
	if err := c.Subscribe(patterns...); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer c.Close()

	var interrupted atomic.Bool
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-signalChannel():
			interrupted.Store(true)
			c.Close()
		case <-done:
		}
	}()

	return printIntents(c, stdout, &interrupted)
}

// intentSource yields broadcasts until it fails.
type intentSource interface {
	Next() (intent.Intent, error)
}

// printIntents encodes intents from src to w. io.EOF and an interrupted
// session end it without error.
func printIntents(src intentSource, w io.Writer, interrupted *atomic.Bool) error {
	enc := json.NewEncoder(w)
	for {
		in, err := src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || interrupted.Load() {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		if err := enc.Encode(in); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
}

// ///////////////////////////////////////////////
// Logs
// ///////////////////////////////////////////////

func cmdLogs(dp DataPaths, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	n := fs.Int("n", 50, "Number of lines to print")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *n <= 0 {
		return usageErrorf("-n must be > 0, got %d", *n)
	}
	if fs.NArg() > 0 {
		return usageErrorf("logs takes no arguments, got %q", fs.Args())
	}

	tail, err := logger.ReadTail(dp.Log(), *n)
	if err != nil {
		return err
	}
	if tail != "" {
		fmt.Fprintln(stdout, tail)
	}
	return nil
}
