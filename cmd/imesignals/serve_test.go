//go:build !windows

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tools.zach/dev/imesignals/internal/bus"
	"tools.zach/dev/imesignals/internal/config"
	"tools.zach/dev/imesignals/internal/intent"
	"tools.zach/dev/imesignals/internal/logevents"
)

// ///////////////////////////////////////////////
// Test Helpers
// ///////////////////////////////////////////////

// shortSocketPath returns a socket path under a short temp directory. Unix
// socket paths are limited to about 104 bytes on macOS.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ims")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "bus.sock")
}

// startDaemon runs serve on a fresh data directory with its bus on a private
// socket, and waits until a publisher can connect.
func startDaemon(t *testing.T) (DataPaths, string, context.CancelFunc, <-chan error) {
	t.Helper()
	dp := DataPaths{Root: t.TempDir()}
	socket := shortSocketPath(t)
	writeSocketConfig(t, dp, socket)

	cancel, done := runDaemon(t, dp)
	return dp, socket, cancel, done
}

// runDaemon runs serve on dp and waits until the address the CLI resolves
// for dp accepts a publisher.
func runDaemon(t *testing.T, dp DataPaths) (context.CancelFunc, <-chan error) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, dp, false, io.Discard) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if ep, err := endpoint(dp); err == nil {
			c := bus.NewClient("test-ready", ep)
			if err := c.Connect(); err == nil {
				c.Close()
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("daemon did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cancel, done
}

// subscribe opens a subscriber on socket.
func subscribe(t *testing.T, socket string, patterns ...string) *bus.Client {
	t.Helper()
	c := bus.NewClient("test-listener", bus.Endpoint{Socket: socket})
	if err := c.Subscribe(patterns...); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// next waits up to 5s for a broadcast on c.
func next(t *testing.T, c *bus.Client) intent.Intent {
	t.Helper()
	type result struct {
		in  intent.Intent
		err error
	}
	ch := make(chan result, 1)
	go func() {
		in, err := c.Next()
		ch <- result{in, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("Next() error: %v", r.err)
		}
		return r.in
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for broadcast")
		return intent.Intent{}
	}
}

// ///////////////////////////////////////////////
// Daemon Tests
// ///////////////////////////////////////////////

func TestServe_AcceptTextBroadcast(t *testing.T) {
	_, socket, _, _ := startDaemon(t)
	sub := subscribe(t, socket, logevents.ActionLogEvent, "test.done")

	pub := bus.NewClient("test-ime", bus.Endpoint{Socket: socket})
	if err := pub.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer pub.Close()

	before := time.Now().UnixMilli()
	steps := []func() error{
		func() error { return pub.AcceptText("com.example.ignored") },
		func() error { return pub.SetPending(true) },
		func() error { return pub.AcceptText("com.example.mail") },
		func() error { return pub.AcceptText("com.example.mail") },
		func() error { return pub.Broadcast(intent.New("test.done")) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	got := next(t, sub)
	if got.Action != logevents.ActionLogEvent {
		t.Fatalf("first broadcast = %q, want %q", got.Action, logevents.ActionLogEvent)
	}
	wantStrings := map[string]string{
		logevents.ExtraAppName:        logevents.VoiceImeAppName,
		logevents.ExtraEvent:          logevents.VoiceImeTextAccepted,
		logevents.ExtraCallingAppName: "com.example.mail",
	}
	for k, want := range wantStrings {
		if v, _ := got.String(k); v != want {
			t.Errorf("%s = %q, want %q", k, v, want)
		}
	}
	ts, ok := got.Long(logevents.ExtraTimestamp)
	if !ok || ts < before || ts > time.Now().UnixMilli() {
		t.Errorf("TIMESTAMP = %d, %v; want within [%d, now]", ts, ok, before)
	}

	if sentinel := next(t, sub); sentinel.Action != "test.done" {
		t.Errorf("second broadcast = %q, want test.done (only one log event expected)", sentinel.Action)
	}
}

func TestServe_CLICommands(t *testing.T) {
	dp, socket, _, _ := startDaemon(t)
	sub := subscribe(t, socket, "demo.*")

	code, _, stderr := runCmd(t, dp.Root, "broadcast", "demo.ping", "n=42", "who=cli")
	if code != exitOK {
		t.Fatalf("broadcast exit code = %d (stderr: %q)", code, stderr)
	}

	got := next(t, sub)
	if got.Action != "demo.ping" {
		t.Fatalf("Action = %q, want demo.ping", got.Action)
	}
	if n, ok := got.Long("n"); !ok || n != 42 {
		t.Errorf("n = %d, %v; want 42", n, ok)
	}
	if who, _ := got.String("who"); who != "cli" {
		t.Errorf("who = %q, want cli", who)
	}

	for _, args := range [][]string{{"pending", "on"}, {"accept", "com.example.notes"}} {
		if code, _, stderr := runCmd(t, dp.Root, args...); code != exitOK {
			t.Errorf("%v exit code = %d (stderr: %q)", args, code, stderr)
		}
	}
}

func TestServe_SingleInstance(t *testing.T) {
	dp, _, _, _ := startDaemon(t)

	err := serve(context.Background(), dp, false, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Errorf("second serve() error = %v, want already running", err)
	}
}

func TestServe_Shutdown(t *testing.T) {
	dp, socket, cancel, done := startDaemon(t)

	if _, err := os.Stat(dp.PID()); err != nil {
		t.Fatalf("PID file missing while running: %v", err)
	}
	if _, err := os.Stat(dp.Config()); err != nil {
		t.Fatalf("config missing while running: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}

	if _, err := os.Stat(dp.PID()); !os.IsNotExist(err) {
		t.Error("PID file should be removed on shutdown")
	}
	if _, err := os.Stat(socket); !os.IsNotExist(err) {
		t.Error("socket should be removed on shutdown")
	}
	if _, err := os.Stat(dp.Bus()); !os.IsNotExist(err) {
		t.Error("bus address file should be removed on shutdown")
	}
	log, err := os.ReadFile(dp.Log())
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if !strings.Contains(string(log), "imesignals stopped") {
		t.Errorf("log missing shutdown line:\n%s", log)
	}
}

func TestServe_RecordsBusAddress(t *testing.T) {
	dp, socket, _, _ := startDaemon(t)

	data, err := os.ReadFile(dp.Bus())
	if err != nil {
		t.Fatalf("reading bus address: %v", err)
	}
	if string(data) != socket {
		t.Errorf("bus address = %q, want %q", data, socket)
	}
}

// Two daemons sharing a bus name under different data directories each get
// their own slot, and the CLI reaches the daemon of the data dir it was given.
func TestServe_SeparateDataDirs(t *testing.T) {
	runtimeDir, err := os.MkdirTemp("", "ims")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(runtimeDir) })
	t.Setenv("XDG_RUNTIME_DIR", runtimeDir)

	start := func() DataPaths {
		dp := DataPaths{Root: t.TempDir()}
		cfg := config.DefaultConfig()
		cfg.Bus.Name = "ims-shared"
		writeConfig(t, dp, cfg)
		runDaemon(t, dp)
		return dp
	}
	first := start()
	second := start()

	epFirst, err := endpoint(first)
	if err != nil {
		t.Fatalf("endpoint(first) error: %v", err)
	}
	epSecond, err := endpoint(second)
	if err != nil {
		t.Fatalf("endpoint(second) error: %v", err)
	}
	if epFirst.Socket == epSecond.Socket {
		t.Fatalf("both daemons resolve to %q", epFirst.Socket)
	}
	if filepath.Dir(epSecond.Socket) != runtimeDir {
		t.Errorf("second daemon bound %q, want a slot under %q", epSecond.Socket, runtimeDir)
	}

	sub := subscribe(t, epSecond.Socket, "demo.*")
	if code, _, stderr := runCmd(t, second.Root, "broadcast", "demo.second"); code != exitOK {
		t.Fatalf("broadcast exit code = %d (stderr: %q)", code, stderr)
	}
	if got := next(t, sub); got.Action != "demo.second" {
		t.Errorf("second daemon received %q, want demo.second", got.Action)
	}
}

func TestEndpoint_NoRecordedAddress(t *testing.T) {
	dp := DataPaths{Root: t.TempDir()}
	writeConfig(t, dp, config.DefaultConfig())

	if _, err := endpoint(dp); !errors.Is(err, bus.ErrBusNotAvailable) {
		t.Errorf("endpoint() error = %v, want ErrBusNotAvailable", err)
	}

	if err := os.WriteFile(dp.Bus(), []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := endpoint(dp); !errors.Is(err, bus.ErrBusNotAvailable) {
		t.Errorf("endpoint() with empty file error = %v, want ErrBusNotAvailable", err)
	}
}

func TestEndpoint_SocketOverridesRecordedAddress(t *testing.T) {
	dp := DataPaths{Root: t.TempDir()}
	writeSocketConfig(t, dp, "/tmp/explicit.sock")
	if err := os.WriteFile(dp.Bus(), []byte("/tmp/recorded.sock"), 0o644); err != nil {
		t.Fatal(err)
	}

	ep, err := endpoint(dp)
	if err != nil {
		t.Fatalf("endpoint() error: %v", err)
	}
	if ep.Socket != "/tmp/explicit.sock" {
		t.Errorf("Socket = %q, want /tmp/explicit.sock", ep.Socket)
	}
}
