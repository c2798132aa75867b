// conn_unix.go implements bus endpoint discovery for Unix-like systems
// (Linux, macOS, FreeBSD). Sockets live in XDG_RUNTIME_DIR when set, then in
// the system temp directory, under slots <name>-0 through <name>-9.

//go:build !windows

package bus

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// ///////////////////////////////////////////////
// Discovery
// ///////////////////////////////////////////////

// candidatePaths lists the socket paths tried for name, in preference order.
func candidatePaths(name string) []string {
	var dirs []string
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		dirs = append(dirs, dir)
	}
	dirs = append(dirs, os.TempDir())

	var paths []string
	for _, dir := range dirs {
		for i := range maxSlots {
			paths = append(paths, filepath.Join(dir, fmt.Sprintf("%s-%d", name, i)))
		}
	}
	return paths
}

// ///////////////////////////////////////////////
// Connection
// ///////////////////////////////////////////////

// dialBus connects to the explicit socket, or to the first candidate slot
// that answers.
func dialBus(ep Endpoint) (net.Conn, error) {
	if ep.Socket != "" {
		conn, err := net.DialTimeout("unix", ep.Socket, dialTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBusNotAvailable, err)
		}
		return conn, nil
	}

	for _, path := range candidatePaths(ep.name()) {
		conn, err := net.DialTimeout("unix", path, dialTimeout)
		if err == nil {
			return conn, nil
		}
	}
	return nil, ErrBusNotAvailable
}

// ///////////////////////////////////////////////
// Listening
// ///////////////////////////////////////////////

// Listen binds the bus endpoint and returns the listener with the address it
// took. Without an explicit socket the first free slot is used; socket files
// left behind by a dead daemon are removed.
func Listen(ep Endpoint) (net.Listener, string, error) {
	if ep.Socket != "" {
		if socketInUse(ep.Socket) {
			return nil, "", fmt.Errorf("socket %s is already served", ep.Socket)
		}
		ln, err := net.Listen("unix", ep.Socket)
		if err != nil {
			return nil, "", fmt.Errorf("listen %s: %w", ep.Socket, err)
		}
		return ln, ep.Socket, nil
	}

	var lastErr error
	for _, path := range candidatePaths(ep.name()) {
		if socketInUse(path) {
			continue
		}
		ln, err := net.Listen("unix", path)
		if err != nil {
			lastErr = err
			continue
		}
		return ln, path, nil
	}
	if lastErr != nil {
		return nil, "", fmt.Errorf("no free bus slot for %q: %w", ep.name(), lastErr)
	}
	return nil, "", fmt.Errorf("no free bus slot for %q", ep.name())
}

// socketInUse reports whether path is taken. A socket nobody answers on is
// stale and gets removed; any other kind of file is left alone and counts as
// taken.
func socketInUse(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	if info.Mode()&os.ModeSocket == 0 {
		return true
	}
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err == nil {
		conn.Close()
		return true
	}
	os.Remove(path)
	return false
}
