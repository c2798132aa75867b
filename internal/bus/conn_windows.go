// conn_windows.go implements bus endpoint discovery for Windows using named
// pipes (\\.\pipe\<name>-N) from the go-winio library.

//go:build windows

package bus

import (
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// candidatePaths lists the pipe names tried for name, in slot order.
func candidatePaths(name string) []string {
	paths := make([]string, 0, maxSlots)
	for i := range maxSlots {
		paths = append(paths, fmt.Sprintf(`\\.\pipe\%s-%d`, name, i))
	}
	return paths
}

// dialBus connects to the explicit pipe, or to the first slot that answers.
func dialBus(ep Endpoint) (net.Conn, error) {
	timeout := dialTimeout
	if ep.Socket != "" {
		conn, err := winio.DialPipe(ep.Socket, &timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBusNotAvailable, err)
		}
		return conn, nil
	}
	for _, path := range candidatePaths(ep.name()) {
		conn, err := winio.DialPipe(path, &timeout)
		if err == nil {
			return conn, nil
		}
	}
	return nil, ErrBusNotAvailable
}

// Listen creates the bus pipe. Without an explicit pipe name the first slot
// that is not already served is used. Pipes vanish with their server, so
// there is nothing stale to clean up.
func Listen(ep Endpoint) (net.Listener, string, error) {
	if ep.Socket != "" {
		ln, err := winio.ListenPipe(ep.Socket, nil)
		if err != nil {
			return nil, "", fmt.Errorf("listen %s: %w", ep.Socket, err)
		}
		return ln, ep.Socket, nil
	}

	var lastErr error
	for _, path := range candidatePaths(ep.name()) {
		ln, err := winio.ListenPipe(path, nil)
		if err != nil {
			lastErr = err
			continue
		}
		return ln, path, nil
	}
	return nil, "", fmt.Errorf("no free bus slot for %q: %w", ep.name(), lastErr)
}
