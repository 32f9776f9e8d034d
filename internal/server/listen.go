package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
)

// Listen binds addr. If the port is already in use it tries each of the
// next fallbacks ports in turn. Port 0 binds an ephemeral port directly.
func Listen(ctx context.Context, addr string, fallbacks int) (net.Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid listen port %q", portStr)
	}
	if port == 0 || fallbacks < 0 {
		fallbacks = 0
	}

	var lc net.ListenConfig
	var lastErr error
	for i := 0; i <= fallbacks && port+i <= 65535; i++ {
		candidate := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, err := lc.Listen(ctx, "tcp", candidate)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		if !errors.Is(err, syscall.EADDRINUSE) {
			break
		}
	}
	return nil, fmt.Errorf("failed to bind %s (tried %d ports): %w", addr, fallbacks+1, lastErr)
}
