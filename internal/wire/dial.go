package wire

import (
	"fmt"
	"net"
	"os"
)

// Listen creates the broker's listening socket at path, unlinking any
// stale file first. No backlog is set explicitly: Go's net package does
// not expose the backlog knob for net.ListenUnix and picks its own (the
// system's somaxconn on Linux), so no raw socket(2)/listen(2) calls are
// made here.
func Listen(path string) (*net.UnixListener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("wire: remove stale socket %s: %w", path, err)
	}
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("wire: resolve %s: %w", path, err)
	}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: listen %s: %w", path, err)
	}
	return l, nil
}

// Dial connects to a broker listening at path.
func Dial(path string) (*Conn, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("wire: resolve %s: %w", path, err)
	}
	uc, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", path, err)
	}
	return New(uc), nil
}
