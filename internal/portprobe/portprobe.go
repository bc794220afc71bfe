// Package portprobe finds and checks loopback TCP ports.
package portprobe

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNoPortAvailable is returned when every port in a range is already bound.
var ErrNoPortAvailable = errors.New("portprobe: no available port in range")

// FindAvailablePort tries ports in [start, end] in order and returns the
// first one where a loopback listener can be bound and then immediately
// released. It never returns a port still held by this or another process.
func FindAvailablePort(start, end int) (int, error) {
	for port := start; port <= end; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("%w: [%d,%d]", ErrNoPortAvailable, start, end)
}

// IsReachable reports whether a TCP connection to the given loopback port
// succeeds within timeout.
func IsReachable(port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
