package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// TCPChecker passes once something accepts connections on Address. It is used
// for services that do not speak HTTP, such as caches and brokers.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker creates a TCP checker for a host:port address
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: 5 * time.Second}
}

// Check implements Checker
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	dialer := net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{Message: t.describe(err), CheckedAt: start, Duration: time.Since(start)}
	}
	_ = conn.Close()
	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("accepting connections on %s", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// describe turns the common dial failures of a container that is still
// starting into short messages
func (t *TCPChecker) describe(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Sprintf("nothing listening on %s", t.Address)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Sprintf("no answer from %s within %s", t.Address, t.Timeout)
	default:
		return fmt.Sprintf("connection to %s failed: %v", t.Address, err)
	}
}

// Type implements Checker
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout sets the dial timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
