package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

var (
	// ErrNotReady is returned when the server did not accept connections in time.
	ErrNotReady = errors.New("server not ready")

	// ErrExited is returned when the server exited before becoming ready.
	ErrExited = errors.New("server exited")
)

const readyInterval = 500 * time.Millisecond

// WaitReady polls addr until it accepts TCP connections, proc exits or
// timeout elapses. proc may be nil.
func WaitReady(ctx context.Context, proc *ManagedProcess, addr string, timeout time.Duration) error {
	logger := klog.FromContext(ctx)
	started := time.Now()

	var exited error
	err := wait.PollUntilContextTimeout(ctx, readyInterval, timeout, true, func(ctx context.Context) (bool, error) {
		if proc != nil {
			if status, done := proc.ExitStatus(); done {
				exited = fmt.Errorf("%w before becoming ready: %s", ErrExited, status.Description)
				return false, exited
			}
		}
		conn, err := (&net.Dialer{Timeout: time.Second}).DialContext(ctx, "tcp", addr)
		if err != nil {
			logger.V(2).Info("Server not accepting connections yet", "addr", addr, "err", err)
			return false, nil
		}
		_ = conn.Close()
		return true, nil
	})
	if exited != nil {
		return exited
	}
	if err != nil {
		return fmt.Errorf("%w on %s within %s: %v", ErrNotReady, addr, timeout, err)
	}
	logger.Info("Server ready", "addr", addr, "after", time.Since(started).Round(time.Millisecond))
	return nil
}
