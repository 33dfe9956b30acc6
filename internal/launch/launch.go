// Package launch starts pool hosts and hands the pool manager its ends of the
// control connection and the per-worker channels.
package launch

import (
	"context"
	"fmt"
	"net"
)

// Channel is the manager's end of one worker channel. ID is the identifier the
// host uses to open its end, as sent in initPool.
type Channel struct {
	ID   int
	Conn net.Conn
}

// ExitStatus describes how a host ended. Code is the process exit code, or -1
// when the host was killed.
type ExitStatus struct {
	Code int
	Err  error
}

func (s ExitStatus) String() string {
	if s.Err != nil {
		return fmt.Sprintf("exit code %d: %v", s.Code, s.Err)
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Process is a running pool host.
type Process interface {
	// Control returns the manager's end of the control connection.
	Control() net.Conn

	// Channels returns the manager's ends of the worker channels, one per slot.
	Channels() []Channel

	// Wait blocks until the host exits. It may be called from any number of
	// goroutines and always returns the same status.
	Wait() ExitStatus

	// Kill ends the host immediately.
	Kill() error
}

// Launcher starts a host with room for workerCount worker channels.
type Launcher interface {
	Launch(ctx context.Context, workerCount int) (Process, error)
}
