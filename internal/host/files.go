package host

import (
	"fmt"
	"io"
	"net"
	"os"
)

// FileChannels opens worker channels from inherited file descriptors. It is
// the ChannelOpener used by a host running as a child process, where channel
// identifiers are descriptor numbers.
func FileChannels(fd int) (io.ReadWriteCloser, error) {
	return FileConn(fd, fmt.Sprintf("kiln-channel-%d", fd))
}

// FileConn wraps an inherited socket descriptor as a net.Conn.
func FileConn(fd int, name string) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), name)
	if f == nil {
		return nil, fmt.Errorf("invalid descriptor %d", fd)
	}
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("socket from descriptor %d: %w", fd, err)
	}
	return conn, nil
}
