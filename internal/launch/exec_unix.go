//go:build unix

package launch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// ControlFD is the descriptor number of the control connection inside a host
// process. Worker channels follow it.
const ControlFD = 3

// Exec launches the host as a child process connected by Unix socketpairs.
type Exec struct {
	Binary string
	Args   []string
	Env    []string
	Logger *slog.Logger
}

var _ Launcher = (*Exec)(nil)

type execProcess struct {
	cmd      *exec.Cmd
	control  net.Conn
	channels []Channel

	done   chan struct{}
	status ExitStatus
}

// socketPair returns the manager's end as a net.Conn and the child's end as a
// file to pass through ExtraFiles.
func socketPair(name string) (net.Conn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])

	parent := os.NewFile(uintptr(fds[0]), name+"-manager")
	child := os.NewFile(uintptr(fds[1]), name+"-host")
	defer parent.Close()

	conn, err := net.FileConn(parent)
	if err != nil {
		child.Close()
		return nil, nil, fmt.Errorf("wrap %s socket: %w", name, err)
	}
	return conn, child, nil
}

// Launch implements Launcher.
func (e *Exec) Launch(ctx context.Context, workerCount int) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var (
		conns      []net.Conn
		childFiles []*os.File
	)
	cleanup := func() {
		for _, c := range conns {
			c.Close()
		}
		for _, f := range childFiles {
			f.Close()
		}
	}

	for i := range workerCount + 1 {
		name := "kiln-control"
		if i > 0 {
			name = fmt.Sprintf("kiln-channel-%d", i-1)
		}
		conn, file, err := socketPair(name)
		if err != nil {
			cleanup()
			return nil, err
		}
		conns = append(conns, conn)
		childFiles = append(childFiles, file)
	}

	cmd := exec.Command(e.Binary, e.Args...)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.ExtraFiles = childFiles
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("host stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("start host %s: %w", e.Binary, err)
	}
	// The child holds its own copies now.
	for _, f := range childFiles {
		f.Close()
	}

	p := &execProcess{
		cmd:     cmd,
		control: conns[0],
		done:    make(chan struct{}),
	}
	for i, c := range conns[1:] {
		p.channels = append(p.channels, Channel{ID: ControlFD + 1 + i, Conn: c})
	}

	logger = logger.With("host_pid", cmd.Process.Pid)
	logger.Info("host started", "binary", e.Binary, "workers", workerCount)
	go p.wait(stderr, logger)
	return p, nil
}

func (p *execProcess) wait(stderr io.Reader, logger *slog.Logger) {
	relayStderr(stderr, logger)

	err := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	p.status = ExitStatus{Code: code, Err: err}
	logger.Info("host exited", "status", p.status.String())
	close(p.done)
}

// relayStderr copies each line the host writes to stderr into the manager's
// log until the pipe closes.
func relayStderr(r io.Reader, logger *slog.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		logger.Info("host output", "line", sc.Text())
	}
	if err := sc.Err(); err != nil {
		logger.Debug("host stderr closed", "error", err)
	}
}

func (p *execProcess) Control() net.Conn   { return p.control }
func (p *execProcess) Channels() []Channel { return p.channels }

func (p *execProcess) Wait() ExitStatus {
	<-p.done
	return p.status
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

