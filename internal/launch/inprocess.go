package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/host"
)

// ErrKilled is the exit error of an in-process host ended by Kill.
var ErrKilled = errors.New("host killed")

// panicExitCode matches the exit code of a Go process that died from an
// unrecovered panic.
const panicExitCode = 2

// InProcess runs the host on a goroutine connected by in-memory pipes. Each
// launch gets a fresh engine from NewEngine.
type InProcess struct {
	NewEngine         func() engine.Engine
	HeartbeatInterval time.Duration
	AttachTimeout     time.Duration
	Logger            *slog.Logger
}

var _ Launcher = (*InProcess)(nil)

type inProcess struct {
	control  net.Conn
	channels []Channel
	hostEnds []net.Conn
	cancel   context.CancelFunc

	once   sync.Once
	done   chan struct{}
	status ExitStatus
}

// Launch implements Launcher.
func (l *InProcess) Launch(ctx context.Context, workerCount int) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.NewEngine == nil {
		return nil, errors.New("in-process launcher has no engine")
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	control, hostControl := net.Pipe()
	p := &inProcess{
		control:  control,
		hostEnds: []net.Conn{hostControl},
		done:     make(chan struct{}),
	}

	hostChannels := make(map[int]net.Conn, workerCount)
	for i := range workerCount {
		mine, theirs := net.Pipe()
		p.channels = append(p.channels, Channel{ID: i, Conn: mine})
		p.hostEnds = append(p.hostEnds, theirs)
		hostChannels[i] = theirs
	}
	open := func(id int) (io.ReadWriteCloser, error) {
		c, ok := hostChannels[id]
		if !ok {
			return nil, fmt.Errorf("unknown worker channel %d", id)
		}
		return c, nil
	}

	h := host.New(l.NewEngine(), hostControl, open, host.Options{
		HeartbeatInterval: l.HeartbeatInterval,
		AttachTimeout:     l.AttachTimeout,
		Logger:            logger.With("component", "host"),
	})

	serveCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.serve(serveCtx, h, logger)
	return p, nil
}

func (p *inProcess) serve(ctx context.Context, h *host.Host, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("host panic", "error", r)
			p.finish(ExitStatus{Code: panicExitCode, Err: fmt.Errorf("host panic: %v", r)})
		}
	}()

	if err := h.Serve(ctx); err != nil {
		p.finish(ExitStatus{Code: 1, Err: err})
		return
	}
	p.finish(ExitStatus{})
}

func (p *inProcess) finish(s ExitStatus) {
	p.once.Do(func() {
		p.status = s
		for _, c := range p.hostEnds {
			c.Close()
		}
		p.cancel()
		close(p.done)
	})
}

func (p *inProcess) Control() net.Conn   { return p.control }
func (p *inProcess) Channels() []Channel { return p.channels }

func (p *inProcess) Wait() ExitStatus {
	<-p.done
	return p.status
}

// Kill closes the host's connections and reports it exited. A host goroutine
// stuck inside the engine cannot be stopped and is left behind.
func (p *inProcess) Kill() error {
	p.finish(ExitStatus{Code: -1, Err: ErrKilled})
	return nil
}
