package pool

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/kiln/internal/launch"
	"github.com/seantiz/kiln/internal/protocol"
)

var errFakeKilled = errors.New("fake host killed")

// fakeProcess is a launch.Process backed by in-memory pipes.
type fakeProcess struct {
	control   net.Conn
	hostConn  net.Conn
	channels  []launch.Channel
	hostChans []net.Conn

	once   sync.Once
	done   chan struct{}
	status launch.ExitStatus
}

func (p *fakeProcess) Control() net.Conn          { return p.control }
func (p *fakeProcess) Channels() []launch.Channel { return p.channels }
func (p *fakeProcess) Wait() launch.ExitStatus {
	<-p.done
	return p.status
}
func (p *fakeProcess) Kill() error {
	p.exit(launch.ExitStatus{Code: -1, Err: errFakeKilled})
	return nil
}

func (p *fakeProcess) exit(s launch.ExitStatus) {
	p.once.Do(func() {
		p.status = s
		p.hostConn.Close()
		for _, c := range p.hostChans {
			c.Close()
		}
		close(p.done)
	})
}

// fakeHost scripts the host side of the control protocol.
type fakeHost struct {
	proc *fakeProcess

	// Behaviour, set by the launcher's configure hook before run starts.
	initReply  *protocol.Message // nil means poolReady
	readyDelay time.Duration
	exitDelay  time.Duration
	onCall     func(h *fakeHost, msg protocol.Message)
	// exitAfterReady makes the host die right after replying poolReady.
	exitAfterReady *launch.ExitStatus

	silent atomic.Bool

	writeMu sync.Mutex

	mu          sync.Mutex
	calls       []protocol.Message
	terminated  time.Time
	launchedAt  time.Time
	callArrived chan struct{}
}

func (h *fakeHost) send(msg protocol.Message) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = protocol.WriteMessage(h.proc.hostConn, msg)
}

func (h *fakeHost) reply(id uint64, result any) {
	data, _ := json.Marshal(result)
	h.send(protocol.Message{Type: protocol.TypeCallResult, ID: id, Success: true, Result: data})
}

func (h *fakeHost) fail(id uint64, code, msg string) {
	h.send(protocol.Message{Type: protocol.TypeCallResult, ID: id, Code: code, Error: msg})
}

func (h *fakeHost) recordedCalls() []protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Message(nil), h.calls...)
}

func (h *fakeHost) terminatedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

func (h *fakeHost) diag(worker int, msg string) {
	_ = protocol.WriteMessage(h.proc.hostChans[worker], protocol.Diagnostic{
		Type: protocol.TypeDebug, WorkerID: worker, Message: msg,
	})
}

func (h *fakeHost) heartbeats() {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-h.proc.done:
			return
		case <-t.C:
			if !h.silent.Load() {
				h.send(protocol.Message{Type: protocol.TypeHeartbeat, Timestamp: uint64(time.Now().UnixMilli())})
			}
		}
	}
}

func (h *fakeHost) run() {
	go h.heartbeats()
	for {
		var msg protocol.Message
		if err := protocol.ReadMessage(h.proc.hostConn, &msg); err != nil {
			return
		}
		switch msg.Type {
		case protocol.TypeInitPool:
			go func() {
				time.Sleep(h.readyDelay)
				if h.initReply != nil {
					h.send(*h.initReply)
					return
				}
				h.send(protocol.Message{Type: protocol.TypePoolReady})
				if h.exitAfterReady != nil {
					h.proc.exit(*h.exitAfterReady)
				}
			}()
		case protocol.TypeCall:
			h.mu.Lock()
			h.calls = append(h.calls, msg)
			h.mu.Unlock()
			select {
			case h.callArrived <- struct{}{}:
			default:
			}
			if h.onCall != nil {
				h.onCall(h, msg)
			} else {
				h.reply(msg.ID, 6)
			}
		case protocol.TypeTerminate:
			h.mu.Lock()
			h.terminated = time.Now()
			h.mu.Unlock()
			go func() {
				time.Sleep(h.exitDelay)
				h.proc.exit(launch.ExitStatus{})
			}()
		}
	}
}

// fakeLauncher launches fakeHosts.
type fakeLauncher struct {
	configure func(h *fakeHost)
	err       error

	mu    sync.Mutex
	hosts []*fakeHost
	count atomic.Int32
}

func (l *fakeLauncher) Launch(ctx context.Context, workerCount int) (launch.Process, error) {
	l.count.Add(1)
	if l.err != nil {
		return nil, l.err
	}

	mgr, hostEnd := net.Pipe()
	p := &fakeProcess{control: mgr, hostConn: hostEnd, done: make(chan struct{})}
	for i := range workerCount {
		mine, theirs := net.Pipe()
		p.channels = append(p.channels, launch.Channel{ID: i, Conn: mine})
		p.hostChans = append(p.hostChans, theirs)
	}

	h := &fakeHost{proc: p, launchedAt: time.Now(), callArrived: make(chan struct{}, 64)}
	if l.configure != nil {
		l.configure(h)
	}
	l.mu.Lock()
	l.hosts = append(l.hosts, h)
	l.mu.Unlock()

	go h.run()
	return p, nil
}

func (l *fakeLauncher) host(i int) *fakeHost {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.hosts) {
		return nil
	}
	return l.hosts[i]
}

func (l *fakeLauncher) launched() int {
	return int(l.count.Load())
}
