package worker_test

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/protocol"
	"github.com/seantiz/kiln/internal/worker"
)

type slot int

func (s slot) Index() int { return int(s) }

// fakeEngine runs attach for every Attach call.
type fakeEngine struct {
	attach func(h engine.WorkerHandle, d engine.Diagnostics)
}

func (f *fakeEngine) InitPool(int, engine.SpawnFunc) error { return nil }
func (f *fakeEngine) ExitPool() error                     { return nil }
func (f *fakeEngine) Lookup(string) (engine.Operation, bool) {
	return func([]json.RawMessage) (any, error) { return nil, nil }, false
}
func (f *fakeEngine) Attach(h engine.WorkerHandle, d engine.Diagnostics) {
	f.attach(h, d)
}

func readDiagnostic(t *testing.T, conn net.Conn) protocol.Diagnostic {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var d protocol.Diagnostic
	require.NoError(t, protocol.ReadMessage(conn, &d))
	return d
}

func TestWorkerReportsAttachedAndForwardsDebug(t *testing.T) {
	ours, theirs := net.Pipe()
	defer ours.Close()
	defer theirs.Close()

	release := make(chan struct{})
	eng := &fakeEngine{attach: func(h engine.WorkerHandle, d engine.Diagnostics) {
		d.Debug("hello from slot")
		<-release
	}}

	w := worker.New(3, slot(3), eng, theirs, nil)
	attached := make(chan int, 1)
	w.Start(attached)

	select {
	case id := <-attached:
		assert.Equal(t, 3, id)
	case <-time.After(time.Second):
		t.Fatal("worker did not report attached")
	}

	d := readDiagnostic(t, ours)
	assert.Equal(t, protocol.TypeDebug, d.Type)
	assert.Equal(t, 3, d.WorkerID)
	assert.Equal(t, "hello from slot", d.Message)

	select {
	case <-w.Done():
		t.Fatal("worker finished while still attached")
	default:
	}

	close(release)
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not finish after release")
	}
	assert.NoError(t, w.Err())
}

func TestWorkerPanicPostsDiagnostic(t *testing.T) {
	ours, theirs := net.Pipe()
	defer ours.Close()
	defer theirs.Close()

	eng := &fakeEngine{attach: func(engine.WorkerHandle, engine.Diagnostics) {
		panic("engine exploded")
	}}

	w := worker.New(0, slot(0), eng, theirs, nil)
	w.Start(make(chan int, 1))

	d := readDiagnostic(t, ours)
	assert.Equal(t, protocol.TypeWorkerPanic, d.Type)
	assert.Equal(t, 0, d.WorkerID)
	assert.Equal(t, "engine exploded", d.Error)

	err := w.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine exploded")
}

func TestWorkerSurvivesClosedChannel(t *testing.T) {
	ours, theirs := net.Pipe()
	ours.Close()

	eng := &fakeEngine{attach: func(_ engine.WorkerHandle, d engine.Diagnostics) {
		d.Debug("nobody listening")
	}}

	w := worker.New(1, slot(1), eng, theirs, nil)
	w.Start(make(chan int, 1))

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker blocked on a closed channel")
	}
	assert.NoError(t, w.Err())
	theirs.Close()
}
