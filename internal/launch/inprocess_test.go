package launch_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/engine/steal"
	"github.com/seantiz/kiln/internal/launch"
	"github.com/seantiz/kiln/internal/protocol"
)

func inProcess() *launch.InProcess {
	return &launch.InProcess{
		NewEngine: func() engine.Engine {
			s := steal.New()
			s.Register("explode", func([]json.RawMessage) (any, error) { panic("host blew up") })
			return s
		},
		HeartbeatInterval: 20 * time.Millisecond,
		AttachTimeout:     time.Second,
	}
}

// pump reads control messages into a channel, dropping heartbeats.
func pump(p launch.Process) <-chan protocol.Message {
	out := make(chan protocol.Message, 16)
	go func() {
		defer close(out)
		for {
			var msg protocol.Message
			if err := protocol.ReadMessage(p.Control(), &msg); err != nil {
				return
			}
			if msg.Type != protocol.TypeHeartbeat {
				out <- msg
			}
		}
	}()
	return out
}

func drainChannels(p launch.Process) {
	for _, ch := range p.Channels() {
		go func() {
			var d protocol.Diagnostic
			for protocol.ReadMessage(ch.Conn, &d) == nil {
			}
		}()
	}
}

func initPool(t *testing.T, p launch.Process, msgs <-chan protocol.Message) {
	t.Helper()
	ids := make([]int, len(p.Channels()))
	for i, ch := range p.Channels() {
		ids[i] = ch.ID
	}
	require.NoError(t, protocol.WriteMessage(p.Control(), protocol.Message{
		Type: protocol.TypeInitPool, Channels: ids, WorkerCount: len(ids),
	}))
	select {
	case msg := <-msgs:
		require.Equal(t, protocol.TypePoolReady, msg.Type, msg.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("no poolReady")
	}
}

func TestInProcessCallAndTerminate(t *testing.T) {
	p, err := inProcess().Launch(context.Background(), 2)
	require.NoError(t, err)
	msgs := pump(p)
	drainChannels(p)
	initPool(t, p, msgs)

	require.NoError(t, protocol.WriteMessage(p.Control(), protocol.Message{Type: protocol.TypeCall, ID: 1, Operation: steal.OpSum}))
	res := <-msgs
	require.True(t, res.Success, res.Error)
	assert.JSONEq(t, "6", string(res.Result))

	require.NoError(t, protocol.WriteMessage(p.Control(), protocol.Message{Type: protocol.TypeTerminate}))
	status := p.Wait()
	assert.Equal(t, 0, status.Code)
	assert.NoError(t, status.Err)
}

func TestInProcessPanicExitsWithCode2(t *testing.T) {
	p, err := inProcess().Launch(context.Background(), 1)
	require.NoError(t, err)
	msgs := pump(p)
	drainChannels(p)
	initPool(t, p, msgs)

	require.NoError(t, protocol.WriteMessage(p.Control(), protocol.Message{Type: protocol.TypeCall, ID: 1, Operation: "explode"}))

	status := p.Wait()
	assert.Equal(t, 2, status.Code)
	require.Error(t, status.Err)
	assert.Contains(t, status.Err.Error(), "host blew up")
}

func TestInProcessKill(t *testing.T) {
	p, err := inProcess().Launch(context.Background(), 1)
	require.NoError(t, err)
	pump(p)

	require.NoError(t, p.Kill())
	status := p.Wait()
	assert.Equal(t, -1, status.Code)
	assert.ErrorIs(t, status.Err, launch.ErrKilled)
	assert.Equal(t, status, p.Wait())
}

func TestInProcessRequiresEngine(t *testing.T) {
	_, err := (&launch.InProcess{}).Launch(context.Background(), 1)
	assert.Error(t, err)
}
