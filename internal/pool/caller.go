package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/protocol"
)

// Call outcome labels.
const (
	outcomeSuccess = "success"
	outcomeError   = "error"
)

// proxy forwards calls to the session's host and waits for the correlated
// result.
type proxy struct {
	m *Manager
	s *session
}

func marshalArgs(args []any) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal argument %d: %w", i, err)
		}
		raw[i] = b
	}
	return raw, nil
}

// Call implements Caller. There is no per-call timeout: a call returns when
// its result arrives, ctx ends, or the session fails.
func (p *proxy) Call(ctx context.Context, operation string, args ...any) (json.RawMessage, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	if err := p.s.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	id, fut := p.m.requests.Submit()
	// A session retired before Submit has already run FailAll.
	if err := p.s.Err(); err != nil {
		p.m.requests.Reject(id, err)
	} else if err := p.s.send(protocol.Message{
		Type:      protocol.TypeCall,
		ID:        id,
		Operation: operation,
		Args:      raw,
	}); err != nil {
		p.m.requests.Reject(id, fmt.Errorf("%w: send call: %v", ErrHostCrash, err))
	}

	result, err := fut.Wait(ctx)
	callDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		callsTotal.WithLabelValues(operation, outcomeError).Inc()
		return nil, err
	}
	callsTotal.WithLabelValues(operation, outcomeSuccess).Inc()
	return result, nil
}

// direct runs operations on an engine in the calling goroutine.
type direct struct {
	eng engine.Engine
}

// Direct returns a Caller that invokes eng's operations without a pool host.
func Direct(eng engine.Engine) Caller {
	return &direct{eng: eng}
}

func (d *direct) Call(ctx context.Context, operation string, args ...any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	op, ok := d.eng.Lookup(operation)
	if !ok {
		return nil, fmt.Errorf("%w: operation %q not found", ErrOperationNotFound, operation)
	}
	raw, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	v, err := op(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallFailed, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal result: %v", ErrCallFailed, err)
	}
	return data, nil
}

// IsHostFailure reports whether err means the pool itself failed rather than
// the individual call.
func IsHostFailure(err error) bool {
	return errors.Is(err, ErrHostCrash) ||
		errors.Is(err, ErrHeartbeatTimeout) ||
		errors.Is(err, ErrInitializationTimeout) ||
		errors.Is(err, ErrInitFailed)
}
