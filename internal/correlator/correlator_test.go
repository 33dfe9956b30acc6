package correlator_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/kiln/internal/correlator"
)

func TestSubmitIDsStrictlyIncreasing(t *testing.T) {
	c := correlator.New[int](nil)

	var last uint64
	for i := 0; i < 100; i++ {
		id, _ := c.Submit()
		require.Greater(t, id, last)
		last = id
	}
	assert.Equal(t, uint64(1)+99, last)
}

func TestSubmitConcurrentIDsUnique(t *testing.T) {
	c := correlator.New[int](nil)

	const n = 500
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _ := c.Submit()
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, c.Pending())
}

func TestResolve(t *testing.T) {
	c := correlator.New[string](nil)
	id, f := c.Submit()

	require.True(t, c.Resolve(id, "done"))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, 0, c.Pending())
}

func TestReject(t *testing.T) {
	c := correlator.New[string](nil)
	id, f := c.Submit()
	boom := errors.New("boom")

	require.True(t, c.Reject(id, boom))

	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestUnknownIDIsLoggedNoop(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	c := correlator.New[int](logger)

	id, f := c.Submit()
	require.True(t, c.Resolve(id, 1))

	// Duplicate and never-issued ids must not panic or settle anything.
	assert.False(t, c.Resolve(id, 2))
	assert.False(t, c.Reject(999, errors.New("late")))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Contains(t, buf.String(), "unknown request")
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

func TestFailAll(t *testing.T) {
	c := correlator.New[int](nil)
	var futures []*correlator.Future[int]
	for i := 0; i < 3; i++ {
		_, f := c.Submit()
		futures = append(futures, f)
	}
	crash := errors.New("host crashed")

	assert.Equal(t, 3, c.FailAll(crash))
	assert.Equal(t, 0, c.Pending())

	for _, f := range futures {
		_, err := f.Wait(context.Background())
		assert.ErrorIs(t, err, crash)
	}
}

func TestIDsNotReusedAfterFailAll(t *testing.T) {
	c := correlator.New[int](nil)
	id1, _ := c.Submit()
	c.FailAll(errors.New("reset"))

	id2, f2 := c.Submit()
	require.Greater(t, id2, id1)

	// A stale response for the old id must not settle the new request.
	assert.False(t, c.Resolve(id1, 7))
	select {
	case <-f2.Done():
		t.Fatal("new request settled by stale response")
	default:
	}
}

func TestWaitContextCancelKeepsRequestPending(t *testing.T) {
	c := correlator.New[int](nil)
	id, f := c.Submit()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, c.Pending())

	require.True(t, c.Resolve(id, 5))
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestOutOfOrderResolution(t *testing.T) {
	c := correlator.New[int](nil)

	const n = 10
	ids := make([]uint64, n)
	futures := make([]*correlator.Future[int], n)
	for i := range n {
		ids[i], futures[i] = c.Submit()
	}

	// Resolve in reverse; each future must carry its own value.
	for i := n - 1; i >= 0; i-- {
		c.Resolve(ids[i], i*10)
	}
	for i, f := range futures {
		v, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i*10, v)
	}
}
