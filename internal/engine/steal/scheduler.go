// Package steal is a small work-stealing engine. Each attached worker owns a
// deque: it pops its own work LIFO and steals the oldest work from the other
// workers when its deque runs dry.
package steal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/seantiz/kiln/internal/engine"
)

// ErrNotRunning is returned by ExitPool when no pool is running.
var ErrNotRunning = errors.New("steal pool not running")

type task func(c *Context)

type handle int

func (h handle) Index() int { return int(h) }

// Context is passed to every task. It identifies the worker running the task
// and routes debug output to that worker's diagnostics channel.
type Context struct {
	Worker int
	diag   engine.Diagnostics
}

// Debugf emits one diagnostic line through the running worker. It is a no-op
// for work executed outside the pool.
func (c *Context) Debugf(format string, args ...any) {
	if c.diag == nil {
		return
	}
	c.diag.Debug(fmt.Sprintf(format, args...))
}

// Scheduler implements engine.Engine.
type Scheduler struct {
	ops *engine.Registry

	mu      sync.Mutex
	cond    *sync.Cond
	deques  [][]task
	running bool
	active  int
	next    int
	stolen  uint64
}

var _ engine.Engine = (*Scheduler)(nil)

// New creates a scheduler with the built-in operations registered.
func New() *Scheduler {
	s := &Scheduler{ops: engine.NewRegistry()}
	s.cond = sync.NewCond(&s.mu)
	registerBuiltins(s)
	return s
}

// Register exposes op under name to pool callers.
func (s *Scheduler) Register(name string, op engine.Operation) {
	s.ops.Register(name, op)
}

// Lookup implements engine.Engine.
func (s *Scheduler) Lookup(name string) (engine.Operation, bool) {
	return s.ops.Lookup(name)
}

// Operations lists the registered operation names.
func (s *Scheduler) Operations() []string {
	return s.ops.Names()
}

// InitPool implements engine.Engine.
func (s *Scheduler) InitPool(n int, spawn engine.SpawnFunc) error {
	if n <= 0 {
		return fmt.Errorf("invalid worker count %d", n)
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return engine.ErrPoolRunning
	}
	s.deques = make([][]task, n)
	s.running = true
	s.next = 0
	s.mu.Unlock()

	handles := make([]engine.WorkerHandle, n)
	for i := range handles {
		handles[i] = handle(i)
	}
	if err := spawn(handles); err != nil {
		s.mu.Lock()
		s.running = false
		s.deques = nil
		s.cond.Broadcast()
		s.mu.Unlock()
		return fmt.Errorf("spawn workers: %w", err)
	}
	return nil
}

// Attach implements engine.Engine. The calling goroutine runs tasks until
// ExitPool. A panicking task unwinds out of Attach without completing the
// join it belongs to, so whoever waits on that work stays blocked.
func (s *Scheduler) Attach(h engine.WorkerHandle, diag engine.Diagnostics) {
	idx := h.Index()
	c := &Context{Worker: idx, diag: diag}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if idx < 0 || idx >= len(s.deques) {
		s.mu.Unlock()
		panic(fmt.Sprintf("worker handle %d out of range [0,%d)", idx, len(s.deques)))
	}
	s.active++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		for s.running && !s.hasWork() {
			s.cond.Wait()
		}
		if !s.running {
			s.mu.Unlock()
			return
		}
		t := s.take(idx)
		s.mu.Unlock()

		t(c)
	}
}

// ExitPool implements engine.Engine. It returns once every attached worker
// has left Attach. Queued work is discarded.
func (s *Scheduler) ExitPool() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrNotRunning
	}
	s.running = false
	s.cond.Broadcast()
	for s.active > 0 {
		s.cond.Wait()
	}
	s.deques = nil
	return nil
}

// Threads returns the number of pool workers, or 1 when no pool is running
// and work executes inline.
func (s *Scheduler) Threads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 1
	}
	return len(s.deques)
}

// Stolen returns the number of tasks a worker took from another worker's deque.
func (s *Scheduler) Stolen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stolen
}

// Map applies fn to every input on the pool and returns the results in input
// order. Without a running pool it runs inline on the caller.
func (s *Scheduler) Map(inputs []int64, fn func(c *Context, v int64) int64) []int64 {
	out := make([]int64, len(inputs))

	s.mu.Lock()
	if !s.running || len(inputs) == 0 {
		s.mu.Unlock()
		c := &Context{Worker: -1}
		for i, v := range inputs {
			out[i] = fn(c, v)
		}
		return out
	}

	var wg sync.WaitGroup
	wg.Add(len(inputs))
	for i, v := range inputs {
		q := s.next % len(s.deques)
		s.next++
		s.deques[q] = append(s.deques[q], func(c *Context) {
			out[i] = fn(c, v)
			wg.Done()
		})
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	wg.Wait()
	return out
}

// hasWork reports whether any deque holds a task. Caller holds s.mu.
func (s *Scheduler) hasWork() bool {
	for _, d := range s.deques {
		if len(d) > 0 {
			return true
		}
	}
	return false
}

// take removes the next task for worker idx: newest from its own deque,
// otherwise oldest from the first non-empty deque after it. Caller holds s.mu
// and has checked hasWork.
func (s *Scheduler) take(idx int) task {
	if own := s.deques[idx]; len(own) > 0 {
		t := own[len(own)-1]
		s.deques[idx] = own[:len(own)-1]
		return t
	}
	n := len(s.deques)
	for off := 1; off < n; off++ {
		victim := (idx + off) % n
		if d := s.deques[victim]; len(d) > 0 {
			t := d[0]
			s.deques[victim] = d[1:]
			s.stolen++
			return t
		}
	}
	return nil
}
