package pool

// State is the lifecycle state of the pool.
type State int

// Pool states.
const (
	StateNone State = iota
	StateInitializing
	StateRunning
	StateExiting
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateExiting:
		return "exiting"
	default:
		return "unknown"
	}
}

// future is settled once by whoever owns the transition it tracks.
type future struct {
	done chan struct{}
	err  error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) resolve(err error) {
	f.err = err
	close(f.done)
}
