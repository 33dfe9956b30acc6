package pool

import "errors"

var (
	// ErrInitializationTimeout means the host did not report poolReady in time.
	ErrInitializationTimeout = errors.New("pool initialization timed out")

	// ErrHeartbeatTimeout means the host went silent; it is presumed hung.
	ErrHeartbeatTimeout = errors.New("host heartbeat timed out")

	// ErrOperationNotFound means the engine exposes no operation by that name.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrHostCrash means the host exited or dropped its control connection
	// without being asked to.
	ErrHostCrash = errors.New("pool host crashed")

	// ErrInitFailed means the host could not be launched or rejected initPool.
	ErrInitFailed = errors.New("pool initialization failed")

	// ErrPoolClosed is returned once the manager is closed, and to requests
	// still pending when a session ends normally.
	ErrPoolClosed = errors.New("pool closed")

	// ErrPoolUnavailable is returned while the init circuit breaker is open.
	ErrPoolUnavailable = errors.New("pool unavailable")

	// ErrCallFailed means the engine ran the operation and it returned an error.
	ErrCallFailed = errors.New("call failed")
)
