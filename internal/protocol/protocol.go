// Package protocol defines the messages exchanged between the pool manager,
// the pool host and compute workers, and the frame codec that carries them.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Control message types.
const (
	TypeInitPool   = "initPool"
	TypePoolReady  = "poolReady"
	TypeInitError  = "initError"
	TypeCall       = "call"
	TypeCallResult = "callResult"
	TypeHeartbeat  = "heartbeat"
	TypeTerminate  = "terminate"
)

// Worker channel message types.
const (
	TypeDebug       = "debug"
	TypeWorkerPanic = "worker_panic"
)

// Error codes carried by failed call results.
const (
	CodeOperationNotFound = "operation_not_found"
	CodePoolNotReady      = "pool_not_ready"
	CodeInvalidRequest    = "invalid_request"
	CodeOperationFailed   = "operation_failed"
)

// Message is the envelope for all control-channel traffic in both directions.
// Only the fields relevant to Type are set.
type Message struct {
	Type string `json:"type"`

	// initPool
	Channels    []int `json:"channels,omitempty"`
	WorkerCount int   `json:"worker_count,omitempty"`

	// call / callResult
	ID        uint64            `json:"id,omitempty"`
	Operation string            `json:"operation,omitempty"`
	Args      []json.RawMessage `json:"args,omitempty"`
	Success   bool              `json:"success,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Code      string            `json:"code,omitempty"`

	// callResult, initError
	Error string `json:"error,omitempty"`

	// heartbeat, unix milliseconds
	Timestamp uint64 `json:"timestamp,omitempty"`
}

// Diagnostic is sent by a compute worker over its private channel.
type Diagnostic struct {
	Type     string `json:"type"`
	WorkerID int    `json:"worker_id"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
// The frame is assembled before writing so a single Write call carries it.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
