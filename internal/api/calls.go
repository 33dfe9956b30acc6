package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/seantiz/kiln/internal/pool"
)

const maxBodySize = 1 << 20 // 1 MB

// callRequest is the JSON body for POST /v1/calls.
type callRequest struct {
	Operation string            `json:"operation"`
	Args      []json.RawMessage `json:"args"`
}

// callResponse is the JSON response for a successful call.
type callResponse struct {
	Operation  string          `json:"operation"`
	Result     json.RawMessage `json:"result"`
	DurationMS int64           `json:"duration_ms"`
}

// poolResponse is the JSON response for GET /v1/pool.
type poolResponse struct {
	pool.Status
	Operations []string `json:"operations"`
}

func (s *Server) handleGetPool(w http.ResponseWriter, _ *http.Request) {
	ops := s.ops
	if ops == nil {
		ops = []string{}
	}
	s.writeJSON(w, http.StatusOK, poolResponse{Status: s.pool.Status(), Operations: ops})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Operation == "" {
		s.writeError(w, http.StatusBadRequest, "operation is required")
		return
	}

	args := make([]any, len(req.Args))
	for i, a := range req.Args {
		args[i] = a
	}

	start := time.Now()
	var result json.RawMessage
	err := s.pool.RunWithPool(r.Context(), func(ctx context.Context, c pool.Caller) error {
		var err error
		result, err = c.Call(ctx, req.Operation, args...)
		return err
	})
	if err != nil {
		status := callErrorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("call failed", "operation", req.Operation, "error", err)
		}
		s.writeError(w, status, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, callResponse{
		Operation:  req.Operation,
		Result:     result,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// callErrorStatus maps pool errors onto HTTP status codes.
func callErrorStatus(err error) int {
	switch {
	case errors.Is(err, pool.ErrOperationNotFound):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrCallFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case pool.IsHostFailure(err),
		errors.Is(err, pool.ErrPoolUnavailable),
		errors.Is(err, pool.ErrPoolClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
