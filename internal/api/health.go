package api

import (
	"encoding/json"
	"net/http"
)

const (
	healthOK       = "ok"
	healthDegraded = "degraded"
	breakerOpen    = "open"
)

// healthResponse reports process liveness plus whether the pool can start.
type healthResponse struct {
	Status  string `json:"status"`
	Pool    string `json:"pool,omitempty"`
	Breaker string `json:"breaker,omitempty"`
}

// handleHealthz answers 503 while the init breaker is open, since every call
// would fail fast until the cooldown ends.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.pool.Status()
	resp := healthResponse{Status: healthOK, Pool: st.State, Breaker: st.Breaker}
	code := http.StatusOK
	if st.Breaker == breakerOpen {
		resp.Status = healthDegraded
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
