package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"by_status"`
	AvgInitMS    float64        `json:"avg_init_ms"`
	Diagnostics  int            `json:"diagnostics"`
	WorkerPanics int            `json:"worker_panics"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetSessionStats(r.Context())
	if err != nil {
		s.logger.Error("get session stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:        stats.Total,
		ByStatus:     stats.CountByStatus,
		AvgInitMS:    stats.AvgInitMS,
		Diagnostics:  stats.Diagnostics,
		WorkerPanics: stats.WorkerPanics,
	})
}
