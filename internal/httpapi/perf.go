package httpapi

import "net/http"

// handlePerfLatency reports per-stage turn latency percentiles over the
// sliding sample window, with each stage's P95 target.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.stages == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "latency tracking disabled")
		return
	}
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}
