package httpapi

import (
	"net/http"

	"github.com/antoniostano/agentbridge/internal/observability"
)

type perfLatencyResponse struct {
	observability.LatencySnapshot
	ActiveSessions int `json:"active_sessions"`
}

// handlePerfLatency reports the rolling agent, connect and function
// latencies along with event counts such as barge-ins.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, perfLatencyResponse{
		LatencySnapshot: s.metrics.SnapshotLatency(),
		ActiveSessions:  s.activeSessions(),
	})
}

func (s *Server) handleResetPerfLatency(w http.ResponseWriter, _ *http.Request) {
	s.metrics.ResetLatency()
	s.logger.Info().Msg("latency window reset")
	w.WriteHeader(http.StatusNoContent)
}
