package api

import (
	"net/http"

	"github.com/nerrad567/loxrelay/internal/process"
	"github.com/nerrad567/loxrelay/internal/relay"
)

// statusResponse is the body of GET /api/status.
type statusResponse struct {
	Version    string         `json:"version"`
	Epoch      uint64         `json:"epoch"`
	Miniserver string         `json:"miniserver"`
	Counters   relay.Counters `json:"counters"`
	UI         *process.Stats `json:"ui,omitempty"`
}

// handleHealthz is the liveness probe. With a broker wired, a dead MQTT
// connection turns the probe into a 503 so orchestrators restart the relay.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.broker != nil {
		if err := s.broker.HealthCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus returns the pipeline counters, the Miniserver connection
// state and the active configuration epoch.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Version:    s.version,
		Epoch:      s.relay.Epoch(),
		Miniserver: s.relay.MiniserverState(),
		Counters:   s.relay.Stats(),
	}

	if s.ui != nil {
		stats := s.ui.Stats()
		resp.UI = &stats
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleConfig returns the active configuration with credentials redacted.
func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.Snapshot().Redacted())
}
