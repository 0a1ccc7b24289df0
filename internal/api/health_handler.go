package api

import (
	"net/http"
	"time"

	"github.com/moltbunker/escrowd/pkg/types"
)

// startTime records when the server package was initialized for uptime calculation.
var startTime = time.Now()

// handleHealthCheck handles GET /health for load balancer health checks.
// No authentication is required.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{
		Status:            "healthy",
		Uptime:            time.Since(startTime).Round(time.Second).String(),
		Version:           Version,
		SettlementVersion: string(s.engine.Capabilities().Version),
		Records:           s.engine.RecordCount(),
	}
	if s.metrics != nil {
		resp.Uptime = s.metrics.GetMetrics().Uptime
	}
	if s.registry != nil {
		resp.Services = len(s.registry.Services())
	}

	switch {
	case !s.isRunning():
		resp.Status = "unhealthy"
		resp.Reason = "server not running"
	case s.custody != nil && !s.custody.IsConnected():
		resp.Status = "unhealthy"
		resp.Reason = "custody chain unreachable"
	}

	if resp.Status != "healthy" {
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
