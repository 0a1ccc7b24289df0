package api

import (
	"net/http"
)

// handleMetrics serves metrics in Prometheus text exposition format.
// No authentication required for metrics scraping.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeError(w, http.StatusServiceUnavailable, "metrics disabled")
		return
	}
	s.metrics.PrometheusHandler().ServeHTTP(w, r)
}

// handleStats serves the JSON metrics snapshot.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeError(w, http.StatusServiceUnavailable, "metrics disabled")
		return
	}
	data, err := s.metrics.GetMetricsJSON()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
