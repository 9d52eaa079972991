package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the report of probe p as JSON. The full report answers
// 503 only when unhealthy; liveness and readiness answer 503 unless
// healthy.
func (c *Checker) Handler(p Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		report := c.Run(p)

		code := http.StatusOK
		if report.Status == StatusUnhealthy || (p != All && report.Status != StatusHealthy) {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(report)
	}
}
