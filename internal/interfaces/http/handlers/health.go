package handlers

import (
	"net/http"

	"github.com/sawpanic/marketrank/internal/health"
)

// Health handles GET /health. Degraded still answers 200 so load balancers
// keep routing; only an unreachable store is 503.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	rep := h.health.Check(r.Context())

	ops := make(map[string]bool, len(rep.Operations))
	for _, op := range rep.Operations {
		ops[string(op.Operation)] = op.Healthy
	}
	h.metrics.SetHealth(string(rep.Status), ops)

	status := http.StatusOK
	if rep.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, rep)
}
