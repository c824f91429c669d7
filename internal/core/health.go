package core

import (
	"context"
	"net/http"
	"time"
)

// Check is one readiness probe run by the health endpoint.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// healthCheckTimeout bounds the whole probe pass.
const healthCheckTimeout = 5 * time.Second

type healthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HandleHealth runs the registered probes and reports aggregate readiness.
// Any failing probe turns the response into 503 with the failing checks
// named; probe error details stay in the logs.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthStatus{Status: "ok", Checks: make(map[string]string, len(s.Checks))}
	status := http.StatusOK

	for _, c := range s.Checks {
		if err := c.Probe(ctx); err != nil {
			s.Logger.Error("health check failed", "check", c.Name, "error", err)
			resp.Checks[c.Name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}

	JSON(w, r, status, resp)
}
