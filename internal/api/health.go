package api

import (
	"context"
	"net/http"
	"time"
)

const probeTimeout = 3 * time.Second

// handleHealth is a liveness check. It never touches the store or the
// tool gateway.
func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"agents": deps.Agents,
		})
	}
}

type probeResult struct {
	Status   string `json:"status"`
	Critical bool   `json:"critical"`
	Error    string `json:"error,omitempty"`
}

func handleReady(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := make(map[string]probeResult, len(deps.Probes))
		ready := true
		for _, p := range deps.Probes {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			err := p.Check(ctx)
			cancel()

			res := probeResult{Status: "ok", Critical: p.Critical}
			if err != nil {
				res.Status = "unavailable"
				res.Error = err.Error()
				if p.Critical {
					ready = false
				}
			}
			checks[p.Name] = res
		}

		status, code := "ready", http.StatusOK
		if !ready {
			status, code = "not_ready", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "checks": checks})
	}
}
