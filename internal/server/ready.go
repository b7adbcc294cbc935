package server

import (
	"context"
	"net/http"
	"time"
)

// readyHandler returns 200 when every registered dependency check passes
// and 503 naming the first failing one otherwise.
func (h *Handler) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for _, c := range h.checks {
		if err := c.check(ctx); err != nil {
			readyFailures.WithLabelValues(c.name).Inc()
			h.logger.Warn("readiness check failed", "check", c.name, "error", err)
			h.writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", c.name+" not ready", correlationIDFrom(r.Context()), nil)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
