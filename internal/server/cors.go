package server

import (
	"net/http"

	"github.com/rs/cors"
)

// corsMiddleware answers preflight requests and adds CORS headers for the
// configured origins. No origins configured means no cross-origin access.
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	if len(h.cfg.CORSOrigins) == 0 {
		return next
	}
	return cors.New(cors.Options{
		AllowedOrigins: h.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", headerCorrelationID},
		ExposedHeaders: []string{headerCorrelationID},
		MaxAge:         86400,
	}).Handler(next)
}
