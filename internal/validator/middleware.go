package validator

import (
	"net/http"
	"strings"
)

// Middleware authenticates the bearer token on every request before calling
// next. Any failure ends the request with 401 and an empty body; the reason
// is only logged.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			v.logger.Warn("request rejected", "path", r.URL.Path, "reason", "missing bearer token")
			unauthorized(w)
			return
		}
		id, err := v.Validate(r.Context(), raw)
		if err != nil {
			v.logger.Warn("request rejected", "path", r.URL.Path, "reason", resultLabel(err), "error", err)
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Del("Content-Type")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
}
