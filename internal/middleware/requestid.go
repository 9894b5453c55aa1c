// Package middleware provides transport-agnostic HTTP middleware.
package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/vincent-163/claude-code-multi/internal/logger"
)

const headerRequestID = "X-Request-ID"

// RequestID takes the caller's X-Request-ID or mints one, stores it in
// the request context for log correlation, and echoes it on the
// response so clients can cite it when reporting a stuck session.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = newID()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// newID returns 16 random bytes hex-encoded.
func newID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
