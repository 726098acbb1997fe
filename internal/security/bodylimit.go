// Package security holds HTTP hardening middleware shared by every route.
package security

import (
	"net/http"

	"github.com/noah-isme/toko-webhooks/internal/common"
)

// BodyLimit caps request payload size. Declared oversized bodies are rejected
// up front; undeclared ones fail on read with *http.MaxBytesError so handlers
// can answer 413 themselves.
type BodyLimit struct {
	Max int64
}

// Middleware rejects requests exceeding the configured limit with HTTP 413.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Max <= 0 || r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			common.JSONError(w, http.StatusRequestEntityTooLarge, common.CodePayloadTooLarge, "request entity too large", nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, b.Max)
		next.ServeHTTP(w, r)
	})
}
