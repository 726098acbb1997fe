package auth

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-webhooks/internal/common"
)

// Middleware guards the admin API.
type Middleware struct {
	Authenticator *Authenticator
	// TokenHeader is an alternative header carrying a raw service token.
	TokenHeader string
}

// RequireAuth rejects requests without a valid credential and stores the
// operator subject on the request context.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Authenticator == nil {
			common.JSONError(w, http.StatusServiceUnavailable, "ADMIN_DISABLED", "admin authentication is not configured", nil)
			return
		}
		token := m.extractToken(r)
		if token == "" {
			common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "missing or invalid token", nil)
			return
		}
		subject, err := m.Authenticator.Authenticate(token)
		if err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Str("path", r.URL.Path).Msg("admin_auth_rejected")
			common.WriteError(w, err)
			return
		}
		// Only the request-scoped logger is updated, never the process default.
		if l := zerolog.Ctx(r.Context()); l != zerolog.DefaultContextLogger {
			l.UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("subject", subject)
			})
		}
		next.ServeHTTP(w, r.WithContext(common.WithSubject(r.Context(), subject)))
	})
}

func (m Middleware) extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if m.TokenHeader != "" {
		return strings.TrimSpace(r.Header.Get(m.TokenHeader))
	}
	return ""
}
