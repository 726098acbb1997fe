package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-webhooks/internal/common"
)

const testSecret = "admin-secret"

var cheapParams = &argon2id.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func newTestAuthenticator(t *testing.T, serviceTokens ...string) *Authenticator {
	t.Helper()
	hashes := make([]string, 0, len(serviceTokens))
	for _, tok := range serviceTokens {
		hash, err := argon2id.CreateHash(tok, cheapParams)
		require.NoError(t, err)
		hashes = append(hashes, hash)
	}
	a, err := NewAuthenticator(Config{Secret: testSecret, Issuer: "toko", Audience: "ops", TokenHashes: hashes})
	require.NoError(t, err)
	return a
}

func signToken(t *testing.T, secret string, alg jwa.SignatureAlgorithm, scope string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewBuilder().
		Issuer("toko").
		Audience([]string{"ops"}).
		Subject("ops@example.com").
		IssuedAt(time.Now()).
		Expiration(exp).
		Claim(ScopeClaim, scope).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(alg, []byte(secret)))
	require.NoError(t, err)
	return string(signed)
}

func protected(m Middleware) http.Handler {
	return m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ := common.Subject(r.Context())
		common.JSON(w, http.StatusOK, map[string]string{"subject": subject})
	}))
}

func call(h http.Handler, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/admin/webhooks/logs", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequireAuthAcceptsJWT(t *testing.T) {
	h := protected(Middleware{Authenticator: newTestAuthenticator(t)})
	token := signToken(t, testSecret, jwa.HS256, DefaultScope, time.Now().Add(time.Minute))

	rec := call(h, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ops@example.com")
}

func TestRequireAuthRejectsBadJWT(t *testing.T) {
	h := protected(Middleware{Authenticator: newTestAuthenticator(t)})
	cases := map[string]string{
		"wrong secret":  signToken(t, "other", jwa.HS256, DefaultScope, time.Now().Add(time.Minute)),
		"wrong alg":     signToken(t, testSecret, jwa.HS512, DefaultScope, time.Now().Add(time.Minute)),
		"expired":       signToken(t, testSecret, jwa.HS256, DefaultScope, time.Now().Add(-time.Hour)),
		"missing scope": signToken(t, testSecret, jwa.HS256, "webhooks:read", time.Now().Add(time.Minute)),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			rec := call(h, "Authorization", "Bearer "+token)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestRequireAuthServiceToken(t *testing.T) {
	h := protected(Middleware{Authenticator: newTestAuthenticator(t, "svc-token-1", "svc-token-2"), TokenHeader: "X-Admin-Token"})

	rec := call(h, "Authorization", "Bearer svc-token-2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"subject":"service:`)

	rec = call(h, "X-Admin-Token", "svc-token-1")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(h, "Authorization", "Bearer nope")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthMissingToken(t *testing.T) {
	h := protected(Middleware{Authenticator: newTestAuthenticator(t)})
	rec := call(h, "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "UNAUTHORIZED")
}

func TestRequireAuthDisabled(t *testing.T) {
	rec := call(protected(Middleware{}), "Authorization", "Bearer x")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewAuthenticatorValidation(t *testing.T) {
	_, err := NewAuthenticator(Config{})
	require.ErrorIs(t, err, errNoCredentials)

	_, err = NewAuthenticator(Config{TokenHashes: []string{"not-a-hash"}})
	require.Error(t, err)
}

func TestAuthenticateJWTDisabledFallsBackToServiceToken(t *testing.T) {
	hash, err := argon2id.CreateHash("a.b.c", cheapParams)
	require.NoError(t, err)
	a, err := NewAuthenticator(Config{TokenHashes: []string{hash}})
	require.NoError(t, err)

	subject, err := a.Authenticate("a.b.c")
	require.NoError(t, err)
	require.Contains(t, subject, "service:")
}
