// Package auth authenticates operators of the admin API. Callers present
// either a signed JWT or a static service token whose argon2id hash is
// configured.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/toko-webhooks/internal/common"
)

// DefaultScope is required of operator JWTs when no scope is configured.
const DefaultScope = "webhooks:admin"

var (
	errNoCredentials = errors.New("auth: no credentials configured")
	errUnknownToken  = errors.New("auth: unknown service token")
)

// Config configures the admin authenticator.
type Config struct {
	Secret      string
	Issuer      string
	Audience    string
	Scope       string
	ClockSkew   time.Duration
	TokenHashes []string
}

// Authenticator resolves a bearer credential to the operator subject.
type Authenticator struct {
	secret    []byte
	validator TokenValidator
	hashes    []string
	now       func() time.Time
}

// NewAuthenticator builds an Authenticator. At least one of Secret and
// TokenHashes must be set.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.Secret)
	hashes := make([]string, 0, len(cfg.TokenHashes))
	for _, h := range cfg.TokenHashes {
		if h = strings.TrimSpace(h); h == "" {
			continue
		}
		if _, _, _, err := argon2id.DecodeHash(h); err != nil {
			return nil, fmt.Errorf("auth: decode token hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	if secret == "" && len(hashes) == 0 {
		return nil, errNoCredentials
	}
	scope := strings.TrimSpace(cfg.Scope)
	if scope == "" {
		scope = DefaultScope
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 30 * time.Second
	}
	return &Authenticator{
		secret: []byte(secret),
		validator: TokenValidator{
			Issuer:    cfg.Issuer,
			Audience:  cfg.Audience,
			Scope:     scope,
			ClockSkew: skew,
			Algorithm: jwa.HS256,
		},
		hashes: hashes,
		now:    time.Now,
	}, nil
}

// SetNow overrides the clock. Intended for tests.
func (a *Authenticator) SetNow(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

// Authenticate returns the subject for a bearer credential. Compact JWS
// strings are validated as JWTs; anything else is matched against the
// service token hashes.
func (a *Authenticator) Authenticate(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", unauthorized(errors.New("auth: missing token"))
	}
	if strings.Count(trimmed, ".") == 2 && len(a.secret) > 0 {
		return a.ParseAccessToken(trimmed)
	}
	return a.matchServiceToken(trimmed)
}

// ParseAccessToken validates an operator JWT and returns its subject.
func (a *Authenticator) ParseAccessToken(token string) (string, error) {
	if len(a.secret) == 0 {
		return "", unauthorized(errors.New("auth: jwt authentication disabled"))
	}
	algorithm, err := extractTokenAlgorithm(token)
	if err != nil {
		return "", unauthorized(err)
	}
	if algorithm != a.validator.Algorithm {
		return "", unauthorized(fmt.Errorf("auth: unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(token, jwt.WithKey(algorithm, a.secret), jwt.WithValidate(false))
	if err != nil {
		return "", unauthorized(err)
	}
	if err := a.validator.Validate(parsed, algorithm, a.now()); err != nil {
		return "", unauthorized(err)
	}
	return parsed.Subject(), nil
}

// matchServiceToken compares against every hash so the work done does not
// depend on which entry matches.
func (a *Authenticator) matchServiceToken(token string) (string, error) {
	matched := -1
	for i, hash := range a.hashes {
		ok, err := argon2id.ComparePasswordAndHash(token, hash)
		if err != nil {
			return "", unauthorized(err)
		}
		if ok && matched < 0 {
			matched = i
		}
	}
	if matched < 0 {
		return "", unauthorized(errUnknownToken)
	}
	return "service:" + fingerprint(a.hashes[matched]), nil
}

// fingerprint names a service token in logs without revealing its hash.
func fingerprint(hash string) string {
	return common.Digest([]byte(hash))[:8]
}

func extractTokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("auth: token contains no signatures")
	}
	var algorithm jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return "", errors.New("auth: token missing protected headers")
		}
		alg := headers.Algorithm()
		if alg == "" {
			return "", errors.New("auth: token missing algorithm")
		}
		if alg == jwa.NoSignature {
			return "", errors.New("auth: token uses none algorithm")
		}
		if algorithm == "" {
			algorithm = alg
		} else if algorithm != alg {
			return "", errors.New("auth: mixed token algorithms detected")
		}
	}
	return algorithm, nil
}

func unauthorized(err error) error {
	return common.NewAppError(common.CodeUnauthorized, "invalid credentials", http.StatusUnauthorized, err)
}
