package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const (
	StripeSignatureHeader = "Stripe-Signature"
	SignatureHeader       = "X-Signature"
	TimestampHeader       = "X-Signature-Timestamp"
)

var errMissingSignature = errors.New("missing signature header")

// Verifier checks that body was signed by the provider. Implementations work on
// the exact received bytes and return *AuthenticationError on failure.
type Verifier interface {
	Verify(header http.Header, body []byte) error
}

// NewVerifier returns the verifier for provider ("stripe" or "hmac").
func NewVerifier(provider, secret string, tolerance time.Duration) (Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("webhook: signing secret is required")
	}
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "stripe":
		return StripeVerifier{Secret: secret, Tolerance: tolerance}, nil
	case "hmac":
		return HMACVerifier{Secret: secret, Tolerance: tolerance}, nil
	default:
		return nil, fmt.Errorf("webhook: unsupported provider %q", provider)
	}
}

// StripeVerifier validates the Stripe-Signature header scheme.
type StripeVerifier struct {
	Secret    string
	Tolerance time.Duration
}

func (v StripeVerifier) Verify(header http.Header, body []byte) error {
	sig := strings.TrimSpace(header.Get(StripeSignatureHeader))
	if sig == "" {
		return &AuthenticationError{Err: errMissingSignature}
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = stripewebhook.DefaultTolerance
	}
	if err := stripewebhook.ValidatePayloadWithTolerance(body, sig, v.Secret, tolerance); err != nil {
		return &AuthenticationError{Err: err}
	}
	return nil
}

// HMACVerifier validates a hex HMAC-SHA256 over "<timestamp>.<body>" carried in
// X-Signature, with the unix timestamp in X-Signature-Timestamp.
type HMACVerifier struct {
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

func (v HMACVerifier) Verify(header http.Header, body []byte) error {
	provided := strings.TrimPrefix(strings.TrimSpace(header.Get(SignatureHeader)), "sha256=")
	rawTS := strings.TrimSpace(header.Get(TimestampHeader))
	if provided == "" || rawTS == "" {
		return &AuthenticationError{Err: errMissingSignature}
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return &AuthenticationError{Err: fmt.Errorf("invalid timestamp: %w", err)}
	}
	if v.Tolerance > 0 {
		now := time.Now
		if v.Now != nil {
			now = v.Now
		}
		skew := now().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.Tolerance {
			return &AuthenticationError{Err: errors.New("timestamp outside tolerance")}
		}
	}
	expected := SignHMAC(v.Secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(provided))) {
		return &AuthenticationError{Err: errors.New("signature mismatch")}
	}
	return nil
}

// SignHMAC computes the signature HMACVerifier expects.
func SignHMAC(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate verifies body and then parses it. Nothing in body is trusted
// before the signature check passes.
func Authenticate(v Verifier, header http.Header, body []byte, receivedAt time.Time) (Event, error) {
	if v == nil {
		return Event{}, &AuthenticationError{Err: errors.New("no verifier configured")}
	}
	if err := v.Verify(header, body); err != nil {
		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			return Event{}, err
		}
		return Event{}, &AuthenticationError{Err: err}
	}
	return Parse(body, receivedAt)
}
