package collab

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/toko-webhooks/internal/resilience"
)

// Client posts JSON to one collaborator base URL.
type Client struct {
	Name    string
	BaseURL string
	Token   string
	HTTP    *resilience.HTTPClient
}

// Options tune the shared HTTP behaviour of every collaborator client.
type Options struct {
	Token               string
	MaxAttempts         int
	Timeout             time.Duration
	BreakerMinRequests  int
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration
	BreakerMetrics      *resilience.BreakerMetrics
	Insecure            bool
}

// NewClient builds a Client with its own circuit breaker labelled by name.
func NewClient(name, baseURL string, opts Options) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Target:       name,
		MinRequests:  opts.BreakerMinRequests,
		FailureRatio: opts.BreakerFailureRatio,
		OpenFor:      opts.BreakerOpenFor,
		Metrics:      opts.BreakerMetrics,
	})
	return &Client{
		Name:    name,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   opts.Token,
		HTTP: &resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(transport)},
			Breaker:     breaker,
			MaxAttempts: opts.MaxAttempts,
			Backoff:     resilience.Policy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second},
			Jitter:      0.2,
			Timeout:     opts.Timeout,
		},
	}
}

// PostJSON sends in to path and decodes a 2xx body into out when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	if c == nil || c.HTTP == nil {
		return ErrDisabled
	}
	body, err := json.Marshal(in)
	if err != nil {
		return &Error{Name: c.Name, Err: fmt.Errorf("encode request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return &Error{Name: c.Name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "toko-webhooks/1.0")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if key := idempotencyKeyFrom(ctx); key != "" {
		req.Header.Set("X-Idempotency-Key", key)
	}

	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		var statusErr *resilience.StatusError
		if errors.As(err, &statusErr) {
			return &Error{Name: c.Name, StatusCode: statusErr.StatusCode, Err: err}
		}
		return &Error{Name: c.Name, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &Error{Name: c.Name, StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(msg)))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Name: c.Name, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// AccountsClient calls POST /accounts/link.
type AccountsClient struct{ *Client }

func (c AccountsClient) LinkAccount(ctx context.Context, req LinkAccountRequest) (Account, error) {
	var account Account
	if err := c.PostJSON(ctx, "/accounts/link", req, &account); err != nil {
		return Account{}, err
	}
	return account, nil
}

// MarketingClient calls POST /events.
type MarketingClient struct{ *Client }

func (c MarketingClient) SendEvent(ctx context.Context, name string, props map[string]any) error {
	return c.PostJSON(ctx, "/events", map[string]any{"event": name, "properties": props}, nil)
}

// CommerceClient calls POST /orders.
type CommerceClient struct{ *Client }

func (c CommerceClient) CreateOrder(ctx context.Context, order CommerceOrder) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.PostJSON(ctx, "/orders", order, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// ReferralsClient calls POST /rewards/compute.
type ReferralsClient struct{ *Client }

func (c ReferralsClient) ComputeReward(ctx context.Context, code string, amountCents int64) (Reward, error) {
	var reward Reward
	in := map[string]any{"code": code, "amount_cents": amountCents}
	if err := c.PostJSON(ctx, "/rewards/compute", in, &reward); err != nil {
		return Reward{}, err
	}
	return reward, nil
}

// Set is the resolved collaborator bundle handed to the webhook handlers.
type Set struct {
	Accounts  Accounts
	Marketing Marketing
	Commerce  Commerce
	Referrals Referrals
}

// URLs selects which collaborators get a real client.
type URLs struct {
	Accounts  string
	Marketing string
	Commerce  string
	Referrals string
}

// NewSet builds HTTP clients for configured URLs and Disabled for the rest.
func NewSet(urls URLs, opts Options) Set {
	set := Set{Accounts: Disabled{}, Marketing: Disabled{}, Commerce: Disabled{}, Referrals: Disabled{}}
	if u := strings.TrimSpace(urls.Accounts); u != "" {
		set.Accounts = AccountsClient{NewClient("accounts", u, opts)}
	}
	if u := strings.TrimSpace(urls.Marketing); u != "" {
		set.Marketing = MarketingClient{NewClient("marketing", u, opts)}
	}
	if u := strings.TrimSpace(urls.Commerce); u != "" {
		set.Commerce = CommerceClient{NewClient("commerce", u, opts)}
	}
	if u := strings.TrimSpace(urls.Referrals); u != "" {
		set.Referrals = ReferralsClient{NewClient("referrals", u, opts)}
	}
	return set
}
