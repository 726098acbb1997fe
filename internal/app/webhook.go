package app

import (
	"context"
	"fmt"
	"time"

	"github.com/noah-isme/toko-webhooks/internal/archive"
	"github.com/noah-isme/toko-webhooks/internal/collab"
	"github.com/noah-isme/toko-webhooks/internal/config"
	"github.com/noah-isme/toko-webhooks/internal/dedup"
	"github.com/noah-isme/toko-webhooks/internal/lock"
	"github.com/noah-isme/toko-webhooks/internal/obs"
	"github.com/noah-isme/toko-webhooks/internal/order"
	"github.com/noah-isme/toko-webhooks/internal/proclog"
	"github.com/noah-isme/toko-webhooks/internal/resilience"
	"github.com/noah-isme/toko-webhooks/internal/subscription"
	"github.com/noah-isme/toko-webhooks/internal/webhook"
)

// Webhook bundles the HTTP surfaces of the ingestion pipeline.
type Webhook struct {
	Receiver webhook.HTTPHandler
	Admin    proclog.Handler
}

// NewWebhook wires the pipeline: verifier, dedup guard, processing logger,
// domain handlers and collaborators.
func NewWebhook(ctx context.Context, cfg *config.Config, deps *Dependencies, monitor obs.Monitor) (*Webhook, error) {
	wh := cfg.Webhook
	verifier, err := webhook.NewVerifier(wh.Provider, wh.SigningSecret, wh.SignatureTolerance)
	if err != nil {
		return nil, err
	}
	records, err := NewDedupStore(cfg.Dedup, deps)
	if err != nil {
		return nil, err
	}
	archiver, err := NewArchiver(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}

	logStore := proclog.NewStore(deps.DB)
	router := webhook.NewRouter(proclog.NewLogger(logStore, wh.Budgets.Log))
	handlers := &webhook.Handlers{
		Orders:        order.NewStore(deps.DB),
		Subscriptions: subscription.NewStore(deps.DB),
		Collab:        NewCollaborators(cfg),
		Budgets: webhook.Budgets{
			Fetch:     wh.Budgets.Fetch,
			Mutation:  wh.Budgets.Mutation,
			Account:   wh.Budgets.Account,
			Marketing: wh.Budgets.Marketing,
			Commerce:  wh.Budgets.Commerce,
			Referral:  wh.Budgets.Referral,
		},
	}
	handlers.Register(router)

	guard := dedup.Guard{Store: records, LockTTL: wh.LockTTL, MarkTimeout: wh.Budgets.Log}
	if deps.Redis != nil {
		guard.Locker = lock.Locker{Client: deps.Redis}
	}

	pipeline := &webhook.Pipeline{
		Verifier: verifier,
		Guard:    guard,
		Router:   router,
		Retry: resilience.Policy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
			Multiplier: cfg.Retry.Multiplier,
		},
		Archive:        archiver,
		ArchiveTimeout: wh.Budgets.Archive,
	}
	return &Webhook{
		Receiver: webhook.HTTPHandler{
			Pipeline:     pipeline,
			Monitor:      monitor,
			MaxBodyBytes: wh.MaxBodyBytes,
			Deadline:     wh.Deadline,
		},
		Admin: proclog.Handler{Store: logStore, Records: records},
	}, nil
}

// NewDedupStore selects the idempotency record backend.
func NewDedupStore(cfg config.Dedup, deps *Dependencies) (dedup.Store, error) {
	switch cfg.Backend {
	case "", "postgres":
		if deps.DB == nil {
			return nil, fmt.Errorf("dedup backend postgres: %w", dedup.ErrStoreUnavailable)
		}
		return dedup.NewPGStore(deps.DB), nil
	case "redis":
		if deps.Redis == nil {
			return nil, fmt.Errorf("dedup backend redis: %w", dedup.ErrStoreUnavailable)
		}
		return dedup.RedisStore{Client: deps.Redis, TTL: cfg.TTL}, nil
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", cfg.Backend)
	}
}

// NewArchiver returns the S3 archiver when a bucket is configured and a no-op
// archiver otherwise.
func NewArchiver(ctx context.Context, cfg config.Archive) (archive.Archiver, error) {
	if !cfg.Enabled() {
		return archive.Nop{}, nil
	}
	s3, err := archive.NewS3(ctx, archive.Options{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return s3, nil
}

// NewCollaborators builds clients for every configured collaborator. The
// client timeout is the largest step budget; each step applies its own.
func NewCollaborators(cfg *config.Config) collab.Set {
	b := cfg.Webhook.Budgets
	timeout := max(b.Account, b.Marketing, b.Commerce, b.Referral, time.Second)
	c := cfg.Collaborators
	return collab.NewSet(collab.URLs{
		Accounts:  c.AccountsURL,
		Marketing: c.MarketingURL,
		Commerce:  c.CommerceURL,
		Referrals: c.ReferralsURL,
	}, collab.Options{
		Token:               c.APIToken,
		MaxAttempts:         c.MaxAttempts,
		Timeout:             timeout,
		BreakerMinRequests:  c.BreakerMinRequests,
		BreakerFailureRatio: c.BreakerFailureRatio,
		BreakerOpenFor:      c.BreakerOpenFor,
		BreakerMetrics:      resilience.DefaultBreakerMetrics(),
	})
}
