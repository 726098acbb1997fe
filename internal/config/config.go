package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv         string
	Port           string
	DatabaseURL    string `validate:"required"`
	RedisURL       string `validate:"required"`
	MigrateOnStart bool

	Webhook       Webhook
	Retry         Retry
	Dedup         Dedup
	Collaborators Collaborators
	Admin         Admin
	Archive       Archive
	RateLimit     RateLimit
}

// Webhook configures the inbound endpoint and the per-step budgets.
type Webhook struct {
	Path               string `validate:"required,startswith=/"`
	Provider           string `validate:"oneof=stripe hmac"`
	SigningSecret      string `validate:"required"`
	SignatureTolerance time.Duration
	MaxBodyBytes       int64         `validate:"gt=0"`
	Deadline           time.Duration `validate:"gt=0"`
	LockTTL            time.Duration `validate:"gt=0"`
	Budgets            Budgets
}

// Budgets are the Timeout Guard durations applied to each sub-step.
type Budgets struct {
	Fetch     time.Duration `validate:"gt=0"`
	Mutation  time.Duration `validate:"gt=0"`
	Account   time.Duration `validate:"gt=0"`
	Marketing time.Duration `validate:"gt=0"`
	Commerce  time.Duration `validate:"gt=0"`
	Referral  time.Duration `validate:"gt=0"`
	Log       time.Duration `validate:"gt=0"`
	Archive   time.Duration `validate:"gt=0"`
}

// CriticalPath is the worst-case sequential budget of one processing attempt:
// start log, fetch, mutation, account link plus attach, the slowest secondary
// notification and the terminal log.
func (b Budgets) CriticalPath() time.Duration {
	secondary := b.Marketing
	if b.Commerce > secondary {
		secondary = b.Commerce
	}
	if b.Referral > secondary {
		secondary = b.Referral
	}
	return 2*b.Log + b.Fetch + 2*b.Mutation + b.Account + secondary
}

// Retry mirrors resilience.Policy.
type Retry struct {
	MaxRetries int `validate:"gte=0,lte=10"`
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64 `validate:"gte=1"`
}

// Dedup selects the idempotency record backend.
type Dedup struct {
	Backend string `validate:"oneof=postgres redis"`
	TTL     time.Duration
}

// Collaborators holds downstream service endpoints. An empty URL disables the
// collaborator.
type Collaborators struct {
	AccountsURL         string `validate:"omitempty,url"`
	MarketingURL        string `validate:"omitempty,url"`
	CommerceURL         string `validate:"omitempty,url"`
	ReferralsURL        string `validate:"omitempty,url"`
	APIToken            string
	MaxAttempts         int     `validate:"gte=1"`
	BreakerMinRequests  int     `validate:"gte=1"`
	BreakerFailureRatio float64 `validate:"gt=0,lte=1"`
	BreakerOpenFor      time.Duration
}

// Admin configures the operator API.
type Admin struct {
	JWTSecret          string
	JWTIssuer          string
	JWTAudience        string
	TokenHashes        []string
	CORSAllowedOrigins []string
}

// Enabled reports whether any admin credential is configured.
func (a Admin) Enabled() bool {
	return strings.TrimSpace(a.JWTSecret) != "" || len(a.TokenHashes) > 0
}

// Archive configures the raw payload archive.
type Archive struct {
	Bucket          string
	Region          string
	Endpoint        string `validate:"omitempty,url"`
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether a bucket is configured.
func (a Archive) Enabled() bool {
	return strings.TrimSpace(a.Bucket) != ""
}

// RateLimit configures request throttling.
type RateLimit struct {
	Driver           string `validate:"oneof=sliding fixed"`
	WebhookPerMinute int    `validate:"gte=0"`
	AdminPerMinute   int    `validate:"gte=0"`
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	cfg, err := read()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.Webhook.SigningSecret == "" {
		return nil, errors.New("WEBHOOK_SIGNING_SECRET is required")
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadStore reads the same sources as Load but only requires what operator
// tools touch: DATABASE_URL, and REDIS_URL when DEDUP_BACKEND is redis.
func LoadStore() (*Config, error) {
	cfg, err := read()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	switch cfg.Dedup.Backend {
	case "postgres":
	case "redis":
		if cfg.RedisURL == "" {
			return nil, errors.New("REDIS_URL is required for the redis dedup backend")
		}
	default:
		return nil, fmt.Errorf("unknown DEDUP_BACKEND %q", cfg.Dedup.Backend)
	}
	return cfg, nil
}

func read() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:         valueOrDefault(k.String("APP_ENV"), "development"),
		Port:           valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:    k.String("DATABASE_URL"),
		RedisURL:       k.String("REDIS_URL"),
		MigrateOnStart: parseBool(k.String("MIGRATE_ON_START")),
		Webhook: Webhook{
			Path:               valueOrDefault(k.String("WEBHOOK_PATH"), "/webhooks/payments"),
			Provider:           strings.ToLower(valueOrDefault(k.String("WEBHOOK_PROVIDER"), "stripe")),
			SigningSecret:      strings.TrimSpace(k.String("WEBHOOK_SIGNING_SECRET")),
			SignatureTolerance: parseDuration(k.String("WEBHOOK_SIGNATURE_TOLERANCE"), "5m"),
			MaxBodyBytes:       parseInt64(k.String("WEBHOOK_MAX_BODY_BYTES"), 1<<20),
			Deadline:           parseDuration(k.String("WEBHOOK_DEADLINE"), "25s"),
			LockTTL:            parseDuration(k.String("WEBHOOK_LOCK_TTL"), "30s"),
			Budgets: Budgets{
				Fetch:     parseDuration(k.String("WEBHOOK_FETCH_TIMEOUT"), "3s"),
				Mutation:  parseDuration(k.String("WEBHOOK_MUTATION_TIMEOUT"), "3s"),
				Account:   parseDuration(k.String("WEBHOOK_ACCOUNT_TIMEOUT"), "5s"),
				Marketing: parseDuration(k.String("WEBHOOK_MARKETING_TIMEOUT"), "4s"),
				Commerce:  parseDuration(k.String("WEBHOOK_COMMERCE_TIMEOUT"), "5s"),
				Referral:  parseDuration(k.String("WEBHOOK_REFERRAL_TIMEOUT"), "4s"),
				Log:       parseDuration(k.String("WEBHOOK_LOG_TIMEOUT"), "2s"),
				Archive:   parseDuration(k.String("WEBHOOK_ARCHIVE_TIMEOUT"), "3s"),
			},
		},
		Retry: Retry{
			MaxRetries: int(parseInt64(k.String("RETRY_MAX_RETRIES"), 2)),
			BaseDelay:  parseDuration(k.String("RETRY_BASE_DELAY"), "200ms"),
			MaxDelay:   parseDuration(k.String("RETRY_MAX_DELAY"), "2s"),
			Multiplier: parseFloat(k.String("RETRY_MULTIPLIER"), 2),
		},
		Dedup: Dedup{
			Backend: strings.ToLower(valueOrDefault(k.String("DEDUP_BACKEND"), "postgres")),
			TTL:     parseDuration(k.String("DEDUP_TTL"), "0s"),
		},
		Collaborators: Collaborators{
			AccountsURL:         strings.TrimSpace(k.String("ACCOUNTS_URL")),
			MarketingURL:        strings.TrimSpace(k.String("MARKETING_URL")),
			CommerceURL:         strings.TrimSpace(k.String("COMMERCE_URL")),
			ReferralsURL:        strings.TrimSpace(k.String("REFERRALS_URL")),
			APIToken:            strings.TrimSpace(k.String("COLLAB_API_TOKEN")),
			MaxAttempts:         int(parseInt64(k.String("COLLAB_MAX_ATTEMPTS"), 2)),
			BreakerMinRequests:  int(parseInt64(k.String("COLLAB_BREAKER_MIN_REQUESTS"), 5)),
			BreakerFailureRatio: parseFloat(k.String("COLLAB_BREAKER_FAILURE_RATIO"), 0.5),
			BreakerOpenFor:      parseDuration(k.String("COLLAB_BREAKER_OPEN_FOR"), "30s"),
		},
		Admin: Admin{
			JWTSecret:          k.String("ADMIN_JWT_SECRET"),
			JWTIssuer:          strings.TrimSpace(k.String("ADMIN_JWT_ISSUER")),
			JWTAudience:        strings.TrimSpace(k.String("ADMIN_JWT_AUDIENCE")),
			TokenHashes:        splitList(k.String("ADMIN_TOKEN_HASHES"), ";"),
			CORSAllowedOrigins: splitAndTrim(k.String("ADMIN_CORS_ALLOWED_ORIGINS")),
		},
		Archive: Archive{
			Bucket:          strings.TrimSpace(k.String("ARCHIVE_S3_BUCKET")),
			Region:          valueOrDefault(k.String("ARCHIVE_S3_REGION"), "us-east-1"),
			Endpoint:        strings.TrimSpace(k.String("ARCHIVE_S3_ENDPOINT")),
			AccessKeyID:     strings.TrimSpace(k.String("ARCHIVE_S3_ACCESS_KEY_ID")),
			SecretAccessKey: strings.TrimSpace(k.String("ARCHIVE_S3_SECRET_ACCESS_KEY")),
		},
		RateLimit: RateLimit{
			Driver:           strings.ToLower(valueOrDefault(k.String("RATE_LIMIT_DRIVER"), "sliding")),
			WebhookPerMinute: int(parseInt64(k.String("RATE_LIMIT_WEBHOOK_PER_MINUTE"), 600)),
			AdminPerMinute:   int(parseInt64(k.String("RATE_LIMIT_ADMIN_PER_MINUTE"), 60)),
		},
	}
	return cfg, nil
}

// Warnings lists settings that are valid but likely to misbehave.
func (c *Config) Warnings() []string {
	var out []string
	if path := c.Webhook.Budgets.CriticalPath(); path >= c.Webhook.Deadline {
		out = append(out, fmt.Sprintf("critical path budget %s does not fit in deadline %s", path, c.Webhook.Deadline))
	}
	if c.Webhook.LockTTL < c.Webhook.Deadline {
		out = append(out, fmt.Sprintf("lock ttl %s is shorter than deadline %s", c.Webhook.LockTTL, c.Webhook.Deadline))
	}
	if c.Dedup.Backend == "redis" && c.Dedup.TTL > 0 {
		out = append(out, "redis dedup records expire; redeliveries after the ttl rely on domain re-checks")
	}
	return out
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	return splitList(value, ",")
}

// splitList splits on sep; argon2id hashes contain commas so they use ";".
func splitList(value, sep string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, sep)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt64(value string, fallback int64) int64 {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
