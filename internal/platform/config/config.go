// Package config assembles runtime configuration from defaults, a
// local .env file, the process environment, and secret references
// resolved through Secret Manager.
package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultRateLimitDefault     = 120
	defaultRateLimitAuth        = 240
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultTaxRate              = "0.15"
	defaultAutoApproveBelow     = "5000"
	defaultSupervisorBelow      = "20000"
	defaultProcurementBelow     = "50000"
	defaultExecutiveReviewAt    = "100000"
	defaultPeriodEndMonth       = 11
	defaultInstallmentDueDay    = 10
	defaultNotificationTopic    = "order-notifications"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server       ServerConfig
	Firestore    FirestoreConfig
	Auth         AuthConfig
	PubSub       PubSubConfig
	PSP          PSPConfig
	Approvals    ApprovalConfig
	Pricing      PricingConfig
	Installments InstallmentConfig
	RateLimits   RateLimitConfig
	Idempotency  IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// AuthConfig stores access-token verification settings.
type AuthConfig struct {
	SigningKey string
	Issuer     string
	Audience   string
}

// PubSubConfig names the project and topics used for async messaging.
type PubSubConfig struct {
	ProjectID         string
	NotificationTopic string
}

// PSPConfig collects secrets for the payment provider.
type PSPConfig struct {
	StripeAPIKey    string
	StripeAccountID string
}

// ApprovalConfig holds the monetary tier boundaries used by the approval router.
type ApprovalConfig struct {
	AutoApproveBelow  decimal.Decimal
	SupervisorBelow   decimal.Decimal
	ProcurementBelow  decimal.Decimal
	ExecutiveReviewAt decimal.Decimal
}

// PricingConfig controls order pricing.
type PricingConfig struct {
	TaxRate decimal.Decimal
}

// InstallmentConfig fixes the ordering-period boundary for payment plans.
type InstallmentConfig struct {
	PeriodEndMonth int
	DueDayOfMonth  int
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	DefaultPerMinute       int
	AuthenticatedPerMinute int
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError reports configuration fields that are missing or out
// of range.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the failed field list.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError describes a failure while resolving one secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError reports required secrets that resolved empty.
// Error output uses redacted identifiers so secret names stay out of
// logs.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the missing secret identifiers, sorted.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

// RedactedNames returns hashed identifiers safe for log output.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loader)

// loader layers the configuration sources. Lookup precedence is
// explicit map, then process environment, then the .env file.
type loader struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	dotEnv          map[string]string
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(l *loader) { l.envFile = path }
}

// WithEnvMap injects an explicit key/value map that takes precedence
// over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(l *loader) { l.envMap = values }
}

// WithoutSystemEnv disables os.LookupEnv, leaving only provided maps
// and the .env file.
func WithoutSystemEnv() Option {
	return func(l *loader) { l.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(l *loader) { l.secret = resolver }
}

// WithRequiredSecrets marks config fields whose resolved value must be
// non-empty, named by field path (e.g. "Auth.SigningKey").
func WithRequiredSecrets(names ...string) Option {
	return func(l *loader) { l.requiredSecrets = append(l.requiredSecrets, names...) }
}

func newLoader(opts ...Option) (*loader, error) {
	l := &loader{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(l)
	}

	dotEnv, err := parseDotEnvFile(l.envFile)
	if err != nil {
		return nil, err
	}
	l.dotEnv = dotEnv
	return l, nil
}

func (l *loader) lookup(key string) (string, bool) {
	if value, ok := l.envMap[key]; ok {
		return value, true
	}
	if l.useSystemEnv {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	value, ok := l.dotEnv[key]
	return value, ok
}

func (l *loader) str(key, fallback string) string {
	if value, ok := l.lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func (l *loader) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := l.lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (l *loader) integer(key string, fallback int) int {
	if value, ok := l.lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func (l *loader) money(key, fallback string) decimal.Decimal {
	if value, ok := l.lookup(key); ok && strings.TrimSpace(value) != "" {
		if parsed, err := decimal.NewFromString(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return decimal.RequireFromString(fallback)
}

// EnvironmentValues returns the merged key/value environment using the
// same precedence as Load, for callers that must initialise
// dependencies (like the secret fetcher) before loading config.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	l, err := newLoader(opts...)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(l.dotEnv)+len(l.envMap))
	for key, value := range l.dotEnv {
		values[key] = value
	}
	if l.useSystemEnv {
		for _, entry := range os.Environ() {
			if key, value, found := strings.Cut(entry, "="); found && strings.TrimSpace(key) != "" {
				values[strings.TrimSpace(key)] = value
			}
		}
	}
	for key, value := range l.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the application configuration.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	l, err := newLoader(opts...)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         l.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  l.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: l.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  l.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    l.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: l.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Auth: AuthConfig{
			SigningKey: l.str("API_AUTH_SIGNING_KEY", ""),
			Issuer:     l.str("API_AUTH_ISSUER", ""),
			Audience:   l.str("API_AUTH_AUDIENCE", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:         l.str("API_PUBSUB_PROJECT_ID", ""),
			NotificationTopic: l.str("API_PUBSUB_NOTIFICATION_TOPIC", defaultNotificationTopic),
		},
		PSP: PSPConfig{
			StripeAPIKey:    l.str("API_PSP_STRIPE_API_KEY", ""),
			StripeAccountID: l.str("API_PSP_STRIPE_ACCOUNT_ID", ""),
		},
		Approvals: ApprovalConfig{
			AutoApproveBelow:  l.money("API_APPROVAL_AUTO_BELOW", defaultAutoApproveBelow),
			SupervisorBelow:   l.money("API_APPROVAL_SUPERVISOR_BELOW", defaultSupervisorBelow),
			ProcurementBelow:  l.money("API_APPROVAL_PROCUREMENT_BELOW", defaultProcurementBelow),
			ExecutiveReviewAt: l.money("API_APPROVAL_EXEC_REVIEW_AT", defaultExecutiveReviewAt),
		},
		Pricing: PricingConfig{
			TaxRate: l.money("API_PRICING_TAX_RATE", defaultTaxRate),
		},
		Installments: InstallmentConfig{
			PeriodEndMonth: l.integer("API_INSTALLMENT_PERIOD_END_MONTH", defaultPeriodEndMonth),
			DueDayOfMonth:  l.integer("API_INSTALLMENT_DUE_DAY", defaultInstallmentDueDay),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute:       l.integer("API_RATELIMIT_DEFAULT_PER_MIN", defaultRateLimitDefault),
			AuthenticatedPerMinute: l.integer("API_RATELIMIT_AUTH_PER_MIN", defaultRateLimitAuth),
		},
		Idempotency: IdempotencyConfig{
			Header:           l.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              l.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  l.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: l.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	// Pub/Sub project defaults to the Firestore project when unspecified.
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	resolved := map[string]*string{
		"Auth.SigningKey":  &cfg.Auth.SigningKey,
		"PSP.StripeAPIKey": &cfg.PSP.StripeAPIKey,
	}
	for _, field := range resolved {
		value, err := l.resolveSecret(ctx, *field)
		if err != nil {
			return Config{}, err
		}
		*field = value
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	var missing []string
	seen := make(map[string]struct{})
	for _, name := range l.requiredSecrets {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		field, known := resolved[name]
		if !known || strings.TrimSpace(*field) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Config{}, &MissingSecretsError{names: missing}
	}

	return cfg, nil
}

// resolveSecret passes plain values through and resolves secret:// and
// sm:// references via the configured resolver.
func (l *loader) resolveSecret(ctx context.Context, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "secret://") && !strings.HasPrefix(trimmed, "sm://") {
		return value, nil
	}
	ref := trimmed
	if rest, found := strings.CutPrefix(trimmed, "sm://"); found {
		ref = "secret://" + rest
	}
	if l.secret == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := l.secret.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var failed []string

	if cfg.Server.Port == "" {
		failed = append(failed, "Server.Port")
	}
	if cfg.Firestore.ProjectID == "" {
		failed = append(failed, "Firestore.ProjectID")
	}
	if cfg.Auth.SigningKey == "" {
		failed = append(failed, "Auth.SigningKey")
	}
	if cfg.Pricing.TaxRate.Sign() < 0 || cfg.Pricing.TaxRate.Cmp(decimal.NewFromInt(1)) >= 0 {
		failed = append(failed, "Pricing.TaxRate")
	}
	if cfg.Installments.PeriodEndMonth < 1 || cfg.Installments.PeriodEndMonth > 12 {
		failed = append(failed, "Installments.PeriodEndMonth")
	}
	if cfg.Installments.DueDayOfMonth < 1 || cfg.Installments.DueDayOfMonth > 31 {
		failed = append(failed, "Installments.DueDayOfMonth")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		failed = append(failed, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		failed = append(failed, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		failed = append(failed, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		failed = append(failed, "Idempotency.CleanupBatchSize")
	}

	if len(failed) > 0 {
		return &ValidationError{fields: failed}
	}
	return nil
}

// parseDotEnvFile reads KEY=VALUE lines, honouring comments, blank
// lines, export prefixes, and single or double quoting. A missing file
// is not an error.
func parseDotEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rest, found := strings.CutPrefix(line, "export "); found {
			line = strings.TrimSpace(rest)
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}
