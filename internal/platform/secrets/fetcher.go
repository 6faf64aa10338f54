package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Signing keys and PSP credentials are referenced from config as secret://
// URIs; the fetcher turns those references into values at startup. Remote
// values come from Google Secret Manager, with a line-oriented local file
// standing in for deployments without Secret Manager access.

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"

	sourceRemote   = "secret_manager"
	sourceFallback = "fallback_file"
	sourceCache    = "cache"
)

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type versionAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references, caching each resolved version for
// the lifetime of the process. Secrets this service holds (JWT signing key,
// Stripe API key) rotate by restart, so there is no invalidation path.
type Fetcher struct {
	client     versionAccessor
	clientOpts []option.ClientOption
	ownsClient bool
	logger     *zap.Logger

	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string

	fallback localStore

	mu    sync.RWMutex
	cache map[string]string

	resolutions    metric.Int64Counter
	metricsEnabled bool
}

// Option customises Fetcher construction.
type Option func(*Fetcher)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithEnvironment selects the environment label used for project and version
// pin lookups.
func WithEnvironment(env string) Option {
	return func(f *Fetcher) {
		if v := strings.ToLower(strings.TrimSpace(env)); v != "" {
			f.env = v
		}
	}
}

// WithDefaultProject sets the project used when no environment mapping matches.
func WithDefaultProject(projectID string) Option {
	return func(f *Fetcher) {
		f.defaultProject = strings.TrimSpace(projectID)
	}
}

// WithProjectMap supplies per-environment Secret Manager project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(f *Fetcher) {
		for env, id := range m {
			f.projects[env] = id
		}
	}
}

// WithFallbackFile points at the local secrets file consulted when Secret
// Manager is unreachable or denies access.
func WithFallbackFile(path string) Option {
	return func(f *Fetcher) {
		f.fallback.path = strings.TrimSpace(path)
	}
}

// WithVersionPins overrides the version resolved for specific references,
// keyed by canonical reference, optionally prefixed "env:".
func WithVersionPins(pins map[string]string) Option {
	return func(f *Fetcher) {
		for ref, version := range pins {
			f.pins[ref] = version
		}
	}
}

// WithClientOptions forwards Cloud client options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(f *Fetcher) {
		f.clientOpts = append(f.clientOpts, opts...)
	}
}

// WithSecretManagerClient injects a preconfigured client, primarily for tests.
func WithSecretManagerClient(client versionAccessor) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not fatal;
// the fetcher degrades to fallback-file resolution and logs the condition.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		logger:   zap.NewNop(),
		env:      defaultEnvironment,
		projects: map[string]string{},
		pins:     map[string]string{},
		fallback: localStore{path: defaultFallbackPath},
		cache:    map[string]string{},
	}
	for _, opt := range opts {
		opt(f)
	}

	meter := otel.GetMeterProvider().Meter("procureline.secrets")
	counter, err := meter.Int64Counter(
		"secrets.resolutions",
		metric.WithDescription("Secret resolutions by outcome source"),
	)
	if err != nil {
		f.logger.Warn("secrets: resolution metric unavailable", zap.Error(err))
	} else {
		f.resolutions = counter
		f.metricsEnabled = true
	}

	if f.client == nil {
		client, err := newSecretManagerClient(ctx, f.clientOpts...)
		if err != nil {
			f.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher owns it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind a secret:// reference.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	ref, err := parseSecretRef(raw)
	if err != nil {
		return "", err
	}
	version := f.pinnedVersion(ref)
	key := ref.canonical + "#" + version

	f.mu.RLock()
	value, hit := f.cache[key]
	f.mu.RUnlock()
	if hit {
		f.count(ctx, sourceCache)
		return value, nil
	}

	if project := f.projectFor(ref); project != "" && f.client != nil {
		value, err := f.access(ctx, project, ref.name, version)
		switch {
		case err == nil:
			f.remember(key, value)
			f.count(ctx, sourceRemote)
			return value, nil
		case degradesToFallback(err):
			f.logger.Debug("secrets: secret manager denied or unreachable, trying fallback",
				zap.String("ref", ref.canonical), zap.Error(err))
		default:
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", ref.canonical, err)
		}
	}

	value, ok := f.fallback.lookup(f.logger, ref.canonical, version)
	if !ok {
		return "", fmt.Errorf("secrets: no value available for %s", ref.canonical)
	}
	f.remember(key, value)
	f.count(ctx, sourceFallback)
	return value, nil
}

func (f *Fetcher) access(ctx context.Context, project, name, version string) (string, error) {
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Payload == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", resource)
	}
	return string(resp.Payload.GetData()), nil
}

func (f *Fetcher) remember(key, value string) {
	f.mu.Lock()
	f.cache[key] = value
	f.mu.Unlock()
}

func (f *Fetcher) count(ctx context.Context, source string) {
	if !f.metricsEnabled {
		return
	}
	f.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (f *Fetcher) projectFor(ref secretRef) string {
	if ref.project != "" {
		return ref.project
	}
	if id := strings.TrimSpace(f.projects[f.env]); id != "" {
		return id
	}
	return f.defaultProject
}

func (f *Fetcher) pinnedVersion(ref secretRef) string {
	if ref.version != "" {
		return ref.version
	}
	if pin := strings.TrimSpace(f.pins[f.env+":"+ref.canonical]); pin != "" {
		return pin
	}
	if pin := strings.TrimSpace(f.pins[ref.canonical]); pin != "" {
		return pin
	}
	return "latest"
}

type secretRef struct {
	canonical string
	name      string
	version   string
	project   string
}

func parseSecretRef(raw string) (secretRef, error) {
	if strings.TrimSpace(raw) == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(strings.TrimPrefix(u.Host+u.Path, "/"), "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""
	query := u.Query()

	return secretRef{
		canonical: canonical.String(),
		name:      name,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func degradesToFallback(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

// localStore reads KEY=VALUE pairs from a developer-managed secrets file,
// loaded once. Keys are secret:// references; sm:// is accepted as a legacy
// spelling.
type localStore struct {
	path   string
	once   sync.Once
	values map[string]string
	err    error
}

func (s *localStore) lookup(logger *zap.Logger, canonical, version string) (string, bool) {
	s.once.Do(s.load)
	if s.err != nil {
		logger.Debug("secrets: fallback file unreadable", zap.Error(s.err))
		return "", false
	}
	if value, ok := s.values[canonical+"#"+version]; ok {
		return value, true
	}
	value, ok := s.values[canonical]
	return value, ok
}

func (s *localStore) load() {
	s.values = map[string]string{}
	if s.path == "" {
		return
	}

	file, err := os.Open(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.err = fmt.Errorf("secrets: unable to open fallback file %s: %w", s.path, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(key, "sm://"); ok {
			key = "secret://" + rest
		}
		value = strings.TrimSpace(value)
		if ref, err := parseSecretRef(key); err == nil {
			version := ref.version
			if version == "" {
				version = "latest"
			}
			s.values[ref.canonical] = value
			s.values[ref.canonical+"#"+version] = value
		} else {
			s.values[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		s.err = fmt.Errorf("secrets: failed reading %s: %w", s.path, err)
	}
}
