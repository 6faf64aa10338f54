package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/procureline/api/internal/di"
	"github.com/procureline/api/internal/handlers"
	"github.com/procureline/api/internal/payments"
	"github.com/procureline/api/internal/platform/auth"
	"github.com/procureline/api/internal/platform/config"
	pfirestore "github.com/procureline/api/internal/platform/firestore"
	"github.com/procureline/api/internal/platform/idempotency"
	"github.com/procureline/api/internal/platform/jobs"
	"github.com/procureline/api/internal/platform/observability"
	"github.com/procureline/api/internal/platform/secrets"
	"github.com/procureline/api/internal/repositories"
	firestoreRepo "github.com/procureline/api/internal/repositories/firestore"
	"github.com/procureline/api/internal/services"
)

func main() {
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	if err := run(context.Background(), logger, startedAt); err != nil {
		logger.Fatal("api terminated", zap.Error(err))
	}
}

// run wires every dependency, serves until a termination signal, and
// tears down in reverse order. Returning instead of exiting lets the
// deferred closers fire.
func run(ctx context.Context, logger *zap.Logger, startedAt time.Time) error {
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		return fmt.Errorf("initialise secret fetcher: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		return fmt.Errorf("initialise firestore client: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("initialise pubsub client: %w", err)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()

	notificationTopic := pubsubClient.Topic(cfg.PubSub.NotificationTopic)
	notificationTopic.EnableMessageOrdering = false
	defer notificationTopic.Stop()

	notifications, err := jobs.NewPubSubNotificationPublisher(notificationTopic)
	if err != nil {
		return fmt.Errorf("initialise notification publisher: %w", err)
	}

	verifier, err := newPaymentVerifier(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialise stripe verifier: %w", err)
	}

	healthRepo, err := newHealthRepository(firestoreClient, notificationTopic, fetcher)
	if err != nil {
		return fmt.Errorf("initialise health repository: %w", err)
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, healthRepo)
	if err != nil {
		return fmt.Errorf("initialise repository registry: %w", err)
	}

	serviceLogger := logger.Named("services")
	container, err := di.NewContainer(ctx, cfg, registry, di.Deps{
		Verifier:      verifier,
		Notifications: notifications,
		Build:         buildInfoFromEnv(envValues, startedAt),
		Clock:         time.Now,
		Logger: func(_ context.Context, event string, fields map[string]any) {
			serviceLogger.Debug(event, zapFields(fields)...)
		},
	})
	if err != nil {
		return fmt.Errorf("assemble services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	jwtVerifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.SigningKey), cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return fmt.Errorf("initialise token verifier: %w", err)
	}
	authenticator := auth.NewAuthenticator(jwtVerifier)

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	stopCleanup := startIdempotencyCleanup(logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)
	defer stopCleanup()

	router := newAPIRouter(cfg, logger, authenticator, container, idempotencyStore)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return serve(ctx, server, logger.Named("http"))
}

// serve runs the HTTP server until the context is cancelled or a
// termination signal arrives, then drains in-flight requests.
func serve(ctx context.Context, server *http.Server, logger *zap.Logger) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("procureline api listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-signalCtx.Done():
	}
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return <-errCh
}

// startIdempotencyCleanup launches the periodic expired-claim sweeper
// and returns a stop function that waits for it to finish.
func startIdempotencyCleanup(logger *zap.Logger, store *idempotency.FirestoreStore, cfg config.IdempotencyConfig) func() {
	if cfg.CleanupInterval <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(cfg.CleanupInterval)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
				cancel()
				if err != nil {
					logger.Error("idempotency cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
		wg.Wait()
	}
}

// newPaymentVerifier builds the Stripe-backed installment verifier, or
// returns nil when no API key is configured so installment payments
// are recorded unverified.
func newPaymentVerifier(cfg config.Config, logger *zap.Logger) (services.InstallmentPaymentVerifier, error) {
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) == "" {
		logger.Warn("stripe api key not configured; installment payments will not be verified")
		return nil, nil
	}

	stripeLogger := logger.Named("stripe")
	return payments.NewStripeInstallmentVerifier(payments.StripeVerifierConfig{
		APIKey:    cfg.PSP.StripeAPIKey,
		AccountID: cfg.PSP.StripeAccountID,
		Logger: func(_ context.Context, event string, fields map[string]any) {
			stripeLogger.Debug(event, zapFields(fields)...)
		},
	})
}

func newAPIRouter(cfg config.Config, logger *zap.Logger, authenticator *auth.Authenticator, container *di.Container, store *idempotency.FirestoreStore) http.Handler {
	idempotencyMiddleware := idempotency.Middleware(
		store,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	projectID := traceProjectID(cfg)
	return handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(logger.Named("http"), projectID),
			handlers.RateLimitMiddleware(cfg.RateLimits.DefaultPerMinute, time.Minute),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(container.Services.System)),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(authenticator, container.Services.Orders).Routes),
		handlers.WithOrderMiddlewares(idempotencyMiddleware),
		handlers.WithApprovalRoutes(handlers.NewApprovalHandlers(authenticator, container.Services.Approvals).Routes),
		handlers.WithBudgetRoutes(handlers.NewBudgetHandlers(authenticator, container.Services.Ledger).Routes),
	)
}

func buildInfoFromEnv(env map[string]string, started time.Time) services.BuildInfo {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	version := lookup("API_BUILD_VERSION")
	if version == "" {
		version = "dev"
	}
	commit := lookup("API_BUILD_COMMIT_SHA")
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.ToLower(lookup("API_ENVIRONMENT"))
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newHealthRepository(client *firestore.Client, topic *pubsub.Topic, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if topic != nil {
		t := topic
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				exists, err := t.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("notification topic %s does not exist", t.ID())
				}
				return nil
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.PubSub.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func zapFields(fields map[string]any) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("API_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	projectMap := secretProjectMapFromEnv(env)
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	versionPins := secretVersionPinsFromEnv(env)
	credentialsFile := lookup("API_GOOGLE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if len(versionPins) > 0 {
		opts = append(opts, secrets.WithVersionPins(versionPins))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{"Auth.SigningKey"}
	if env != nil && strings.TrimSpace(env["API_PSP_STRIPE_API_KEY"]) != "" {
		required = append(required, "PSP.StripeAPIKey")
	}
	return uniqueStrings(required)
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_PROJECT_IDS"]
	}
	projects := make(map[string]string)
	for envLabel, project := range parseKeyValueList(raw) {
		projects[strings.ToLower(envLabel)] = project
	}
	return projects
}

func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_VERSION_PINS"]
	}
	pins := make(map[string]string)
	for ref, version := range parseKeyValueList(raw) {
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		if strings.HasPrefix(ref, "sm://") {
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
