package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/procureline/api/internal/platform/auth"
	"github.com/procureline/api/internal/platform/httpx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
)

// Logger abstracts the logging dependency used inside the middleware.
type Logger interface {
	Printf(format string, args ...any)
}

type middlewareConfig struct {
	header  string
	ttl     time.Duration
	methods map[string]struct{}
	clock   func() time.Time
	logger  Logger
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the header carrying the idempotency key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.header = name
		}
	}
}

// WithTTL sets how long completed responses stay replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithMethods restricts which HTTP methods require a key.
func WithMethods(methods ...string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if len(methods) == 0 {
			return
		}
		cfg.methods = make(map[string]struct{}, len(methods))
		for _, method := range methods {
			if method = strings.ToUpper(strings.TrimSpace(method)); method != "" {
				cfg.methods[method] = struct{}{}
			}
		}
	}
}

// WithLogger injects a logger for persistence failures.
func WithLogger(logger Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.logger = logger
	}
}

// WithClock overrides the time source, primarily for testing.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

func mutatingMethods() map[string]struct{} {
	return map[string]struct{}{
		http.MethodPost:   {},
		http.MethodPut:    {},
		http.MethodPatch:  {},
		http.MethodDelete: {},
	}
}

// Middleware enforces idempotency-key semantics on mutating requests. The
// handler's response is buffered, persisted under the claim, and only then
// flushed to the client; replays serve the stored copy with a marker header.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	cfg := middlewareConfig{
		header:  defaultHeaderName,
		ttl:     DefaultTTL,
		methods: mutatingMethods(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if len(cfg.methods) == 0 {
		cfg.methods = mutatingMethods()
	}

	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, guarded := cfg.methods[r.Method]; !guarded {
				next.ServeHTTP(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				httpx.WriteError(r.Context(), w, httpx.NewError(
					"idempotency_key_required",
					"missing idempotency key header",
					http.StatusBadRequest,
				))
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				httpx.WriteError(r.Context(), w, httpx.NewError(
					"idempotency_read_body_failed",
					"unable to read request body",
					http.StatusInternalServerError,
				))
				return
			}

			requester := requesterUID(r.Context())
			digest := requestDigest(r, body, requester)
			// Keys are scoped per requester so two users cannot collide on
			// the same client-chosen key.
			scoped := key + "|" + requester
			now := cfg.clock().UTC()

			outcome, stored, err := store.Claim(r.Context(), scoped, digest, now, cfg.ttl)
			if err != nil {
				writeClaimError(w, r, cfg.logger, err)
				return
			}

			switch outcome {
			case OutcomeReplay:
				replay(w, stored)
				return
			case OutcomeInFlight:
				httpx.WriteError(r.Context(), w, httpx.NewError(
					"idempotency_in_progress",
					"another request is processing this idempotency key",
					http.StatusConflict,
				))
				return
			}

			buffered := newBufferedWriter(w)
			next.ServeHTTP(buffered, r)

			resp := StoredResponse{
				Code:   buffered.Code(),
				Header: buffered.HeaderSnapshot(),
				Body:   buffered.Body(),
			}
			if err := store.Complete(r.Context(), scoped, digest, resp, cfg.clock().UTC(), cfg.ttl); err != nil {
				if cfg.logger != nil {
					cfg.logger.Printf("idempotency: persist failed for key %s: %v", key, err)
				}
				if forgetErr := store.Forget(r.Context(), scoped, digest); forgetErr != nil && cfg.logger != nil {
					cfg.logger.Printf("idempotency: release failed for key %s: %v", key, forgetErr)
				}
				httpx.WriteError(r.Context(), w, httpx.NewError(
					"idempotency_store_error",
					"unable to persist idempotency state",
					http.StatusInternalServerError,
				))
				return
			}

			if err := buffered.Flush(); err != nil && cfg.logger != nil {
				cfg.logger.Printf("idempotency: flush failed for key %s: %v", key, err)
			}
		})
	}
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if err := r.Body.Close(); err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func requestDigest(r *http.Request, body []byte, requester string) string {
	return digestOf(
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		r.Host,
		r.Header.Get("Content-Type"),
		requester,
		string(body),
	)
}

func requesterUID(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return identity.UID
	}
	return "anonymous"
}

func writeClaimError(w http.ResponseWriter, r *http.Request, logger Logger, err error) {
	if errors.Is(err, ErrDigestMismatch) {
		httpx.WriteError(r.Context(), w, httpx.NewError(
			"idempotency_key_conflict",
			"idempotency key already used for a different request",
			http.StatusConflict,
		))
		return
	}
	if logger != nil {
		logger.Printf("idempotency: store error: %v", err)
	}
	httpx.WriteError(r.Context(), w, httpx.NewError(
		"idempotency_store_error",
		"unable to process idempotency key",
		http.StatusInternalServerError,
	))
}

func replay(w http.ResponseWriter, stored StoredResponse) {
	for name := range w.Header() {
		w.Header().Del(name)
	}
	for name, values := range stored.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set(replayHeaderName, "true")

	code := stored.Code
	if code == 0 {
		code = http.StatusOK
	}
	w.WriteHeader(code)
	if len(stored.Body) > 0 {
		_, _ = w.Write(stored.Body)
	}
}

// bufferedWriter holds the handler's response until the claim completes.
type bufferedWriter struct {
	parent http.ResponseWriter
	header http.Header
	code   int
	body   bytes.Buffer
}

func newBufferedWriter(parent http.ResponseWriter) *bufferedWriter {
	return &bufferedWriter{parent: parent, header: make(http.Header)}
}

func (b *bufferedWriter) Header() http.Header {
	return b.header
}

func (b *bufferedWriter) WriteHeader(code int) {
	if code <= 0 {
		code = http.StatusOK
	}
	if b.code == 0 {
		b.code = code
	}
}

func (b *bufferedWriter) Write(data []byte) (int, error) {
	if b.code == 0 {
		b.code = http.StatusOK
	}
	return b.body.Write(data)
}

func (b *bufferedWriter) Code() int {
	if b.code == 0 {
		return http.StatusOK
	}
	return b.code
}

func (b *bufferedWriter) Body() []byte {
	if b.body.Len() == 0 {
		return nil
	}
	return b.body.Bytes()
}

func (b *bufferedWriter) HeaderSnapshot() http.Header {
	snapshot := make(http.Header, len(b.header))
	for name, values := range b.header {
		copied := make([]string, len(values))
		copy(copied, values)
		snapshot[name] = copied
	}
	return snapshot
}

func (b *bufferedWriter) Flush() error {
	dst := b.parent.Header()
	for name := range dst {
		dst.Del(name)
	}
	for name, values := range b.header {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
	b.parent.WriteHeader(b.Code())
	if b.body.Len() == 0 {
		return nil
	}
	_, err := b.parent.Write(b.body.Bytes())
	return err
}
