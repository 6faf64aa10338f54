package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var fixedTime = time.Date(2026, time.January, 5, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

func postOrder(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func assertEnvelope(t *testing.T, body []byte, code string) {
	t.Helper()
	var payload struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("invalid error payload: %v", err)
	}
	if payload.Error != code {
		t.Fatalf("expected error code %s, got %s", code, payload.Error)
	}
}

func TestMiddlewareRequiresKeyOnMutations(t *testing.T) {
	middleware := Middleware(NewMemoryStore(), WithClock(fixedClock))

	called := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })

	rr := httptest.NewRecorder()
	middleware(next).ServeHTTP(rr, postOrder("", `{"a":1}`))

	if called {
		t.Fatal("handler must not run without a key")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	assertEnvelope(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddlewareIgnoresReads(t *testing.T) {
	middleware := Middleware(NewMemoryStore(), WithClock(fixedClock))

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	rr := httptest.NewRecorder()
	middleware(next).ServeHTTP(rr, req)

	if !called {
		t.Fatal("GET must pass through without a key")
	}
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	middleware := Middleware(NewMemoryStore(), WithClock(fixedClock))

	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ord_1"}`))
	})
	handler := middleware(next)

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, postOrder("abc-123", `{"items":[]}`))
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, postOrder("abc-123", `{"items":[]}`))

	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotent-Replay") != "true" {
		t.Fatal("expected replay marker header")
	}
	if second.Body.String() != `{"id":"ord_1"}` {
		t.Fatalf("unexpected replayed body %q", second.Body.String())
	}
}

func TestMiddlewareRejectsKeyReuseForDifferentRequest(t *testing.T) {
	middleware := Middleware(NewMemoryStore(), WithClock(fixedClock))

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	handler := middleware(next)

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, postOrder("abc-123", `{"items":[1]}`))

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, postOrder("abc-123", `{"items":[2]}`))

	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", second.Code)
	}
	assertEnvelope(t, second.Body.Bytes(), "idempotency_key_conflict")
}

func TestMiddlewareReportsInFlightKey(t *testing.T) {
	store := NewMemoryStore()
	middleware := Middleware(store, WithClock(fixedClock))

	// Simulate a concurrent holder: claim without completing.
	req := postOrder("abc-123", `{"items":[]}`)
	body := []byte(`{"items":[]}`)
	digest := requestDigest(req, body, "anonymous")
	if _, _, err := store.Claim(context.Background(), "abc-123|anonymous", digest, fixedTime, time.Hour); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	rr := httptest.NewRecorder()
	middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run while the key is in flight")
	})).ServeHTTP(rr, postOrder("abc-123", `{"items":[]}`))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertEnvelope(t, rr.Body.Bytes(), "idempotency_in_progress")
}

type failingCompleteStore struct {
	*MemoryStore
	forgotten bool
}

func (s *failingCompleteStore) Complete(context.Context, string, string, StoredResponse, time.Time, time.Duration) error {
	return errors.New("firestore down")
}

func (s *failingCompleteStore) Forget(ctx context.Context, key, digest string) error {
	s.forgotten = true
	return s.MemoryStore.Forget(ctx, key, digest)
}

func TestMiddlewareReleasesClaimWhenPersistFails(t *testing.T) {
	store := &failingCompleteStore{MemoryStore: NewMemoryStore()}
	middleware := Middleware(store, WithClock(fixedClock))

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	rr := httptest.NewRecorder()
	middleware(next).ServeHTTP(rr, postOrder("abc-123", `{"items":[]}`))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if !store.forgotten {
		t.Fatal("expected the claim to be released after persist failure")
	}
	assertEnvelope(t, rr.Body.Bytes(), "idempotency_store_error")
}

func TestMemoryStoreExpiresClaims(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	outcome, _, err := store.Claim(ctx, "key", "digest", fixedTime, time.Minute)
	if err != nil || outcome != OutcomeNew {
		t.Fatalf("expected new claim, got %v err %v", outcome, err)
	}

	// Before expiry the key is held.
	outcome, _, err = store.Claim(ctx, "key", "digest", fixedTime.Add(30*time.Second), time.Minute)
	if err != nil || outcome != OutcomeInFlight {
		t.Fatalf("expected in-flight, got %v err %v", outcome, err)
	}

	// Past expiry the key is reclaimable, even with a new digest.
	outcome, _, err = store.Claim(ctx, "key", "other-digest", fixedTime.Add(2*time.Minute), time.Minute)
	if err != nil || outcome != OutcomeNew {
		t.Fatalf("expected reclaimed key, got %v err %v", outcome, err)
	}

	if _, err := store.CleanupExpired(ctx, fixedTime.Add(time.Hour), 0); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
}
