package idempotency

import (
	"context"
	"net/http"
	"sync"
	"time"
)

type memoryEntry struct {
	digest    string
	completed bool
	response  StoredResponse
	expiresAt time.Time
}

// MemoryStore keeps claims in process memory. Used by tests and local runs
// without Firestore.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Claim(_ context.Context, key, digest string, now time.Time, ttl time.Duration) (Outcome, StoredResponse, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	id := recordID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok || !now.Before(entry.expiresAt) {
		s.entries[id] = memoryEntry{digest: digest, expiresAt: now.Add(ttl)}
		return OutcomeNew, StoredResponse{}, nil
	}
	if entry.digest != digest {
		return OutcomeNew, StoredResponse{}, ErrDigestMismatch
	}
	if entry.completed {
		return OutcomeReplay, cloneResponse(entry.response), nil
	}
	return OutcomeInFlight, StoredResponse{}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, digest string, resp StoredResponse, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	id := recordID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[id]; ok && entry.digest != digest {
		return ErrDigestMismatch
	}
	s.entries[id] = memoryEntry{
		digest:    digest,
		completed: true,
		response:  cloneResponse(resp),
		expiresAt: now.Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Forget(_ context.Context, key, _ string) error {
	s.mu.Lock()
	delete(s.entries, recordID(key))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	removed := 0
	for id, entry := range s.entries {
		if now.Before(entry.expiresAt) {
			continue
		}
		delete(s.entries, id)
		removed++
		if removed >= limit {
			break
		}
	}
	return removed, nil
}

func cloneResponse(resp StoredResponse) StoredResponse {
	out := StoredResponse{Code: resp.Code}
	if len(resp.Body) > 0 {
		out.Body = append([]byte(nil), resp.Body...)
	}
	if len(resp.Header) > 0 {
		out.Header = make(http.Header, len(resp.Header))
		for name, values := range resp.Header {
			copied := make([]string, len(values))
			copy(copied, values)
			out.Header[name] = copied
		}
	}
	return out
}
