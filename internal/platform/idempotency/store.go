package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Order mutations (create, transition, installment recording) are guarded by
// an idempotency key so a retried request replays the first response instead
// of, say, committing the budget twice. A key is bound to the digest of the
// request that first used it; reusing the key for a different request is a
// conflict.

// DefaultTTL bounds how long a completed key can still be replayed.
const DefaultTTL = 24 * time.Hour

// ErrDigestMismatch reports a key reused with a different request digest.
var ErrDigestMismatch = errors.New("idempotency: key bound to a different request")

// Outcome classifies a Claim attempt.
type Outcome int

const (
	// OutcomeNew: the key is now held by this request; proceed to the handler.
	OutcomeNew Outcome = iota
	// OutcomeReplay: a completed response exists and must be replayed.
	OutcomeReplay
	// OutcomeInFlight: another request holds the key and has not completed.
	OutcomeInFlight
)

// StoredResponse is the response captured for replay.
type StoredResponse struct {
	Code   int
	Header http.Header
	Body   []byte
}

// Store persists idempotency claims and their captured responses.
type Store interface {
	// Claim takes the key for the given request digest, or reports what
	// already holds it.
	Claim(ctx context.Context, key, digest string, now time.Time, ttl time.Duration) (Outcome, StoredResponse, error)
	// Complete stores the response produced under the claim.
	Complete(ctx context.Context, key, digest string, resp StoredResponse, now time.Time, ttl time.Duration) error
	// Forget releases the claim so a retry can run the handler again.
	Forget(ctx context.Context, key, digest string) error
	// CleanupExpired deletes records past their TTL, up to limit.
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// recordID derives the storage identifier. Hashing keeps caller-chosen keys
// (which may embed user identifiers) out of document IDs.
func recordID(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

func digestOf(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// storableHeader drops hop-by-hop and derived headers before persistence.
func storableHeader(header http.Header) http.Header {
	if len(header) == 0 {
		return nil
	}
	kept := make(http.Header, len(header))
	for name, values := range header {
		switch strings.ToLower(name) {
		case "content-length", "date", "connection", "keep-alive",
			"proxy-authenticate", "proxy-authorization", "te", "trailers",
			"transfer-encoding", "upgrade":
			continue
		}
		copied := make([]string, len(values))
		copy(copied, values)
		kept[http.CanonicalHeaderKey(name)] = copied
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}
