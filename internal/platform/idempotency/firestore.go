package idempotency

import (
	"context"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection = "order_request_keys"
	defaultTxAttempts = 5
	cleanupBatchLimit = 100
)

// FirestoreStore persists claims in a dedicated collection so key arbitration
// survives restarts and is shared across instances.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	attempts   int
}

// FirestoreOption customises the FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the backing collection name.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithMaxAttempts bounds Firestore transaction retries.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(s *FirestoreStore) {
		if attempts > 0 {
			s.attempts = attempts
		}
	}
}

func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	s := &FirestoreStore{
		client:     client,
		collection: defaultCollection,
		attempts:   defaultTxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

type claimDocument struct {
	Digest    string              `firestore:"digest"`
	Completed bool                `firestore:"completed"`
	Code      int                 `firestore:"code"`
	Header    map[string][]string `firestore:"header"`
	Body      []byte              `firestore:"body"`
	CreatedAt time.Time           `firestore:"createdAt"`
	ExpiresAt time.Time           `firestore:"expiresAt"`
}

func (d claimDocument) response() StoredResponse {
	resp := StoredResponse{Code: d.Code, Body: d.Body}
	if len(d.Header) > 0 {
		resp.Header = make(http.Header, len(d.Header))
		for name, values := range d.Header {
			resp.Header[name] = values
		}
	}
	return resp
}

// Claim runs a Firestore transaction so exactly one request wins a contended
// key.
func (s *FirestoreStore) Claim(ctx context.Context, key, digest string, now time.Time, ttl time.Duration) (Outcome, StoredResponse, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	ref := s.client.Collection(s.collection).Doc(recordID(key))

	var outcome Outcome
	var stored StoredResponse
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
			outcome = OutcomeNew
			return tx.Set(ref, claimDocument{
				Digest:    digest,
				CreatedAt: now,
				ExpiresAt: now.Add(ttl),
			})
		}

		var doc claimDocument
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		// Expired claims are reclaimed in place.
		if !doc.ExpiresAt.IsZero() && !now.Before(doc.ExpiresAt) {
			outcome = OutcomeNew
			return tx.Set(ref, claimDocument{
				Digest:    digest,
				CreatedAt: now,
				ExpiresAt: now.Add(ttl),
			})
		}
		if doc.Digest != digest {
			return ErrDigestMismatch
		}
		if doc.Completed {
			outcome = OutcomeReplay
			stored = doc.response()
			return nil
		}
		outcome = OutcomeInFlight
		return nil
	}, firestore.MaxAttempts(s.attempts))

	return outcome, stored, err
}

// Complete stores the captured response under the claim.
func (s *FirestoreStore) Complete(ctx context.Context, key, digest string, resp StoredResponse, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	ref := s.client.Collection(s.collection).Doc(recordID(key))

	header := storableHeader(resp.Header)
	var body []byte
	if len(resp.Body) > 0 {
		body = append([]byte(nil), resp.Body...)
	}

	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc := claimDocument{CreatedAt: now}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
		} else {
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if doc.Digest != "" && doc.Digest != digest {
				return ErrDigestMismatch
			}
			if doc.CreatedAt.IsZero() {
				doc.CreatedAt = now
			}
		}

		doc.Digest = digest
		doc.Completed = true
		doc.Code = resp.Code
		doc.Header = header
		doc.Body = body
		doc.ExpiresAt = now.Add(ttl)
		return tx.Set(ref, doc)
	}, firestore.MaxAttempts(s.attempts))
}

// Forget releases the claim.
func (s *FirestoreStore) Forget(ctx context.Context, key, _ string) error {
	_, err := s.client.Collection(s.collection).Doc(recordID(key)).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

// CleanupExpired deletes expired claims in one batched write.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = cleanupBatchLimit
	}
	query := s.client.Collection(s.collection).
		Where("expiresAt", "<=", now.UTC()).
		Limit(limit)
	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	batch := s.client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, err
	}
	return len(docs), nil
}
