package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	txAttempts = 5
	txTimeout  = 15 * time.Second
)

// TxFunc runs inside a Firestore transaction. All reads through tx must
// happen before the first buffered write.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// RunTransaction executes fn inside a Firestore transaction with a
// bounded deadline and the client library's retry loop.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}

	txCtx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	err = client.RunTransaction(txCtx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, tx)
	}, firestore.MaxAttempts(txAttempts))
	if err != nil {
		return WrapError("transaction", err)
	}
	return nil
}
