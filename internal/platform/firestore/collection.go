package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
)

// Collection gives typed access to one Firestore collection. T is the
// document struct the collection stores.
type Collection[T any] struct {
	provider *Provider
	name     string
}

func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: name}
}

// Doc returns the document reference for id, for use with transactional
// reads and writes.
func (c *Collection[T]) Doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if id == "" {
		return nil, fmt.Errorf("%s: document id is empty", c.name)
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name).Doc(id), nil
}

// Get loads and decodes the document with the given id.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var value T

	ref, err := c.Doc(ctx, id)
	if err != nil {
		return value, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return value, WrapError(c.name+".get", err)
	}
	if err := snap.DataTo(&value); err != nil {
		return value, WrapError(c.name+".decode", err)
	}
	return value, nil
}

// Set writes the document with the given id, replacing any existing
// contents.
func (c *Collection[T]) Set(ctx context.Context, id string, value T) error {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, value); err != nil {
		return WrapError(c.name+".set", err)
	}
	return nil
}
