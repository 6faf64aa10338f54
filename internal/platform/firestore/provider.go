// Package firestore wraps the Cloud Firestore client with lazy
// initialisation, typed collection access, and error classification
// shared by the repository layer.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/procureline/api/internal/platform/config"
)

// ErrProviderClosed is returned when a client is requested after Close.
var ErrProviderClosed = errors.New("firestore provider is closed")

// Provider dials the Firestore client on first use and hands the same
// client to every caller afterwards. A failed dial is not sticky; the
// next request retries.
type Provider struct {
	cfg config.FirestoreConfig

	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

func NewProvider(cfg config.FirestoreConfig) *Provider {
	return &Provider{cfg: cfg}
}

// Client returns the shared Firestore client, dialing it if needed.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.client != nil {
		return p.client, nil
	}

	client, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

func (p *Provider) dial(ctx context.Context) (*firestore.Client, error) {
	projectID := p.cfg.ProjectID
	if projectID == "" {
		projectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	if projectID == "" {
		return nil, errors.New("firestore project id is not configured")
	}

	var opts []option.ClientOption
	if host := p.emulatorHost(); host != "" {
		// The emulator speaks plaintext gRPC and ignores credentials.
		os.Setenv("FIRESTORE_EMULATOR_HOST", host)
		opts = append(opts,
			option.WithEndpoint(host),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			option.WithoutAuthentication(),
		)
	}

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial firestore for project %s: %w", projectID, err)
	}
	return client, nil
}

func (p *Provider) emulatorHost() string {
	if p.cfg.EmulatorHost != "" {
		return p.cfg.EmulatorHost
	}
	return os.Getenv("FIRESTORE_EMULATOR_HOST")
}

// Close releases the underlying client. Subsequent Client calls fail
// with ErrProviderClosed.
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}
