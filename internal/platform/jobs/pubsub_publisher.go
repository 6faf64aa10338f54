package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/procureline/api/internal/services"
)

// notificationMessage is the wire shape published for downstream notification
// workers (mailers, chat bridges).
type notificationMessage struct {
	RecipientID string         `json:"recipientId"`
	Template    string         `json:"template"`
	TenantID    string         `json:"tenantId"`
	OrderID     string         `json:"orderId,omitempty"`
	OrderNumber string         `json:"orderNumber,omitempty"`
	OccurredAt  time.Time      `json:"occurredAt"`
	Context     map[string]any `json:"context,omitempty"`
}

// PubSubNotificationPublisher publishes order notifications to a Pub/Sub topic.
type PubSubNotificationPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubNotificationPublisher constructs a Pub/Sub backed notification publisher.
func NewPubSubNotificationPublisher(topic *pubsub.Topic) (*PubSubNotificationPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub notification publisher: topic is required")
	}
	return &PubSubNotificationPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishNotification enqueues a notification message on the configured topic.
func (p *PubSubNotificationPublisher) PublishNotification(ctx context.Context, n services.Notification) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub notification publisher: not initialised")
	}

	data, err := p.marshal(notificationMessage{
		RecipientID: n.RecipientID,
		Template:    n.Template,
		TenantID:    n.TenantID,
		OrderID:     n.OrderID,
		OrderNumber: n.OrderNumber,
		OccurredAt:  n.OccurredAt,
		Context:     n.Context,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "template", n.Template)
	setAttr(attrs, "tenantId", n.TenantID)
	setAttr(attrs, "recipientId", n.RecipientID)
	setAttr(attrs, "orderId", n.OrderID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
