// Package dispatch hands provider fulfillment orders to downstream systems.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/shopspring/decimal"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/billing"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/catalog"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/requests"
)

// DefaultTopic carries fulfillment orders when no topic is configured.
const DefaultTopic = "fulfillment-orders"

// Order is the unit of work one provider receives once payment is confirmed.
type Order struct {
	ID           string                `json:"orderId"`
	RequestID    string                `json:"requestId"`
	RequestKind  requests.Kind         `json:"requestKind"`
	Provider     catalog.ProviderRef   `json:"provider"`
	Patient      requests.Patient      `json:"patient"`
	Prescription requests.Prescription `json:"prescription"`
	LineItems    []billing.Line        `json:"lineItems"`
	TotalAmount  decimal.Decimal       `json:"totalAmount"`
	CreatedAt    time.Time             `json:"createdAt"`
}

// Publisher delivers orders and returns the transport message identifier.
type Publisher interface {
	Publish(ctx context.Context, order Order) (string, error)
}

// PubSubPublisher publishes orders to a Pub/Sub topic.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubPublisher constructs a Pub/Sub backed order publisher.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	return &PubSubPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// Publish enqueues the order on the configured topic.
func (p *PubSubPublisher) Publish(ctx context.Context, order Order) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub order publisher: not initialised")
	}

	data, err := p.marshal(order)
	if err != nil {
		return "", fmt.Errorf("marshal fulfillment order: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "orderId", order.ID)
	setAttr(attrs, "requestId", order.RequestID)
	setAttr(attrs, "providerId", order.Provider.ID)
	setAttr(attrs, "providerKind", string(order.Provider.Kind))

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish fulfillment order: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

// MemoryPublisher records orders in process. It backs local development and tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	orders []Order
	err    error
}

// NewMemoryPublisher returns an empty MemoryPublisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// FailWith makes subsequent publishes return err. A nil err restores success.
func (m *MemoryPublisher) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Publish implements Publisher.
func (m *MemoryPublisher) Publish(ctx context.Context, order Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.orders = append(m.orders, order)
	return fmt.Sprintf("mem-%d", len(m.orders)), nil
}

// Orders returns the published orders in order.
func (m *MemoryPublisher) Orders() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Order(nil), m.orders...)
}
