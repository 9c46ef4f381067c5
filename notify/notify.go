// Package notify provides the pricing.Dispatcher implementations used by
// the lifecycle monitor: a log sink, an HTTP webhook and Google Pub/Sub.
// Failures are returned to the monitor, which counts and logs them without
// retrying.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/warp/iso-pricing/pricing"
)

// Message is the payload published by the webhook and Pub/Sub dispatchers.
type Message struct {
	CustomerID pricing.CustomerID       `json:"customer_id"`
	Kind       pricing.NotificationKind `json:"kind"`
	SentAt     time.Time                `json:"sent_at"`
}

func newMessage(customerID pricing.CustomerID, kind pricing.NotificationKind, now time.Time) ([]byte, error) {
	return json.Marshal(Message{CustomerID: customerID, Kind: kind, SentAt: now.UTC()})
}

// =============================================================================
// LOG
// =============================================================================

// Log writes each notification as a structured log entry.
type Log struct {
	Logger logrus.FieldLogger
}

func (d Log) Send(_ context.Context, customerID pricing.CustomerID, kind pricing.NotificationKind) error {
	d.Logger.WithFields(logrus.Fields{
		"component":   "notify",
		"customer_id": customerID,
		"kind":        kind,
	}).Info("notification sent")
	return nil
}

// =============================================================================
// WEBHOOK
// =============================================================================

// Webhook POSTs a JSON Message to URL. Any non-2xx answer is a failure.
type Webhook struct {
	URL    string
	Client *http.Client
	Now    func() time.Time
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
		Now:    time.Now,
	}
}

func (d *Webhook) Send(ctx context.Context, customerID pricing.CustomerID, kind pricing.NotificationKind) error {
	body, err := newMessage(customerID, kind, d.Now())
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// PUB/SUB
// =============================================================================

// PubSub publishes a JSON Message to a Google Pub/Sub topic and waits for
// the server to acknowledge it.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	Now    func() time.Time
}

// NewPubSub connects to project and resolves topic. It does not create
// the topic.
func NewPubSub(ctx context.Context, project, topic string) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return &PubSub{client: client, topic: client.Topic(topic), Now: time.Now}, nil
}

func (d *PubSub) Send(ctx context.Context, customerID pricing.CustomerID, kind pricing.NotificationKind) error {
	data, err := newMessage(customerID, kind, d.Now())
	if err != nil {
		return err
	}
	result := d.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"kind": string(kind), "customer_id": string(customerID)},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("pubsub publish: %w", err)
	}
	return nil
}

// Close flushes pending publishes and closes the client.
func (d *PubSub) Close() error {
	d.topic.Stop()
	return d.client.Close()
}

var (
	_ pricing.Dispatcher = Log{}
	_ pricing.Dispatcher = (*Webhook)(nil)
	_ pricing.Dispatcher = (*PubSub)(nil)
)
