// Package notify delivers event notifications to participants'
// registered endpoints.
//
// Companies and talent can register notification URLs to hear about:
// - Offer lifecycle changes (created, countered, accepted, expired)
// - Escrow payment movements (held, released, refunded)
//
// Delivery is fire and forget: a dead endpoint never blocks or rolls
// back the state change that triggered it.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pactline/pactline/internal/idgen"
	"github.com/pactline/pactline/internal/logging"
	"github.com/pactline/pactline/internal/metrics"
)

// Event is the payload delivered to a subscriber endpoint.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription registers an endpoint for a participant's notifications.
type Subscription struct {
	ID          string     `json:"id"`
	RecipientID string     `json:"recipientId"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"` // Used for HMAC signing
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Store persists notification subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByRecipient(ctx context.Context, recipientID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends notification events to subscriber endpoints.
type Dispatcher struct {
	store         Store
	client        *http.Client
	urlValidator  func(string) error
	defaultSecret string
}

// NewDispatcher creates a new notification dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		urlValidator: validateEndpointURL,
	}
}

// WithDefaultSecret sets the signing secret used for subscriptions that
// did not register one of their own.
func (d *Dispatcher) WithDefaultSecret(secret string) *Dispatcher {
	d.defaultSecret = secret
	return d
}

// validateEndpointURL rejects URLs that would let a subscriber point
// deliveries at internal infrastructure.
func validateEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("missing host")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("host %s is not routable", host)
		}
	}
	if host == "localhost" {
		return fmt.Errorf("host %s is not routable", host)
	}
	return nil
}

// Notify delivers an event to every active subscription of each
// recipient. Sends happen asynchronously; failures are recorded on the
// subscription and logged, never returned.
func (d *Dispatcher) Notify(ctx context.Context, eventType string, recipientIDs []string, metadata map[string]any) {
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      metadata,
	}

	for _, recipientID := range recipientIDs {
		subs, err := d.store.GetByRecipient(ctx, recipientID)
		if err != nil {
			logging.L(ctx).Warn("failed to load notification subscriptions",
				"recipientId", recipientID, "error", err)
			continue
		}
		for _, sub := range subs {
			if !sub.Active {
				continue
			}
			go d.send(sub, event)
		}
	}
}

// send delivers one event to one endpoint. It runs detached from the
// request context so an in-flight delivery survives the response.
func (d *Dispatcher) send(sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := d.urlValidator(sub.URL); err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("endpoint rejected: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.updateError(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pactline-Event", event.Type)
	req.Header.Set("X-Pactline-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	secret := sub.Secret
	if secret == "" {
		secret = d.defaultSecret
	}
	if secret != "" {
		req.Header.Set("X-Pactline-Signature", Sign(payload, secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.updateSuccess(ctx, sub)
	} else {
		d.updateError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 of payload under secret. Receivers
// recompute it to authenticate deliveries.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := d.store.Update(ctx, sub); err != nil {
		logging.L(ctx).Warn("failed to record notification success", "subscriptionId", sub.ID, "error", err)
	}
	metrics.NotificationsTotal.WithLabelValues("ok").Inc()
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	if err := d.store.Update(ctx, sub); err != nil {
		logging.L(ctx).Warn("failed to record notification failure", "subscriptionId", sub.ID, "error", err)
	}
	metrics.NotificationsTotal.WithLabelValues("error").Inc()
}

// MemoryStore is an in-memory subscription store.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("subscription not found")
}

func (m *MemoryStore) GetByRecipient(ctx context.Context, recipientID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.RecipientID == recipientID {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
