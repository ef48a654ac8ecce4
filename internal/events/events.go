// Package events fans assertion-change notifications out to other
// processes over NATS. Without a server URL the bus stays in-process and
// handlers are called directly.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/TobiSchelling/BioGraph/internal/logging"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "biograph.assertions.changed"

// Event is the payload published after an assertion-changing commit.
type Event struct {
	IssuerIDs []string  `json:"issuer_ids"`
	At        time.Time `json:"at"`
}

// Handler receives the issuers named by an event.
type Handler func(ctx context.Context, issuerIDs []string)

// Encode serializes an event. Issuer IDs are sorted and deduplicated.
func Encode(issuerIDs []string, at time.Time) ([]byte, error) {
	seen := make(map[string]bool, len(issuerIDs))
	ids := make([]string, 0, len(issuerIDs))
	for _, id := range issuerIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return json.Marshal(Event{IssuerIDs: ids, At: at.UTC()})
}

// Decode parses an event payload.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decoding change event: %w", err)
	}
	if len(ev.IssuerIDs) == 0 {
		return Event{}, fmt.Errorf("change event names no issuers")
	}
	return ev, nil
}

// Bus publishes and receives change events.
type Bus struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger
	now     func() time.Time

	mu    sync.RWMutex
	local []Handler
	subs  []*nats.Subscription
}

// Connect opens a bus. An empty url gives an in-process bus.
func Connect(url, subject string, log *zap.Logger) (*Bus, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	b := &Bus{subject: subject, log: logging.OrNop(log).Named("events"), now: time.Now}
	if url == "" {
		return b, nil
	}
	conn, err := nats.Connect(url, nats.Name("biograph"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	b.conn = conn
	b.log.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()), zap.String("subject", subject))
	return b, nil
}

// Remote reports whether the bus is backed by a NATS connection.
func (b *Bus) Remote() bool { return b.conn != nil }

// Subject returns the subject events are published on.
func (b *Bus) Subject() string { return b.subject }

// Publish announces a change for issuerIDs. It has the signature of a
// database change hook, so it can be registered with DB.OnChange.
func (b *Bus) Publish(ctx context.Context, issuerIDs []string) {
	if len(issuerIDs) == 0 {
		return
	}
	if b.conn == nil {
		b.mu.RLock()
		handlers := append([]Handler(nil), b.local...)
		b.mu.RUnlock()
		for _, h := range handlers {
			h(ctx, issuerIDs)
		}
		return
	}
	data, err := Encode(issuerIDs, b.now())
	if err != nil {
		b.log.Error("encoding change event", zap.Error(err))
		return
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		b.log.Warn("publishing change event", zap.Strings("issuers", issuerIDs), zap.Error(err))
	}
}

// Subscribe registers h for every event on the bus subject.
func (b *Bus) Subscribe(h Handler) error {
	if b.conn == nil {
		b.mu.Lock()
		b.local = append(b.local, h)
		b.mu.Unlock()
		return nil
	}
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		b.deliver(msg, h)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func (b *Bus) deliver(msg *nats.Msg, h Handler) {
	ev, err := Decode(msg.Data)
	if err != nil {
		b.log.Warn("dropping change event", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	h(context.Background(), ev.IssuerIDs)
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() error {
	if b.conn == nil {
		return nil
	}
	err := b.conn.Drain()
	b.conn.Close()
	return err
}
