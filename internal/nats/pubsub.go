package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

// PubSubBroker implements core.EventPublisher and core.EventSubscriber
// using NATS core pub/sub.
type PubSubBroker struct {
	nc   *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewPubSubBroker creates a new PubSubBroker using the given NATS connection.
func NewPubSubBroker(nc *nats.Conn) *PubSubBroker {
	return &PubSubBroker{nc: nc}
}

// PublishJobEvent publishes a job event to the global and per-kind subjects.
func (b *PubSubBroker) PublishJobEvent(event *core.JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.nc.Publish(EventsAllSubject(), data); err != nil {
		slog.Error("failed to publish job event", "error", err, "job_id", event.JobID)
		return fmt.Errorf("publish event: %w", err)
	}

	if event.Kind != "" {
		if err := b.nc.Publish(EventKindSubject(event.Kind), data); err != nil {
			slog.Error("failed to publish kind event", "error", err, "kind", event.Kind)
		}
	}
	return nil
}

// SubscribeAll subscribes to all events.
func (b *PubSubBroker) SubscribeAll() (<-chan *core.JobEvent, func(), error) {
	return b.subscribe(EventsAllSubject())
}

// SubscribeKind subscribes to events for one job kind.
func (b *PubSubBroker) SubscribeKind(kind core.Kind) (<-chan *core.JobEvent, func(), error) {
	return b.subscribe(EventKindSubject(kind))
}

func (b *PubSubBroker) subscribe(subject string) (<-chan *core.JobEvent, func(), error) {
	ch := make(chan *core.JobEvent, 64)
	var (
		chMu   sync.Mutex
		closed bool
	)

	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var event core.JobEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Error("failed to unmarshal event", "error", err)
			return
		}
		chMu.Lock()
		defer chMu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- &event:
		default:
			slog.Warn("dropping event, subscriber channel full", "subject", subject)
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			b.forget(sub)
			chMu.Lock()
			closed = true
			close(ch)
			chMu.Unlock()
		})
	}

	return ch, unsubscribe, nil
}

func (b *PubSubBroker) forget(sub *nats.Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Close unsubscribes all subscriptions. Subscriber channels are closed by
// their own unsubscribe funcs.
func (b *PubSubBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	return nil
}
