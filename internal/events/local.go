// Package events fans job events out to in-process subscribers.
package events

import (
	"log/slog"
	"sync"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

const subscriberBuffer = 64

type subscription struct {
	kind core.Kind
	ch   chan *core.JobEvent
}

// LocalBroker implements core.EventPublisher and core.EventSubscriber
// without an external message bus. Slow subscribers drop events.
type LocalBroker struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[*subscription]struct{})}
}

func (b *LocalBroker) PublishJobEvent(event *core.JobEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.kind != "" && sub.kind != event.Kind {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			slog.Warn("dropping event, subscriber channel full", "type", event.Type)
		}
	}
	return nil
}

func (b *LocalBroker) SubscribeAll() (<-chan *core.JobEvent, func(), error) {
	return b.subscribe("")
}

func (b *LocalBroker) SubscribeKind(kind core.Kind) (<-chan *core.JobEvent, func(), error) {
	return b.subscribe(kind)
}

func (b *LocalBroker) subscribe(kind core.Kind) (<-chan *core.JobEvent, func(), error) {
	sub := &subscription{kind: kind, ch: make(chan *core.JobEvent, subscriberBuffer)}
	b.mu.Lock()
	if b.closed {
		close(sub.ch)
	} else {
		b.subs[sub] = struct{}{}
	}
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}
		})
	}
	return sub.ch, unsubscribe, nil
}

// Close ends every subscription.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
	return nil
}
