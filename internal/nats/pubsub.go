package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/cern-cta/CTA-sub017/internal/core"
)

// TapeEventBroker publishes and subscribes to tape state change events
// using NATS core pub/sub.
type TapeEventBroker struct {
	nc   *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewTapeEventBroker creates a broker on the given NATS connection.
func NewTapeEventBroker(nc *nats.Conn) *TapeEventBroker {
	return &TapeEventBroker{nc: nc}
}

// PublishTapeStateChange publishes ev on the tape's subject.
func (b *TapeEventBroker) PublishTapeStateChange(ev *core.TapeStateEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(TapeEventSubject(ev.VID), data); err != nil {
		slog.Error("failed to publish tape event", "error", err, "vid", ev.VID)
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// SubscribeTapeEvents subscribes to events for every tape.
func (b *TapeEventBroker) SubscribeTapeEvents() (<-chan *core.TapeStateEvent, func(), error) {
	return b.subscribe(TapeEventsAllSubject())
}

// SubscribeVID subscribes to events for one tape.
func (b *TapeEventBroker) SubscribeVID(vid string) (<-chan *core.TapeStateEvent, func(), error) {
	return b.subscribe(TapeEventSubject(vid))
}

func (b *TapeEventBroker) subscribe(subject string) (<-chan *core.TapeStateEvent, func(), error) {
	ch := make(chan *core.TapeStateEvent, 64)

	var (
		chMu   sync.Mutex
		closed bool
	)
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var event core.TapeStateEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Error("failed to unmarshal tape event", "error", err)
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
			slog.Warn("dropping tape event, subscriber channel full", "subject", subject)
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
			chMu.Lock()
			closed = true
			close(ch)
			chMu.Unlock()
		})
	}
	return ch, unsubscribe, nil
}

// Close unsubscribes all subscriptions.
func (b *TapeEventBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	return nil
}
