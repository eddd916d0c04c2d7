// Package bus fans session progress events out to live subscribers.
package bus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/remedylabs/remedy/internal/domain"
)

const (
	defaultSubscriberBuffer = 256
	defaultReplaySize       = 64
)

// Options sizes the per-subscriber queues and the replay buffer.
type Options struct {
	// SubscriberBuffer bounds each subscriber's delivery queue. A subscriber
	// that falls further behind loses its oldest queued events.
	SubscriberBuffer int
	// ReplaySize bounds the per-session replay ring served to late
	// subscribers; oldest events are evicted first.
	ReplaySize int
}

// Bus is an ordered, multi-subscriber publish mechanism keyed by session id.
// Publish never blocks on a subscriber: each subscriber owns an independent
// bounded queue, and the registry lock covers only registration and enqueue.
type Bus struct {
	mu     sync.Mutex
	opts   Options
	topics map[string]*topic
}

type topic struct {
	subs      map[*Subscription]struct{}
	replay    []domain.ThoughtEvent
	completed bool
}

// Subscription is one attached observer of a session's event stream.
type Subscription struct {
	ch      chan domain.ThoughtEvent
	dropped int
	closed  bool
}

// Events returns the subscriber's ordered event channel. The channel closes
// when the session completes or the subscription is closed.
func (s *Subscription) Events() <-chan domain.ThoughtEvent {
	return s.ch
}

// New creates a Bus.
func New(opts Options) *Bus {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	if opts.ReplaySize <= 0 {
		opts.ReplaySize = defaultReplaySize
	}
	// A fresh subscriber must be able to absorb the whole replay.
	if opts.SubscriberBuffer < opts.ReplaySize+8 {
		opts.SubscriberBuffer = opts.ReplaySize + 8
	}
	return &Bus{
		opts:   opts,
		topics: make(map[string]*topic),
	}
}

// Publish delivers an event to every attached subscriber of the session, in
// publish order, and records it in the replay ring. Slow subscribers lose
// their oldest queued non-terminal events; terminal result/error events are
// never dropped.
func (b *Bus) Publish(sessionID string, event domain.ThoughtEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(sessionID)
	t.replay = append(t.replay, event)
	if len(t.replay) > b.opts.ReplaySize {
		t.replay = t.replay[len(t.replay)-b.opts.ReplaySize:]
	}

	for sub := range t.subs {
		b.enqueue(sub, event)
	}
}

// enqueue delivers one event to one subscriber without ever blocking.
// Caller holds b.mu, so sends never race with each other; the consumer may
// drain concurrently, which only creates space.
func (b *Bus) enqueue(sub *Subscription, event domain.ThoughtEvent) {
	if sub.dropped > 0 && cap(sub.ch)-len(sub.ch) >= 2 {
		// Space freed up; surface the drop before resuming normal delivery.
		select {
		case sub.ch <- dropNotice(event, sub.dropped):
			sub.dropped = 0
		default:
		}
	}

	select {
	case sub.ch <- event:
		return
	default:
	}

	// Queue full: evict the oldest queued event to make room.
	select {
	case oldest := <-sub.ch:
		if oldest.Type.IsTerminal() {
			// Never sacrifice a terminal event; put it back and drop the
			// incoming one instead (it can only be trailing noise).
			select {
			case sub.ch <- oldest:
			default:
			}
			sub.dropped++
			return
		}
		sub.dropped++
	default:
		// Consumer drained in the meantime; nothing to evict.
	}

	select {
	case sub.ch <- event:
	default:
		sub.dropped++
	}
}

// dropNotice synthesizes the catch-up event injected ahead of next. It
// inherits next's timestamp so a subscriber recovering from overflow still
// observes a non-decreasing timestamp sequence.
func dropNotice(next domain.ThoughtEvent, dropped int) domain.ThoughtEvent {
	return domain.ThoughtEvent{
		Type:      domain.EventStatus,
		Timestamp: next.Timestamp,
		SessionID: next.SessionID,
		Stage:     "stream",
		Message:   fmt.Sprintf("%d events dropped for slow subscriber", dropped),
		Data:      map[string]any{"dropped": dropped},
	}
}

// Subscribe attaches a new observer. The replay ring is delivered first, so
// late subscribers catch up on the session's recent history; everything
// published afterwards follows in order. For an already-completed session the
// channel closes right after the replay.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(sessionID)
	sub := &Subscription{ch: make(chan domain.ThoughtEvent, b.opts.SubscriberBuffer)}
	for _, event := range t.replay {
		sub.ch <- event
	}

	if t.completed {
		close(sub.ch)
		sub.closed = true
		return sub
	}

	t.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches an observer and closes its channel. Safe to call for
// a subscription that already ended.
func (b *Bus) Unsubscribe(sessionID string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if ok {
		delete(t.subs, sub)
	}
	if !sub.closed {
		close(sub.ch)
		sub.closed = true
	}
}

// Complete marks a session's stream finished: subscriber channels close once
// their queued events are consumed. The replay ring stays available to late
// subscribers until Remove.
func (b *Bus) Complete(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok {
		return
	}
	t.completed = true
	for sub := range t.subs {
		if !sub.closed {
			close(sub.ch)
			sub.closed = true
		}
		delete(t.subs, sub)
	}
}

// Remove discards all state for a session, including its replay ring.
func (b *Bus) Remove(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok {
		return
	}
	for sub := range t.subs {
		if !sub.closed {
			close(sub.ch)
			sub.closed = true
		}
	}
	delete(b.topics, sessionID)
	slog.Debug("Event topic removed", "session_id", sessionID)
}

func (b *Bus) topic(sessionID string) *topic {
	t, ok := b.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[sessionID] = t
	}
	return t
}
