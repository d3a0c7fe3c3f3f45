package events

import (
	"context"
	"errors"
	"strings"
	"sync"

	"goa.design/clue/log"
)

type (
	// SubscriberFunc receives whole event objects, not deltas. Subscribers
	// must not block; long work belongs on the subscriber's own goroutine.
	SubscriberFunc func(ctx context.Context, e *Event)

	// Bus is the in-process event bus. Publishing validates the event
	// against its schema and fans out synchronously to every subscription
	// whose pattern matches the event type. Patterns support a trailing
	// wildcard segment: "memory.delta.*" matches "memory.delta.created".
	Bus struct {
		validator *Validator

		mu     sync.RWMutex
		nextID int
		subs   map[int]*subscription
	}

	subscription struct {
		pattern string
		fn      SubscriberFunc
	}

	// Unsubscribe removes a subscription. Safe to call more than once.
	Unsubscribe func()
)

// NewBus builds a bus with a compiled validator.
func NewBus() (*Bus, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	return &Bus{validator: v, subs: make(map[int]*subscription)}, nil
}

// Publish validates e and delivers it to matching subscribers. Invalid events
// are rejected and never delivered.
func (b *Bus) Publish(ctx context.Context, e *Event) error {
	if e == nil {
		return errors.New("event is nil")
	}
	if err := b.validator.Validate(e); err != nil {
		return err
	}
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if Matches(sub.pattern, string(e.Type)) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.fn(ctx, e)
	}
	log.Debug(ctx, log.KV{K: "msg", V: "event published"},
		log.KV{K: "type", V: string(e.Type)},
		log.KV{K: "event_id", V: e.EventID},
		log.KV{K: "subscribers", V: len(matched)})
	return nil
}

// Subscribe registers fn for every event whose type matches pattern.
func (b *Bus) Subscribe(pattern string, fn SubscriberFunc) Unsubscribe {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscription{pattern: pattern, fn: fn}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Matches reports whether a dot-separated topic matches a pattern. A "*"
// segment matches exactly one segment; a trailing "*" matches the rest.
func Matches(pattern, topic string) bool {
	if pattern == topic || pattern == "*" {
		return true
	}
	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")
	for i, p := range ps {
		if p == "*" && i == len(ps)-1 {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if p != "*" && p != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}
