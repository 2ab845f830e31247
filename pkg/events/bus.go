// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"sync"

	"github.com/oidcflow/oidcflow/pkg/logger"
)

// DefaultSubscriptionBuffer is the per-subscriber channel capacity.
const DefaultSubscriptionBuffer = 64

// Subscription is a live feed of events. Receive from C until it is closed;
// call Cancel to stop receiving and release the subscription.
type Subscription struct {
	// C delivers events in publication order.
	C <-chan Event

	cancel func()
}

// Cancel detaches the subscription from the bus and closes C. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Bus multicasts events to all current subscribers. Publication order is
// total: every subscriber observes the same sequence. Delivery is
// non-blocking; a subscriber that falls more than DefaultSubscriptionBuffer
// events behind starts losing events.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

// NewBus creates an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber. The returned subscription only sees
// events published after this call returns.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, DefaultSubscriptionBuffer)
	if b.closed {
		close(ch)
		return &Subscription{C: ch, cancel: func() {}}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}

	return &Subscription{C: ch, cancel: cancel}
}

// Publish delivers the event to every current subscriber without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			logger.Warnf("event subscriber too slow, dropping %s event", event.EventType())
		}
	}
}

// Close shuts down the bus and closes every subscriber channel. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// PublishInfo publishes an informational event.
func (b *Bus) PublishInfo(t Type, detail string) {
	b.Publish(Info{Type: t, Detail: detail})
}

// PublishSuccess publishes a success event.
func (b *Bus) PublishSuccess(t Type, detail string) {
	b.Publish(Success{Type: t, Detail: detail})
}

// PublishError publishes an error event.
func (b *Bus) PublishError(t Type, reason error, context string) {
	b.Publish(Error{Type: t, Reason: reason, Context: context})
}
