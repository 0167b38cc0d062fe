// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/gateway/observability"
)

// Delivery is one event handed to a subscriber. Stale is set on the first
// event delivered after the subscriber's buffer overflowed and events were
// dropped; the client should reload history from the log.
type Delivery struct {
	Event datatypes.Event
	Stale bool
}

// defaultSubscriberBuffer bounds each subscriber's delivery queue. A slow
// or disconnected subscriber loses events past this bound instead of
// stalling delivery to everyone else.
const defaultSubscriberBuffer = 256

// broadcaster fans one session's events out to all of its subscribers.
//
// # Description
//
// Fan-out is broadcast, not load-balanced: every subscriber receives every
// event, independently, through its own bounded channel. Delivery never
// happens behind the pool's registry lock; each session owns one
// broadcaster with its own lock.
//
// # Thread Safety
//
// broadcaster is safe for concurrent use.
type broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	bufSize int
	metrics *observability.GatewayMetrics
}

type subscriber struct {
	ch chan Delivery

	// droppedSinceDelivery is set when an event was discarded because ch
	// was full. The next event that fits carries the Stale flag.
	// Protected by the broadcaster mutex.
	droppedSinceDelivery bool
}

func newBroadcaster(bufSize int, metrics *observability.GatewayMetrics) *broadcaster {
	if bufSize <= 0 {
		bufSize = defaultSubscriberBuffer
	}
	return &broadcaster{
		subs:    make(map[string]*subscriber),
		bufSize: bufSize,
		metrics: metrics,
	}
}

// subscribe attaches a new subscriber and returns its delivery channel plus
// an unsubscribe function. Unsubscribing closes the channel.
func (b *broadcaster) subscribe() (<-chan Delivery, func()) {
	sub := &subscriber{ch: make(chan Delivery, b.bufSize)}
	id := uuid.NewString()

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	b.metrics.SubscriberAttached()

	unsubscribe := func() {
		b.mu.Lock()
		s, ok := b.subs[id]
		delete(b.subs, id)
		b.mu.Unlock()
		if ok {
			close(s.ch)
			b.metrics.SubscriberDetached()
		}
	}
	return sub.ch, unsubscribe
}

// publish delivers an event to every subscriber without blocking. Overflow
// drops the event for that subscriber only and flags it stale.
func (b *broadcaster) publish(event datatypes.Event) {
	b.metrics.ObserveEvent(string(event.Type))

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		delivery := Delivery{Event: event, Stale: sub.droppedSinceDelivery}
		select {
		case sub.ch <- delivery:
			sub.droppedSinceDelivery = false
		default:
			sub.droppedSinceDelivery = true
			b.metrics.ObserveDrop()
		}
	}
}

// close detaches all subscribers and closes their channels.
func (b *broadcaster) close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	for range subs {
		b.metrics.SubscriberDetached()
	}
	for _, sub := range subs {
		close(sub.ch)
	}
}

// count returns the number of attached subscribers.
func (b *broadcaster) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
