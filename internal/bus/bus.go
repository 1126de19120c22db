// Package bus is the best-effort message channel between the headless
// background process and any live foreground instance. Delivery is
// fire-and-forget: "no receiver" is a normal outcome that callers
// branch on, not an error to catch.
package bus

import (
	"context"
	"errors"
	"sync"
)

// Topics used across the application.
const (
	// TopicApplyRules asks a live UI to run the auto-archive sweep.
	TopicApplyRules = "rules/apply"

	// TopicWake asks a live UI to wake a snoozed notification. The
	// payload is the notification id.
	TopicWake = "notifications/wake"

	// TopicEntitlementChanged announces a subscription status
	// transition. The payload describes the transition.
	TopicEntitlementChanged = "entitlement/changed"
)

// Outcome classifies the result of a send.
type Outcome int

const (
	// Delivered means at least one receiver handled the message.
	Delivered Outcome = iota

	// NoReceiver means nothing was listening. This is the normal case
	// when no foreground instance is open.
	NoReceiver

	// Error means a receiver existed but failed to handle the message.
	Error
)

// SendResult is what Send returns; callers switch on the Outcome.
type SendResult struct {
	Outcome Outcome
	Err     error
}

// Message is a topic-addressed payload.
type Message struct {
	Topic   string
	Payload string
}

// Handler processes a delivered message.
type Handler func(ctx context.Context, msg Message) error

// Bus routes messages to dynamically attached handlers. A foreground
// instance "exists" exactly while its handlers are subscribed.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[int]Handler)}
}

// Subscribe attaches a handler to a topic and returns a function that
// detaches it again.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
}

// HasReceiver reports whether any handler is attached to the topic.
func (b *Bus) HasReceiver(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic]) > 0
}

// Send delivers a message to every handler attached to its topic. With
// no handlers attached the result is NoReceiver; a handler failure
// yields Error with the joined handler errors.
func (b *Bus) Send(ctx context.Context, msg Message) SendResult {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[msg.Topic]))
	for _, h := range b.subs[msg.Topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return SendResult{Outcome: NoReceiver}
	}

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return SendResult{Outcome: Error, Err: errors.Join(errs...)}
	}
	return SendResult{Outcome: Delivered}
}
