// Package liveprogress implements an optional, single-topic fan-out of
// ProgressEvents to live subscribers — a narrow alternative to a general
// multi-channel broadcaster, since one batch only ever has one topic.
package liveprogress

import (
	"context"
	"log/slog"
	"sync"

	"batcheval/internal/model"
)

// Subscriber receives ProgressEvents until it is closed or its context
// ends. Send must not block indefinitely; a slow subscriber is dropped
// rather than allowed to stall the batch.
type Subscriber interface {
	ID() string
	Send(event model.ProgressEvent) error
	Context() context.Context
	Close() error
}

// Broadcaster fans a single stream of ProgressEvents out to any number
// of subscribers, dropping a subscriber whose send buffer is full rather
// than blocking the emitting goroutine.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber
	logger      *slog.Logger
}

// New creates an empty Broadcaster.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]Subscriber),
		logger:      logger,
	}
}

// Subscribe registers s and starts watching its context for cancellation
// to automatically unregister it.
func (b *Broadcaster) Subscribe(s Subscriber) {
	b.mu.Lock()
	b.subscribers[s.ID()] = s
	b.mu.Unlock()

	go func() {
		<-s.Context().Done()
		b.Unsubscribe(s.ID())
	}()
}

// Unsubscribe removes and closes the subscriber with the given ID, if
// present.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		_ = s.Close()
	}
}

// Publish sends event to every current subscriber. A subscriber whose
// Send fails is unsubscribed and closed.
func (b *Broadcaster) Publish(event model.ProgressEvent) {
	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(event); err != nil {
			b.logger.Warn("live progress subscriber send failed, dropping", "subscriber_id", s.ID(), "error", err)
			b.Unsubscribe(s.ID())
		}
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes and closes every current subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]Subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
}
