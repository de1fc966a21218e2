// Package realtime distributes change notifications to subscribers and
// turns them into ordered snapshot streams.
package realtime

import (
	"context"
	"sync"
)

// Topics.
const ProjectsTopic = "projects"

// MessagesTopic is the topic for one project's messages.
func MessagesTopic(projectID string) string {
	return "messages:" + projectID
}

// Broker carries "something changed" signals per topic. Signals carry no
// payload; subscribers reload the current state when woken.
type Broker interface {
	Publish(ctx context.Context, topic string) error
	// Subscribe returns a signal channel and a cancel func that must be called.
	Subscribe(topic string) (<-chan struct{}, func())
	Close() error
}

type subscriber struct {
	ch chan struct{}
}

// LocalBroker is an in-process Broker.
type LocalBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

// NewLocalBroker creates an in-process broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string]map[*subscriber]struct{})}
}

// Publish wakes every subscriber of topic.
func (b *LocalBroker) Publish(_ context.Context, topic string) error {
	b.notify(topic)
	return nil
}

// notify never blocks: each subscriber has a one-slot buffer, so a burst
// of changes collapses into a single pending signal.
func (b *LocalBroker) notify(topic string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[topic] {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers for signals on topic.
func (b *LocalBroker) Subscribe(topic string) (<-chan struct{}, func()) {
	sub := &subscriber{ch: make(chan struct{}, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscriber]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[topic][sub]; !ok {
				return
			}
			delete(b.subs[topic], sub)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Subscribers returns the number of live subscriptions on topic.
func (b *LocalBroker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close closes every subscriber channel.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for sub := range subs {
			close(sub.ch)
		}
		delete(b.subs, topic)
	}
	return nil
}
