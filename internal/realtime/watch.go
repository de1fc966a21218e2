package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Subscription is a cancellable stream handle. Consumers must call Close.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops delivery and waits for the stream goroutine to exit. It must
// not be called from inside the delivery callback.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed once the stream has stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Watch delivers load's result to fn once immediately and again after
// every signal on topic, until ctx ends or the subscription is closed.
// Deliveries are serialized and always carry a freshly loaded snapshot.
func Watch[T any](
	ctx context.Context,
	b Broker,
	topic string,
	load func(context.Context) (T, error),
	fn func(T),
	logger zerolog.Logger,
) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	// Subscribe before the initial load so no change slips between them.
	signals, unsubscribe := b.Subscribe(topic)

	go func() {
		defer close(sub.done)
		defer unsubscribe()

		deliver := func() {
			v, err := load(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn().Err(err).Str("topic", topic).Msg("snapshot load failed")
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			fn(v)
		}

		deliver()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
				deliver()
			}
		}
	}()
	return sub
}
