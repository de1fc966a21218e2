package realtime

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/analyst/internal/errors"
)

func newRedisBroker(t *testing.T, mr *miniredis.Miniredis) *RedisBroker {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	b, err := NewRedisBroker(context.Background(), client, "analyst:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRedisBroker_CrossInstanceDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newRedisBroker(t, mr)
	b := newRedisBroker(t, mr)

	ch, cancel := b.Subscribe(MessagesTopic("p1"))
	defer cancel()

	require.NoError(t, a.Publish(context.Background(), MessagesTopic("p1")))
	waitSignal(t, ch)
}

func TestRedisBroker_SelfDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newRedisBroker(t, mr)
	require.NoError(t, b.Ping(context.Background()))

	ch, cancel := b.Subscribe(ProjectsTopic)
	defer cancel()
	require.NoError(t, b.Publish(context.Background(), ProjectsTopic))
	waitSignal(t, ch)
}

func TestRedisBroker_PublishFailureStillNotifiesLocally(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newRedisBroker(t, mr)
	ch, cancel := b.Subscribe(ProjectsTopic)
	defer cancel()

	mr.Close()
	err := b.Publish(context.Background(), ProjectsTopic)
	assert.ErrorIs(t, err, perrors.ErrUnavailable)
	waitSignal(t, ch)
}
