package eventbus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratequeue/internal/eventbus"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := eventbus.New[int]()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(1)
	b.Publish(2)

	assert.Equal(t, 1, <-a)
	assert.Equal(t, 2, <-a)
	assert.Equal(t, 1, <-c)
	assert.Equal(t, 2, <-c)
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := eventbus.New[string]()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish("kept")
	b.Publish("dropped")

	assert.Equal(t, "kept", <-ch)
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	t.Parallel()
	b := eventbus.New[int]()
	ch, unsub := b.Subscribe(0)
	require.Equal(t, 1, b.Subscribers())

	unsub()
	unsub()

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, b.Subscribers())

	// publishing with no subscribers is a no-op
	b.Publish(3)
}
