package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsession/channel"
)

func TestHubFanOut(t *testing.T) {
	hub := NewHub()
	var a, b, other []channel.Message
	_, err := hub.Subscribe("p", func(m channel.Message) { a = append(a, m) })
	require.NoError(t, err)
	_, err = hub.Subscribe("p", func(m channel.Message) { b = append(b, m) })
	require.NoError(t, err)
	_, err = hub.Subscribe("q", func(m channel.Message) { other = append(other, m) })
	require.NoError(t, err)

	require.NoError(t, hub.Publish(context.Background(), channel.Message{Partition: "p", Topic: channel.TopicState, Sender: "tab-1", Payload: []byte("x")}))

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Empty(t, other)
	assert.Equal(t, "tab-1", a[0].Sender)

	a[0].Payload[0] = 'y'
	assert.Equal(t, "x", string(b[0].Payload), "subscribers must not share payload buffers")
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub()
	calls := 0
	sub, err := hub.Subscribe("p", func(channel.Message) { calls++ })
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, hub.Subscribers("p"))

	require.NoError(t, hub.Publish(context.Background(), channel.Message{Partition: "p"}))
	assert.Equal(t, 0, calls)
}

func TestHubHandlerMaySubscribe(t *testing.T) {
	hub := NewHub()
	_, err := hub.Subscribe("p", func(channel.Message) {
		_, _ = hub.Subscribe("p", func(channel.Message) {})
	})
	require.NoError(t, err)
	require.NoError(t, hub.Publish(context.Background(), channel.Message{Partition: "p"}))
	assert.Equal(t, 2, hub.Subscribers("p"))
}

func TestHubClosed(t *testing.T) {
	hub := NewHub()
	require.NoError(t, hub.Close())
	assert.ErrorIs(t, hub.Publish(context.Background(), channel.Message{Partition: "p"}), channel.ErrClosed)
	_, err := hub.Subscribe("p", func(channel.Message) {})
	assert.ErrorIs(t, err, channel.ErrClosed)
}
