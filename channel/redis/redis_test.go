package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsession/channel"
	"github.com/jmcleod/ironsession/internal/uuid"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	addr := os.Getenv("IRONSESSION_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("IRONSESSION_TEST_REDIS_ADDR not set; skipping Redis tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	c := New(client, WithPrefix("ironsession-test:"+uuid.New()+":"))
	t.Cleanup(func() {
		c.Close()
		client.Close()
	})
	return c
}

func TestRedisChannelDelivers(t *testing.T) {
	c := newTestChannel(t)
	got := make(chan channel.Message, 1)
	_, err := c.Subscribe("https://a.test", func(m channel.Message) { got <- m })
	require.NoError(t, err)

	sent := channel.Message{
		Partition: "https://a.test",
		Topic:     channel.TopicState,
		Sender:    "tab-1",
		Payload:   []byte("sealed"),
		SentAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, c.Publish(context.Background(), sent))

	select {
	case m := <-got:
		assert.Equal(t, sent.Sender, m.Sender)
		assert.Equal(t, sent.Payload, m.Payload)
		assert.True(t, sent.SentAt.Equal(m.SentAt))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRedisChannelClosed(t *testing.T) {
	c := newTestChannel(t)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Publish(context.Background(), channel.Message{Partition: "p"}), channel.ErrClosed)
}
