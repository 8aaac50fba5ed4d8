// Package redis is a channel.Channel over Redis PUBLISH/SUBSCRIBE. Each
// partition maps to one Redis channel named <prefix><partition>.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/ironsession/channel"
)

// DefaultPrefix namespaces the pub/sub channels.
const DefaultPrefix = "ironsession:bc:"

// Channel implements channel.Channel on a Redis client.
type Channel struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
	wg     sync.WaitGroup
}

var _ channel.Channel = (*Channel)(nil)

// Option configures a Channel.
type Option func(*Channel)

// WithPrefix sets the channel name prefix.
func WithPrefix(prefix string) Option {
	return func(c *Channel) { c.prefix = prefix }
}

// WithLogger sets the logger for undecodable messages.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// New returns a Channel publishing through client.
func New(client redis.UniversalClient, opts ...Option) *Channel {
	c := &Channel{
		client: client,
		prefix: DefaultPrefix,
		logger: slog.Default(),
		subs:   make(map[*redis.PubSub]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) name(partition string) string {
	return c.prefix + partition
}

func (c *Channel) Publish(ctx context.Context, msg channel.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return channel.ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.client.Publish(ctx, c.name(msg.Partition), data).Err()
}

// Subscribe blocks until Redis confirms the subscription, then delivers
// messages on a dedicated goroutine.
func (c *Channel) Subscribe(partition string, h channel.Handler) (channel.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, channel.ErrClosed
	}
	c.mu.Unlock()

	ctx := context.Background()
	ps := c.client.Subscribe(ctx, c.name(partition))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", partition, err)
	}

	c.mu.Lock()
	c.subs[ps] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for m := range ps.Channel() {
			var msg channel.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				c.logger.Warn("dropping undecodable broadcast",
					slog.String("component", "channel.redis"),
					slog.String("channel", m.Channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			h(msg)
		}
	}()

	var once sync.Once
	return channel.SubscriptionFunc(func() error {
		var err error
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, ps)
			c.mu.Unlock()
			err = ps.Close()
		})
		return err
	}), nil
}

// Close unsubscribes everything and waits for delivery goroutines. The
// client itself is left open.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[*redis.PubSub]struct{})
	c.mu.Unlock()

	var firstErr error
	for ps := range subs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.wg.Wait()
	return firstErr
}
