// Package memory is an in-process channel.Channel. Handlers run
// synchronously on the publisher's goroutine, in subscription order.
package memory

import (
	"context"
	"sync"

	"github.com/jmcleod/ironsession/channel"
)

// Hub fans messages out to every subscriber of a partition.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]channel.Handler
	order  map[string][]uint64
	closed bool
}

var _ channel.Channel = (*Hub)(nil)

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:  make(map[string]map[uint64]channel.Handler),
		order: make(map[string][]uint64),
	}
}

func (h *Hub) Publish(ctx context.Context, msg channel.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return channel.ErrClosed
	}
	var handlers []channel.Handler
	for _, id := range h.order[msg.Partition] {
		if fn, ok := h.subs[msg.Partition][id]; ok {
			handlers = append(handlers, fn)
		}
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(cloneMessage(msg))
	}
	return nil
}

func (h *Hub) Subscribe(partition string, fn channel.Handler) (channel.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, channel.ErrClosed
	}
	h.nextID++
	id := h.nextID
	if h.subs[partition] == nil {
		h.subs[partition] = make(map[uint64]channel.Handler)
	}
	h.subs[partition][id] = fn
	h.order[partition] = append(h.order[partition], id)

	var once sync.Once
	return channel.SubscriptionFunc(func() error {
		once.Do(func() { h.remove(partition, id) })
		return nil
	}), nil
}

func (h *Hub) remove(partition string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[partition], id)
	ids := h.order[partition]
	for i, v := range ids {
		if v == id {
			h.order[partition] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
}

// Subscribers returns the number of live subscriptions on partition.
func (h *Hub) Subscribers(partition string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[partition])
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = make(map[string]map[uint64]channel.Handler)
	h.order = make(map[string][]uint64)
	return nil
}

func cloneMessage(m channel.Message) channel.Message {
	m.Payload = append([]byte(nil), m.Payload...)
	return m
}
