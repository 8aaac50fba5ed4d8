// Package fswatch is a channel.Channel for processes sharing a directory.
// Publish drops each message as a file under
//
//	<dir>/<partition>/.broadcast/
//
// and subscribers pick new files up through fsnotify. The layout sits next
// to the records written by storage/file when both use the same root.
package fswatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jmcleod/ironsession/channel"
	"github.com/jmcleod/ironsession/internal/uuid"
	"github.com/jmcleod/ironsession/storage/file"
)

const (
	broadcastDir = ".broadcast"
	msgExt       = ".msg"

	// DefaultRetention is how long delivered message files are kept.
	DefaultRetention = time.Minute
)

// Channel implements channel.Channel on a shared directory.
type Channel struct {
	dir       string
	retention time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	watchers map[*fsnotify.Watcher]struct{}
	closed   bool
	wg       sync.WaitGroup
}

var _ channel.Channel = (*Channel)(nil)

// Option configures a Channel.
type Option func(*Channel)

// WithRetention sets how long message files survive before Publish prunes them.
func WithRetention(d time.Duration) Option {
	return func(c *Channel) { c.retention = d }
}

// WithLogger sets the logger for watcher errors.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// New returns a Channel rooted at dir.
func New(dir string, opts ...Option) (*Channel, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create broadcast root: %w", err)
	}
	c := &Channel{
		dir:       dir,
		retention: DefaultRetention,
		logger:    slog.Default(),
		watchers:  make(map[*fsnotify.Watcher]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Channel) partitionDir(partition string) string {
	return filepath.Join(file.PartitionDir(c.dir, partition), broadcastDir)
}

func (c *Channel) Publish(ctx context.Context, msg channel.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return channel.ErrClosed
	}

	dir := c.partitionDir(msg.Partition)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create broadcast dir: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	name := fmt.Sprintf("%020d-%s%s", msg.SentAt.UnixNano(), uuid.New(), msgExt)
	if err := file.WriteFileAtomic(filepath.Join(dir, name), data, 0o600); err != nil {
		return err
	}
	c.prune(dir)
	return nil
}

// prune removes message files older than the retention window.
func (c *Channel) prune(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-c.retention)
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), msgExt) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(dir, e.Name()))
	}
}

func (c *Channel) Subscribe(partition string, h channel.Handler) (channel.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, channel.ErrClosed
	}
	c.mu.Unlock()

	dir := c.partitionDir(partition)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create broadcast dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	c.mu.Lock()
	c.watchers[w] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.watch(w, h)

	var once sync.Once
	return channel.SubscriptionFunc(func() error {
		var err error
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, w)
			c.mu.Unlock()
			err = w.Close()
		})
		return err
	}), nil
}

func (c *Channel) watch(w *fsnotify.Watcher, h channel.Handler) {
	defer c.wg.Done()
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			base := filepath.Base(event.Name)
			if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, msgExt) {
				continue
			}
			msg, err := readMessage(event.Name)
			if err != nil {
				if !os.IsNotExist(err) {
					c.logger.Warn("dropping unreadable broadcast",
						slog.String("component", "channel.fswatch"),
						slog.String("path", event.Name),
						slog.String("error", err.Error()),
					)
				}
				continue
			}
			h(msg)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.logger.Warn("watcher error",
				slog.String("component", "channel.fswatch"),
				slog.String("error", err.Error()),
			)
		}
	}
}

func readMessage(path string) (channel.Message, error) {
	var msg channel.Message
	data, err := os.ReadFile(path)
	if err != nil {
		return msg, err
	}
	err = json.Unmarshal(data, &msg)
	return msg, err
}

// Close stops every watcher and waits for their goroutines.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	watchers := c.watchers
	c.watchers = make(map[*fsnotify.Watcher]struct{})
	c.mu.Unlock()

	for w := range watchers {
		w.Close()
	}
	c.wg.Wait()
	return nil
}
