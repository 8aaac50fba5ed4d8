package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jmcleod/ironsession/backup"
	"github.com/jmcleod/ironsession/channel"
	"github.com/jmcleod/ironsession/channel/fswatch"
	memorychannel "github.com/jmcleod/ironsession/channel/memory"
	redischannel "github.com/jmcleod/ironsession/channel/redis"
	"github.com/jmcleod/ironsession/internal/config"
	"github.com/jmcleod/ironsession/storage"
	bboltstorage "github.com/jmcleod/ironsession/storage/bbolt"
	filestorage "github.com/jmcleod/ironsession/storage/file"
	memorystorage "github.com/jmcleod/ironsession/storage/memory"
	pgstorage "github.com/jmcleod/ironsession/storage/postgres"
	redisstorage "github.com/jmcleod/ironsession/storage/redis"
	sqlitestorage "github.com/jmcleod/ironsession/storage/sqlite"
	"github.com/jmcleod/ironsession/telemetry"
)

// backends holds everything opened from a Config and closes it in reverse
// order.
type backends struct {
	repo         storage.Repository
	channel      channel.Channel
	versionCache backup.VersionCache
	telemetry    *telemetry.Logger

	closers []func() error
}

func (b *backends) onClose(fn func() error) {
	b.closers = append(b.closers, fn)
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	if err := b.openStorage(ctx, cfg.Storage); err != nil {
		return nil, err
	}
	if err := b.openChannel(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if path := cfg.Session.VersionCachePath; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create version cache directory: %w", err)
		}
		vc, err := backup.NewBoltVersionCacheFromFile(path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open version cache: %w", err)
		}
		b.versionCache = vc
		b.onClose(vc.Close)
	}
	b.telemetry = newTelemetry(cfg.Telemetry, logger)
	b.onClose(func() error {
		b.telemetry.Close()
		return nil
	})
	return b, nil
}

func (b *backends) openStorage(ctx context.Context, cfg config.StorageConfig) error {
	switch cfg.Backend {
	case "memory":
		b.repo = memorystorage.NewRepository()
	case "bbolt":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.Path, nil)
		if err != nil {
			return fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		b.repo = repo
		b.onClose(repo.Close)
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := sqlitestorage.Open(cfg.Path)
		if err != nil {
			return fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		b.repo = repo
		b.onClose(repo.Close)
	case "file":
		repo, err := filestorage.NewRepository(cfg.Path)
		if err != nil {
			return fmt.Errorf("failed to open file storage: %w", err)
		}
		b.repo = repo
	case "postgres":
		repo, err := pgstorage.NewRepositoryFromDSN(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to open postgres storage: %w", err)
		}
		b.repo = repo
		b.onClose(func() error {
			repo.Close()
			return nil
		})
	case "redis":
		client, err := dialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		var opts []redisstorage.Option
		if cfg.RedisPrefix != "" {
			opts = append(opts, redisstorage.WithPrefix(cfg.RedisPrefix))
		}
		if cfg.CSRFTTL > 0 {
			opts = append(opts, redisstorage.WithTTL(storage.RecordCSRF, cfg.CSRFTTL))
		}
		repo := redisstorage.NewRepository(client, opts...)
		b.repo = repo
		b.onClose(repo.Close)
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	return nil
}

func (b *backends) openChannel(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	switch cfg.Channel.Transport {
	case "none":
	case "memory":
		hub := memorychannel.NewHub()
		b.channel = hub
		b.onClose(hub.Close)
	case "fswatch":
		dir := cfg.Channel.Dir
		if dir == "" {
			dir = cfg.Storage.Path
		}
		var opts []fswatch.Option
		opts = append(opts, fswatch.WithLogger(logger))
		if cfg.Channel.Retention > 0 {
			opts = append(opts, fswatch.WithRetention(cfg.Channel.Retention))
		}
		ch, err := fswatch.New(dir, opts...)
		if err != nil {
			return fmt.Errorf("failed to open broadcast directory: %w", err)
		}
		b.channel = ch
		b.onClose(ch.Close)
	case "redis":
		addr := cfg.Channel.RedisAddr
		if addr == "" {
			addr = cfg.Storage.RedisAddr
		}
		client, err := dialRedis(ctx, addr)
		if err != nil {
			return err
		}
		var opts []redischannel.Option
		opts = append(opts, redischannel.WithLogger(logger))
		if cfg.Storage.RedisPrefix != "" {
			opts = append(opts, redischannel.WithPrefix(cfg.Storage.RedisPrefix+"bc:"))
		}
		ch := redischannel.New(client, opts...)
		b.channel = ch
		b.onClose(client.Close)
		b.onClose(ch.Close)
	default:
		return fmt.Errorf("unknown channel transport %q", cfg.Channel.Transport)
	}
	return nil
}

func dialRedis(ctx context.Context, addr string) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return client, nil
}

func newTelemetry(cfg config.TelemetryConfig, logger *slog.Logger) *telemetry.Logger {
	collector := telemetry.NewCollector(func(a telemetry.AlertEvent) {
		logger.Error("security alert",
			slog.String("component", "alerts"),
			slog.String("type", string(a.Type)),
			slog.String("message", a.Message),
			slog.Int("count", a.Count),
			slog.Int("threshold", a.Threshold),
		)
	})
	if cfg.IntegrityThreshold > 0 {
		collector.SetIntegrityThreshold(cfg.IntegrityThreshold, cfg.AlertWindow)
	}
	if cfg.CSRFThreshold > 0 {
		collector.SetCSRFThreshold(cfg.CSRFThreshold, cfg.AlertWindow)
	}
	opts := []telemetry.Option{telemetry.WithAlerts(collector)}
	if cfg.WebhookURL != "" {
		opts = append(opts, telemetry.WithWebhook(telemetry.NewWebhook(cfg.WebhookURL, cfg.WebhookAuth)))
	}
	return telemetry.NewLogger(logger, opts...)
}
