// Package config loads ironsession settings: built-in defaults, then an
// optional YAML or TOML file, then IRONSESSION_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/ironsession/csrf"
	"github.com/jmcleod/ironsession/engine"
	"github.com/jmcleod/ironsession/tabsync"
	"github.com/jmcleod/ironsession/timeout"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IRONSESSION_"

// Config defines engine and server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Channel   ChannelConfig   `yaml:"channel" toml:"channel"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Log       LogConfig       `yaml:"log" toml:"log"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr" toml:"addr"`
	TLSCert     string   `yaml:"tls_cert" toml:"tls_cert"`
	TLSKey      string   `yaml:"tls_key" toml:"tls_key"`
	Environment string   `yaml:"environment" toml:"environment"`
	ConnectSrc  []string `yaml:"connect_src" toml:"connect_src"`
}

// StorageConfig selects the shared record store.
type StorageConfig struct {
	Backend     string `yaml:"backend" toml:"backend"`
	Path        string `yaml:"path" toml:"path"`
	PostgresDSN string `yaml:"postgres_dsn" toml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix" toml:"redis_prefix"`
	// CSRFTTL expires token records in backends that support it.
	CSRFTTL time.Duration `yaml:"csrf_ttl" toml:"csrf_ttl"`
}

// ChannelConfig selects the cross-tab notification transport.
type ChannelConfig struct {
	Transport string        `yaml:"transport" toml:"transport"`
	Dir       string        `yaml:"dir" toml:"dir"`
	RedisAddr string        `yaml:"redis_addr" toml:"redis_addr"`
	Retention time.Duration `yaml:"retention" toml:"retention"`
}

type SessionConfig struct {
	Partition         string        `yaml:"partition" toml:"partition"`
	WrappingSecret    string        `yaml:"wrapping_secret" toml:"wrapping_secret"`
	WarnAfter         time.Duration `yaml:"warn_after" toml:"warn_after"`
	ExpireAfter       time.Duration `yaml:"expire_after" toml:"expire_after"`
	PollInterval      time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	RotationInterval  time.Duration `yaml:"rotation_interval" toml:"rotation_interval"`
	MaxRotations      int           `yaml:"max_rotations" toml:"max_rotations"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval" toml:"reconcile_interval"`
	BackupInterval    time.Duration `yaml:"backup_interval" toml:"backup_interval"`
	VersionCachePath  string        `yaml:"version_cache_path" toml:"version_cache_path"`
}

type TelemetryConfig struct {
	WebhookURL         string        `yaml:"webhook_url" toml:"webhook_url"`
	WebhookAuth        string        `yaml:"webhook_auth" toml:"webhook_auth"`
	IntegrityThreshold int           `yaml:"integrity_threshold" toml:"integrity_threshold"`
	CSRFThreshold      int           `yaml:"csrf_threshold" toml:"csrf_threshold"`
	AlertWindow        time.Duration `yaml:"alert_window" toml:"alert_window"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			Environment: string(engine.Production),
		},
		Storage: StorageConfig{
			Backend: "memory",
			CSRFTTL: 2 * csrf.DefaultRotationInterval,
		},
		Channel: ChannelConfig{
			Transport: "memory",
			Retention: time.Minute,
		},
		Session: SessionConfig{
			Partition:         "http://localhost:8080",
			WarnAfter:         timeout.DefaultWarnAfter,
			ExpireAfter:       timeout.DefaultExpireAfter,
			PollInterval:      timeout.DefaultPollInterval,
			RotationInterval:  csrf.DefaultRotationInterval,
			MaxRotations:      csrf.DefaultMaxRotations,
			ReconcileInterval: tabsync.DefaultReconcileInterval,
			BackupInterval:    engine.DefaultBackupInterval,
		},
		Telemetry: TelemetryConfig{
			IntegrityThreshold: 5,
			CSRFThreshold:      20,
			AlertWindow:        5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from path, or from $IRONSESSION_CONFIG when
// path is empty, applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
		return nil
	case ".yaml", ".yml", "":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config file type %q", filepath.Ext(path))
	}
}

func applyEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	str("ADDR", &cfg.Server.Addr)
	str("TLS_CERT", &cfg.Server.TLSCert)
	str("TLS_KEY", &cfg.Server.TLSKey)
	str("ENV", &cfg.Server.Environment)
	if v := os.Getenv(EnvPrefix + "CONNECT_SRC"); v != "" {
		cfg.Server.ConnectSrc = strings.Split(v, ",")
	}

	str("STORE", &cfg.Storage.Backend)
	str("STORE_PATH", &cfg.Storage.Path)
	str("POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	str("REDIS_ADDR", &cfg.Storage.RedisAddr)
	str("REDIS_PREFIX", &cfg.Storage.RedisPrefix)
	dur("CSRF_TTL", &cfg.Storage.CSRFTTL)

	str("CHANNEL", &cfg.Channel.Transport)
	str("CHANNEL_DIR", &cfg.Channel.Dir)
	str("CHANNEL_REDIS_ADDR", &cfg.Channel.RedisAddr)
	dur("CHANNEL_RETENTION", &cfg.Channel.Retention)

	str("PARTITION", &cfg.Session.Partition)
	str("SECRET", &cfg.Session.WrappingSecret)
	dur("WARN_AFTER", &cfg.Session.WarnAfter)
	dur("EXPIRE_AFTER", &cfg.Session.ExpireAfter)
	dur("POLL_INTERVAL", &cfg.Session.PollInterval)
	dur("ROTATION_INTERVAL", &cfg.Session.RotationInterval)
	num("MAX_ROTATIONS", &cfg.Session.MaxRotations)
	dur("RECONCILE_INTERVAL", &cfg.Session.ReconcileInterval)
	dur("BACKUP_INTERVAL", &cfg.Session.BackupInterval)
	str("VERSION_CACHE", &cfg.Session.VersionCachePath)

	str("WEBHOOK_URL", &cfg.Telemetry.WebhookURL)
	str("WEBHOOK_AUTH", &cfg.Telemetry.WebhookAuth)

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "memory":
	case "bbolt", "sqlite", "file":
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend))
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	switch c.Channel.Transport {
	case "memory", "none":
	case "fswatch":
		if c.Channel.Dir == "" && c.Storage.Backend != "file" {
			errs = append(errs, errors.New("channel.dir is required for the fswatch transport"))
		}
	case "redis":
		if c.Channel.RedisAddr == "" && c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("channel.redis_addr is required for the redis transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown channel transport %q", c.Channel.Transport))
	}

	switch engine.Environment(c.Server.Environment) {
	case engine.Development, engine.Production:
	default:
		errs = append(errs, fmt.Errorf("unknown environment %q", c.Server.Environment))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}

	s := c.Session
	if s.Partition == "" {
		errs = append(errs, errors.New("session.partition is required"))
	}
	if s.WarnAfter <= 0 || s.ExpireAfter <= s.WarnAfter {
		errs = append(errs, fmt.Errorf("session.warn_after (%s) must be positive and below session.expire_after (%s)", s.WarnAfter, s.ExpireAfter))
	}
	for name, d := range map[string]time.Duration{
		"poll_interval":      s.PollInterval,
		"rotation_interval":  s.RotationInterval,
		"reconcile_interval": s.ReconcileInterval,
		"backup_interval":    s.BackupInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("session.%s must be positive", name))
		}
	}
	if s.MaxRotations <= 0 {
		errs = append(errs, errors.New("session.max_rotations must be positive"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger described by c.Log.
func (c Config) Logger() *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
