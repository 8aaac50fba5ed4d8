package engine

import (
	"io"
	"time"

	"github.com/jmcleod/ironsession/backup"
	"github.com/jmcleod/ironsession/channel"
	"github.com/jmcleod/ironsession/clock"
	"github.com/jmcleod/ironsession/csrf"
	"github.com/jmcleod/ironsession/storage"
	"github.com/jmcleod/ironsession/tabsync"
	"github.com/jmcleod/ironsession/telemetry"
	"github.com/jmcleod/ironsession/timeout"
)

// DefaultBackupInterval is how often a running session is snapshotted.
const DefaultBackupInterval = 5 * time.Minute

type config struct {
	repo           storage.Repository
	channel        channel.Channel
	partition      string
	tabID          string
	secret         []byte
	clock          clock.Clock
	log            *telemetry.Logger
	versions       backup.VersionCache
	warnAfter      time.Duration
	expireAfter    time.Duration
	pollInterval   time.Duration
	rotation       time.Duration
	maxRotations   int
	reconcile      time.Duration
	backupInterval time.Duration
	throttle       time.Duration
	throttleBurst  int
	tokenSource    io.Reader
}

func defaultConfig() config {
	return config{
		clock:          clock.System(),
		log:            telemetry.NewLogger(nil),
		warnAfter:      timeout.DefaultWarnAfter,
		expireAfter:    timeout.DefaultExpireAfter,
		pollInterval:   timeout.DefaultPollInterval,
		rotation:       csrf.DefaultRotationInterval,
		maxRotations:   csrf.DefaultMaxRotations,
		reconcile:      tabsync.DefaultReconcileInterval,
		backupInterval: DefaultBackupInterval,
	}
}

// Option configures a Coordinator.
type Option func(*config)

// WithStorage sets the repository shared by every tab and the partition
// (the application origin) this coordinator works in. Required.
func WithStorage(repo storage.Repository, partition string) Option {
	return func(c *config) {
		c.repo = repo
		c.partition = partition
	}
}

// WithChannel sets the cross-tab notification channel. Without one, tabs
// converge through reconciliation only.
func WithChannel(ch channel.Channel) Option {
	return func(c *config) { c.channel = ch }
}

// WithTabID fixes the tab id instead of generating one.
func WithTabID(id string) Option {
	return func(c *config) { c.tabID = id }
}

// WithWrappingSecret shares the origin key between processes that know
// secret. Without it each process encrypts under its own key.
func WithWrappingSecret(secret []byte) Option {
	return func(c *config) { c.secret = append([]byte(nil), secret...) }
}

func WithClock(clk clock.Clock) Option {
	return func(c *config) { c.clock = clk }
}

func WithTelemetry(l *telemetry.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithVersionCache persists backup versions outside the shared storage.
func WithVersionCache(vc backup.VersionCache) Option {
	return func(c *config) { c.versions = vc }
}

// WithTimeout overrides the idle warning and expiry thresholds.
func WithTimeout(warnAfter, expireAfter time.Duration) Option {
	return func(c *config) {
		c.warnAfter = warnAfter
		c.expireAfter = expireAfter
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *config) { c.pollInterval = d }
}

// WithTokenRotation overrides the CSRF rotation interval and ceiling.
func WithTokenRotation(every time.Duration, maxRotations int) Option {
	return func(c *config) {
		c.rotation = every
		c.maxRotations = maxRotations
	}
}

// WithTokenSource replaces crypto/rand as the source of CSRF tokens.
func WithTokenSource(r io.Reader) Option {
	return func(c *config) { c.tokenSource = r }
}

func WithReconcileInterval(d time.Duration) Option {
	return func(c *config) { c.reconcile = d }
}

func WithBackupInterval(d time.Duration) Option {
	return func(c *config) { c.backupInterval = d }
}

// WithThrottle limits high-frequency signals to one per every, with burst.
func WithThrottle(every time.Duration, burst int) Option {
	return func(c *config) {
		c.throttle = every
		c.throttleBurst = burst
	}
}
