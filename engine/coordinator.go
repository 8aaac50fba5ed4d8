// Package engine runs the session of one tab. A Coordinator owns the
// canonical session state and wires the activity tracker, timeout monitor,
// CSRF token manager, backup vault and tab synchronizer around it.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/ironsession/backup"
	"github.com/jmcleod/ironsession/clock"
	"github.com/jmcleod/ironsession/crypto"
	"github.com/jmcleod/ironsession/csrf"
	"github.com/jmcleod/ironsession/fault"
	icrypto "github.com/jmcleod/ironsession/internal/crypto"
	"github.com/jmcleod/ironsession/internal/uuid"
	"github.com/jmcleod/ironsession/session"
	"github.com/jmcleod/ironsession/storage"
	"github.com/jmcleod/ironsession/tabsync"
	"github.com/jmcleod/ironsession/telemetry"
	"github.com/jmcleod/ironsession/timeout"
)

var (
	ErrNotInitialized     = errors.New("session not initialized")
	ErrAlreadyInitialized = errors.New("session already initialized")
	ErrSessionEnded       = errors.New("session ended")
	ErrDisposed           = errors.New("coordinator disposed")
	ErrInvalidActivity    = errors.New("invalid activity")
)

type phase int

const (
	phaseNew phase = iota
	phaseStarting
	phaseRunning
	phaseEnded
	phaseDisposed
)

// Coordinator owns the session of one tab. All methods are safe for
// concurrent use; storage and channel I/O never happen under its lock and
// events are emitted after it is released.
type Coordinator struct {
	cfg     config
	tabID   string
	events  *Events
	tracker *session.Tracker

	// Set once by Init before any timer or subscription starts.
	key     *crypto.Store
	vault   *backup.Vault
	sync    *tabsync.Synchronizer
	monitor *timeout.Monitor
	tokens  *csrf.Manager

	mu      sync.Mutex
	phase   phase
	state   *session.State
	backups *clock.Task
}

// New returns an uninitialized Coordinator.
func New(opts ...Option) (*Coordinator, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.repo == nil {
		return nil, errors.New("engine: storage is required")
	}
	if cfg.partition == "" {
		return nil, errors.New("engine: partition is required")
	}
	if cfg.tabID == "" {
		cfg.tabID = uuid.New()
	}

	trackerOpts := []session.TrackerOption{session.WithTrackerLogger(cfg.log.Slog())}
	if cfg.throttle > 0 {
		trackerOpts = append(trackerOpts, session.WithThrottle(cfg.throttle, cfg.throttleBurst))
	}
	return &Coordinator{
		cfg:     cfg,
		tabID:   cfg.tabID,
		events:  newEvents(),
		tracker: session.NewTracker(cfg.clock, trackerOpts...),
	}, nil
}

// TabID returns the id of this tab.
func (c *Coordinator) TabID() string { return c.tabID }

// Events returns the lifecycle event bus.
func (c *Coordinator) Events() *Events { return c.events }

// Init joins the live session of the partition, restores the newest valid
// backup of the last indexed session, or starts a new session with md, in
// that order. Joined and restored sessions must be active and not idle
// past the timeout. Init must not run concurrently with Dispose.
func (c *Coordinator) Init(ctx context.Context, md session.Metadata) error {
	c.mu.Lock()
	switch c.phase {
	case phaseNew:
		c.phase = phaseStarting
	case phaseDisposed:
		c.mu.Unlock()
		return ErrDisposed
	default:
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.mu.Unlock()

	cfg := c.cfg
	key, err := crypto.LoadOrCreateKey(cfg.repo, cfg.partition, cfg.secret)
	if err != nil {
		c.incident(ctx, telemetry.EventStorageFailure, "", fault.Wrap(err, fault.TransientStorage, "key_load"))
		if key, err = crypto.NewStore(); err != nil {
			c.setPhase(phaseNew)
			return fmt.Errorf("creating session key: %w", err)
		}
	}

	vaultOpts := []backup.Option{
		backup.WithRepository(cfg.repo, cfg.partition),
		backup.WithClock(cfg.clock),
		backup.WithTelemetry(cfg.log),
		backup.WithTabID(c.tabID),
	}
	if cfg.versions != nil {
		vaultOpts = append(vaultOpts, backup.WithVersionCache(cfg.versions))
	}
	c.key = key
	c.vault = backup.New(key, vaultOpts...)
	c.sync = tabsync.New(cfg.repo, cfg.channel, key, cfg.partition, c.tabID,
		tabsync.WithClock(cfg.clock),
		tabsync.WithTelemetry(cfg.log),
		tabsync.WithReconcileInterval(cfg.reconcile),
	)

	st, event := c.resolve(ctx, md, cfg.clock.Now())

	c.monitor, err = timeout.New(cfg.clock, c.lastActivity,
		timeout.WithThresholds(cfg.warnAfter, cfg.expireAfter),
		timeout.WithPollInterval(cfg.pollInterval),
		timeout.OnWarning(c.onWarning),
		timeout.OnExpire(c.onExpire),
	)
	if err != nil {
		key.Destroy()
		c.setPhase(phaseNew)
		return err
	}
	tokenOpts := []csrf.Option{
		csrf.WithClock(cfg.clock),
		csrf.WithTelemetry(cfg.log),
		csrf.WithIdentity(st.SessionID, c.tabID),
		csrf.WithRotationInterval(cfg.rotation),
		csrf.WithMaxRotations(cfg.maxRotations),
		csrf.OnChange(c.persistToken),
	}
	if cfg.tokenSource != nil {
		tokenOpts = append(tokenOpts, csrf.WithRandom(cfg.tokenSource))
	}
	c.tokens = csrf.New(tokenOpts...)

	c.mu.Lock()
	c.state = st
	c.phase = phaseRunning
	c.mu.Unlock()

	if _, err := c.tokens.Init(); err != nil {
		// The session may be shared; only this tab gives up on it.
		c.abort(ctx, session.EndError)
		return fmt.Errorf("issuing csrf token: %w", err)
	}
	c.monitor.Start()
	if err := c.sync.Start(st.SessionID, c.applyConflicts); err != nil {
		c.incident(ctx, telemetry.EventBroadcastFailure, st.SessionID, err)
	}
	c.mu.Lock()
	if c.phase == phaseRunning {
		c.backups = clock.Every(cfg.clock, cfg.backupInterval, func() { c.snapshot(context.Background()) })
	}
	c.mu.Unlock()

	c.incident(ctx, event, st.SessionID, nil)
	c.publish(ctx, st.Clone())
	c.snapshot(ctx)
	return nil
}

func (c *Coordinator) resolve(ctx context.Context, md session.Metadata, now time.Time) (*session.State, telemetry.Event) {
	persisted, err := c.sync.ReadPersisted(ctx)
	if err != nil {
		c.incident(ctx, eventFor(err), "", err)
	} else if c.usable(persisted, now) {
		st := persisted.Clone()
		st.TabID = c.tabID
		return st, telemetry.EventSessionJoined
	}

	idx, err := c.sync.ReadIndex()
	if err != nil {
		c.incident(ctx, eventFor(err), "", err)
	} else if idx != nil {
		if err := c.vault.Load(ctx, idx.SessionID); err != nil && fault.IsTransient(err) {
			c.incident(ctx, telemetry.EventStorageFailure, idx.SessionID, err)
		}
		restored, err := c.vault.RestoreLatestValid(ctx, idx.SessionID)
		if err != nil {
			c.incident(ctx, eventFor(err), idx.SessionID, err)
		} else if c.usable(restored, now) {
			restored.TabID = c.tabID
			return restored, telemetry.EventSessionRestored
		}
	}

	return session.New(uuid.New(), c.tabID, now, md), telemetry.EventSessionStarted
}

func (c *Coordinator) usable(st *session.State, now time.Time) bool {
	return st != nil && st.IsActive && st.IdleFor(now) < c.cfg.expireAfter
}

// Signal classifies a raw signal and records the resulting activity.
// Throttled and unclassifiable signals are dropped without error.
func (c *Coordinator) Signal(ctx context.Context, sig session.Signal) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	a, ok := c.tracker.Track(sig)
	if !ok {
		return nil
	}
	return c.RecordActivity(ctx, a)
}

// RecordActivity appends a to the session. A zero timestamp is set from
// the clock. Recording into a session already idle past the timeout ends
// it instead.
func (c *Coordinator) RecordActivity(ctx context.Context, a session.Activity) error {
	if !a.Type.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidActivity, a.Type)
	}
	now := c.cfg.clock.Now()
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	a.Details = session.NormalizeDetails(a.Details)

	c.mu.Lock()
	if err := c.runningLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.state.IdleFor(now) >= c.cfg.expireAfter {
		c.mu.Unlock()
		c.end(ctx, session.EndTimeout, true)
		return ErrSessionEnded
	}
	c.state.Record(a)
	st := c.state.Clone()
	c.mu.Unlock()

	c.monitor.Touch()
	c.events.emit(ActivityRecorded{Activity: a})
	c.publish(ctx, st)
	return nil
}

// UpdateMetadata applies fn to a copy of the session metadata and stamps
// it for last-writer-wins merging.
func (c *Coordinator) UpdateMetadata(ctx context.Context, fn func(*session.Metadata)) error {
	now := c.cfg.clock.Now()
	c.mu.Lock()
	if err := c.runningLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	md := c.state.Metadata.Clone()
	fn(&md)
	md.UpdatedAt = now
	c.state.Metadata = md
	c.state.UpdatedAt = now
	st := c.state.Clone()
	c.mu.Unlock()

	c.publish(ctx, st)
	return nil
}

// Logout ends the session in every tab.
func (c *Coordinator) Logout(ctx context.Context) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	c.end(ctx, session.EndLogout, true)
	return nil
}

// State returns a copy of the canonical state, or nil before Init.
func (c *Coordinator) State() *session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// CSRFToken returns the current anti-forgery token.
func (c *Coordinator) CSRFToken() (string, error) {
	if err := c.checkRunning(); err != nil {
		return "", err
	}
	tok, ok := c.tokens.Current()
	if !ok {
		return "", csrf.ErrNotInitialized
	}
	return tok.Token, nil
}

// ValidateCSRF checks token against the current one. Rejections are
// logged and counted for anomaly alerts.
func (c *Coordinator) ValidateCSRF(ctx context.Context, token string) error {
	err := c.checkRunning()
	if err == nil {
		err = c.tokens.Validate(token)
	}
	if err != nil {
		c.incident(ctx, telemetry.EventCSRFRejected, c.sessionID(), err)
	}
	return err
}

// Dispose stops every timer and subscription and wipes the key. The
// session itself is left as it is for other tabs.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	if c.phase == phaseDisposed {
		c.mu.Unlock()
		return
	}
	started := c.phase != phaseNew
	c.phase = phaseDisposed
	c.mu.Unlock()

	if !started {
		return
	}
	c.stopTimers()
	c.sync.Stop()
	c.key.Destroy()
}

func (c *Coordinator) end(ctx context.Context, reason session.EndReason, publish bool) {
	st, ok := c.markEnded(reason)
	if !ok {
		return
	}

	c.stopTimers()
	if publish {
		c.publish(ctx, st)
	}
	c.snapshot(ctx)
	c.sync.Stop()
	if err := c.cfg.repo.Delete(c.cfg.partition, storage.RecordCSRF, c.tabID); err != nil && !storage.IsNotFound(err) {
		c.incident(ctx, telemetry.EventStorageFailure, st.SessionID, fault.Wrap(err, fault.TransientStorage, "token_delete"))
	}

	c.incident(ctx, telemetry.EventSessionEnded, st.SessionID, nil, slog.String("reason", string(st.EndReason)))
	c.events.emit(Ended{Reason: st.EndReason})
}

// abort ends the session in this tab without touching shared storage or
// the channel, leaving other tabs on the session undisturbed.
func (c *Coordinator) abort(ctx context.Context, reason session.EndReason) {
	st, ok := c.markEnded(reason)
	if !ok {
		return
	}
	c.stopTimers()
	c.sync.Stop()
	c.incident(ctx, telemetry.EventSessionEnded, st.SessionID, nil,
		slog.String("reason", string(st.EndReason)), slog.Bool("local", true))
	c.events.emit(Ended{Reason: st.EndReason})
}

func (c *Coordinator) markEnded(reason session.EndReason) (*session.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != phaseRunning {
		return nil, false
	}
	c.phase = phaseEnded
	c.state.End(reason, c.cfg.clock.Now())
	return c.state.Clone(), true
}

func (c *Coordinator) stopTimers() {
	c.mu.Lock()
	task := c.backups
	c.backups = nil
	c.mu.Unlock()

	task.Stop()
	if c.monitor != nil {
		c.monitor.Stop()
	}
	if c.tokens != nil {
		c.tokens.Stop()
	}
}

func (c *Coordinator) publish(ctx context.Context, st *session.State) {
	// Failures are logged by the synchronizer; the session continues in
	// memory until the next successful write.
	merged, _ := c.sync.Publish(ctx, st)
	if merged != nil {
		c.adopt(ctx, merged)
	}
}

// adopt folds a state merged with storage back into the canonical one.
func (c *Coordinator) adopt(ctx context.Context, merged *session.State) {
	c.mu.Lock()
	if c.state == nil || c.phase == phaseDisposed {
		c.mu.Unlock()
		return
	}
	c.state = session.Merge(c.state, merged)
	ended := c.phase == phaseRunning && !c.state.IsActive
	c.mu.Unlock()

	if ended {
		c.end(ctx, session.EndError, false)
	}
}

func (c *Coordinator) applyConflicts(ctx context.Context, conflicts []session.Conflict) {
	c.mu.Lock()
	if c.phase != phaseRunning {
		c.mu.Unlock()
		return
	}
	ambiguous := 0
	for _, cf := range conflicts {
		ambiguous += session.Ambiguities(c.state.Activities, cf.State.Activities)
	}
	c.state = session.ResolveConflicts(c.state, conflicts)
	ended := !c.state.IsActive
	sid := c.state.SessionID
	c.mu.Unlock()

	if ambiguous > 0 {
		c.incident(ctx, telemetry.EventMergeAmbiguity, sid,
			fault.Wrap(fmt.Errorf("%d activities share a timestamp and type", ambiguous), fault.MergeAmbiguity, "merge_dedup"),
			slog.Int("count", ambiguous))
	}
	if ended {
		// The reason recorded by the other tab wins.
		c.end(ctx, session.EndError, false)
		return
	}
	c.monitor.Touch()
}

func (c *Coordinator) snapshot(ctx context.Context) {
	st := c.State()
	if st == nil {
		return
	}
	if _, err := c.vault.Snapshot(ctx, st); err != nil && !fault.IsTransient(err) {
		c.incident(ctx, eventFor(err), st.SessionID, err)
	}
}

func (c *Coordinator) persistToken(tok csrf.Token) {
	ctx := context.Background()
	data, err := json.Marshal(tok)
	if err != nil {
		return
	}
	env, err := c.key.SealRecord(data, icrypto.AADToken(c.cfg.partition, c.tabID))
	if err == nil {
		err = c.cfg.repo.Put(c.cfg.partition, storage.RecordCSRF, c.tabID, env)
	}
	if err != nil {
		c.incident(ctx, telemetry.EventStorageFailure, c.sessionID(), fault.Wrap(err, fault.TransientStorage, "token_write"))
	}
}

func (c *Coordinator) lastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return c.cfg.clock.Now()
	}
	return c.state.LastActivityTime()
}

func (c *Coordinator) onWarning(remaining time.Duration) {
	c.mu.Lock()
	running := c.phase == phaseRunning
	c.mu.Unlock()
	if running {
		c.events.emit(Warning{Remaining: remaining})
	}
}

func (c *Coordinator) onExpire() {
	c.end(context.Background(), session.EndTimeout, true)
}

func (c *Coordinator) checkRunning() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningLocked()
}

func (c *Coordinator) runningLocked() error {
	switch c.phase {
	case phaseRunning:
		return nil
	case phaseEnded:
		return ErrSessionEnded
	case phaseDisposed:
		return ErrDisposed
	default:
		return ErrNotInitialized
	}
}

func (c *Coordinator) setPhase(p phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Coordinator) sessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return ""
	}
	return c.state.SessionID
}

func (c *Coordinator) incident(ctx context.Context, event telemetry.Event, sessionID string, err error, attrs ...slog.Attr) {
	c.cfg.log.Log(ctx, telemetry.Incident{
		Event:     event,
		SessionID: sessionID,
		TabID:     c.tabID,
		Timestamp: c.cfg.clock.Now(),
		Err:       err,
		Attrs:     attrs,
	})
}

func eventFor(err error) telemetry.Event {
	if fault.IsIntegrity(err) {
		return telemetry.EventIntegrityFailure
	}
	return telemetry.EventStorageFailure
}
