// Package tabsync keeps the tabs of one origin converging on the same
// session. Every local change is merged with the persisted copy, written
// back, and announced on a channel; foreign announcements and a periodic
// re-read of storage are turned into conflicts for the owner to merge.
package tabsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/ironsession/channel"
	"github.com/jmcleod/ironsession/clock"
	"github.com/jmcleod/ironsession/crypto"
	"github.com/jmcleod/ironsession/fault"
	icrypto "github.com/jmcleod/ironsession/internal/crypto"
	"github.com/jmcleod/ironsession/session"
	"github.com/jmcleod/ironsession/storage"
	"github.com/jmcleod/ironsession/telemetry"
)

// DefaultReconcileInterval is how often persisted state is re-read.
const DefaultReconcileInterval = 5 * time.Second

// SourceStorage marks conflicts produced by reconciliation.
const SourceStorage = "storage"

// ApplyFunc receives conflicts for the local session. It is never called
// with a synchronizer lock held.
type ApplyFunc func(ctx context.Context, conflicts []session.Conflict)

// Synchronizer publishes local state and collects foreign state for one tab.
type Synchronizer struct {
	repo      storage.Repository
	ch        channel.Channel
	store     *crypto.Store
	partition string
	tabID     string
	clock     clock.Clock
	log       *telemetry.Logger
	interval  time.Duration

	mu        sync.Mutex
	sessionID string
	apply     ApplyFunc
	pending   []session.Conflict
	sub       channel.Subscription
	task      *clock.Task
	running   bool

	flushMu sync.Mutex
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

func WithClock(c clock.Clock) Option {
	return func(s *Synchronizer) { s.clock = c }
}

func WithTelemetry(l *telemetry.Logger) Option {
	return func(s *Synchronizer) { s.log = l }
}

// WithReconcileInterval overrides DefaultReconcileInterval.
func WithReconcileInterval(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New returns a stopped Synchronizer for tabID. ch may be nil, in which
// case tabs converge through reconciliation alone.
func New(repo storage.Repository, ch channel.Channel, store *crypto.Store, partition, tabID string, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		repo:      repo,
		ch:        ch,
		store:     store,
		partition: partition,
		tabID:     tabID,
		clock:     clock.System(),
		log:       telemetry.NewLogger(nil),
		interval:  DefaultReconcileInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to the channel and schedules reconciliation for
// sessionID. Conflicts are handed to apply.
func (s *Synchronizer) Start(sessionID string, apply ApplyFunc) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("tabsync: already started")
	}
	s.sessionID = sessionID
	s.apply = apply
	s.running = true
	s.mu.Unlock()

	if s.ch != nil {
		sub, err := s.ch.Subscribe(s.partition, s.onMessage)
		if err != nil {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return fmt.Errorf("subscribing to %s: %w", s.partition, err)
		}
		s.mu.Lock()
		s.sub = sub
		s.mu.Unlock()
	}

	task := clock.Every(s.clock, s.interval, func() { s.Reconcile(context.Background()) })
	s.mu.Lock()
	s.task = task
	s.mu.Unlock()
	return nil
}

// Stop unsubscribes and cancels reconciliation. Pending conflicts are
// dropped.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	sub, task := s.sub, s.task
	s.sub, s.task = nil, nil
	s.running = false
	s.pending = nil
	s.mu.Unlock()

	task.Stop()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

// Publish merges state with the persisted copy of the same session,
// writes the result and announces it. The merged state is returned so the
// caller can adopt anything it had missed. A storage failure is returned
// as a TransientStorage error after the announcement is still attempted.
func (s *Synchronizer) Publish(ctx context.Context, state *session.State) (*session.State, error) {
	merged := state.Clone()
	persisted, err := s.ReadPersisted(ctx)
	switch {
	case err != nil && fault.IsTransient(err):
		s.incident(ctx, telemetry.EventStorageFailure, state.SessionID, err)
	case err != nil:
		// Unreadable state from another key or a corrupt record is
		// overwritten below.
	case persisted != nil && persisted.SessionID == state.SessionID:
		merged = session.Merge(state, persisted)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	storeErr := s.persist(merged, data)
	if storeErr != nil {
		storeErr = fault.Wrap(storeErr, fault.TransientStorage, "state_write")
		s.incident(ctx, telemetry.EventStorageFailure, state.SessionID, storeErr)
	}
	s.broadcast(ctx, merged.SessionID, data)
	return merged, storeErr
}

func (s *Synchronizer) persist(state *session.State, data []byte) error {
	env, err := s.store.SealRecord(data, icrypto.AADState(s.partition))
	if err != nil {
		return err
	}
	index, err := json.Marshal(state.Index())
	if err != nil {
		return err
	}
	return s.repo.Batch(s.partition, func(tx storage.BatchTx) error {
		if err := tx.Put(storage.RecordState, storage.CurrentID, env); err != nil {
			return err
		}
		return tx.Put(storage.RecordSession, storage.CurrentID, storage.PlainRecord(index))
	})
}

func (s *Synchronizer) broadcast(ctx context.Context, sessionID string, data []byte) {
	if s.ch == nil {
		return
	}
	sealed, err := s.store.Seal(data, icrypto.AADBroadcast(s.partition))
	if err == nil {
		err = s.ch.Publish(ctx, channel.Message{
			Partition: s.partition,
			Topic:     channel.TopicState,
			Sender:    s.tabID,
			Payload:   sealed,
			SentAt:    s.clock.Now(),
		})
	}
	if err != nil {
		s.incident(ctx, telemetry.EventBroadcastFailure, sessionID, err)
	}
}

// ReadPersisted returns the state stored under STATE/current, or nil when
// there is none. Undecryptable or invalid records are Integrity errors.
func (s *Synchronizer) ReadPersisted(ctx context.Context) (*session.State, error) {
	env, err := s.repo.Get(s.partition, storage.RecordState, storage.CurrentID)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.TransientStorage, "state_read")
	}
	data, err := s.store.OpenRecord(env, icrypto.AADState(s.partition))
	if err != nil {
		return nil, err
	}
	st, err := session.DecodeState(data)
	if err != nil {
		return nil, fault.Wrap(err, fault.Integrity, "state_schema")
	}
	return st, nil
}

// ReadIndex returns the clear-text session pointer, or nil when absent.
func (s *Synchronizer) ReadIndex() (*session.Index, error) {
	env, err := s.repo.Get(s.partition, storage.RecordSession, storage.CurrentID)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.TransientStorage, "index_read")
	}
	data, err := storage.OpenPlain(env)
	if err != nil {
		return nil, fault.Wrap(err, fault.Integrity, "index_decode")
	}
	var idx session.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fault.Wrap(err, fault.Integrity, "index_decode")
	}
	return &idx, nil
}

// Reconcile re-reads persisted state and queues it as a conflict. Own
// writes are included; merging them is a no-op.
func (s *Synchronizer) Reconcile(ctx context.Context) {
	sid, ok := s.current()
	if !ok {
		return
	}
	st, err := s.ReadPersisted(ctx)
	if err != nil {
		event := telemetry.EventIntegrityFailure
		if fault.IsTransient(err) {
			event = telemetry.EventStorageFailure
		}
		s.incident(ctx, event, sid, err)
		return
	}
	if st == nil || st.SessionID != sid {
		return
	}
	s.enqueue(session.Conflict{State: st, Timestamp: st.UpdatedAt, Source: SourceStorage})
	s.flush(ctx)
}

func (s *Synchronizer) onMessage(msg channel.Message) {
	if msg.Sender == s.tabID || msg.Topic != channel.TopicState {
		return
	}
	sid, ok := s.current()
	if !ok {
		return
	}
	ctx := context.Background()
	data, err := s.store.Open(msg.Payload, icrypto.AADBroadcast(s.partition))
	if err != nil {
		s.incident(ctx, telemetry.EventIntegrityFailure, sid, err,
			slog.String("source", msg.Sender))
		return
	}
	st, err := session.DecodeState(data)
	if err != nil {
		s.incident(ctx, telemetry.EventIntegrityFailure, sid, fault.Wrap(err, fault.Integrity, "broadcast_schema"),
			slog.String("source", msg.Sender))
		return
	}
	if st.SessionID != sid {
		return
	}
	ts := msg.SentAt
	if ts.IsZero() {
		ts = st.UpdatedAt
	}
	s.enqueue(session.Conflict{State: st, Timestamp: ts, Source: msg.Sender})
	s.flush(ctx)
}

func (s *Synchronizer) current() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID, s.running
}

func (s *Synchronizer) enqueue(c session.Conflict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.pending = append(s.pending, c)
	}
}

// Pending returns the number of queued conflicts.
func (s *Synchronizer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// flush hands every queued conflict to apply. flushMu keeps batches in
// order when messages and reconciliation race.
func (s *Synchronizer) flush(ctx context.Context) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	apply := s.apply
	s.mu.Unlock()

	if len(batch) > 0 && apply != nil {
		apply(ctx, batch)
	}
}

func (s *Synchronizer) incident(ctx context.Context, event telemetry.Event, sessionID string, err error, attrs ...slog.Attr) {
	s.log.Log(ctx, telemetry.Incident{
		Event:     event,
		SessionID: sessionID,
		TabID:     s.tabID,
		Timestamp: s.clock.Now(),
		Err:       err,
		Attrs:     attrs,
	})
}
