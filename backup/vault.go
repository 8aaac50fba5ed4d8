// Package backup keeps a short, versioned history of encrypted session
// snapshots and restores the newest one that still verifies.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmcleod/ironsession/clock"
	"github.com/jmcleod/ironsession/crypto"
	"github.com/jmcleod/ironsession/fault"
	icrypto "github.com/jmcleod/ironsession/internal/crypto"
	"github.com/jmcleod/ironsession/session"
	"github.com/jmcleod/ironsession/storage"
	"github.com/jmcleod/ironsession/telemetry"
)

// MaxBackups bounds the history kept per session.
const MaxBackups = 5

// Backup is one encrypted snapshot. Checksum covers the plaintext state,
// so a backup is valid only when decrypting Data and re-hashing it
// reproduces Checksum.
type Backup struct {
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data"`
	Checksum  string    `json:"checksum"`
}

// Vault owns the backup history of every session it has seen.
type Vault struct {
	store     *crypto.Store
	repo      storage.Repository
	partition string
	versions  VersionCache
	clock     clock.Clock
	log       *telemetry.Logger
	tabID     string
	max       int

	mu   sync.Mutex
	sets map[string][]Backup
}

// Option configures a Vault.
type Option func(*Vault)

// WithRepository mirrors every backup set to repo under partition.
func WithRepository(repo storage.Repository, partition string) Option {
	return func(v *Vault) {
		v.repo = repo
		v.partition = partition
	}
}

// WithVersionCache replaces the in-memory version cache.
func WithVersionCache(c VersionCache) Option {
	return func(v *Vault) { v.versions = c }
}

func WithClock(c clock.Clock) Option {
	return func(v *Vault) { v.clock = c }
}

func WithTelemetry(l *telemetry.Logger) Option {
	return func(v *Vault) { v.log = l }
}

// WithTabID tags incidents with the owning tab.
func WithTabID(id string) Option {
	return func(v *Vault) { v.tabID = id }
}

// WithMaxBackups overrides MaxBackups.
func WithMaxBackups(n int) Option {
	return func(v *Vault) {
		if n > 0 {
			v.max = n
		}
	}
}

// New returns a Vault sealing snapshots with store.
func New(store *crypto.Store, opts ...Option) *Vault {
	v := &Vault{
		store:    store,
		versions: NewMemoryVersionCache(),
		clock:    clock.System(),
		log:      telemetry.NewLogger(nil),
		max:      MaxBackups,
		sets:     make(map[string][]Backup),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Snapshot seals state as the next version of its session. When the
// mirror write fails the backup is still kept in memory and returned along
// with a TransientStorage error.
func (v *Vault) Snapshot(ctx context.Context, state *session.State) (Backup, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	sid := state.SessionID
	v.refreshLocked(ctx, sid)

	next := v.versions.Max(sid)
	if set := v.sets[sid]; len(set) > 0 && set[0].Version > next {
		next = set[0].Version
	}
	next++

	data, err := v.store.Encrypt(state, icrypto.AADBackup(v.partition, sid, next))
	if err != nil {
		return Backup{}, fmt.Errorf("encrypting snapshot: %w", err)
	}
	sum, err := crypto.Checksum(state)
	if err != nil {
		return Backup{}, fmt.Errorf("checksumming snapshot: %w", err)
	}
	if err := v.versions.SetMax(sid, next); err != nil {
		return Backup{}, fault.Wrap(err, fault.Integrity, "backup_version")
	}

	b := Backup{Version: next, Timestamp: v.clock.Now(), Data: data, Checksum: sum}
	set := append([]Backup{b}, v.sets[sid]...)
	if len(set) > v.max {
		set = set[:v.max]
	}
	v.sets[sid] = set

	if err := v.mirrorLocked(sid, set); err != nil {
		err = fault.Wrap(err, fault.TransientStorage, "backup_mirror")
		v.log.Log(ctx, telemetry.Incident{
			Event:     telemetry.EventStorageFailure,
			SessionID: sid,
			TabID:     v.tabID,
			Timestamp: v.clock.Now(),
			Err:       err,
			Attrs:     []slog.Attr{slog.Uint64("version", next)},
		})
		return b, err
	}
	return b, nil
}

// RestoreLatestValid returns the newest backup of sessionID that decrypts
// and matches its checksum, or nil when none does. Invalid backups are
// logged and skipped.
func (v *Vault) RestoreLatestValid(ctx context.Context, sessionID string) (*session.State, error) {
	v.mu.Lock()
	set := append([]Backup(nil), v.sets[sessionID]...)
	v.mu.Unlock()

	for _, b := range set {
		state, err := v.verify(sessionID, b)
		if err != nil {
			v.log.Log(ctx, telemetry.Incident{
				Event:     telemetry.EventIntegrityFailure,
				SessionID: sessionID,
				TabID:     v.tabID,
				Timestamp: v.clock.Now(),
				Err:       err,
				Attrs:     []slog.Attr{slog.Uint64("version", b.Version)},
			})
			continue
		}
		return state, nil
	}
	return nil, nil
}

func (v *Vault) verify(sessionID string, b Backup) (*session.State, error) {
	var state session.State
	if err := v.store.Decrypt(b.Data, icrypto.AADBackup(v.partition, sessionID, b.Version), &state); err != nil {
		return nil, err
	}
	sum, err := crypto.Checksum(&state)
	if err != nil {
		return nil, fault.Wrap(err, fault.Integrity, "backup_checksum")
	}
	if sum != b.Checksum {
		return nil, fault.Wrap(fmt.Errorf("backup v%d checksum mismatch", b.Version), fault.Integrity, "backup_checksum")
	}
	if state.SessionID != sessionID {
		return nil, fault.Wrap(fmt.Errorf("backup v%d belongs to another session", b.Version), fault.Integrity, "backup_session")
	}
	return &state, nil
}

// Load reads the mirrored set of sessionID into memory. A missing set is
// not an error. An unreadable one is logged and returned as an Integrity
// error; callers fall back to a new session.
func (v *Vault) Load(ctx context.Context, sessionID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loadLocked(ctx, sessionID)
}

func (v *Vault) loadLocked(ctx context.Context, sessionID string) error {
	if v.repo == nil {
		return nil
	}
	env, err := v.repo.Get(v.partition, storage.RecordBackups, sessionID)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fault.Wrap(err, fault.TransientStorage, "backup_read")
	}
	data, err := v.store.OpenRecord(env, icrypto.AADBackupSet(v.partition, sessionID))
	if err != nil {
		v.logIntegrity(ctx, sessionID, err)
		return err
	}
	var persisted []Backup
	if err := json.Unmarshal(data, &persisted); err != nil {
		err = fault.Wrap(err, fault.Integrity, "backup_set_decode")
		v.logIntegrity(ctx, sessionID, err)
		return err
	}

	v.sets[sessionID] = v.mergeSets(v.sets[sessionID], persisted)
	if len(persisted) > 0 {
		newest := persisted[0].Version
		for _, b := range persisted {
			if b.Version > newest {
				newest = b.Version
			}
		}
		if err := v.versions.SetMax(sessionID, newest); err != nil {
			// The mirror is older than what this process has already
			// written. Keep the higher version.
			v.logIntegrity(ctx, sessionID, fault.Wrap(err, fault.Integrity, "backup_rollback"))
		}
	}
	return nil
}

// refreshLocked folds the mirrored set into memory so versions stay
// increasing across tabs. Failures are ignored here; Snapshot overwrites
// the mirror anyway.
func (v *Vault) refreshLocked(ctx context.Context, sessionID string) {
	if v.repo == nil {
		return
	}
	env, err := v.repo.Get(v.partition, storage.RecordBackups, sessionID)
	if err != nil {
		return
	}
	data, err := v.store.OpenRecord(env, icrypto.AADBackupSet(v.partition, sessionID))
	if err != nil {
		return
	}
	var persisted []Backup
	if json.Unmarshal(data, &persisted) == nil {
		v.sets[sessionID] = v.mergeSets(v.sets[sessionID], persisted)
	}
}

// mergeSets unions two histories by version, newest first, keeping the
// local copy on collisions, and trims to the bound.
func (v *Vault) mergeSets(local, other []Backup) []Backup {
	byVersion := make(map[uint64]Backup, len(local)+len(other))
	for _, b := range other {
		byVersion[b.Version] = b
	}
	for _, b := range local {
		byVersion[b.Version] = b
	}
	out := make([]Backup, 0, len(byVersion))
	for _, b := range byVersion {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	if len(out) > v.max {
		out = out[:v.max]
	}
	return out
}

func (v *Vault) mirrorLocked(sessionID string, set []Backup) error {
	if v.repo == nil {
		return nil
	}
	data, err := json.Marshal(set)
	if err != nil {
		return err
	}
	env, err := v.store.SealRecord(data, icrypto.AADBackupSet(v.partition, sessionID), set[0].Version)
	if err != nil {
		return err
	}
	return v.repo.Put(v.partition, storage.RecordBackups, sessionID, env)
}

func (v *Vault) logIntegrity(ctx context.Context, sessionID string, err error) {
	v.log.Log(ctx, telemetry.Incident{
		Event:     telemetry.EventIntegrityFailure,
		SessionID: sessionID,
		TabID:     v.tabID,
		Timestamp: v.clock.Now(),
		Err:       err,
	})
}

// Backups returns a copy of the history of sessionID, newest first.
func (v *Vault) Backups(sessionID string) []Backup {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Backup(nil), v.sets[sessionID]...)
}

// Forget drops the history of sessionID from memory and storage.
func (v *Vault) Forget(sessionID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.sets, sessionID)
	if v.repo == nil {
		return nil
	}
	if err := v.repo.Delete(v.partition, storage.RecordBackups, sessionID); err != nil && !storage.IsNotFound(err) {
		return fault.Wrap(err, fault.TransientStorage, "backup_delete")
	}
	return nil
}
