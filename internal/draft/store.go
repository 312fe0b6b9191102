// Package draft holds the in-progress wizard draft. The Store keeps the
// draft in memory, snapshots it to local storage after every mutation and
// reloads it when another context rewrites the same slot.
package draft

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cyruslayo/buildr/internal/models"
	"github.com/cyruslayo/buildr/internal/storage"
)

// Cause tells subscribers why the draft changed.
type Cause string

const (
	CauseUser    Cause = "user"
	CauseReset   Cause = "reset"
	CauseHydrate Cause = "hydrate"
	CauseSync    Cause = "sync"
)

// Listener receives a copy of the draft after every change.
type Listener func(d models.Draft, cause Cause)

// Revision identifies the draft content a sync call was built from.
// epoch changes when the draft's identity changes under an in-flight
// call (reset, or another context attaching a different server id).
type Revision struct {
	epoch uint64
	seq   uint64
}

// Store is the single mutable draft shared by the wizard and the sync
// scheduler. Listeners run outside the lock.
type Store struct {
	adapter  *storage.Adapter
	key      string
	defaults models.Fields
	logger   *slog.Logger

	mu       sync.Mutex
	draft    models.Draft
	epoch    uint64
	seq      uint64
	disposed bool
	nextSub  int
	subs     map[int]Listener

	cancelExternal func()
}

// New creates a store holding defaults. Call Hydrate to load the saved
// draft.
func New(adapter *storage.Adapter, key string, defaults models.Fields, logger *slog.Logger) *Store {
	s := &Store{
		adapter:  adapter,
		key:      key,
		defaults: defaults.Clone(),
		logger:   logger,
		subs:     make(map[int]Listener),
		draft: models.Draft{
			Fields: defaults.Clone(),
			Status: models.StatusIdle,
		},
	}

	s.cancelExternal = adapter.OnExternalChange(key, func() {
		s.logger.Debug("draft changed in another context, reloading", slog.String("key", key))
		s.Hydrate()
	})

	return s
}

// Snapshot returns a copy of the current draft.
func (s *Store) Snapshot() models.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.copyLocked()
}

// Hydrated reports whether the saved draft has been loaded.
func (s *Store) Hydrated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.draft.Hydrated
}

// StorageError returns the current storage warning, or "".
func (s *Store) StorageError() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.draft.StorageError
}

// Subscribe registers fn for every subsequent change.
func (s *Store) Subscribe(fn Listener) (cancel func()) {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// UpdateFields shallow-merges partial into the draft. Values are stored
// as given.
func (s *Store) UpdateFields(partial models.Fields) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}

	s.draft.Fields.Merge(partial.Clone())
	s.draft.Status = models.StatusIdle
	s.seq++
	s.persistLocked()
	s.unlockAndNotify(CauseUser)
}

// Reset returns the draft to its defaults and forgets the server copy.
func (s *Store) Reset() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}

	s.resetLocked()
	s.persistLocked()
	s.unlockAndNotify(CauseReset)
}

// Purge resets the draft like Reset but deletes the saved snapshot
// instead of overwriting it with the defaults.
func (s *Store) Purge() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}

	s.resetLocked()

	err := s.adapter.Clear(s.key)
	if err != nil {
		s.logger.Warn("removing saved draft", slog.String("key", s.key), slog.String("error", err.Error()))
	}

	s.draft.StorageError = storage.Warning(err)
	s.unlockAndNotify(CauseReset)
}

func (s *Store) resetLocked() {
	s.draft.Fields = s.defaults.Clone()
	s.draft.DraftID = ""
	s.draft.LastSyncedAt = time.Time{}
	s.draft.Status = models.StatusIdle
	s.epoch++
	s.seq++
}

// Hydrate loads the saved draft over the defaults. An unreadable,
// negative-version or newer-version snapshot is ignored with a warning
// and the in-memory draft is kept.
func (s *Store) Hydrate() {
	env, err := s.adapter.Load(s.key)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}

	s.draft.Hydrated = true

	switch {
	case err != nil:
		s.draft.StorageError = loadWarning(err)
		s.logger.Warn("saved draft ignored", slog.String("key", s.key), slog.String("error", err.Error()))
	case env == nil:
		s.applyLocked(models.EnvelopeState{})
	case env.Version < 0:
		s.draft.StorageError = storage.WarnCorrupt
		s.logger.Warn("saved draft has invalid version",
			slog.String("key", s.key),
			slog.Int("version", env.Version),
		)
	case env.Version > models.EnvelopeVersion:
		s.draft.StorageError = storage.WarnVersion
		s.logger.Warn("saved draft has unknown version",
			slog.String("key", s.key),
			slog.Int("version", env.Version),
		)
	default:
		state := migrate(env)
		s.applyLocked(state)

		if env.Version < models.EnvelopeVersion {
			s.logger.Info("migrated saved draft",
				slog.Int("from", env.Version),
				slog.Int("to", models.EnvelopeVersion),
			)
			s.persistLocked()
		}
	}

	s.unlockAndNotify(CauseHydrate)
}

// Dispose detaches the store from storage and drops all listeners.
// Later mutations are ignored.
func (s *Store) Dispose() {
	s.mu.Lock()
	s.disposed = true
	s.subs = make(map[int]Listener)
	cancel := s.cancelExternal
	s.cancelExternal = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// BeginSync marks the draft as syncing and returns the content to send
// along with its revision.
func (s *Store) BeginSync() (models.Draft, Revision) {
	s.mu.Lock()
	rev := Revision{epoch: s.epoch, seq: s.seq}
	s.draft.Status = models.StatusSyncing
	d := s.copyLocked()
	s.unlockAndNotify(CauseSync)

	return d, rev
}

// CompleteSync records an accepted write. The draft becomes synced only
// if it was not edited while the call was in flight.
func (s *Store) CompleteSync(rev Revision, draftID string, serverTime time.Time) models.SyncStatus {
	return s.finishSync(rev, func() {
		s.draft.DraftID = draftID
		s.draft.LastSyncedAt = serverTime
	}, models.StatusSynced)
}

// AdoptServerTime records a rejected write: the server's timestamp is
// taken as the last sync time so the next write is not rejected again.
func (s *Store) AdoptServerTime(rev Revision, serverTime time.Time) models.SyncStatus {
	return s.finishSync(rev, func() {
		s.draft.LastSyncedAt = serverTime
	}, models.StatusSynced)
}

// FailSync records a failed call.
func (s *Store) FailSync(rev Revision) models.SyncStatus {
	return s.finishSync(rev, func() {}, models.StatusError)
}

func (s *Store) finishSync(rev Revision, apply func(), status models.SyncStatus) models.SyncStatus {
	s.mu.Lock()
	if s.disposed || rev.epoch != s.epoch {
		// The draft was reset or replaced while the call was in flight.
		if !s.disposed && s.draft.Status == models.StatusSyncing {
			s.draft.Status = models.StatusIdle
		}

		current := s.draft.Status
		s.mu.Unlock()

		return current
	}

	apply()

	if rev.seq == s.seq {
		s.draft.Status = status
	} else {
		s.draft.Status = models.StatusIdle
	}

	s.persistLocked()
	current := s.draft.Status
	s.unlockAndNotify(CauseSync)

	return current
}

func (s *Store) applyLocked(state models.EnvelopeState) {
	fields := s.defaults.Clone()
	fields.Merge(state.PropertyData)

	id := ""
	if state.DraftID != nil {
		id = *state.DraftID
	}

	if id != s.draft.DraftID {
		s.epoch++
	}

	var synced time.Time
	if state.LastSyncedAt != nil {
		t, err := models.ParseTime(*state.LastSyncedAt)
		if err != nil {
			s.logger.Warn("saved draft has bad sync time", slog.String("value", *state.LastSyncedAt))
		} else {
			synced = t
		}
	}

	s.draft.Fields = fields
	s.draft.DraftID = id
	s.draft.LastSyncedAt = synced
	s.draft.StorageError = ""
	s.seq++
}

func (s *Store) persistLocked() {
	state := models.EnvelopeState{PropertyData: s.draft.Fields}

	if s.draft.DraftID != "" {
		id := s.draft.DraftID
		state.DraftID = &id
	}

	if !s.draft.LastSyncedAt.IsZero() {
		ts := models.FormatTime(s.draft.LastSyncedAt)
		state.LastSyncedAt = &ts
	}

	err := s.adapter.Save(s.key, models.Envelope{State: state, Version: models.EnvelopeVersion})
	s.draft.StorageError = storage.Warning(err)
}

func (s *Store) copyLocked() models.Draft {
	d := s.draft
	d.Fields = s.draft.Fields.Clone()

	return d
}

// unlockAndNotify releases s.mu and delivers the change to listeners.
func (s *Store) unlockAndNotify(cause Cause) {
	d := s.copyLocked()

	fns := make([]Listener, 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(d, cause)
	}
}

// migrate upgrades an envelope to the current version. Version 0 only
// carried the field map.
func migrate(env *models.Envelope) models.EnvelopeState {
	if env.Version == 0 {
		return models.EnvelopeState{PropertyData: env.State.PropertyData}
	}

	return env.State
}

func loadWarning(err error) string {
	var decErr *storage.DecodeError
	if errors.As(err, &decErr) {
		return storage.WarnCorrupt
	}

	return storage.WarnRead
}
