// Package engine wires the client-side pieces around one property draft:
// local storage, the draft store, the sync scheduler and the connectivity
// monitor. An Engine is created, hydrated, mutated and finally closed.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cyruslayo/buildr/internal/connectivity"
	"github.com/cyruslayo/buildr/internal/draft"
	"github.com/cyruslayo/buildr/internal/models"
	"github.com/cyruslayo/buildr/internal/scheduler"
	"github.com/cyruslayo/buildr/internal/storage"
)

// DraftKey is the storage key of the persisted draft.
const DraftKey = "buildr.property-draft"

// Remote is the server side of the engine. *client.Client implements it.
type Remote interface {
	scheduler.Syncer
	FeedURL() string
	Token(ctx context.Context) (string, error)
}

// Options configures an Engine. Zero durations take package defaults.
type Options struct {
	Defaults     models.Fields
	Debounce     time.Duration
	Timeout      time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Engine owns the lifecycle of one draft.
type Engine struct {
	backend   storage.Backend
	store     *draft.Store
	scheduler *scheduler.Scheduler
	signal    *connectivity.Signal
	monitor   *connectivity.Monitor
	logger    *slog.Logger
}

// New builds an engine over backend and hydrates the saved draft. The
// engine takes ownership of backend and closes it in Close.
func New(backend storage.Backend, remote Remote, opts Options, logger *slog.Logger) *Engine {
	e := &Engine{
		backend: backend,
		signal:  connectivity.NewSignal(true),
		logger:  logger,
	}

	e.store = draft.New(storage.NewAdapter(backend, logger), DraftKey, opts.Defaults, logger)
	e.store.Hydrate()

	e.scheduler = scheduler.New(e.store, remote, e.signal, scheduler.Options{
		Debounce: opts.Debounce,
		Timeout:  opts.Timeout,
	}, logger)

	e.monitor = connectivity.NewMonitor(connectivity.MonitorConfig{
		URL:          remote.FeedURL(),
		Token:        remote.Token,
		ReconnectMin: opts.ReconnectMin,
		ReconnectMax: opts.ReconnectMax,
		OnEvent:      e.handleFeedEvent,
	}, e.signal, logger)

	if warn := e.store.StorageError(); warn != "" {
		logger.Warn("local draft storage degraded", slog.String("warning", warn))
	}

	return e
}

// Store exposes the draft store for reads and subscriptions.
func (e *Engine) Store() *draft.Store { return e.store }

// Online reports the last known connectivity state.
func (e *Engine) Online() bool { return e.signal.Online() }

// Draft returns a copy of the current draft.
func (e *Engine) Draft() models.Draft { return e.store.Snapshot() }

// Update merges partial into the draft and schedules a sync.
func (e *Engine) Update(partial models.Fields) {
	e.store.UpdateFields(partial)
}

// Reset clears the draft and drops any pending sync.
func (e *Engine) Reset() {
	e.scheduler.CancelPending()
	e.store.Reset()
}

// Purge clears the draft like Reset and deletes the saved snapshot.
func (e *Engine) Purge() {
	e.scheduler.CancelPending()
	e.store.Purge()
}

// SyncNow pushes the draft without waiting for the debounce.
func (e *Engine) SyncNow() {
	e.scheduler.SyncNow()
}

// Flush waits until no sync is pending or in flight.
func (e *Engine) Flush(ctx context.Context) error {
	return e.scheduler.Flush(ctx)
}

// Run keeps the change feed open until ctx is cancelled. Callers that do
// not need live connectivity can skip it.
func (e *Engine) Run(ctx context.Context) error {
	err := e.monitor.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// Close stops background work, detaches the store and closes storage.
func (e *Engine) Close() error {
	e.scheduler.Close()
	e.store.Dispose()

	return e.backend.Close()
}

// handleFeedEvent notes writes to the current draft made elsewhere. The
// local copy is not refreshed: a later local sync resolves the conflict
// in the server's favour.
func (e *Engine) handleFeedEvent(ev models.FeedEvent) {
	if ev.Op != models.FeedOpDraftUpdated {
		return
	}

	d := e.store.Snapshot()
	if d.DraftID == "" || ev.DraftID != d.DraftID {
		return
	}

	at, err := models.ParseTime(ev.UpdatedAt)
	if err != nil || !at.After(d.LastSyncedAt) {
		return
	}

	e.logger.Info("draft changed on another device",
		slog.String("draft_id", ev.DraftID),
		slog.String("updated_at", ev.UpdatedAt),
	)
}
