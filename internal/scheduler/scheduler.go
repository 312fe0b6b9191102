// Package scheduler pushes the draft to the server in the background. It
// debounces user edits, keeps at most one call in flight and retries a
// failed sync when connectivity returns.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cyruslayo/buildr/internal/draft"
	"github.com/cyruslayo/buildr/internal/models"
)

const (
	DefaultDebounce = 500 * time.Millisecond
	DefaultTimeout  = 30 * time.Second
)

//go:generate mockgen -source=scheduler.go -destination=mock_syncer_test.go -package=scheduler

// Syncer sends one draft snapshot to the server. A conflict is reported
// in the result, not as an error.
type Syncer interface {
	UpdatePropertyDraft(ctx context.Context, req models.SyncRequest) (models.SyncResult, error)
}

// OnlineSource notifies when the host regains connectivity.
type OnlineSource interface {
	OnOnline(fn func()) (cancel func())
}

// Options tunes a Scheduler. Zero values take the defaults.
type Options struct {
	Debounce time.Duration
	Timeout  time.Duration
}

// Scheduler owns one pending timer and one in-flight flag for a store.
type Scheduler struct {
	store    *draft.Store
	syncer   Syncer
	logger   *slog.Logger
	debounce time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	timerGen uint64
	inFlight bool
	rerun    bool
	closed   bool
	// retryOnError is set when connectivity returns mid-flight.
	retryOnError bool
	waiters      []chan struct{}
	flights      sync.WaitGroup

	cancelStore  func()
	cancelOnline func()
}

// New attaches a scheduler to store. Every user edit schedules a sync;
// hydration and reset never do. online may be nil.
func New(store *draft.Store, syncer Syncer, online OnlineSource, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	s := &Scheduler{
		store:    store,
		syncer:   syncer,
		logger:   logger,
		debounce: opts.Debounce,
		timeout:  opts.Timeout,
	}

	s.cancelStore = store.Subscribe(func(_ models.Draft, cause draft.Cause) {
		if cause == draft.CauseUser {
			s.Schedule()
		}
	})

	if online != nil {
		s.cancelOnline = online.OnOnline(s.handleOnline)
	}

	return s
}

// Schedule (re)starts the debounce timer.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.stopTimerLocked()

	gen := s.timerGen
	s.timer = time.AfterFunc(s.debounce, func() { s.fire(gen) })
}

// CancelPending drops the pending timer and any sync queued behind the
// in-flight call. The in-flight call itself is not affected.
func (s *Scheduler) CancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimerLocked()
	s.rerun = false
	s.retryOnError = false
	s.notifyIdleLocked()
}

// SyncNow skips the debounce and syncs immediately, or right after the
// current call if one is in flight.
func (s *Scheduler) SyncNow() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.stopTimerLocked()
	s.startLocked()
}

// Flush syncs any pending edit now and waits until nothing is pending or
// in flight.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil && !s.closed {
		s.stopTimerLocked()
		s.startLocked()
	}

	if !s.busyLocked() {
		s.mu.Unlock()
		return nil
	}

	done := make(chan struct{})
	s.waiters = append(s.waiters, done)
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the pending timer and waits for the in-flight call.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	s.closed = true
	s.stopTimerLocked()
	s.mu.Unlock()

	s.cancelStore()

	if s.cancelOnline != nil {
		s.cancelOnline()
	}

	s.flights.Wait()

	s.mu.Lock()
	s.notifyIdleLocked()
	s.mu.Unlock()
}

// fire runs on the timer goroutine. A timer stopped after it already
// fired carries a stale generation and is ignored.
func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.timerGen || s.closed {
		return
	}

	s.timer = nil
	s.startLocked()
}

// startLocked begins a flight, or queues one behind the current flight.
func (s *Scheduler) startLocked() {
	if s.inFlight {
		s.rerun = true
		return
	}

	s.inFlight = true
	s.flights.Add(1)

	go s.run()
}

func (s *Scheduler) run() {
	defer s.flights.Done()

	for {
		status := s.syncOnce()

		s.mu.Lock()
		retry := s.retryOnError && status == models.StatusError
		s.retryOnError = false

		if (s.rerun || retry) && !s.closed {
			s.rerun = false
			s.mu.Unlock()

			if retry {
				s.logger.Info("back online, retrying draft sync")
			}

			continue
		}

		s.rerun = false
		s.inFlight = false
		s.notifyIdleLocked()
		s.mu.Unlock()

		return
	}
}

// syncOnce sends one snapshot and returns the resulting status.
func (s *Scheduler) syncOnce() models.SyncStatus {
	d, rev := s.store.BeginSync()

	req := models.SyncRequest{
		LastModified: models.FormatTime(d.LastSyncedAt),
		PropertyData: d.Fields,
	}
	if d.DraftID != "" {
		id := d.DraftID
		req.DraftID = &id
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.syncer.UpdatePropertyDraft(ctx, req)

	var status models.SyncStatus

	switch {
	case err != nil:
		status = s.store.FailSync(rev)
		s.logger.Warn("draft sync failed",
			slog.String("error", err.Error()),
			slog.String("status", string(status)),
		)
	case res.Conflict:
		status = s.store.AdoptServerTime(rev, res.ServerTimestamp)
		s.logger.Info("draft sync rejected as stale, adopted server time",
			slog.String("draft_id", d.DraftID),
			slog.String("server_time", models.FormatTime(res.ServerTimestamp)),
			slog.String("status", string(status)),
		)
	default:
		status = s.store.CompleteSync(rev, res.DraftID, res.ServerTimestamp)
		s.logger.Debug("draft synced",
			slog.String("draft_id", res.DraftID),
			slog.Duration("took", time.Since(start)),
			slog.String("status", string(status)),
		)
	}

	return status
}

// handleOnline retries a failed sync. When a call is in flight the retry
// is deferred until it finishes and only happens if it failed.
func (s *Scheduler) handleOnline() {
	s.mu.Lock()
	if s.inFlight {
		s.retryOnError = !s.closed
		s.mu.Unlock()

		return
	}
	s.mu.Unlock()

	if s.store.Snapshot().Status != models.StatusError {
		return
	}

	s.logger.Info("back online, retrying draft sync")
	s.SyncNow()
}

func (s *Scheduler) stopTimerLocked() {
	s.timerGen++

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) busyLocked() bool {
	return s.timer != nil || s.inFlight
}

func (s *Scheduler) notifyIdleLocked() {
	if s.busyLocked() {
		return
	}

	for _, w := range s.waiters {
		close(w)
	}

	s.waiters = nil
}
