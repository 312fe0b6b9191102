// Package reconcile applies client draft writes to the server copy. The
// last writer wins unless the server copy is newer than what the client
// last saw, in which case the write is rejected as a conflict.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	apperrors "github.com/cyruslayo/buildr/internal/errors"
	"github.com/cyruslayo/buildr/internal/models"
	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Repository stores draft records.
type Repository interface {
	// Get returns errors.ErrDraftNotFound for an unknown id.
	Get(ctx context.Context, id string) (*models.Record, error)
	Create(ctx context.Context, rec models.Record) error
	// Update overwrites rec only if the stored UpdatedAt still equals
	// prevUpdatedAt, returning errors.ErrStaleWrite otherwise.
	Update(ctx context.Context, rec models.Record, prevUpdatedAt time.Time) error
	ListByOwner(ctx context.Context, ownerID string) ([]models.Record, error)
}

// Notifier is told about every accepted write.
type Notifier interface {
	Publish(ctx context.Context, ownerID string, event models.FeedEvent)
}

// Options configures a Service.
type Options struct {
	// AllowedFields restricts stored field names. Empty keeps every field.
	AllowedFields []string
	Notifier      Notifier
	Metrics       *Metrics
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Service owns the reconciliation rule.
type Service struct {
	repo     Repository
	allowed  map[string]bool
	notifier Notifier
	metrics  *Metrics
	now      func() time.Time
	logger   *slog.Logger
	locks    *keyedMutex
}

// NewService creates a Service over repo.
func NewService(repo Repository, opts Options, logger *slog.Logger) *Service {
	s := &Service{
		repo:     repo,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		now:      opts.Now,
		logger:   logger,
		locks:    newKeyedMutex(),
	}

	if s.now == nil {
		s.now = time.Now
	}

	if len(opts.AllowedFields) > 0 {
		s.allowed = make(map[string]bool, len(opts.AllowedFields))
		for _, f := range opts.AllowedFields {
			s.allowed[f] = true
		}
	}

	return s
}

// UpdatePropertyDraft applies one client write for ownerID. A stale
// write yields a conflict response and a nil error; ownership failures
// return errors.ErrForbidden before any timestamp is compared.
func (s *Service) UpdatePropertyDraft(ctx context.Context, ownerID string, req models.SyncRequest) (models.SyncResponse, error) {
	start := time.Now()

	resp, outcome, err := s.reconcile(ctx, ownerID, req)
	s.metrics.observe(outcome, time.Since(start).Seconds())

	return resp, err
}

func (s *Service) reconcile(ctx context.Context, ownerID string, req models.SyncRequest) (models.SyncResponse, string, error) {
	if ownerID == "" {
		return models.SyncResponse{}, OutcomeForbidden, apperrors.ErrForbidden
	}

	lastModified, err := models.ParseTime(req.LastModified)
	if err != nil {
		return models.SyncResponse{}, OutcomeInvalid, fmt.Errorf("%w: %w", apperrors.ErrInvalidRequest, err)
	}

	fields, dropped := sanitizeFields(req.PropertyData, s.allowed)
	if len(dropped) > 0 {
		sort.Strings(dropped)
		s.logger.Debug("dropped unknown draft fields",
			slog.String("owner", ownerID),
			slog.Any("fields", dropped),
		)
	}

	if req.DraftID == nil || *req.DraftID == "" {
		return s.create(ctx, ownerID, fields)
	}

	id := *req.DraftID

	unlock := s.locks.lock(id)
	defer unlock()

	rec, err := s.repo.Get(ctx, id)
	if errors.Is(err, apperrors.ErrDraftNotFound) {
		s.logger.Info("sync for unknown draft, creating a new one",
			slog.String("owner", ownerID),
			slog.String("client_draft_id", id),
		)

		return s.create(ctx, ownerID, fields)
	}

	if err != nil {
		return models.SyncResponse{}, OutcomeError, fmt.Errorf("loading draft %s: %w", id, err)
	}

	if rec.OwnerID != ownerID {
		s.logger.Warn("sync rejected, draft owned by another account",
			slog.String("owner", ownerID),
			slog.String("draft_id", id),
		)

		return models.SyncResponse{}, OutcomeForbidden, apperrors.ErrForbidden
	}

	if rec.UpdatedAt.After(lastModified) {
		s.logConflict(rec, lastModified, fields)
		return conflictResponse(rec.UpdatedAt), OutcomeConflict, nil
	}

	next := *rec
	next.Fields = fields
	next.UpdatedAt = s.nextTimestamp(rec.UpdatedAt)

	if err := s.repo.Update(ctx, next, rec.UpdatedAt); err != nil {
		if errors.Is(err, apperrors.ErrStaleWrite) {
			// Another instance wrote between our read and update.
			current, getErr := s.repo.Get(ctx, id)
			if getErr != nil {
				return models.SyncResponse{}, OutcomeError, fmt.Errorf("reloading draft %s: %w", id, getErr)
			}

			return conflictResponse(current.UpdatedAt), OutcomeConflict, nil
		}

		return models.SyncResponse{}, OutcomeError, fmt.Errorf("updating draft %s: %w", id, err)
	}

	s.publish(ctx, next)

	return acceptedResponse(next), OutcomeAccepted, nil
}

func (s *Service) create(ctx context.Context, ownerID string, fields models.Fields) (models.SyncResponse, string, error) {
	now := s.nextTimestamp(time.Time{})

	rec := models.Record{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Fields:    fields,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Create(ctx, rec); err != nil {
		return models.SyncResponse{}, OutcomeError, fmt.Errorf("creating draft: %w", err)
	}

	s.logger.Info("draft created", slog.String("owner", ownerID), slog.String("draft_id", rec.ID))
	s.publish(ctx, rec)

	return acceptedResponse(rec), OutcomeCreated, nil
}

// Get returns one draft owned by ownerID.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*models.Record, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.OwnerID != ownerID {
		return nil, apperrors.ErrForbidden
	}

	return rec, nil
}

// List returns every draft owned by ownerID, most recently updated first.
func (s *Service) List(ctx context.Context, ownerID string) ([]models.Record, error) {
	recs, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing drafts: %w", err)
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].UpdatedAt.After(recs[j].UpdatedAt)
	})

	return recs, nil
}

// nextTimestamp returns the current time at millisecond precision,
// bumped past prev so every write gets a strictly greater stamp.
func (s *Service) nextTimestamp(prev time.Time) time.Time {
	now := s.now().UTC().Truncate(time.Millisecond)
	if !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}

	return now
}

func (s *Service) publish(ctx context.Context, rec models.Record) {
	if s.notifier == nil {
		return
	}

	s.notifier.Publish(ctx, rec.OwnerID, models.FeedEvent{
		Op:        models.FeedOpDraftUpdated,
		DraftID:   rec.ID,
		UpdatedAt: models.FormatTime(rec.UpdatedAt),
	})
}

// logConflict records what the rejected write would have changed.
func (s *Service) logConflict(rec *models.Record, lastModified time.Time, incoming models.Fields) {
	if !s.logger.Enabled(context.Background(), slog.LevelDebug) {
		s.logger.Info("stale draft write rejected",
			slog.String("draft_id", rec.ID),
			slog.String("server_time", models.FormatTime(rec.UpdatedAt)),
			slog.String("client_time", models.FormatTime(lastModified)),
		)

		return
	}

	s.logger.Debug("stale draft write rejected",
		slog.String("draft_id", rec.ID),
		slog.String("server_time", models.FormatTime(rec.UpdatedAt)),
		slog.String("client_time", models.FormatTime(lastModified)),
		slog.String("rejected_delta", fieldsPatch(rec.Fields, incoming)),
	)
}

// fieldsPatch renders the difference between two field sets as a
// unified-style patch over their indented JSON.
func fieldsPatch(from, to models.Fields) string {
	a, _ := json.MarshalIndent(from, "", "  ")
	b, _ := json.MarshalIndent(to, "", "  ")

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(a), string(b), false)

	return dmp.PatchToText(dmp.PatchMake(string(a), diffs))
}

func acceptedResponse(rec models.Record) models.SyncResponse {
	return models.SyncResponse{
		Success:    true,
		PropertyID: rec.ID,
		UpdatedAt:  models.FormatTime(rec.UpdatedAt),
	}
}

func conflictResponse(serverTime time.Time) models.SyncResponse {
	return models.SyncResponse{
		Success:    false,
		Error:      models.ErrorConflict,
		ServerData: &models.ServerData{UpdatedAt: models.FormatTime(serverTime)},
	}
}
