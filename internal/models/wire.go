package models

import (
	"fmt"
	"time"
)

// TimeLayout renders timestamps the way browsers do (millisecond
// precision, UTC, trailing Z).
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// EpochSentinel is sent as lastModified by a client that never synced.
const EpochSentinel = "1970-01-01T00:00:00.000Z"

// ErrorConflict is the error code returned for stale writes.
const ErrorConflict = "CONFLICT"

// FormatTime renders t in TimeLayout. The zero time renders as the
// epoch sentinel.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return EpochSentinel
	}

	return t.UTC().Format(TimeLayout)
}

// ParseTime parses an ISO-8601 timestamp. The epoch sentinel parses to
// the zero time so "never synced" round-trips.
func ParseTime(s string) (time.Time, error) {
	if s == "" || s == EpochSentinel {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}

	if t.Equal(time.Unix(0, 0)) {
		return time.Time{}, nil
	}

	return t.UTC(), nil
}

// SyncRequest is the body of the draft sync call.
type SyncRequest struct {
	DraftID      *string `json:"draftId"`
	LastModified string  `json:"lastModified"`
	PropertyData Fields  `json:"propertyData"`
}

// SyncResponse is the body returned by the draft sync endpoint.
type SyncResponse struct {
	Success    bool        `json:"success"`
	PropertyID string      `json:"propertyId,omitempty"`
	UpdatedAt  string      `json:"updatedAt,omitempty"`
	Error      string      `json:"error,omitempty"`
	ServerData *ServerData `json:"serverData,omitempty"`
}

// ServerData carries the authoritative state returned with a conflict.
type ServerData struct {
	UpdatedAt string `json:"updatedAt"`
}

// SyncResult is the decoded outcome of a sync call as seen by the client.
// Failures are reported as errors, not results.
type SyncResult struct {
	Conflict        bool
	DraftID         string
	ServerTimestamp time.Time
}

// FeedEvent is pushed over the change feed when a draft is written.
type FeedEvent struct {
	Op        string `json:"op"`
	DraftID   string `json:"draftId,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// FeedOpDraftUpdated is the op of a FeedEvent announcing a draft write.
const FeedOpDraftUpdated = "draft.updated"
