// Package models defines types shared across internal packages.
package models

import (
	"time"
)

// SyncStatus is the background sync state of a draft.
type SyncStatus string

const (
	StatusIdle    SyncStatus = "idle"
	StatusSyncing SyncStatus = "syncing"
	StatusSynced  SyncStatus = "synced"
	StatusError   SyncStatus = "error"
)

// Well-known field names. Fields is an open map; these are the keys the
// client itself reads or writes.
const (
	FieldTitle      = "title"
	FieldImages     = "images"
	FieldStyle      = "style"
	FieldTypography = "typography"
)

// Fields holds wizard-collected property attributes keyed by field name.
// Values are JSON scalars or arrays.
type Fields map[string]any

// Clone returns a copy of f. Top-level slices are copied so callers can
// append to them without aliasing the original.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}

	out := make(Fields, len(f))
	for k, v := range f {
		switch vv := v.(type) {
		case []any:
			out[k] = append([]any(nil), vv...)
		case []string:
			out[k] = append([]string(nil), vv...)
		default:
			out[k] = v
		}
	}

	return out
}

// Merge shallow-merges partial into f. Keys absent from partial keep
// their current value.
func (f Fields) Merge(partial Fields) {
	for k, v := range partial {
		f[k] = v
	}
}

// Strings reads key as a list of strings, accepting both []string and
// the []any shape produced by JSON decoding. Non-string entries are skipped.
func (f Fields) Strings(key string) []string {
	switch v := f[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}

		return out
	default:
		return nil
	}
}

// Draft is the in-progress wizard state for one listing.
type Draft struct {
	// DraftID is empty until the first successful server write.
	DraftID string
	Fields  Fields
	// LastSyncedAt is the zero time when the draft was never synced.
	LastSyncedAt time.Time
	Status       SyncStatus
	// StorageError is a user-facing warning set when the local snapshot
	// could not be written or read. Empty when storage is healthy.
	StorageError string
	Hydrated     bool
}

// Record is the server-side copy of a draft.
type Record struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Fields    Fields    `json:"fields"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
