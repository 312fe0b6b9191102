package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	apperrors "github.com/cyruslayo/buildr/internal/errors"
	"github.com/cyruslayo/buildr/internal/models"
)

// Warning messages surfaced to the user. The draft stays usable in
// memory in every case.
const (
	WarnQuota   = "Local storage is full. Your latest changes may not survive a reload."
	WarnWrite   = "Your changes could not be saved on this device and may not survive a reload."
	WarnEncode  = "Some of your changes could not be saved on this device."
	WarnRead    = "The saved draft on this device could not be loaded."
	WarnCorrupt = "The saved draft on this device could not be read and was ignored."
	WarnVersion = "The saved draft on this device was created by a newer version and was ignored."
)

// Adapter reads and writes draft envelopes on a Backend.
type Adapter struct {
	backend Backend
	logger  *slog.Logger
}

// NewAdapter wraps backend.
func NewAdapter(backend Backend, logger *slog.Logger) *Adapter {
	return &Adapter{backend: backend, logger: logger}
}

// EncodeError reports a value that could not be serialized.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return "encoding draft: " + e.Err.Error() }
func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports a stored value that could not be parsed.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decoding draft: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// Load returns the envelope stored under key, or nil when nothing is
// stored. The envelope is returned at whatever version it was written
// with; migration is the caller's concern.
func (a *Adapter) Load(key string) (*models.Envelope, error) {
	data, err := a.backend.Read(key)
	if err != nil {
		if errors.Is(err, apperrors.ErrKeyNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("loading %s: %w", key, err)
	}

	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}

	return &env, nil
}

// Save writes env under key. Failures are logged and returned so the
// caller can surface them; they are never fatal.
func (a *Adapter) Save(key string, env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		a.logger.Warn("draft snapshot not encodable", slog.String("key", key), slog.String("error", err.Error()))
		return &EncodeError{Err: err}
	}

	if err := a.backend.Write(key, data); err != nil {
		a.logger.Warn("draft snapshot not written",
			slog.String("key", key),
			slog.Int("bytes", len(data)),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("saving %s: %w", key, err)
	}

	return nil
}

// Clear removes key.
func (a *Adapter) Clear(key string) error {
	if err := a.backend.Remove(key); err != nil {
		return fmt.Errorf("clearing %s: %w", key, err)
	}

	return nil
}

// OnExternalChange calls fn whenever another context writes key.
func (a *Adapter) OnExternalChange(key string, fn func()) (cancel func()) {
	return a.backend.Subscribe(func(changed string) {
		if changed == key {
			fn()
		}
	})
}

// Warning maps a storage failure to the message shown to the user.
func Warning(err error) string {
	if err == nil {
		return ""
	}

	var encErr *EncodeError

	var decErr *DecodeError

	switch {
	case errors.Is(err, apperrors.ErrQuotaExceeded):
		return WarnQuota
	case errors.As(err, &encErr):
		return WarnEncode
	case errors.As(err, &decErr):
		return WarnCorrupt
	default:
		return WarnWrite
	}
}
