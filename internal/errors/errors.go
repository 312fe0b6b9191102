package errors

import "errors"

// Client errors.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrDraftNotFound      = errors.New("draft not found")
	ErrForbidden          = errors.New("draft belongs to another account")
	ErrInvalidRequest     = errors.New("invalid sync request")
)

// Local storage errors.
var (
	ErrKeyNotFound   = errors.New("storage key not found")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Persistence errors.
var (
	// ErrStaleWrite is returned by a repository when a conditional update
	// finds the record changed since it was read.
	ErrStaleWrite = errors.New("draft changed since it was read")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
