// Package auth provides the identity layer for the draft API: bcrypt
// password checks, signed bearer tokens and the gin middleware that puts
// the authenticated owner on the request context.
package auth

import (
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/cyruslayo/buildr/internal/errors"
	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the username is unknown so that a
// miss costs the same as a wrong password.
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("buildr-unknown-user"), bcrypt.DefaultCost)
	return h
})

// Users maps usernames to bcrypt password hashes.
type Users map[string][]byte

// ParseUsers parses "name:hash,name:hash". Hashes must be bcrypt.
func ParseUsers(raw string) (Users, error) {
	users := make(Users)

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		name, hash, ok := strings.Cut(pair, ":")
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("invalid user entry %q: expected name:hash", pair)
		}

		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("user %s: password is not a bcrypt hash: %w", name, err)
		}

		if _, dup := users[name]; dup {
			return nil, fmt.Errorf("user %s listed twice", name)
		}

		users[name] = []byte(hash)
	}

	return users, nil
}

// Verify checks a username/password pair and returns
// errors.ErrInvalidCredentials on any mismatch.
func (u Users) Verify(username, password string) error {
	hash, ok := u[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return apperrors.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return apperrors.ErrInvalidCredentials
	}

	return nil
}

// HashPassword returns a bcrypt hash suitable for AUTH_USERS.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}

	return string(hash), nil
}
