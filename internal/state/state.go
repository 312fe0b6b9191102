// Package state stores server-side draft records in a bbolt database.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/cyruslayo/buildr/internal/errors"
	"github.com/cyruslayo/buildr/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the database directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	schemaVersion = "1"
)

var (
	appBucket    = []byte("app")
	schemaKey    = []byte("schema")
	draftsBucket = []byte("drafts")
)

// ownerBucket indexes draft ids by owner. Values are empty.
func ownerBucket(ownerID string) []byte {
	return []byte("owner:" + ownerID)
}

// State wraps a bbolt database holding draft records.
type State struct {
	db *bolt.DB
}

// Load opens the database at ~/.buildr/drafts.db.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a database at the given path, creating it if it does not
// exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		app, err := tx.CreateBucketIfNotExists(appBucket)
		if err != nil {
			return err
		}

		if v := app.Get(schemaKey); v != nil && string(v) != schemaVersion {
			return fmt.Errorf("unsupported schema version %s", v)
		}

		if err := app.Put(schemaKey, []byte(schemaVersion)); err != nil {
			return err
		}

		_, err = tx.CreateBucketIfNotExists(draftsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Get returns the draft with the given id.
func (s *State) Get(_ context.Context, id string) (*models.Record, error) {
	var rec *models.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(draftsBucket).Get([]byte(id))
		if v == nil {
			return apperrors.ErrDraftNotFound
		}

		rec = &models.Record{}

		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// Create stores a new draft. The id must not be in use.
func (s *State) Create(_ context.Context, rec models.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(draftsBucket)
		if b.Get([]byte(rec.ID)) != nil {
			return fmt.Errorf("draft %s already exists", rec.ID)
		}

		return putRecord(tx, rec)
	})
}

// Update overwrites a draft if its stored UpdatedAt still equals
// prevUpdatedAt.
func (s *State) Update(_ context.Context, rec models.Record, prevUpdatedAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		v := tx.Bucket(draftsBucket).Get([]byte(rec.ID))
		if v == nil {
			return apperrors.ErrDraftNotFound
		}

		var current models.Record
		if err := json.Unmarshal(v, &current); err != nil {
			return err
		}

		if !current.UpdatedAt.Equal(prevUpdatedAt) {
			return apperrors.ErrStaleWrite
		}

		if current.OwnerID != rec.OwnerID {
			return apperrors.ErrForbidden
		}

		return putRecord(tx, rec)
	})
}

// Delete removes a draft and its owner index entry.
func (s *State) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(draftsBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		var rec models.Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		if ob := tx.Bucket(ownerBucket(rec.OwnerID)); ob != nil {
			if err := ob.Delete([]byte(id)); err != nil {
				return err
			}
		}

		return b.Delete([]byte(id))
	})
}

// ListByOwner returns every draft owned by ownerID in id order.
func (s *State) ListByOwner(_ context.Context, ownerID string) ([]models.Record, error) {
	var out []models.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		ob := tx.Bucket(ownerBucket(ownerID))
		if ob == nil {
			return nil
		}

		drafts := tx.Bucket(draftsBucket)

		return ob.ForEach(func(k, _ []byte) error {
			v := drafts.Get(k)
			if v == nil {
				return nil
			}

			var rec models.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding draft %s: %w", k, err)
			}

			out = append(out, rec)

			return nil
		})
	})

	return out, err
}

// DraftCount returns the number of stored drafts.
func (s *State) DraftCount() int {
	var count int

	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(draftsBucket).Stats().KeyN
		return nil
	})

	return count
}

func putRecord(tx *bolt.Tx, rec models.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if err := tx.Bucket(draftsBucket).Put([]byte(rec.ID), data); err != nil {
		return err
	}

	ob, err := tx.CreateBucketIfNotExists(ownerBucket(rec.OwnerID))
	if err != nil {
		return err
	}

	return ob.Put([]byte(rec.ID), []byte{})
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".buildr", "drafts.db")
}
