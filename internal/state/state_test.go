package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/cyruslayo/buildr/internal/errors"
	"github.com/cyruslayo/buildr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var ctx = context.Background()

func testRecord(id, owner string, at time.Time) models.Record {
	return models.Record{
		ID:        id,
		OwnerID:   owner,
		Fields:    models.Fields{"title": "Draft " + id, "amenities": []any{"pool"}},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "drafts.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "drafts.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Create(ctx, testRecord("d-1", "ada", t0)))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	rec, err := s2.Get(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, "ada", rec.OwnerID)
}

func TestLoadAt_RejectsUnknownSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "drafts.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(appBucket)
		if err != nil {
			return err
		}
		return b.Put(schemaKey, []byte("99"))
	}))
	require.NoError(t, db.Close())

	_, err = LoadAt(dbPath)
	assert.ErrorContains(t, err, "unsupported schema version 99")
}

// --- Get / Create ---

func TestGet_NotFound(t *testing.T) {
	s := testDB(t)

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, apperrors.ErrDraftNotFound)
}

func TestCreate_RoundTrip(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Create(ctx, testRecord("d-1", "ada", t0)))

	rec, err := s.Get(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, "Draft d-1", rec.Fields["title"])
	assert.Equal(t, []any{"pool"}, rec.Fields["amenities"])
	assert.True(t, t0.Equal(rec.UpdatedAt))
	assert.Equal(t, 1, s.DraftCount())
}

func TestCreate_DuplicateID(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Create(ctx, testRecord("d-1", "ada", t0)))

	err := s.Create(ctx, testRecord("d-1", "bola", t0))
	assert.ErrorContains(t, err, "already exists")
}

// --- Update ---

func TestUpdate_Conditional(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Create(ctx, testRecord("d-1", "ada", t0)))

	next := testRecord("d-1", "ada", t0)
	next.Fields = models.Fields{"title": "Renamed"}
	next.UpdatedAt = t0.Add(time.Second)

	require.NoError(t, s.Update(ctx, next, t0))

	rec, err := s.Get(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", rec.Fields["title"])
	assert.True(t, next.UpdatedAt.Equal(rec.UpdatedAt))

	// A second writer that read the old stamp loses.
	stale := next
	stale.UpdatedAt = t0.Add(2 * time.Second)
	assert.ErrorIs(t, s.Update(ctx, stale, t0), apperrors.ErrStaleWrite)
}

func TestUpdate_Missing(t *testing.T) {
	s := testDB(t)
	assert.ErrorIs(t, s.Update(ctx, testRecord("d-9", "ada", t0), t0), apperrors.ErrDraftNotFound)
}

func TestUpdate_OwnerCannotChange(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Create(ctx, testRecord("d-1", "ada", t0)))

	assert.ErrorIs(t, s.Update(ctx, testRecord("d-1", "bola", t0), t0), apperrors.ErrForbidden)
}

// --- ListByOwner / Delete ---

func TestListByOwner(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Create(ctx, testRecord("d-1", "ada", t0)))
	require.NoError(t, s.Create(ctx, testRecord("d-2", "ada", t0)))
	require.NoError(t, s.Create(ctx, testRecord("d-3", "bola", t0)))

	ada, err := s.ListByOwner(ctx, "ada")
	require.NoError(t, err)
	require.Len(t, ada, 2)
	assert.Equal(t, "d-1", ada[0].ID)
	assert.Equal(t, "d-2", ada[1].ID)

	none, err := s.ListByOwner(ctx, "chidi")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDelete(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Create(ctx, testRecord("d-1", "ada", t0)))
	require.NoError(t, s.Delete(ctx, "d-1"))
	require.NoError(t, s.Delete(ctx, "d-1"), "deleting twice is not an error")

	_, err := s.Get(ctx, "d-1")
	assert.ErrorIs(t, err, apperrors.ErrDraftNotFound)

	list, err := s.ListByOwner(ctx, "ada")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 0, s.DraftCount())
}
