package storage

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	apperrors "github.com/cyruslayo/buildr/internal/errors"
	"github.com/cyruslayo/buildr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "buildr.property-draft"

func strPtr(s string) *string { return &s }

func TestAdapter_LoadMissingIsNil(t *testing.T) {
	a := NewAdapter(NewMemory(0).Session(), quietLogger)

	env, err := a.Load(testKey)
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestAdapter_SaveLoadRoundTrip(t *testing.T) {
	a := NewAdapter(NewMemory(0).Session(), quietLogger)

	in := models.Envelope{
		Version: models.EnvelopeVersion,
		State: models.EnvelopeState{
			PropertyData: models.Fields{"title": "Lekki Duplex"},
			DraftID:      strPtr("d-1"),
			LastSyncedAt: strPtr("2026-03-01T09:30:00.000Z"),
		},
	}
	require.NoError(t, a.Save(testKey, in))

	out, err := a.Load(testKey)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, 1, out.Version)
	assert.Equal(t, "Lekki Duplex", out.State.PropertyData["title"])
	assert.Equal(t, "d-1", *out.State.DraftID)
}

func TestAdapter_LoadVersionZeroShape(t *testing.T) {
	s := NewMemory(0).Session()
	require.NoError(t, s.Write(testKey, []byte(`{"state":{"propertyData":{"title":"Old"}}}`)))

	env, err := NewAdapter(s, quietLogger).Load(testKey)
	require.NoError(t, err)
	assert.Equal(t, 0, env.Version)
	assert.Equal(t, "Old", env.State.PropertyData["title"])
	assert.Nil(t, env.State.DraftID)
}

func TestAdapter_LoadCorrupt(t *testing.T) {
	s := NewMemory(0).Session()
	require.NoError(t, s.Write(testKey, []byte(`{not json`)))

	_, err := NewAdapter(s, quietLogger).Load(testKey)

	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, WarnCorrupt, Warning(err))
}

func TestAdapter_SaveQuotaExceeded(t *testing.T) {
	a := NewAdapter(NewMemory(16).Session(), quietLogger)

	err := a.Save(testKey, models.Envelope{State: models.EnvelopeState{PropertyData: models.Fields{"title": "a long enough title"}}})
	require.ErrorIs(t, err, apperrors.ErrQuotaExceeded)
	assert.Equal(t, WarnQuota, Warning(err))
}

func TestAdapter_SaveUnencodable(t *testing.T) {
	a := NewAdapter(NewMemory(0).Session(), quietLogger)

	err := a.Save(testKey, models.Envelope{State: models.EnvelopeState{PropertyData: models.Fields{"price": math.NaN()}}})

	var encErr *EncodeError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, WarnEncode, Warning(err))

	_, readErr := a.backend.Read(testKey)
	assert.ErrorIs(t, readErr, apperrors.ErrKeyNotFound)
}

func TestAdapter_Clear(t *testing.T) {
	a := NewAdapter(NewMemory(0).Session(), quietLogger)
	require.NoError(t, a.Save(testKey, models.Envelope{Version: 1}))
	require.NoError(t, a.Clear(testKey))

	env, err := a.Load(testKey)
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestAdapter_OnExternalChangeFiltersKey(t *testing.T) {
	mem := NewMemory(0)
	writer := NewAdapter(mem.Session(), quietLogger)
	reader := NewAdapter(mem.Session(), quietLogger)

	var rec keyRecorder
	cancel := reader.OnExternalChange(testKey, func() { rec.record(testKey) })
	defer cancel()

	require.NoError(t, writer.Save("other.key", models.Envelope{Version: 1}))
	assert.Never(t, func() bool { return rec.count() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, writer.Save(testKey, models.Envelope{Version: 1}))
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWarning(t *testing.T) {
	assert.Equal(t, "", Warning(nil))
	assert.Equal(t, WarnQuota, Warning(fmt.Errorf("wrapped: %w", apperrors.ErrQuotaExceeded)))
	assert.Equal(t, WarnWrite, Warning(errors.New("disk on fire")))
}
