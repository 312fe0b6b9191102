package storage

import (
	"testing"
	"time"

	apperrors "github.com/cyruslayo/buildr/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SharedBetweenSessions(t *testing.T) {
	mem := NewMemory(0)
	a, b := mem.Session(), mem.Session()

	require.NoError(t, a.Write("k", []byte("hello")))

	data, err := b.Read("k")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestMemory_ReadMissing(t *testing.T) {
	_, err := NewMemory(0).Session().Read("k")
	assert.ErrorIs(t, err, apperrors.ErrKeyNotFound)
}

func TestMemory_ReadReturnsCopy(t *testing.T) {
	s := NewMemory(0).Session()
	require.NoError(t, s.Write("k", []byte("abc")))

	data, _ := s.Read("k")
	data[0] = 'z'

	again, _ := s.Read("k")
	assert.Equal(t, "abc", string(again))
}

func TestMemory_QuotaCountsAllKeys(t *testing.T) {
	mem := NewMemory(10)
	s := mem.Session()

	require.NoError(t, s.Write("a", []byte("12345")))
	require.NoError(t, s.Write("b", []byte("12345")))
	require.ErrorIs(t, s.Write("c", []byte("1")), apperrors.ErrQuotaExceeded)

	// Replacing a value only counts the difference.
	require.NoError(t, s.Write("a", []byte("54321")))
}

func TestMemory_SetQuota(t *testing.T) {
	mem := NewMemory(0)
	s := mem.Session()
	require.NoError(t, s.Write("a", []byte("12345")))

	mem.SetQuota(3)
	require.ErrorIs(t, s.Write("a", []byte("123456")), apperrors.ErrQuotaExceeded)

	mem.SetQuota(0)
	require.NoError(t, s.Write("a", []byte("123456")))
}

func TestMemory_NotifiesOtherSessionsOnly(t *testing.T) {
	mem := NewMemory(0)
	a, b := mem.Session(), mem.Session()

	var recA, recB keyRecorder
	defer a.Subscribe(recA.record)()
	defer b.Subscribe(recB.record)()

	require.NoError(t, a.Write("k", []byte("x")))

	assert.Eventually(t, func() bool { return recB.last() == "k" }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return recA.count() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestMemory_RemoveNotifiesWhenKeyExisted(t *testing.T) {
	mem := NewMemory(0)
	a, b := mem.Session(), mem.Session()

	var rec keyRecorder
	defer b.Subscribe(rec.record)()

	require.NoError(t, a.Remove("missing"))
	assert.Never(t, func() bool { return rec.count() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, a.Write("k", []byte("x")))
	require.NoError(t, a.Remove("k"))
	assert.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestMemory_ClosedSessionIsNotNotified(t *testing.T) {
	mem := NewMemory(0)
	a, b := mem.Session(), mem.Session()

	var rec keyRecorder
	b.Subscribe(rec.record)
	require.NoError(t, b.Close())

	require.NoError(t, a.Write("k", []byte("x")))
	assert.Never(t, func() bool { return rec.count() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}
