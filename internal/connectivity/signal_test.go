package connectivity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignal_NotifiesOnTransitionsOnly(t *testing.T) {
	s := NewSignal(true)

	var got []bool
	cancel := s.Subscribe(func(online bool) { got = append(got, online) })

	s.SetOnline(true)
	s.SetOnline(false)
	s.SetOnline(false)
	s.SetOnline(true)

	assert.Equal(t, []bool{false, true}, got)
	assert.True(t, s.Online())

	cancel()
	s.SetOnline(false)
	assert.Len(t, got, 2, "cancelled listener is not called")
}

func TestSignal_OnOnline(t *testing.T) {
	s := NewSignal(false)

	calls := 0
	s.OnOnline(func() { calls++ })

	s.SetOnline(true)
	s.SetOnline(false)
	s.SetOnline(true)

	assert.Equal(t, 2, calls)
}
