package operator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnknownUserIsAvailable(t *testing.T) {
	s := NewStore()

	assert.Equal(t, StatusAvailable, s.Get("1003"))
	assert.False(t, s.IsAway("1003"))
}

func TestAwaySendsCallsToMachine(t *testing.T) {
	s := NewStore()
	s.SetStatus("1003", StatusAway, "Back after lunch.")

	assert.True(t, s.IsAway("1003"))
	assert.Equal(t, "Back after lunch.", s.AwayMessage("1003"))
}

func TestOfflineCountsAsAway(t *testing.T) {
	s := NewStore()
	s.SetStatus("1003", StatusOffline, "")

	assert.True(t, s.IsAway("1003"))
}

func TestBusyDoesNotCountAsAway(t *testing.T) {
	s := NewStore()
	s.SetStatus("1003", StatusBusy, "")

	assert.False(t, s.IsAway("1003"))
}

func TestAwayMessageDefaultsWhenUnset(t *testing.T) {
	s := NewStore()
	s.SetStatus("1003", StatusAway, "")

	assert.Equal(t, DefaultAwayMessage, s.AwayMessage("1003"))
}

func TestReturningClearsAwayMessage(t *testing.T) {
	s := NewStore()
	s.SetStatus("1003", StatusAway, "Back soon.")
	s.SetStatus("1003", StatusAvailable, "")

	assert.False(t, s.IsAway("1003"))
	assert.Equal(t, DefaultAwayMessage, s.AwayMessage("1003"))

	info, ok := s.Snapshot("1003")
	require.True(t, ok)
	assert.Empty(t, info.AwayMessage)
}

func TestClearRestoresDefault(t *testing.T) {
	s := NewStore()
	s.SetStatus("1003", StatusAway, "")
	s.Clear("1003")

	assert.Equal(t, StatusAvailable, s.Get("1003"))
	_, ok := s.Snapshot("1003")
	assert.False(t, ok)
}
