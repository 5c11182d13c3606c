package timer

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSessionExpires(t *testing.T) {
	d, role, err := ParseSessionExpires("1800")
	require.NoError(t, err)
	assert.Equal(t, 1800*time.Second, d)
	assert.Equal(t, RefresherUAC, role)

	d, role, err = ParseSessionExpires("90;refresher=uas")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
	assert.Equal(t, RefresherUAS, role)

	d, role, err = ParseSessionExpires(" 600 ; refresher=UAC ")
	require.NoError(t, err)
	assert.Equal(t, 600*time.Second, d)
	assert.Equal(t, RefresherUAC, role)

	_, _, err = ParseSessionExpires("soon")
	assert.Error(t, err)
}

func TestNegotiateExpires(t *testing.T) {
	assert.Equal(t, DefaultSessionExpires, NegotiateExpires(0))
	assert.Equal(t, MinSessionExpires, NegotiateExpires(10*time.Second))
	assert.Equal(t, 600*time.Second, NegotiateExpires(600*time.Second))
}

func TestFormatSessionExpires(t *testing.T) {
	assert.Equal(t, "1800;refresher=uac", FormatSessionExpires(1800*time.Second, RefresherUAC))
	assert.Equal(t, "90;refresher=uas", FormatSessionExpires(90*time.Second, RefresherUAS))
}

func TestRefreshFiresAtHalfInterval(t *testing.T) {
	s := NewSessionTimers()

	var count atomic.Int32
	s.Start("call-1", 40*time.Millisecond, RefresherUAC, func(id string) error {
		assert.Equal(t, "call-1", id)
		count.Add(1)
		return nil
	})

	// Firing every 20ms; expect several refreshes.
	time.Sleep(130 * time.Millisecond)
	s.Cancel("call-1")

	n := count.Load()
	assert.GreaterOrEqual(t, n, int32(3))
	assert.LessOrEqual(t, n, int32(8))
}

func TestStartReplacesPriorEntry(t *testing.T) {
	s := NewSessionTimers()

	var first, second atomic.Int32
	s.Start("call-2", 40*time.Millisecond, RefresherUAC, func(string) error {
		first.Add(1)
		return nil
	})
	s.Start("call-2", 60*time.Millisecond, RefresherUAS, func(string) error {
		second.Add(1)
		return nil
	})

	assert.Equal(t, 1, s.Active())
	entry, ok := s.Get("call-2")
	require.True(t, ok)
	assert.Equal(t, 60*time.Millisecond, entry.Expires)
	assert.Equal(t, RefresherUAS, entry.Role)

	time.Sleep(100 * time.Millisecond)
	s.Cancel("call-2")

	assert.Equal(t, int32(0), first.Load(), "replaced entry kept firing")
	assert.GreaterOrEqual(t, second.Load(), int32(1))
}

func TestRefreshErrorStopsLoop(t *testing.T) {
	s := NewSessionTimers()

	var count atomic.Int32
	s.Start("call-3", 20*time.Millisecond, RefresherUAC, func(string) error {
		count.Add(1)
		return errors.New("refresh path broken")
	})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load(), "loop retried a failing refresh")
	assert.Equal(t, 0, s.Active())
}

func TestCancelStopsRefreshing(t *testing.T) {
	s := NewSessionTimers()

	var count atomic.Int32
	s.Start("call-4", 200*time.Millisecond, RefresherUAC, func(string) error {
		count.Add(1)
		return nil
	})
	s.Cancel("call-4")
	s.Cancel("call-4")
	s.Cancel("unknown")

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())
	assert.Equal(t, 0, s.Active())
}

func TestCancelJoinsInFlightRefresh(t *testing.T) {
	s := NewSessionTimers()

	entered := make(chan struct{})
	release := make(chan struct{})
	var count atomic.Int32
	s.Start("call-5", 40*time.Millisecond, RefresherUAC, func(string) error {
		if count.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	})

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("refresh never fired")
	}

	cancelled := make(chan struct{})
	go func() {
		s.Cancel("call-5")
		close(cancelled)
	}()

	// Cancel must not return while the refresh is still running.
	select {
	case <-cancelled:
		t.Fatal("Cancel returned before the refresh completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("Cancel never returned after the refresh completed")
	}

	// The loop is gone: no refresh fires after Cancel has returned.
	settled := count.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, count.Load())
	assert.Equal(t, 0, s.Active())
}
