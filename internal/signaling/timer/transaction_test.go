package timer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastConfig shrinks T1 so the full retransmission schedule runs in
// well under a second.
func fastConfig() TransactionConfig {
	return TransactionConfig{
		T1:     10 * time.Millisecond,
		T2:     40 * time.Millisecond,
		TimerF: 50 * time.Millisecond,
	}
}

func TestInviteRetransmitIntervalsDoubleAndCap(t *testing.T) {
	m := NewTransactionTimers(fastConfig())

	var mu sync.Mutex
	var fireTimes []time.Time
	timedOut := make(chan struct{})

	start := time.Now()
	m.StartInvite("tx-1", func() {
		mu.Lock()
		fireTimes = append(fireTimes, time.Now())
		mu.Unlock()
	}, func() {
		close(timedOut)
	})

	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("Timer B never fired")
	}

	// Timer B fires at 64*T1 = 640ms.
	elapsed := time.Since(start)
	assert.InDelta(t, (64 * 10 * time.Millisecond).Seconds(), elapsed.Seconds(), 0.2)

	mu.Lock()
	defer mu.Unlock()
	// Schedule: 10, 20, 40, 40, ... up to 640ms total. At least the first
	// doubling steps must have fired.
	require.GreaterOrEqual(t, len(fireTimes), 5)

	// Intervals between successive firings never shrink beyond jitter and
	// never exceed T2 by much.
	prev := start
	var lastGap time.Duration
	for i, ft := range fireTimes {
		gap := ft.Sub(prev)
		if i > 0 {
			assert.GreaterOrEqual(t, gap, lastGap-5*time.Millisecond,
				"retransmit interval shrank at firing %d", i)
		}
		assert.Less(t, gap, 40*time.Millisecond+30*time.Millisecond)
		lastGap = gap
		prev = ft
	}

	assert.Equal(t, 0, m.Active())
}

func TestProvisionalStopsRetransmission(t *testing.T) {
	m := NewTransactionTimers(fastConfig())

	fired := make(chan struct{}, 64)
	tx := m.StartInvite("tx-2", func() {
		fired <- struct{}{}
	}, nil)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("first retransmission never fired")
	}

	m.OnProvisional("tx-2")
	assert.Equal(t, TxProceeding, tx.State())

	count := tx.Retransmits()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, count, tx.Retransmits(), "retransmission continued after 1xx")
}

func TestFinalResponseCancelsBothTimers(t *testing.T) {
	m := NewTransactionTimers(fastConfig())

	timedOut := make(chan struct{}, 1)
	tx := m.StartInvite("tx-3", nil, func() {
		timedOut <- struct{}{}
	})

	m.OnFinalResponse("tx-3")
	assert.Equal(t, TxTerminated, tx.State())
	assert.Equal(t, 0, m.Active())

	// Past 64*T1: the timeout callback must not fire.
	select {
	case <-timedOut:
		t.Fatal("Timer B fired after final response")
	case <-time.After(800 * time.Millisecond):
	}
}

func TestNonInviteTimerF(t *testing.T) {
	m := NewTransactionTimers(fastConfig())

	timedOut := make(chan struct{})
	tx := m.StartNonInvite("bye-1", 30*time.Millisecond, func() {
		close(timedOut)
	})

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("Timer F never fired")
	}
	assert.Equal(t, TxTerminated, tx.State())
	assert.Equal(t, 0, m.Active())
}

func TestNonInviteTerminateBeforeTimeout(t *testing.T) {
	m := NewTransactionTimers(fastConfig())

	timedOut := make(chan struct{}, 1)
	m.StartNonInvite("bye-2", 50*time.Millisecond, func() {
		timedOut <- struct{}{}
	})
	m.Terminate("bye-2")

	select {
	case <-timedOut:
		t.Fatal("Timer F fired after Terminate")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	m := NewTransactionTimers(fastConfig())

	tx := m.StartInvite("tx-4", nil, nil)
	m.Terminate("tx-4")
	m.Terminate("tx-4")
	m.Terminate("never-existed")

	assert.Equal(t, TxTerminated, tx.State())
	assert.Equal(t, 0, m.Active())
}

func TestTerminateJoinsInFlightRetransmit(t *testing.T) {
	m := NewTransactionTimers(fastConfig())

	entered := make(chan struct{})
	release := make(chan struct{})
	var count atomic.Int32
	m.StartInvite("tx-5", func() {
		if count.Add(1) == 1 {
			close(entered)
			<-release
		}
	}, nil)

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("retransmit never fired")
	}

	terminated := make(chan struct{})
	go func() {
		m.Terminate("tx-5")
		close(terminated)
	}()

	// Terminate must not return while the resend is still running.
	select {
	case <-terminated:
		t.Fatal("Terminate returned before the resend completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-terminated:
	case <-time.After(time.Second):
		t.Fatal("Terminate never returned after the resend completed")
	}

	// No resend starts once Terminate has returned.
	settled := count.Load()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, settled, count.Load())
}

func TestTimeoutCallbackMayTerminateOwnTransaction(t *testing.T) {
	m := NewTransactionTimers(fastConfig())

	done := make(chan struct{})
	m.StartNonInvite("bye-3", 20*time.Millisecond, func() {
		// Cleanup paths reached from the timeout re-terminate the same
		// transaction; that must not deadlock.
		m.Terminate("bye-3")
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout callback never completed")
	}
	assert.Equal(t, 0, m.Active())
}
