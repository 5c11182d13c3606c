package dial

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyeon/voicegate/internal/signaling/call"
	"github.com/hyeon/voicegate/internal/signaling/timer"
)

// silentPeer binds a UDP socket that swallows everything it receives,
// standing in for a far end that never answers.
func silentPeer(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := conn.ReadFrom(buf); err != nil {
				return
			}
		}
	}()
	return conn.LocalAddr().String()
}

func newTestDialer(t *testing.T, timerF time.Duration) (*Dialer, *timer.TransactionTimers) {
	t.Helper()
	ua, err := sipgo.NewUA()
	require.NoError(t, err)
	t.Cleanup(func() { ua.Close() })
	client, err := sipgo.NewClient(ua)
	require.NoError(t, err)

	timers := timer.NewTransactionTimers(timer.TransactionConfig{
		T1:     10 * time.Millisecond,
		T2:     40 * time.Millisecond,
		TimerF: timerF,
	})
	d := NewDialer(Config{
		Client:        client,
		AdvertiseAddr: "127.0.0.1",
		Port:          5070,
		ContactUser:   "voicegate",
		Timers:        timers,
	})
	return d, timers
}

func TestSendBYEBoundedByTimerF(t *testing.T) {
	peer := silentPeer(t)
	d, timers := newTestDialer(t, 200*time.Millisecond)

	leg := &call.Leg{
		Direction:  call.DirectionOutgoing,
		SIPCallID:  "bye-timerf-1",
		LocalTag:   "local-1",
		RemoteTag:  "remote-1",
		RemoteURI:  fmt.Sprintf("sip:bob@%s", peer),
		RemoteAddr: peer,
		CSeq:       1,
	}

	start := time.Now()
	err := d.SendBYE(leg, "sip:voicegate@127.0.0.1:5070")
	elapsed := time.Since(start)

	require.NoError(t, err)
	// The wait ends on the Timer F schedule, not a longer flat bound.
	assert.Less(t, elapsed, 2*time.Second)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Equal(t, 0, timers.Active())
}

func TestSendRefreshBoundedByTimerF(t *testing.T) {
	peer := silentPeer(t)
	d, timers := newTestDialer(t, 200*time.Millisecond)

	leg := &call.Leg{
		Direction:  call.DirectionOutgoing,
		SIPCallID:  "update-timerf-1",
		LocalTag:   "local-2",
		RemoteTag:  "remote-2",
		RemoteURI:  fmt.Sprintf("sip:bob@%s", peer),
		RemoteAddr: peer,
		CSeq:       1,
	}

	start := time.Now()
	err := d.SendRefresh(leg, "sip:voicegate@127.0.0.1:5070", timer.DefaultSessionExpires)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, 0, timers.Active())
}

func TestSendBYESkipsUnconfirmedDialog(t *testing.T) {
	d, timers := newTestDialer(t, 200*time.Millisecond)

	require.NoError(t, d.SendBYE(nil, "sip:voicegate@127.0.0.1"))
	require.NoError(t, d.SendBYE(&call.Leg{SIPCallID: "no-tag"}, "sip:voicegate@127.0.0.1"))
	assert.Equal(t, 0, timers.Active())
}
