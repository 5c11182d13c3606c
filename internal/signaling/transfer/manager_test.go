package transfer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyeon/voicegate/internal/media"
	"github.com/hyeon/voicegate/internal/signaling/call"
	"github.com/hyeon/voicegate/internal/signaling/dial"
)

const callerSDP = "v=0\r\n" +
	"o=alice 1 1 IN IP4 192.168.1.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.168.1.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0\r\n"

const targetSDP = "v=0\r\n" +
	"o=carol 1 1 IN IP4 172.16.5.5\r\n" +
	"s=-\r\n" +
	"c=IN IP4 172.16.5.5\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0\r\n"

type fakeDialer struct {
	mu     sync.Mutex
	result *dial.Result
	ring   bool
	block  bool
	byes   []*call.Leg
}

func (f *fakeDialer) Dial(ctx context.Context, req dial.Request, onProvisional func(int, string, string)) *dial.Result {
	if f.ring && onProvisional != nil {
		onProvisional(180, "tag-carol", "")
	}
	if f.block {
		<-ctx.Done()
		return &dial.Result{Code: 487, Reason: "Request Terminated", Err: ctx.Err()}
	}
	if f.result.Success {
		req.Leg.RemoteTag = "tag-carol"
	}
	return f.result
}

func (f *fakeDialer) SendBYE(leg *call.Leg, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byes = append(f.byes, leg)
	return nil
}

func (f *fakeDialer) byeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byes)
}

type fakeAnnouncer struct {
	mu      sync.Mutex
	prompts []string
}

func (f *fakeAnnouncer) Announce(_, prompt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
}

func (f *fakeAnnouncer) has(prompt string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.prompts {
		if p == prompt {
			return true
		}
	}
	return false
}

type fakeAgent struct {
	mu    sync.Mutex
	ended []string
}

func (f *fakeAgent) HandleCall(context.Context, string, string, string) error { return nil }
func (f *fakeAgent) EndCall(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, callID)
}
func (f *fakeAgent) SetAudioSendFunc(func(string, []byte)) {}

func (f *fakeAgent) endedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ended)
}

type fakeBridge struct {
	mu      sync.Mutex
	hangups []string
}

func (f *fakeBridge) HangupCaller(s *call.CallSession, _ call.TerminationReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, s.ID)
}

func (f *fakeBridge) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups)
}

type fixture struct {
	mgr       *Manager
	session   *call.CallSession
	media     *media.Manager
	dialer    *fakeDialer
	announcer *fakeAnnouncer
	agent     *fakeAgent
	bridge    *fakeBridge
}

func newFixture(t *testing.T, dialer *fakeDialer, machineAnswered bool) *fixture {
	t.Helper()
	mediaMgr := media.NewManager(media.NewPortPool(20000, 20020), "10.0.0.5")

	leg := call.NewIncomingLeg("cid-orig", "sip:alice@example.com", "tag-alice", "192.168.1.10:5060", callerSDP)
	s := call.NewSession(leg, "sip:alice@example.com", "sip:bob@example.com")
	s.AIHandled = machineAnswered
	_, err := mediaMgr.CreateSession(s.ID, callerSDP)
	require.NoError(t, err)
	if machineAnswered {
		require.NoError(t, mediaMgr.SetMode(s.ID, media.ModeMachine))
	}

	announcer := &fakeAnnouncer{}
	agent := &fakeAgent{}
	bridge := &fakeBridge{}
	mgr := NewManager(Config{RingTimeout: time.Second, HistoryLimit: 3},
		dialer, mediaMgr, agent, announcer, bridge)
	return &fixture{
		mgr: mgr, session: s, media: mediaMgr,
		dialer: dialer, announcer: announcer, agent: agent, bridge: bridge,
	}
}

func waitState(t *testing.T, f *fixture, rec *Record, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mgr.mu.Lock()
		defer f.mgr.mu.Unlock()
		return rec.State == want
	}, time.Second, 5*time.Millisecond, "transfer never reached %s", want)
}

func TestSecondTransferRejected(t *testing.T) {
	f := newFixture(t, &fakeDialer{block: true}, false)

	_, err := f.mgr.InitiateTransfer(f.session, "sip:carol@example.com", "")
	require.NoError(t, err)

	_, err = f.mgr.InitiateTransfer(f.session, "sip:dave@example.com", "")
	assert.ErrorIs(t, err, ErrTransferActive)

	require.NoError(t, f.mgr.CancelTransfer(f.session.ID))
}

func TestAnsweredTransferConnects(t *testing.T) {
	f := newFixture(t, &fakeDialer{
		ring:   true,
		result: &dial.Result{Success: true, Code: 200, SDP: targetSDP},
	}, true)

	rec, err := f.mgr.InitiateTransfer(f.session, "sip:carol@example.com", "")
	require.NoError(t, err)
	waitState(t, f, rec, StateConnected)

	assert.True(t, f.announcer.has("transfer"))
	// Machine answering stops the moment the human target picks up.
	assert.Equal(t, 1, f.agent.endedCount())

	ms, ok := f.media.GetSession(f.session.ID)
	require.True(t, ok)
	assert.Equal(t, media.ModeBridge, ms.Mode)
	assert.Equal(t, "172.16.5.5", ms.Callee.Addr)
	assert.Equal(t, 40000, ms.Callee.Port)

	// Still active: a connected transfer lives until a BYE.
	_, active := f.mgr.ActiveTransfer(f.session.ID)
	assert.True(t, active)
}

func TestRejectedTransferRestoresMachine(t *testing.T) {
	f := newFixture(t, &fakeDialer{
		result: &dial.Result{Code: 486, Reason: "Busy Here"},
	}, true)

	rec, err := f.mgr.InitiateTransfer(f.session, "sip:carol@example.com", "")
	require.NoError(t, err)
	waitState(t, f, rec, StateFailed)

	assert.True(t, f.announcer.has("transfer-failed"))
	assert.Equal(t, "Busy Here", rec.FailureReason)
	// The machine keeps the call, exactly as before the transfer.
	assert.Equal(t, 0, f.agent.endedCount())
	ms, _ := f.media.GetSession(f.session.ID)
	assert.Equal(t, media.ModeMachine, ms.Mode)

	_, active := f.mgr.ActiveTransfer(f.session.ID)
	assert.False(t, active)
	assert.Len(t, f.mgr.History(), 1)
}

func TestRingTimeoutFails(t *testing.T) {
	f := newFixture(t, &fakeDialer{
		result: &dial.Result{Code: 408, Reason: "Request Timeout", Err: context.DeadlineExceeded},
	}, false)

	rec, err := f.mgr.InitiateTransfer(f.session, "sip:carol@example.com", "")
	require.NoError(t, err)
	waitState(t, f, rec, StateFailed)
	assert.Equal(t, "Request Timeout", rec.FailureReason)
}

func TestCallerBYETearsDownConnectedTransfer(t *testing.T) {
	f := newFixture(t, &fakeDialer{
		result: &dial.Result{Success: true, Code: 200, SDP: targetSDP},
	}, false)

	rec, err := f.mgr.InitiateTransfer(f.session, "sip:carol@example.com", "")
	require.NoError(t, err)
	waitState(t, f, rec, StateConnected)

	assert.True(t, f.mgr.HandleCallerBYE(f.session))
	assert.Equal(t, 1, f.dialer.byeCount(), "BYE was not propagated to the target")

	_, active := f.mgr.ActiveTransfer(f.session.ID)
	assert.False(t, active)
	assert.Equal(t, StateCancelled, rec.State)
}

func TestTargetBYETearsDownCaller(t *testing.T) {
	f := newFixture(t, &fakeDialer{
		result: &dial.Result{Success: true, Code: 200, SDP: targetSDP},
	}, false)

	rec, err := f.mgr.InitiateTransfer(f.session, "sip:carol@example.com", "")
	require.NoError(t, err)
	waitState(t, f, rec, StateConnected)

	handled := f.mgr.HandleTransferBYE(rec.Leg.SIPCallID, f.session)
	assert.True(t, handled)
	assert.Equal(t, 1, f.bridge.hangupCount(), "caller dialog was not torn down")

	_, active := f.mgr.ActiveTransfer(f.session.ID)
	assert.False(t, active)

	assert.False(t, f.mgr.HandleTransferBYE("cid-unknown", f.session))
}

func TestCancelWhileRinging(t *testing.T) {
	f := newFixture(t, &fakeDialer{ring: true, block: true}, false)

	rec, err := f.mgr.InitiateTransfer(f.session, "sip:carol@example.com", "")
	require.NoError(t, err)
	waitState(t, f, rec, StateRinging)

	require.NoError(t, f.mgr.CancelTransfer(f.session.ID))
	waitState(t, f, rec, StateCancelled)

	assert.ErrorIs(t, f.mgr.CancelTransfer(f.session.ID), ErrNoActiveTransfer)
}
