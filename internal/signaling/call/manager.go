package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyeon/voicegate/internal/ai"
	"github.com/hyeon/voicegate/internal/cdr"
	"github.com/hyeon/voicegate/internal/media"
	"github.com/hyeon/voicegate/internal/signaling/sdp"
	"github.com/hyeon/voicegate/internal/signaling/timer"
	"github.com/hyeon/voicegate/internal/stats"
)

// SIP status codes the engine hands back to the transport layer.
const (
	StatusTrying             = 100
	StatusOK                 = 200
	StatusBadRequest         = 400
	StatusRequestTimeout     = 408
	StatusServiceUnavailable = 503
)

// Signaler sends protocol messages on the engine's behalf. The concrete
// implementation lives at the transport layer; tests substitute a fake.
type Signaler interface {
	// SendCancel cancels the outgoing leg's pending INVITE.
	SendCancel(s *CallSession) error

	// SendBye sends BYE within the dialog of the given direction's leg.
	SendBye(s *CallSession, dir Direction) error

	// SendResponse answers the incoming leg's INVITE transaction. A 2xx
	// with a body must be retransmitted until ACK arrives.
	SendResponse(s *CallSession, code int, body string) error

	// SendRefresh sends a session keep-alive (re-INVITE or UPDATE) on
	// the established dialog.
	SendRefresh(s *CallSession) error

	// Release drops any per-call transaction state the signaler holds.
	// Called exactly once during cleanup; must be idempotent.
	Release(s *CallSession)
}

// CDRSink receives completed call records.
type CDRSink interface {
	Write(rec cdr.Record) error
}

// Config holds the engine's tunables.
type Config struct {
	// NoAnswerTimeout is the takeover deadline for an unanswered
	// outgoing leg.
	NoAnswerTimeout time.Duration

	// TakeoverEnabled turns the machine-answer path on. With it off an
	// unanswered call fails with 408.
	TakeoverEnabled bool

	// SessionExpires is the refresh interval offered on established
	// calls.
	SessionExpires time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		NoAnswerTimeout: 30 * time.Second,
		TakeoverEnabled: true,
		SessionExpires:  timer.DefaultSessionExpires,
	}
}

// InviteInfo is the addressing and payload extracted from an inbound
// INVITE by the transport layer.
type InviteInfo struct {
	SIPCallID   string
	FromURI     string
	FromTag     string
	DisplayName string
	ToURI       string
	SourceAddr  string
	SDP         string
}

// Manager drives the INVITE/ACK/BYE lifecycle across the session store,
// the media collaborator, and both timer facilities.
type Manager struct {
	cfg        Config
	store      *Store
	media      *media.Manager
	txTimers   *timer.TransactionTimers
	sessTimers *timer.SessionTimers
	signaler   Signaler
	agent      ai.Agent
	cdrs       CDRSink

	// onEstablished fires after ACK on human-answered calls only, for
	// recording hookup. onHumanCallEnded fires post-cleanup, again for
	// human calls only; AI-answered calls go to agent.EndCall instead.
	onEstablished    func(s *CallSession)
	onHumanCallEnded func(s *CallSession)
}

// NewManager wires the protocol engine.
func NewManager(cfg Config, store *Store, mediaMgr *media.Manager,
	txTimers *timer.TransactionTimers, sessTimers *timer.SessionTimers,
	signaler Signaler, agent ai.Agent, cdrs CDRSink) *Manager {
	if cfg.NoAnswerTimeout <= 0 {
		cfg.NoAnswerTimeout = 30 * time.Second
	}
	if cfg.SessionExpires <= 0 {
		cfg.SessionExpires = timer.DefaultSessionExpires
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		media:      mediaMgr,
		txTimers:   txTimers,
		sessTimers: sessTimers,
		signaler:   signaler,
		agent:      agent,
		cdrs:       cdrs,
	}
}

// Store exposes the session table for lookup by the transport layer.
func (m *Manager) Store() *Store { return m.store }

// SetOnEstablished installs the recording hookup callback.
func (m *Manager) SetOnEstablished(fn func(s *CallSession)) { m.onEstablished = fn }

// SetOnHumanCallEnded installs the post-cleanup hook for human calls.
func (m *Manager) SetOnHumanCallEnded(fn func(s *CallSession)) { m.onHumanCallEnded = fn }

// AcceptInvite validates an inbound INVITE, allocates media, and persists
// a new session in PROCEEDING. The returned status is what the transport
// should answer immediately: 100 on success, 400 on bad input, 503 when
// the port pool is dry. Failure paths persist nothing.
func (m *Manager) AcceptInvite(info InviteInfo) (*CallSession, int, error) {
	if info.SIPCallID == "" || info.FromURI == "" || info.ToURI == "" {
		return nil, StatusBadRequest, fmt.Errorf("%w: missing addressing", ErrInvalidMessage)
	}
	if info.SDP == "" {
		return nil, StatusBadRequest, fmt.Errorf("%w: missing session description", ErrInvalidMessage)
	}

	leg := NewIncomingLeg(info.SIPCallID, info.FromURI, info.FromTag, info.SourceAddr, info.SDP)
	leg.DisplayName = info.DisplayName
	session := NewSession(leg, info.FromURI, info.ToURI)

	if _, err := m.media.CreateSession(session.ID, info.SDP); err != nil {
		if errors.Is(err, media.ErrPoolExhausted) {
			return nil, StatusServiceUnavailable, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}
		return nil, StatusBadRequest, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if err := m.store.Add(session); err != nil {
		m.media.DestroySession(session.ID)
		return nil, StatusServiceUnavailable, err
	}
	stats.ActiveCalls.Inc()

	slog.Info("[CallMgr] Inbound call accepted",
		"call_id", session.ID,
		"sip_call_id", info.SIPCallID,
		"caller", info.FromURI,
		"callee", info.ToURI)
	return session, StatusTrying, nil
}

// CreateOutgoingInvite builds the B leg and the SDP to offer it: the
// caller's offer re-addressed to the bridge and the callee-facing media
// port, codec list untouched. Arms the no-answer deadline.
func (m *Manager) CreateOutgoingInvite(s *CallSession, destURI, destAddr string) (*Leg, string, error) {
	ms, ok := m.media.GetSession(s.ID)
	if !ok {
		return nil, "", fmt.Errorf("%w: no media session for call %s", ErrInvalidMessage, s.ID)
	}

	s.Lock()
	defer s.Unlock()

	if s.Incoming == nil || s.Incoming.SDP == "" {
		return nil, "", fmt.Errorf("%w: incoming leg has no session description", ErrInvalidMessage)
	}
	if s.State.IsTerminal() {
		return nil, "", ErrAlreadyTerminated
	}

	rewritten := sdp.RewriteForRelay(s.Incoming.SDP, m.media.AdvertiseAddr(), ms.CalleePort)
	leg := NewOutgoingLeg(destURI, destAddr)
	s.Outgoing = leg

	id := s.ID
	s.armNoAnswer(m.cfg.NoAnswerTimeout, func() {
		m.HandleInviteTimeout(id)
	})

	slog.Info("[CallMgr] Outgoing leg created",
		"call_id", s.ID, "dest", destURI, "sip_call_id", leg.SIPCallID)
	return leg, rewritten, nil
}

// HandleProvisional applies a 1xx from the outgoing leg: 180 moves the
// call to RINGING, 183 keeps it PROCEEDING. Transitions on terminated
// sessions are no-ops.
func (m *Manager) HandleProvisional(s *CallSession, code int, remoteTag string) {
	s.Lock()
	defer s.Unlock()

	if s.Outgoing != nil && remoteTag != "" && s.Outgoing.RemoteTag == "" {
		s.Outgoing.RemoteTag = remoteTag
	}
	if code == 180 {
		s.TransitionTo(StateRinging)
	}
	slog.Debug("[CallMgr] Provisional", "call_id", s.ID, "code", code, "state", s.State.String())
}

// Handle200OK stores the answering side's SDP and returns it rewritten
// for relay to the other side. The common case is dir == Outgoing: the
// callee answered and the caller must see a bridge-addressed answer.
func (m *Manager) Handle200OK(s *CallSession, body string, dir Direction, remoteTag string) (string, error) {
	if body == "" {
		return "", fmt.Errorf("%w: 200 OK without session description", ErrInvalidMessage)
	}
	ms, ok := m.media.GetSession(s.ID)
	if !ok {
		return "", fmt.Errorf("%w: no media session for call %s", ErrInvalidMessage, s.ID)
	}

	s.Lock()
	defer s.Unlock()

	switch dir {
	case DirectionOutgoing:
		if s.Outgoing == nil {
			return "", fmt.Errorf("%w: no outgoing leg", ErrInvalidMessage)
		}
		s.stopNoAnswer()
		s.Outgoing.SDP = body
		if remoteTag != "" {
			s.Outgoing.RemoteTag = remoteTag
		}
		if err := m.media.UpdateCalleeSDP(s.ID, body); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		// The caller now sends to the bridge's caller-facing port.
		return sdp.RewriteForRelay(body, m.media.AdvertiseAddr(), ms.CallerPort), nil

	case DirectionIncoming:
		if s.Incoming == nil {
			return "", fmt.Errorf("%w: no incoming leg", ErrInvalidMessage)
		}
		s.Incoming.SDP = body
		return sdp.RewriteForRelay(body, m.media.AdvertiseAddr(), ms.CalleePort), nil

	default:
		return "", fmt.Errorf("%w: unknown direction %d", ErrInvalidMessage, dir)
	}
}

// HandleEarlyMedia stores a 183's session description from the callee
// and returns it rewritten for relay to the caller, so session progress
// audio (ringback, announcements) reaches the caller before answer.
func (m *Manager) HandleEarlyMedia(s *CallSession, body string) (string, error) {
	if body == "" {
		return "", fmt.Errorf("%w: 183 without session description", ErrInvalidMessage)
	}
	ms, ok := m.media.GetSession(s.ID)
	if !ok {
		return "", fmt.Errorf("%w: no media session for call %s", ErrInvalidMessage, s.ID)
	}

	s.Lock()
	defer s.Unlock()
	if s.Outgoing == nil {
		return "", fmt.Errorf("%w: no outgoing leg", ErrInvalidMessage)
	}
	s.Outgoing.SDP = body
	if err := m.media.UpdateCalleeSDP(s.ID, body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return sdp.RewriteForRelay(body, m.media.AdvertiseAddr(), ms.CallerPort), nil
}

// HandleACK confirms the dialog. ACK from the caller establishes the
// call, stamps the answer time, and starts the session refresh loop.
func (m *Manager) HandleACK(s *CallSession, dir Direction) {
	if dir != DirectionIncoming {
		return
	}

	s.Lock()
	if !s.TransitionTo(StateEstablished) {
		s.Unlock()
		return
	}
	aiHandled := s.AIHandled
	s.Unlock()

	m.sessTimers.Start(s.ID, m.cfg.SessionExpires, timer.RefresherUAS, func(string) error {
		return m.signaler.SendRefresh(s)
	})

	slog.Info("[CallMgr] Call established", "call_id", s.ID, "ai_handled", aiHandled)
	if !aiHandled && m.onEstablished != nil {
		m.onEstablished(s)
	}
}

// HandleBYE terminates the call and reports the status to answer the
// BYE with. Duplicate BYEs and BYEs racing other termination paths all
// land on an already-terminal session and still get 200. Resource
// release is CleanupTerminatedCall's job, not this one's.
func (m *Manager) HandleBYE(s *CallSession, dir Direction, reason TerminationReason) int {
	if reason == ReasonNone {
		reason = ReasonNormal
	}

	s.Lock()
	changed := s.Terminate(reason)
	s.Unlock()

	if changed {
		slog.Info("[CallMgr] BYE", "call_id", s.ID,
			"from", dir.String(), "reason", reason.String())
	}
	return StatusOK
}

// HandleInviteTimeout runs when the no-answer deadline beats the callee's
// final response. With takeover enabled the call is handed to the
// machine; otherwise it fails with 408.
func (m *Manager) HandleInviteTimeout(id string) {
	s, ok := m.store.Get(id)
	if !ok {
		return
	}

	s.Lock()
	if s.State.IsTerminal() || s.State == StateEstablished {
		s.Unlock()
		return
	}
	s.Unlock()

	if m.cfg.TakeoverEnabled && m.agent != nil {
		err := m.performTakeover(s)
		if err == nil {
			return
		}
		slog.Error("[CallMgr] Takeover failed, rejecting call", "call_id", s.ID, "error", err)
	}

	s.Lock()
	s.Terminate(ReasonTimeout)
	s.Unlock()

	if err := m.signaler.SendResponse(s, StatusRequestTimeout, ""); err != nil {
		slog.Warn("[CallMgr] Failed to send 408", "call_id", s.ID, "error", err)
	}
	s.Lock()
	hasOutgoing := s.Outgoing != nil
	s.Unlock()
	if hasOutgoing {
		if err := m.signaler.SendCancel(s); err != nil {
			slog.Warn("[CallMgr] Failed to CANCEL outgoing leg", "call_id", s.ID, "error", err)
		}
	}
	m.CleanupTerminatedCall(s)
}

// AnswerWithMachine hands a freshly accepted call directly to the agent
// without ringing anyone, the path for callees who marked themselves
// away. The caller's offer is answered with machine-owned media.
func (m *Manager) AnswerWithMachine(s *CallSession) error {
	if m.agent == nil {
		return fmt.Errorf("no agent configured for call %s", s.ID)
	}
	return m.performTakeover(s)
}

// performTakeover converts the ringing call into a machine-answered one:
// CANCEL toward the callee, a synthesized 200 OK toward the caller, and
// the media path switched to the agent. The synthetic answer reuses the
// caller offer's origin session-id/version, since the callee never
// actually produced an answer of its own.
func (m *Manager) performTakeover(s *CallSession) error {
	ms, ok := m.media.GetSession(s.ID)
	if !ok {
		return fmt.Errorf("no media session for call %s", s.ID)
	}

	s.Lock()
	hasOutgoing := s.Outgoing != nil
	s.Unlock()
	if hasOutgoing {
		if err := m.signaler.SendCancel(s); err != nil {
			slog.Warn("[CallMgr] CANCEL failed during takeover", "call_id", s.ID, "error", err)
		}
	}

	if err := m.agent.HandleCall(context.Background(), s.ID, s.Caller, s.Callee); err != nil {
		return fmt.Errorf("agent refused call: %w", err)
	}

	s.Lock()
	sessID, sessVersion, _ := sdp.OriginIDs(s.Incoming.SDP)
	formats := supportedFormats(ms.Caller.Formats)
	s.AIHandled = true
	s.Unlock()

	id, ver := sdp.ParseOrigin(sessID, sessVersion)
	body, err := sdp.BuildAnswer(sdp.AnswerParams{
		Address:        m.media.AdvertiseAddr(),
		AudioPort:      ms.CallerPort,
		Formats:        formats,
		SessionID:      id,
		SessionVersion: ver,
	})
	if err != nil {
		return fmt.Errorf("build answer: %w", err)
	}

	if err := m.signaler.SendResponse(s, StatusOK, body); err != nil {
		return fmt.Errorf("send 200: %w", err)
	}
	if err := m.media.SetMode(s.ID, media.ModeMachine); err != nil {
		slog.Warn("[CallMgr] Media mode switch failed", "call_id", s.ID, "error", err)
	}

	s.Lock()
	s.TransitionTo(StateEstablished)
	s.Unlock()

	stats.TakeoversTotal.Inc()
	slog.Info("[CallMgr] Machine takeover", "call_id", s.ID, "caller", s.Caller)
	return nil
}

// supportedFormats filters an offered format list down to the payloads
// the machine path can produce, preserving offer order.
func supportedFormats(offered []string) []string {
	var out []string
	for _, f := range offered {
		switch f {
		case "0", "8", "101":
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		out = []string{"0"}
	}
	return out
}

// CleanupTerminatedCall releases everything the call holds: timers first,
// then media, then the store entry, then the CDR. Runs at most once per
// session no matter how many termination paths race into it.
func (m *Manager) CleanupTerminatedCall(s *CallSession) {
	s.CleanupOnce(func() {
		s.Lock()
		s.Terminate(ReasonError) // no-op unless a caller skipped termination
		s.stopNoAnswer()
		aiHandled := s.AIHandled
		s.Unlock()

		m.sessTimers.Cancel(s.ID)
		m.signaler.Release(s)
		m.media.DestroySession(s.ID)

		if removed := m.store.Remove(s.ID); removed != nil {
			stats.ActiveCalls.Dec()
		}
		stats.ObserveCallEnd(s.Reason.String(), aiHandled, s.Duration())

		rec := cdr.Record{
			CallID:     s.ID,
			Direction:  "inbound",
			Caller:     s.Caller,
			Callee:     s.Callee,
			StartTime:  s.StartTime,
			AnswerTime: s.AnswerTime,
			EndTime:    s.EndTime,
			Duration:   s.Duration().Seconds(),
			TalkTime:   s.TalkDuration().Seconds(),
			Reason:     s.Reason.String(),
			AIHandled:  aiHandled,
		}
		if m.cdrs != nil {
			go func() {
				if err := m.cdrs.Write(rec); err != nil {
					slog.Error("[CallMgr] CDR write failed", "call_id", s.ID, "error", err)
				}
			}()
		}

		if aiHandled {
			m.agent.EndCall(s.ID)
		} else if m.onHumanCallEnded != nil {
			m.onHumanCallEnded(s)
		}

		slog.Info("[CallMgr] Call cleaned up",
			"call_id", s.ID,
			"reason", s.Reason.String(),
			"duration", s.Duration().Round(time.Millisecond),
			"ai_handled", aiHandled)
	})
}
