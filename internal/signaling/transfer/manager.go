package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyeon/voicegate/internal/ai"
	"github.com/hyeon/voicegate/internal/media"
	"github.com/hyeon/voicegate/internal/signaling/call"
	"github.com/hyeon/voicegate/internal/signaling/dial"
	"github.com/hyeon/voicegate/internal/signaling/sdp"
	"github.com/hyeon/voicegate/internal/stats"
)

// ErrTransferActive rejects a second concurrent transfer for a call.
var ErrTransferActive = errors.New("transfer already active for call")

// ErrNoActiveTransfer indicates no transfer exists for the call.
var ErrNoActiveTransfer = errors.New("no active transfer for call")

// Record is one transfer attempt layered onto an active call.
type Record struct {
	ID        string
	CallID    string
	TargetURI string

	// Leg is the independently-tagged dialog toward the target.
	Leg *call.Leg

	State         State
	CreatedAt     time.Time
	ConnectedAt   time.Time
	EndedAt       time.Time
	FailureReason string
	Err           error

	// wasMachine remembers whether the machine was answering the call
	// before the transfer started, so failure can restore it.
	wasMachine bool

	// cancelDial aborts the in-flight dial; the explicit handle for the
	// ring timer and manual cancellation.
	cancelDial context.CancelFunc
}

// Dialer is the dial collaborator. Satisfied by *dial.Dialer.
type Dialer interface {
	Dial(ctx context.Context, req dial.Request, onProvisional func(code int, remoteTag, body string)) *dial.Result
	SendBYE(leg *call.Leg, localURI string) error
}

// Media is the media collaborator. Satisfied by *media.Manager.
type Media interface {
	AdvertiseAddr() string
	GetSession(callID string) (*media.Session, bool)
	UpdateCalleeSDP(callID, sdp string) error
	SetMode(callID string, mode media.Mode) error
}

// Announcer plays prompts to the original caller during the transfer.
type Announcer interface {
	Announce(callID, prompt string)
}

// Bridge lets the transfer manager tear down the original caller's
// dialog when BYE propagation requires it. Implemented at the routing
// layer.
type Bridge interface {
	HangupCaller(s *call.CallSession, reason call.TerminationReason)
}

// Config holds transfer tunables.
type Config struct {
	// RingTimeout bounds how long the target may ring.
	RingTimeout time.Duration
	// HistoryLimit bounds the completed-transfer list.
	HistoryLimit int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{RingTimeout: 30 * time.Second, HistoryLimit: 100}
}

// Manager runs the 3pcc transfer state machine. At most one active
// transfer per call.
type Manager struct {
	cfg       Config
	dialer    Dialer
	media     Media
	agent     ai.Agent
	announcer Announcer
	bridge    Bridge

	mu      sync.Mutex
	active  map[string]*Record
	history []*Record
}

// NewManager wires the transfer manager.
func NewManager(cfg Config, dialer Dialer, mediaMgr Media, agent ai.Agent, announcer Announcer, bridge Bridge) *Manager {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	return &Manager{
		cfg:       cfg,
		dialer:    dialer,
		media:     mediaMgr,
		agent:     agent,
		announcer: announcer,
		bridge:    bridge,
		active:    make(map[string]*Record),
	}
}

// InitiateTransfer starts dialing the target on a new dialog while the
// caller's existing dialog stays intact. Rejected when a transfer is
// already active for the call.
func (m *Manager) InitiateTransfer(s *call.CallSession, targetURI, targetAddr string) (*Record, error) {
	ms, ok := m.media.GetSession(s.ID)
	if !ok {
		return nil, errors.New("no media session for call")
	}

	s.Lock()
	offerSDP := s.Incoming.SDP
	wasMachine := s.AIHandled
	s.Unlock()

	m.mu.Lock()
	if _, exists := m.active[s.ID]; exists {
		m.mu.Unlock()
		return nil, ErrTransferActive
	}

	leg := call.NewOutgoingLeg(targetURI, targetAddr)
	ctx, cancel := context.WithCancel(context.Background())
	rec := &Record{
		ID:         uuid.New().String(),
		CallID:     s.ID,
		TargetURI:  targetURI,
		Leg:        leg,
		State:      StateAnnounce,
		CreatedAt:  time.Now(),
		wasMachine: wasMachine,
		cancelDial: cancel,
	}
	m.active[s.ID] = rec
	m.mu.Unlock()

	if m.announcer != nil {
		m.announcer.Announce(s.ID, "transfer")
	}

	offer := sdp.RewriteForRelay(offerSDP, m.media.AdvertiseAddr(), ms.CalleePort)
	go m.runDial(ctx, rec, s, offer)

	slog.Info("[Transfer] Initiated",
		"call_id", s.ID, "transfer_id", rec.ID, "target", targetURI)
	return rec, nil
}

// runDial drives the target dialog to a terminal transfer state.
func (m *Manager) runDial(ctx context.Context, rec *Record, s *call.CallSession, offer string) {
	result := m.dialer.Dial(ctx, dial.Request{
		Leg:     rec.Leg,
		SDP:     offer,
		Timeout: m.cfg.RingTimeout,
	}, func(code int, _, _ string) {
		m.mu.Lock()
		if rec.State.CanTransitionTo(StateRinging) {
			rec.State = StateRinging
		}
		m.mu.Unlock()
	})

	if result.Success {
		m.completeConnected(rec, s, result.SDP)
		return
	}

	// Manual cancel and caller hangup land here as context
	// cancellation; everything else is a real failure.
	if ctx.Err() != nil && errors.Is(result.Err, context.Canceled) {
		m.finish(rec, StateCancelled, "cancelled")
		return
	}
	m.mu.Lock()
	rec.Err = fmt.Errorf("%w: %d %s", call.ErrTransferRejected, result.Code, result.Reason)
	m.mu.Unlock()
	m.failAndRestore(rec, s, result.Reason)
}

// completeConnected splices the answered target into the caller's call.
func (m *Manager) completeConnected(rec *Record, s *call.CallSession, answerSDP string) {
	if err := m.media.UpdateCalleeSDP(s.ID, answerSDP); err != nil {
		slog.Error("[Transfer] Answer SDP rejected", "call_id", s.ID, "error", err)
		if byeErr := m.dialer.SendBYE(rec.Leg, ""); byeErr != nil {
			slog.Warn("[Transfer] BYE to target failed", "call_id", s.ID, "error", byeErr)
		}
		m.failAndRestore(rec, s, "bad answer SDP")
		return
	}

	// The machine stops talking the moment a human target answers.
	if rec.wasMachine {
		m.agent.EndCall(s.ID)
	}
	if err := m.media.SetMode(s.ID, media.ModeBridge); err != nil {
		slog.Warn("[Transfer] Bridge mode switch failed", "call_id", s.ID, "error", err)
	}

	m.mu.Lock()
	rec.State = StateConnected
	rec.ConnectedAt = time.Now()
	m.mu.Unlock()

	stats.TransfersTotal.WithLabelValues(StateConnected.String()).Inc()
	slog.Info("[Transfer] Connected", "call_id", s.ID, "target", rec.TargetURI)
}

// failAndRestore marks the transfer failed, tells the caller, and hands
// the call back to whoever was answering before.
func (m *Manager) failAndRestore(rec *Record, s *call.CallSession, reason string) {
	if m.announcer != nil {
		m.announcer.Announce(s.ID, "transfer-failed")
	}
	if rec.wasMachine {
		if err := m.media.SetMode(s.ID, media.ModeMachine); err != nil {
			slog.Warn("[Transfer] Machine mode restore failed", "call_id", s.ID, "error", err)
		}
	}
	m.finish(rec, StateFailed, reason)
	slog.Info("[Transfer] Failed", "call_id", s.ID, "reason", reason)
}

// finish retires the record into bounded history.
func (m *Manager) finish(rec *Record, state State, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.State.CanTransitionTo(state) {
		rec.State = state
	}
	rec.EndedAt = time.Now()
	if reason != "" && rec.FailureReason == "" {
		rec.FailureReason = reason
	}
	if m.active[rec.CallID] == rec {
		delete(m.active, rec.CallID)
	}
	m.history = append(m.history, rec)
	if len(m.history) > m.cfg.HistoryLimit {
		m.history = m.history[len(m.history)-m.cfg.HistoryLimit:]
	}
	if state != StateConnected {
		stats.TransfersTotal.WithLabelValues(rec.State.String()).Inc()
	}
}

// CancelTransfer aborts a ringing transfer. Connected transfers cannot be
// cancelled, only ended by BYE.
func (m *Manager) CancelTransfer(callID string) error {
	m.mu.Lock()
	rec, ok := m.active[callID]
	if !ok || rec.State == StateConnected {
		m.mu.Unlock()
		if ok {
			return errors.New("transfer already connected")
		}
		return ErrNoActiveTransfer
	}
	cancel := rec.cancelDial
	m.mu.Unlock()

	cancel()
	return nil
}

// HandleCallerBYE handles the original caller hanging up while a
// transfer is active: the transfer dialog is torn down too, never left
// half-alive.
func (m *Manager) HandleCallerBYE(s *call.CallSession) bool {
	m.mu.Lock()
	rec, ok := m.active[s.ID]
	connected := ok && rec.State == StateConnected
	m.mu.Unlock()
	if !ok {
		return false
	}

	if connected {
		if err := m.dialer.SendBYE(rec.Leg, ""); err != nil {
			slog.Warn("[Transfer] BYE to target failed", "call_id", s.ID, "error", err)
		}
		m.finish(rec, StateCancelled, "caller hung up")
	} else {
		rec.cancelDial()
	}
	return true
}

// HandleTransferBYE handles BYE arriving on the transfer leg's dialog.
// The original caller's dialog is torn down as well.
func (m *Manager) HandleTransferBYE(sipCallID string, s *call.CallSession) bool {
	m.mu.Lock()
	rec, ok := m.active[s.ID]
	if !ok || rec.Leg.SIPCallID != sipCallID {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	m.finish(rec, StateCancelled, "target hung up")
	if m.bridge != nil {
		m.bridge.HangupCaller(s, call.ReasonNormal)
	}
	return true
}

// ActiveTransfer returns the live record for a call, if any.
func (m *Manager) ActiveTransfer(callID string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.active[callID]
	return rec, ok
}

// FindByTransferLeg locates the call owning a transfer dialog.
func (m *Manager) FindByTransferLeg(sipCallID string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.active {
		if rec.Leg.SIPCallID == sipCallID {
			return rec, true
		}
	}
	return nil, false
}

// History returns a snapshot of completed transfers.
func (m *Manager) History() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, len(m.history))
	copy(out, m.history)
	return out
}
