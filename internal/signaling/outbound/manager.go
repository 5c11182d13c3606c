package outbound

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

// ErrRecordNotFound indicates no record matches the given outbound id.
var ErrRecordNotFound = errors.New("outbound record not found")

// ErrNotRetryable indicates the record is not in a retryable outcome.
var ErrNotRetryable = errors.New("outbound record not retryable")

// Record is one server-originated call through its attempts.
type Record struct {
	ID      string
	Caller  string
	Callee  string
	Purpose string

	// Result carries whatever the machine collected during the call.
	// On a max-duration cutoff it holds the partial result.
	Result string

	Leg      *call.Leg
	State    State
	Attempts int

	CreatedAt     time.Time
	ConnectedAt   time.Time
	EndedAt       time.Time
	FailureReason string
	Err           error

	// autoRetry is cleared by a manual Retry so automatic and manual
	// retries never compound.
	autoRetry bool

	// Explicit handles for everything scheduled on this record.
	retryTimer  *time.Timer
	maxDurTimer *time.Timer
	cancelDial  context.CancelFunc
}

// Dialer is the dial collaborator. Satisfied by *dial.Dialer.
type Dialer interface {
	Dial(ctx context.Context, req dial.Request, onProvisional func(code int, remoteTag, body string)) *dial.Result
	SendBYE(leg *call.Leg, localURI string) error
}

// Media is the media collaborator. Satisfied by *media.Manager.
type Media interface {
	AdvertiseAddr() string
	CreateOutboundSession(callID string) (*media.Session, error)
	UpdateCalleeSDP(callID, sdp string) error
	DestroySession(callID string)
}

// Config holds outbound tunables.
type Config struct {
	// MaxConcurrent caps simultaneous dialing/connected records.
	MaxConcurrent int
	// RingTimeout bounds how long a target may ring per attempt.
	RingTimeout time.Duration
	// MaxDuration forces termination of a connected call, armed only
	// once the call connects.
	MaxDuration time.Duration
	// RetryOn lists outcomes that re-queue automatically.
	RetryOn []State
	// MaxAttempts bounds total attempts including the first.
	MaxAttempts int
	// RetryDelay is the wait before an automatic re-queue.
	RetryDelay time.Duration
	// HistoryLimit bounds the finished-record list.
	HistoryLimit int
	// CallerID is the number presented on outbound INVITEs.
	CallerID string
	// CallerName is the display name presented on outbound INVITEs.
	CallerName string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 5,
		RingTimeout:   30 * time.Second,
		MaxDuration:   10 * time.Minute,
		RetryOn:       []State{StateNoAnswer, StateBusy},
		MaxAttempts:   3,
		RetryDelay:    time.Minute,
		HistoryLimit:  200,
		CallerID:      "voicegate",
		CallerName:    "Voicegate",
	}
}

// Manager owns the outbound queue, the concurrency ceiling, and every
// record's timers.
type Manager struct {
	cfg    Config
	dialer Dialer
	media  Media
	agent  ai.Agent

	mu       sync.Mutex
	records  map[string]*Record
	queue    []*Record
	inFlight int
	history  []*Record
}

// NewManager wires the outbound call manager.
func NewManager(cfg Config, dialer Dialer, mediaMgr Media, agent ai.Agent) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		media:   mediaMgr,
		agent:   agent,
		records: make(map[string]*Record),
	}
}

// CreateCall queues a new outbound call. Dialing starts immediately when
// a slot under the concurrency ceiling is free.
func (m *Manager) CreateCall(callee, purpose string) *Record {
	rec := &Record{
		ID:        uuid.New().String(),
		Caller:    m.cfg.CallerID,
		Callee:    callee,
		Purpose:   purpose,
		State:     StateQueued,
		CreatedAt: time.Now(),
		autoRetry: true,
	}

	m.mu.Lock()
	m.records[rec.ID] = rec
	m.queue = append(m.queue, rec)
	m.drainLocked()
	m.mu.Unlock()

	slog.Info("[Outbound] Call created", "outbound_id", rec.ID, "callee", callee)
	return rec
}

// drainLocked starts queued records while slots are free. Caller holds
// m.mu.
func (m *Manager) drainLocked() {
	for m.inFlight < m.cfg.MaxConcurrent && len(m.queue) > 0 {
		rec := m.queue[0]
		m.queue = m.queue[1:]
		if rec.State != StateQueued {
			continue
		}
		rec.State = StateDialing
		rec.Attempts++
		rec.Leg = call.NewOutgoingLeg(rec.Callee, "")

		ctx, cancel := context.WithCancel(context.Background())
		rec.cancelDial = cancel
		m.inFlight++
		go m.runDial(ctx, rec)
	}
}

// runDial drives one attempt to an outcome.
func (m *Manager) runDial(ctx context.Context, rec *Record) {
	ms, err := m.media.CreateOutboundSession(rec.ID)
	if err != nil {
		m.finishAttempt(rec, StateFailed, "no media ports",
			fmt.Errorf("%w: %v", call.ErrResourceExhausted, err))
		return
	}

	offer, err := sdp.BuildAnswer(sdp.AnswerParams{
		Address:   m.media.AdvertiseAddr(),
		AudioPort: ms.CalleePort,
		Formats:   []string{"0", "8", "101"},
	})
	if err != nil {
		m.finishAttempt(rec, StateFailed, "offer build failed", err)
		return
	}

	slog.Info("[Outbound] Dialing",
		"outbound_id", rec.ID, "callee", rec.Callee, "attempt", rec.Attempts)

	result := m.dialer.Dial(ctx, dial.Request{
		Leg:        rec.Leg,
		CallerID:   m.cfg.CallerID,
		CallerName: m.cfg.CallerName,
		SDP:        offer,
		Timeout:    m.cfg.RingTimeout,
	}, func(code int, _, _ string) {
		m.mu.Lock()
		if rec.State.CanTransitionTo(StateRinging) {
			rec.State = StateRinging
		}
		m.mu.Unlock()
	})

	switch {
	case result.Success:
		m.connect(rec, result.SDP)
	case errors.Is(result.Err, context.Canceled):
		m.finishAttempt(rec, StateCancelled, "cancelled", nil)
	case errors.Is(result.Err, context.DeadlineExceeded) || result.Code == call.StatusRequestTimeout:
		m.finishAttempt(rec, StateNoAnswer, "no answer", nil)
	case result.Code == 486 || result.Code == 600:
		m.finishAttempt(rec, StateBusy, result.Reason, nil)
	case result.Code >= 400:
		m.finishAttempt(rec, StateRejected, result.Reason,
			fmt.Errorf("%w: %d %s", call.ErrOutboundRejected, result.Code, result.Reason))
	default:
		reason := result.Reason
		if reason == "" {
			reason = "transport error"
		}
		m.finishAttempt(rec, StateFailed, reason, result.Err)
	}
}

// connect moves an answered attempt to CONNECTED, hands audio to the
// machine, and arms the max-duration cutoff.
func (m *Manager) connect(rec *Record, answerSDP string) {
	if err := m.media.UpdateCalleeSDP(rec.ID, answerSDP); err != nil {
		slog.Error("[Outbound] Answer SDP rejected", "outbound_id", rec.ID, "error", err)
		if byeErr := m.dialer.SendBYE(rec.Leg, ""); byeErr != nil {
			slog.Warn("[Outbound] BYE after bad answer failed", "outbound_id", rec.ID, "error", byeErr)
		}
		m.finishAttempt(rec, StateFailed, "bad answer SDP", err)
		return
	}

	m.mu.Lock()
	if !rec.State.CanTransitionTo(StateConnected) {
		m.mu.Unlock()
		return
	}
	rec.State = StateConnected
	rec.ConnectedAt = time.Now()
	if m.cfg.MaxDuration > 0 {
		rec.maxDurTimer = time.AfterFunc(m.cfg.MaxDuration, func() {
			m.hangup(rec, "max duration reached")
		})
	}
	m.mu.Unlock()

	if err := m.agent.HandleCall(context.Background(), rec.ID, rec.Caller, rec.Callee); err != nil {
		slog.Error("[Outbound] Agent refused call", "outbound_id", rec.ID, "error", err)
		m.hangup(rec, "agent unavailable")
		return
	}
	slog.Info("[Outbound] Connected", "outbound_id", rec.ID, "callee", rec.Callee)
}

// hangup ends a connected call from our side. The partial result stays
// on the record.
func (m *Manager) hangup(rec *Record, reason string) {
	m.mu.Lock()
	connected := rec.State == StateConnected
	m.mu.Unlock()
	if !connected {
		return
	}

	if err := m.dialer.SendBYE(rec.Leg, ""); err != nil {
		slog.Warn("[Outbound] BYE failed", "outbound_id", rec.ID, "error", err)
	}
	m.agent.EndCall(rec.ID)
	m.finishAttempt(rec, StateCompleted, reason, nil)
}

// HandleBYE handles the remote side hanging up a connected outbound
// call. Reports whether the dialog belonged to an outbound record.
func (m *Manager) HandleBYE(sipCallID string) bool {
	m.mu.Lock()
	var rec *Record
	for _, r := range m.records {
		if r.Leg != nil && r.Leg.SIPCallID == sipCallID && r.State == StateConnected {
			rec = r
			break
		}
	}
	m.mu.Unlock()
	if rec == nil {
		return false
	}

	m.agent.EndCall(rec.ID)
	m.finishAttempt(rec, StateCompleted, "remote hangup", nil)
	return true
}

// CancelCall cancels a record in any non-terminal state. Connected calls
// get a BYE; queued and ringing ones never reach the target again.
func (m *Manager) CancelCall(id string) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return ErrRecordNotFound
	}
	state := rec.State
	rec.autoRetry = false
	if rec.retryTimer != nil {
		rec.retryTimer.Stop()
		rec.retryTimer = nil
	}
	m.mu.Unlock()

	switch state {
	case StateQueued, StateNoAnswer, StateBusy, StateRejected:
		m.finishAttempt(rec, StateCancelled, "cancelled", nil)
	case StateDialing, StateRinging:
		rec.cancelDial()
	case StateConnected:
		if err := m.dialer.SendBYE(rec.Leg, ""); err != nil {
			slog.Warn("[Outbound] BYE failed", "outbound_id", rec.ID, "error", err)
		}
		m.agent.EndCall(rec.ID)
		m.finishAttempt(rec, StateCancelled, "cancelled", nil)
	default:
		return ErrNotRetryable
	}
	return nil
}

// Retry re-queues a record sitting in a retryable outcome immediately
// and disables any further automatic retry for it.
func (m *Manager) Retry(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if !rec.State.CanTransitionTo(StateQueued) {
		return ErrNotRetryable
	}
	if rec.retryTimer != nil {
		rec.retryTimer.Stop()
		rec.retryTimer = nil
	}
	rec.autoRetry = false
	m.requeueLocked(rec)
	slog.Info("[Outbound] Manual retry", "outbound_id", rec.ID, "attempt", rec.Attempts+1)
	return nil
}

// SetResult stores the machine's collected payload for a record.
func (m *Manager) SetResult(id, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	rec.Result = payload
	return nil
}

// finishAttempt retires one attempt: frees the slot, releases media, and
// either schedules a retry or archives the record.
func (m *Manager) finishAttempt(rec *Record, outcome State, reason string, err error) {
	m.media.DestroySession(rec.ID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, live := m.records[rec.ID]; !live {
		return
	}
	if rec.State == StateDialing || rec.State == StateRinging || rec.State == StateConnected {
		m.inFlight--
	}
	if rec.maxDurTimer != nil {
		rec.maxDurTimer.Stop()
		rec.maxDurTimer = nil
	}
	if rec.State.CanTransitionTo(outcome) {
		rec.State = outcome
	}
	if reason != "" && rec.FailureReason == "" {
		rec.FailureReason = reason
	}
	if err != nil && rec.Err == nil {
		rec.Err = err
	}

	if m.retryEligibleLocked(rec) {
		if rec.Attempts < m.cfg.MaxAttempts {
			delay := m.cfg.RetryDelay
			rec.retryTimer = time.AfterFunc(delay, func() {
				m.mu.Lock()
				m.requeueLocked(rec)
				m.mu.Unlock()
			})
			slog.Info("[Outbound] Retry scheduled",
				"outbound_id", rec.ID, "outcome", rec.State.String(),
				"attempt", rec.Attempts, "delay", delay)
			m.drainLocked()
			return
		}
		// Retryable outcome with no attempts left is terminal failure.
		rec.State = StateFailed
		rec.FailureReason = fmt.Sprintf("max attempts reached after %s", rec.FailureReason)
	}

	m.archiveLocked(rec)
	m.drainLocked()
}

// retryEligibleLocked reports whether the record's outcome is in the
// configured retry list and automatic retry is still enabled.
func (m *Manager) retryEligibleLocked(rec *Record) bool {
	if !rec.autoRetry {
		return false
	}
	for _, s := range m.cfg.RetryOn {
		if rec.State == s {
			return true
		}
	}
	return false
}

// requeueLocked puts a record back on the queue for another attempt.
// Caller holds m.mu.
func (m *Manager) requeueLocked(rec *Record) {
	if !rec.State.CanTransitionTo(StateQueued) {
		return
	}
	rec.State = StateQueued
	rec.FailureReason = ""
	rec.Err = nil
	m.queue = append(m.queue, rec)
	m.drainLocked()
}

// archiveLocked moves a record into bounded history. Caller holds m.mu.
func (m *Manager) archiveLocked(rec *Record) {
	rec.EndedAt = time.Now()
	delete(m.records, rec.ID)
	m.history = append(m.history, rec)
	if len(m.history) > m.cfg.HistoryLimit {
		m.history = m.history[len(m.history)-m.cfg.HistoryLimit:]
	}
	stats.OutboundTotal.WithLabelValues(rec.State.String()).Inc()
	slog.Info("[Outbound] Call finished",
		"outbound_id", rec.ID, "state", rec.State.String(),
		"attempts", rec.Attempts, "reason", rec.FailureReason)
}

// Get returns a live (non-archived) record.
func (m *Manager) Get(id string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok
}

// QueueDepth returns how many records are waiting for a slot.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// InFlight returns how many records occupy dialing slots.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

// History returns a snapshot of finished records.
func (m *Manager) History() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, len(m.history))
	copy(out, m.history)
	return out
}
