package media

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	psdp "github.com/pion/sdp/v3"
)

// Mode selects who owns the audio path for a call.
type Mode int

const (
	// ModeBridge relays media between the two legs.
	ModeBridge Mode = iota
	// ModeMachine hands the caller's audio to the conversational agent.
	ModeMachine
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	if m == ModeMachine {
		return "Machine"
	}
	return "Bridge"
}

// Endpoint is one remote media target parsed from an SDP body.
type Endpoint struct {
	Addr    string
	Port    int
	Formats []string
}

// Session holds the media-side state for one call: one port pair facing
// the caller, one facing the callee, the parsed remote endpoints, and the
// current audio mode.
type Session struct {
	CallID string

	// CallerPort/CalleePort are the local RTP ports advertised toward
	// each side. RTCP is port+1.
	CallerPort int
	CalleePort int

	Caller Endpoint
	Callee Endpoint

	Mode      Mode
	CreatedAt time.Time

	// relay runs only in bridge mode with both endpoints known.
	relay *Relay
}

// RelayStats returns the forwarded-traffic counters, zero when no relay
// is running.
func (s *Session) RelayStats() RelayStats {
	if s.relay == nil {
		return RelayStats{}
	}
	return s.relay.Stats()
}

// Manager owns all media sessions and the port pool behind them.
type Manager struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	pool          *PortPool
	advertiseAddr string
}

// NewManager creates a media session manager advertising addr in SDP.
func NewManager(pool *PortPool, advertiseAddr string) *Manager {
	return &Manager{
		sessions:      make(map[string]*Session),
		pool:          pool,
		advertiseAddr: advertiseAddr,
	}
}

// AdvertiseAddr is the address written into rewritten/synthesized SDP.
func (m *Manager) AdvertiseAddr() string { return m.advertiseAddr }

// CreateSession allocates both legs' port pairs and parses the caller's
// offer. Returns ErrPoolExhausted (wrapped) when the pool cannot cover
// both pairs; nothing stays allocated in that case.
func (m *Manager) CreateSession(callID, callerSDP string) (*Session, error) {
	callerEP, err := ParseEndpoint(callerSDP)
	if err != nil {
		return nil, fmt.Errorf("caller SDP: %w", err)
	}

	callerPort, _, err := m.pool.Allocate()
	if err != nil {
		return nil, err
	}
	calleePort, _, err := m.pool.Allocate()
	if err != nil {
		m.pool.Release(callerPort)
		return nil, err
	}

	sess := &Session{
		CallID:     callID,
		CallerPort: callerPort,
		CalleePort: calleePort,
		Caller:     callerEP,
		Mode:       ModeBridge,
		CreatedAt:  time.Now(),
	}

	m.mu.Lock()
	m.sessions[callID] = sess
	m.mu.Unlock()

	slog.Info("[Media] Session created",
		"call_id", callID,
		"caller_port", callerPort,
		"callee_port", calleePort,
		"caller_remote", fmt.Sprintf("%s:%d", callerEP.Addr, callerEP.Port))
	return sess, nil
}

// CreateOutboundSession allocates the single port pair an outbound call
// needs. The remote endpoint is filled in from the answer SDP via
// UpdateCalleeSDP, and the machine owns the audio path from the start.
func (m *Manager) CreateOutboundSession(callID string) (*Session, error) {
	port, _, err := m.pool.Allocate()
	if err != nil {
		return nil, err
	}

	sess := &Session{
		CallID:     callID,
		CalleePort: port,
		Mode:       ModeMachine,
		CreatedAt:  time.Now(),
	}

	m.mu.Lock()
	m.sessions[callID] = sess
	m.mu.Unlock()

	slog.Info("[Media] Outbound session created", "call_id", callID, "port", port)
	return sess, nil
}

// GetSession returns the session for callID.
func (m *Manager) GetSession(callID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[callID]
	return sess, ok
}

// UpdateCalleeSDP records the callee's answer endpoint.
func (m *Manager) UpdateCalleeSDP(callID, calleeSDP string) error {
	ep, err := ParseEndpoint(calleeSDP)
	if err != nil {
		return fmt.Errorf("callee SDP: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[callID]
	if !ok {
		return fmt.Errorf("no media session for call %s", callID)
	}
	sess.Callee = ep
	slog.Debug("[Media] Callee endpoint updated",
		"call_id", callID, "remote", fmt.Sprintf("%s:%d", ep.Addr, ep.Port))
	// A running relay still targets the previous endpoint.
	if sess.relay != nil {
		sess.relay.Close()
		sess.relay = nil
	}
	m.syncRelayLocked(sess)
	return nil
}

// SetMode switches the audio path between bridging and machine answer.
func (m *Manager) SetMode(callID string, mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[callID]
	if !ok {
		return fmt.Errorf("no media session for call %s", callID)
	}
	if sess.Mode != mode {
		sess.Mode = mode
		slog.Info("[Media] Mode switched", "call_id", callID, "mode", mode.String())
	}
	m.syncRelayLocked(sess)
	return nil
}

// syncRelayLocked starts or stops the session's relay to match its mode
// and endpoint knowledge. Caller holds m.mu.
func (m *Manager) syncRelayLocked(sess *Session) {
	wantRelay := sess.Mode == ModeBridge &&
		sess.CallerPort != 0 &&
		sess.Caller.Addr != "" && sess.Caller.Port != 0 &&
		sess.Callee.Addr != "" && sess.Callee.Port != 0

	if wantRelay && sess.relay == nil {
		relay, err := NewRelay(sess.CallID, sess.CallerPort, sess.CalleePort, sess.Caller, sess.Callee)
		if err != nil {
			slog.Warn("[Media] Relay start failed", "call_id", sess.CallID, "error", err)
			return
		}
		relay.Start()
		sess.relay = relay
		return
	}
	if !wantRelay && sess.relay != nil {
		sess.relay.Close()
		sess.relay = nil
	}
}

// DestroySession releases both port pairs. Destroying an unknown call id
// is a no-op; teardown paths race.
func (m *Manager) DestroySession(callID string) {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	delete(m.sessions, callID)
	m.mu.Unlock()

	if !ok {
		return
	}
	if sess.relay != nil {
		sess.relay.Close()
		sess.relay = nil
	}
	m.pool.Release(sess.CallerPort)
	m.pool.Release(sess.CalleePort)
	slog.Info("[Media] Session destroyed", "call_id", callID)
}

// Count returns the number of active media sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ParseEndpoint extracts the audio address, port, and offered formats
// from an SDP body.
func ParseEndpoint(body string) (Endpoint, error) {
	var desc psdp.SessionDescription
	if err := desc.Unmarshal([]byte(body)); err != nil {
		return Endpoint{}, fmt.Errorf("parse SDP: %w", err)
	}

	var ep Endpoint
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		ep.Addr = desc.ConnectionInformation.Address.Address
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		ep.Port = md.MediaName.Port.Value
		ep.Formats = md.MediaName.Formats
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			ep.Addr = md.ConnectionInformation.Address.Address
		}
		break
	}
	if ep.Addr == "" || ep.Port == 0 {
		return Endpoint{}, fmt.Errorf("no audio endpoint in SDP (addr=%q port=%s)",
			ep.Addr, strconv.Itoa(ep.Port))
	}
	return ep, nil
}
