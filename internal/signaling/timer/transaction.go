// Package timer implements the two timing facilities the protocol engine
// runs on: per-request transaction timers (RFC 3261 retransmission and
// timeout rules) and per-call session refresh (RFC 4028 keep-alive).
package timer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TransactionType distinguishes the INVITE timer rules from the
// non-INVITE ones.
type TransactionType int

const (
	// TransactionInvite uses Timer A retransmission and Timer B timeout.
	TransactionInvite TransactionType = iota
	// TransactionNonInvite uses a single Timer F timeout (BYE, CANCEL).
	TransactionNonInvite
)

// String returns the string representation of the transaction type.
func (t TransactionType) String() string {
	switch t {
	case TransactionInvite:
		return "INVITE"
	case TransactionNonInvite:
		return "NonINVITE"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// TransactionState follows the RFC 3261 client transaction states.
type TransactionState int

const (
	// TxCalling is the initial state, retransmitting until a response.
	TxCalling TransactionState = iota
	// TxProceeding is entered on the first provisional response.
	TxProceeding
	// TxCompleted is entered on a final response.
	TxCompleted
	// TxTerminated is the terminal state.
	TxTerminated
)

// String returns the string representation of the transaction state.
func (s TransactionState) String() string {
	switch s {
	case TxCalling:
		return "Calling"
	case TxProceeding:
		return "Proceeding"
	case TxCompleted:
		return "Completed"
	case TxTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// TransactionConfig holds the RFC 3261 timing constants. Tests shrink T1
// to run the full retransmission schedule in milliseconds.
type TransactionConfig struct {
	// T1 is the RTT estimate, the initial retransmit interval.
	T1 time.Duration
	// T2 is the retransmit interval cap.
	T2 time.Duration
	// TimerF is the non-INVITE transaction timeout.
	TimerF time.Duration
}

// DefaultTransactionConfig returns the RFC 3261 defaults.
func DefaultTransactionConfig() TransactionConfig {
	return TransactionConfig{
		T1:     500 * time.Millisecond,
		T2:     4 * time.Second,
		TimerF: 32 * time.Second,
	}
}

// Transaction is the retransmission/timeout context for one outstanding
// request. Created on send, destroyed on final response or timeout, never
// persisted.
type Transaction struct {
	id  string
	typ TransactionType

	mu          sync.Mutex
	state       TransactionState
	retransmits int
	interval    time.Duration

	retransmitTimer *time.Timer
	timeoutTimer    *time.Timer
}

// ID returns the transaction identifier.
func (tx *Transaction) ID() string { return tx.id }

// Type returns the transaction type.
func (tx *Transaction) Type() TransactionType { return tx.typ }

// State returns the current transaction state.
func (tx *Transaction) State() TransactionState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Retransmits returns how many times the request has been resent.
func (tx *Transaction) Retransmits() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.retransmits
}

// terminateLocked stops both timers and marks the transaction terminated.
func (tx *Transaction) terminateLocked() {
	if tx.state == TxTerminated {
		return
	}
	tx.state = TxTerminated
	if tx.retransmitTimer != nil {
		tx.retransmitTimer.Stop()
	}
	if tx.timeoutTimer != nil {
		tx.timeoutTimer.Stop()
	}
}

// TransactionTimers owns all active transactions. One entry per
// outstanding request; termination from any path is an idempotent no-op
// on transactions that already finished.
type TransactionTimers struct {
	cfg TransactionConfig

	mu  sync.Mutex
	txs map[string]*Transaction
}

// NewTransactionTimers creates a transaction timer manager.
func NewTransactionTimers(cfg TransactionConfig) *TransactionTimers {
	if cfg.T1 <= 0 {
		cfg.T1 = 500 * time.Millisecond
	}
	if cfg.T2 <= 0 {
		cfg.T2 = 4 * time.Second
	}
	if cfg.TimerF <= 0 {
		cfg.TimerF = 32 * time.Second
	}
	return &TransactionTimers{cfg: cfg, txs: make(map[string]*Transaction)}
}

// StartInvite begins an INVITE client transaction for id. retransmit fires
// on each Timer A expiry until a provisional or final response is
// reported; onTimeout fires once at 64*T1 if the transaction is still
// unanswered, after which the transaction has self-terminated.
func (m *TransactionTimers) StartInvite(id string, retransmit func(), onTimeout func()) *Transaction {
	tx := &Transaction{
		id:       id,
		typ:      TransactionInvite,
		state:    TxCalling,
		interval: m.cfg.T1,
	}

	m.mu.Lock()
	m.txs[id] = tx
	m.mu.Unlock()

	tx.mu.Lock()
	tx.armRetransmit(m.cfg.T2, retransmit)
	tx.timeoutTimer = time.AfterFunc(64*m.cfg.T1, func() {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		if tx.state == TxTerminated {
			return
		}
		tx.terminateLocked()
		m.remove(id)

		slog.Debug("[TxTimer] INVITE transaction timed out", "id", id)
		if onTimeout != nil {
			// Dispatched under tx.mu so Terminate and OnFinalResponse
			// cannot return while the callback still runs. The entry is
			// already out of the map, so the callback itself may call
			// Terminate for this id without deadlocking.
			onTimeout()
		}
	})
	tx.mu.Unlock()

	return tx
}

// armRetransmit schedules the next Timer A firing. Intervals double after
// each firing, capped at T2. Caller must hold tx.mu.
func (tx *Transaction) armRetransmit(t2 time.Duration, retransmit func()) {
	tx.retransmitTimer = time.AfterFunc(tx.interval, func() {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		if tx.state != TxCalling {
			return
		}
		tx.retransmits++
		tx.interval *= 2
		if tx.interval > t2 {
			tx.interval = t2
		}
		tx.armRetransmit(t2, retransmit)

		if retransmit != nil {
			// Under tx.mu: OnProvisional and Terminate block until the
			// resend completes, and no resend starts after they return.
			retransmit()
		}
	})
}

// StartNonInvite begins a non-INVITE transaction with a Timer F timeout.
// A zero timeout uses the configured default (32s).
func (m *TransactionTimers) StartNonInvite(id string, timeout time.Duration, onTimeout func()) *Transaction {
	if timeout <= 0 {
		timeout = m.cfg.TimerF
	}
	tx := &Transaction{
		id:    id,
		typ:   TransactionNonInvite,
		state: TxCalling,
	}

	m.mu.Lock()
	m.txs[id] = tx
	m.mu.Unlock()

	tx.mu.Lock()
	tx.timeoutTimer = time.AfterFunc(timeout, func() {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		if tx.state == TxTerminated {
			return
		}
		tx.terminateLocked()
		m.remove(id)

		slog.Debug("[TxTimer] non-INVITE transaction timed out", "id", id)
		if onTimeout != nil {
			// Same dispatch rule as the INVITE timeout: under tx.mu,
			// removed from the map first.
			onTimeout()
		}
	})
	tx.mu.Unlock()

	return tx
}

// OnProvisional reports a 1xx response: Timer A stops, state moves to
// PROCEEDING, Timer B keeps running.
func (m *TransactionTimers) OnProvisional(id string) {
	tx := m.get(id)
	if tx == nil {
		return
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != TxCalling {
		return
	}
	tx.state = TxProceeding
	if tx.retransmitTimer != nil {
		tx.retransmitTimer.Stop()
	}
}

// OnFinalResponse reports a final response: both timers stop and the
// transaction moves COMPLETED then immediately TERMINATED.
func (m *TransactionTimers) OnFinalResponse(id string) {
	tx := m.get(id)
	if tx == nil {
		return
	}
	tx.mu.Lock()
	if tx.state != TxTerminated {
		tx.state = TxCompleted
	}
	tx.terminateLocked()
	tx.mu.Unlock()
	m.remove(id)
}

// Terminate force-stops a transaction. While the transaction is still
// registered, Terminate returns only after any concurrently firing
// callback has completed, so a caller that releases resources next will
// not race a late retransmit or timeout. Terminating an unknown or
// already terminated id is a silent no-op; response handling, cleanup,
// and a timeout callback terminating its own transaction all land here.
func (m *TransactionTimers) Terminate(id string) {
	tx := m.get(id)
	if tx == nil {
		return
	}
	tx.mu.Lock()
	tx.terminateLocked()
	tx.mu.Unlock()
	m.remove(id)
}

// Active returns the number of live transactions.
func (m *TransactionTimers) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

func (m *TransactionTimers) get(id string) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txs[id]
}

func (m *TransactionTimers) remove(id string) {
	m.mu.Lock()
	delete(m.txs, id)
	m.mu.Unlock()
}
