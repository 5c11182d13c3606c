// Package routing binds the sipgo server to the protocol engine: request
// handlers parse inbound SIP into engine operations, and the Router's
// Signaler side turns engine decisions back into responses and in-dialog
// requests.
package routing

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/hyeon/voicegate/internal/signaling/call"
	"github.com/hyeon/voicegate/internal/signaling/dial"
	"github.com/hyeon/voicegate/internal/signaling/location"
	"github.com/hyeon/voicegate/internal/signaling/operator"
	"github.com/hyeon/voicegate/internal/signaling/outbound"
	"github.com/hyeon/voicegate/internal/signaling/timer"
	"github.com/hyeon/voicegate/internal/signaling/transfer"
)

// serverTx is the pending INVITE server transaction for one session,
// kept so timers and the B leg's responses can answer the caller later.
type serverTx struct {
	req *sip.Request
	tx  sip.ServerTransaction

	mu     sync.Mutex
	lastOK *sip.Response
}

// Router owns request dispatch and the caller-facing response path. It
// implements call.Signaler and transfer.Bridge.
type Router struct {
	engine    *call.Manager
	dialer    *dial.Dialer
	transfers *transfer.Manager
	outbound  *outbound.Manager
	locations *location.Store
	operators *operator.Store
	txTimers  *timer.TransactionTimers
	prack     *prackTracker

	advertiseAddr string
	port          int
	contactUser   string

	mu  sync.Mutex
	txs map[string]*serverTx
}

// NewRouter creates the router. The engine and the transfer/outbound
// managers are attached afterwards; construction order is circular
// otherwise (the engine needs the router as its Signaler).
func NewRouter(dialer *dial.Dialer, locations *location.Store,
	txTimers *timer.TransactionTimers, advertiseAddr string, port int, contactUser string) *Router {
	if contactUser == "" {
		contactUser = "voicegate"
	}
	return &Router{
		dialer:        dialer,
		locations:     locations,
		txTimers:      txTimers,
		prack:         newPrackTracker(),
		advertiseAddr: advertiseAddr,
		port:          port,
		contactUser:   contactUser,
		txs:           make(map[string]*serverTx),
	}
}

// SetEngine attaches the protocol engine.
func (r *Router) SetEngine(engine *call.Manager) { r.engine = engine }

// SetTransferManager attaches the transfer manager.
func (r *Router) SetTransferManager(tm *transfer.Manager) { r.transfers = tm }

// SetOutboundManager attaches the outbound call manager.
func (r *Router) SetOutboundManager(om *outbound.Manager) { r.outbound = om }

// SetOperators attaches the operator presence store. Without one, every
// callee counts as available.
func (r *Router) SetOperators(ops *operator.Store) { r.operators = ops }

func (r *Router) storeTx(callID string, req *sip.Request, tx sip.ServerTransaction) {
	r.mu.Lock()
	r.txs[callID] = &serverTx{req: req, tx: tx}
	r.mu.Unlock()
}

func (r *Router) getTx(callID string) *serverTx {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.txs[callID]
}

func retransmitID(callID string) string {
	return "uas-2xx:" + callID
}

// SendCancel aborts the outgoing leg's in-flight dial.
func (r *Router) SendCancel(s *call.CallSession) error {
	s.Lock()
	out := s.Outgoing
	s.Unlock()
	if out == nil {
		return nil
	}
	r.dialer.Cancel(out.SIPCallID)
	return nil
}

// SendBye sends BYE within the dialog of the given direction's leg.
// Legs without a confirmed dialog (no remote tag) are skipped.
func (r *Router) SendBye(s *call.CallSession, dir call.Direction) error {
	s.Lock()
	var leg *call.Leg
	var localURI string
	switch dir {
	case call.DirectionIncoming:
		leg = s.Incoming
		localURI = s.Callee
	case call.DirectionOutgoing:
		leg = s.Outgoing
		localURI = r.localURI(userPart(s.Caller))
	}
	s.Unlock()

	if leg == nil || leg.RemoteTag == "" {
		return nil
	}
	return r.dialer.SendBYE(leg, localURI)
}

// SendResponse answers the caller's pending INVITE transaction. A 200
// with a body is retransmitted on the RFC 3261 schedule until ACK stops
// it through Release of the retransmit timer.
func (r *Router) SendResponse(s *call.CallSession, code int, body string) error {
	st := r.getTx(s.ID)
	if st == nil {
		return fmt.Errorf("no pending transaction for call %s", s.ID)
	}

	resp := r.buildResponse(st, s, code, body)

	if err := st.tx.Respond(resp); err != nil {
		return fmt.Errorf("respond %d: %w", code, err)
	}

	if code == call.StatusOK && body != "" {
		st.mu.Lock()
		st.lastOK = resp
		st.mu.Unlock()
		r.txTimers.StartInvite(retransmitID(s.ID), func() {
			st.mu.Lock()
			ok := st.lastOK
			st.mu.Unlock()
			if ok == nil {
				return
			}
			if err := st.tx.Respond(ok); err != nil {
				slog.Warn("[Routing] 200 retransmit failed", "call_id", s.ID, "error", err)
			}
		}, func() {
			// No ACK ever arrived; the dialog never confirmed.
			slog.Warn("[Routing] 200 OK never acknowledged", "call_id", s.ID)
			s.Lock()
			s.Terminate(call.ReasonError)
			s.Unlock()
			r.engine.CleanupTerminatedCall(s)
		})
	}
	return nil
}

// buildResponse assembles a response on the caller's INVITE transaction:
// To tag on everything past 100, Contact and the SDP body when one is
// given, the timer option tag on 200s.
func (r *Router) buildResponse(st *serverTx, s *call.CallSession, code int, body string) *sip.Response {
	resp := sip.NewResponseFromRequest(st.req, sip.StatusCode(code), reasonPhrase(code), nil)

	s.Lock()
	localTag := s.Incoming.LocalTag
	s.Unlock()
	if to := resp.To(); to != nil && code > 100 {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", localTag)
		}
	}

	if body != "" {
		resp.AppendHeader(&sip.ContactHeader{Address: sip.Uri{
			Scheme: "sip",
			User:   r.contactUser,
			Host:   r.advertiseAddr,
			Port:   r.port,
		}})
		contentType := sip.ContentTypeHeader("application/sdp")
		resp.AppendHeader(&contentType)
		resp.SetBody([]byte(body))
	}
	if code == call.StatusOK {
		resp.AppendHeader(sip.NewHeader("Supported", "timer"))
	}
	return resp
}

// SendRefresh sends the RFC 4028 keep-alive on the call's established
// dialog: toward the callee on bridged calls, toward the caller on
// machine-answered ones.
func (r *Router) SendRefresh(s *call.CallSession) error {
	s.Lock()
	leg := s.Outgoing
	localURI := r.localURI(userPart(s.Caller))
	if leg == nil || leg.RemoteTag == "" {
		leg = s.Incoming
		localURI = s.Callee
	}
	s.Unlock()

	if leg == nil || leg.RemoteTag == "" {
		return fmt.Errorf("no confirmed dialog to refresh for call %s", s.ID)
	}
	return r.dialer.SendRefresh(leg, localURI, timer.DefaultSessionExpires)
}

// Release drops the per-call transaction state. Idempotent; every
// termination path funnels through cleanup exactly once but retries are
// harmless.
func (r *Router) Release(s *call.CallSession) {
	r.txTimers.Terminate(retransmitID(s.ID))
	r.prack.clear(s.ID)
	r.mu.Lock()
	delete(r.txs, s.ID)
	r.mu.Unlock()
}

// HangupCaller tears down the original caller's dialog on behalf of the
// transfer manager (target-side BYE propagation).
func (r *Router) HangupCaller(s *call.CallSession, reason call.TerminationReason) {
	if err := r.SendBye(s, call.DirectionIncoming); err != nil {
		slog.Warn("[Routing] BYE to caller failed", "call_id", s.ID, "error", err)
	}
	s.Lock()
	s.Terminate(reason)
	s.Unlock()
	r.engine.CleanupTerminatedCall(s)
}

// respondRaw answers a request outside any session context.
func (r *Router) respondRaw(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	if reason == "" {
		reason = reasonPhrase(code)
	}
	resp := sip.NewResponseFromRequest(req, sip.StatusCode(code), reason, nil)
	if err := tx.Respond(resp); err != nil {
		slog.Error("[Routing] Response failed",
			"method", req.Method.String(), "code", code, "error", err)
	}
}

// localURI builds our SIP identity for a given user part.
func (r *Router) localURI(user string) string {
	if user == "" {
		user = r.contactUser
	}
	return fmt.Sprintf("sip:%s@%s:%d", user, r.advertiseAddr, r.port)
}

// userPart extracts the user portion of a SIP URI.
func userPart(uri string) string {
	s := strings.TrimPrefix(uri, "sip:")
	s = strings.TrimPrefix(s, "sips:")
	if at := strings.Index(s, "@"); at >= 0 {
		return s[:at]
	}
	return s
}

// reasonPhrase maps the status codes the bridge emits to their standard
// phrases.
func reasonPhrase(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 183:
		return "Session Progress"
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 480:
		return "Temporarily Unavailable"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 500:
		return "Server Internal Error"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
