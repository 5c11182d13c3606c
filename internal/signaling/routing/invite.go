package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/hyeon/voicegate/internal/signaling/call"
	"github.com/hyeon/voicegate/internal/signaling/dial"
)

// HandleINVITE accepts a new inbound call: validates the offer, answers
// 100 Trying, resolves the callee from the location store, and dials the
// B leg. The caller hears nothing but standard responses on every
// failure path.
func (r *Router) HandleINVITE(req *sip.Request, tx sip.ServerTransaction) error {
	info := extractInviteInfo(req)
	slog.Info("[Routing] INVITE",
		"sip_call_id", info.SIPCallID, "from", info.FromURI, "to", info.ToURI)

	s, code, err := r.engine.AcceptInvite(info)
	if err != nil {
		r.respondRaw(req, tx, code, "")
		return fmt.Errorf("accept INVITE: %w", err)
	}

	if contact := req.Contact(); contact != nil {
		s.Lock()
		s.Incoming.Contact = contact.Address.String()
		s.Unlock()
	}
	r.storeTx(s.ID, req, tx)
	r.respondRaw(req, tx, code, "")

	// An away callee never rings: the machine answers on their behalf.
	if r.operators != nil && r.operators.IsAway(userPart(info.ToURI)) {
		slog.Info("[Routing] Callee is away, machine answering",
			"call_id", s.ID, "callee", info.ToURI)
		err := r.engine.AnswerWithMachine(s)
		if err == nil {
			return nil
		}
		slog.Warn("[Routing] Machine answer failed, ringing endpoint instead",
			"call_id", s.ID, "error", err)
	}

	destURI, destAddr, ok := r.resolveCallee(info.ToURI)
	if !ok {
		if err := r.SendResponse(s, 404, ""); err != nil {
			slog.Warn("[Routing] 404 failed", "call_id", s.ID, "error", err)
		}
		s.Lock()
		s.Terminate(call.ReasonRejected)
		s.Unlock()
		r.engine.CleanupTerminatedCall(s)
		return fmt.Errorf("callee not registered: %s", info.ToURI)
	}

	leg, offer, err := r.engine.CreateOutgoingInvite(s, destURI, destAddr)
	if err != nil {
		if sendErr := r.SendResponse(s, 500, ""); sendErr != nil {
			slog.Warn("[Routing] 500 failed", "call_id", s.ID, "error", sendErr)
		}
		s.Lock()
		s.Terminate(call.ReasonError)
		s.Unlock()
		r.engine.CleanupTerminatedCall(s)
		return fmt.Errorf("create outgoing leg: %w", err)
	}

	s.Lock()
	callerID := userPart(s.Caller)
	callerName := s.Incoming.DisplayName
	s.Unlock()

	go r.bridgeDial(s, dial.Request{
		Leg:        leg,
		CallerID:   callerID,
		CallerName: callerName,
		SDP:        offer,
	})
	return nil
}

// bridgeDial drives the B leg and relays its outcome to the caller. A
// cancelled dial is the engine's doing (caller CANCEL or the no-answer
// deadline); the engine has already answered the caller in that case.
func (r *Router) bridgeDial(s *call.CallSession, req dial.Request) {
	result := r.dialer.Dial(context.Background(), req, func(code int, remoteTag, body string) {
		r.engine.HandleProvisional(s, code, remoteTag)
		switch {
		case code == 180:
			if err := r.SendResponse(s, 180, ""); err != nil {
				slog.Warn("[Routing] Ringing relay failed", "call_id", s.ID, "error", err)
			}
		case code == 183 && body != "":
			progress, err := r.engine.HandleEarlyMedia(s, body)
			if err != nil {
				slog.Warn("[Routing] Early media rejected", "call_id", s.ID, "error", err)
				return
			}
			if err := r.sendSessionProgress(s, progress); err != nil {
				slog.Warn("[Routing] Session progress relay failed", "call_id", s.ID, "error", err)
			}
		}
	})

	if result.Success {
		answer, err := r.engine.Handle200OK(s, result.SDP, call.DirectionOutgoing, req.Leg.RemoteTag)
		if err != nil {
			slog.Error("[Routing] Callee answer rejected", "call_id", s.ID, "error", err)
			if byeErr := r.SendBye(s, call.DirectionOutgoing); byeErr != nil {
				slog.Warn("[Routing] BYE to callee failed", "call_id", s.ID, "error", byeErr)
			}
			r.failCall(s, 500, call.ReasonError)
			return
		}
		if err := r.SendResponse(s, call.StatusOK, answer); err != nil {
			slog.Error("[Routing] 200 relay failed", "call_id", s.ID, "error", err)
			r.failCall(s, 500, call.ReasonError)
		}
		return
	}

	if errors.Is(result.Err, context.Canceled) {
		return
	}

	slog.Info("[Routing] Callee rejected call",
		"call_id", s.ID, "code", result.Code, "reason", result.Reason)
	r.failCall(s, result.Code, call.ReasonRejected)
}

// failCall relays a final failure to the caller and retires the session.
func (r *Router) failCall(s *call.CallSession, code int, reason call.TerminationReason) {
	s.Lock()
	terminal := s.State.IsTerminal()
	s.Unlock()
	if !terminal {
		if err := r.SendResponse(s, code, ""); err != nil {
			slog.Warn("[Routing] Failure relay failed", "call_id", s.ID, "error", err)
		}
	}
	s.Lock()
	s.Terminate(reason)
	s.Unlock()
	r.engine.CleanupTerminatedCall(s)
}

// resolveCallee maps the dialed URI to a registered binding.
func (r *Router) resolveCallee(toURI string) (destURI, destAddr string, ok bool) {
	if r.locations == nil {
		return "", "", false
	}
	binding := r.locations.LookupOne(toURI)
	if binding == nil {
		bindings := r.locations.LookupByUser(userPart(toURI))
		if len(bindings) == 0 {
			return "", "", false
		}
		binding = bindings[0]
	}
	destAddr = ""
	if binding.ReceivedIP != "" && binding.ReceivedPort > 0 {
		destAddr = fmt.Sprintf("%s:%d", binding.ReceivedIP, binding.ReceivedPort)
	}
	return binding.ContactURI, destAddr, true
}

// extractInviteInfo pulls the engine's view of the INVITE out of the
// sipgo request.
func extractInviteInfo(req *sip.Request) call.InviteInfo {
	info := call.InviteInfo{
		SourceAddr: req.Source(),
		SDP:        string(req.Body()),
	}
	if callID := req.CallID(); callID != nil {
		info.SIPCallID = callID.Value()
	}
	if from := req.From(); from != nil {
		info.FromURI = from.Address.String()
		info.DisplayName = from.DisplayName
		if from.Params != nil {
			if tag, ok := from.Params.Get("tag"); ok {
				info.FromTag = tag
			}
		}
	}
	if to := req.To(); to != nil {
		info.ToURI = to.Address.String()
	}
	return info
}
