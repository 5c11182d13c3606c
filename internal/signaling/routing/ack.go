package routing

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/hyeon/voicegate/internal/signaling/call"
)

// HandleACK confirms a 2xx we sent on the caller's dialog: the 200
// retransmission stops and the call establishes. Stray ACKs are absorbed
// silently per RFC 3261 Section 13.2.2.4.
func (r *Router) HandleACK(req *sip.Request, tx sip.ServerTransaction) error {
	sipCallID := callIDValue(req)
	s, ok := r.engine.Store().FindBySIPCallID(sipCallID)
	if !ok {
		slog.Debug("[Routing] ACK for unknown dialog", "sip_call_id", sipCallID)
		return nil
	}

	s.Lock()
	isIncoming := s.Incoming != nil && s.Incoming.SIPCallID == sipCallID
	s.Unlock()
	if !isIncoming {
		return nil
	}

	r.txTimers.Terminate(retransmitID(s.ID))
	r.engine.HandleACK(s, call.DirectionIncoming)
	return nil
}

func callIDValue(req *sip.Request) string {
	if callID := req.CallID(); callID != nil {
		return callID.Value()
	}
	return ""
}
