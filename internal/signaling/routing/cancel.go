package routing

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/hyeon/voicegate/internal/signaling/call"
)

// HandleCANCEL aborts a caller's pending INVITE per RFC 3261 Section 9:
// 200 to the CANCEL itself, 487 to the INVITE, and a CANCEL of our own
// on the outgoing leg.
func (r *Router) HandleCANCEL(req *sip.Request, tx sip.ServerTransaction) error {
	sipCallID := callIDValue(req)
	s, ok := r.engine.Store().FindBySIPCallID(sipCallID)
	if !ok {
		r.respondRaw(req, tx, 481, "")
		return nil
	}

	s.Lock()
	cancellable := !s.State.IsTerminal() && s.State != call.StateEstablished
	s.Unlock()

	r.respondRaw(req, tx, call.StatusOK, "")
	if !cancellable {
		slog.Debug("[Routing] CANCEL after final response", "call_id", s.ID)
		return nil
	}

	if err := r.SendResponse(s, 487, ""); err != nil {
		slog.Warn("[Routing] 487 failed", "call_id", s.ID, "error", err)
	}
	if err := r.SendCancel(s); err != nil {
		slog.Warn("[Routing] CANCEL of outgoing leg failed", "call_id", s.ID, "error", err)
	}

	r.engine.HandleBYE(s, call.DirectionIncoming, call.ReasonCancel)
	r.engine.CleanupTerminatedCall(s)
	slog.Info("[Routing] Call cancelled by caller", "call_id", s.ID)
	return nil
}
