package routing

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/hyeon/voicegate/internal/signaling/call"
)

// HandleBYE routes an in-dialog BYE to whichever record owns the dialog:
// an outbound call, a transfer leg, or one side of a bridged call. The
// other side of a bridge always gets a BYE of its own; a half-torn-down
// call is never left behind.
func (r *Router) HandleBYE(req *sip.Request, tx sip.ServerTransaction) error {
	sipCallID := callIDValue(req)

	if r.outbound != nil && r.outbound.HandleBYE(sipCallID) {
		r.respondRaw(req, tx, call.StatusOK, "")
		return nil
	}

	if r.transfers != nil {
		if rec, ok := r.transfers.FindByTransferLeg(sipCallID); ok {
			if s, found := r.engine.Store().Get(rec.CallID); found {
				r.transfers.HandleTransferBYE(sipCallID, s)
				r.respondRaw(req, tx, call.StatusOK, "")
				return nil
			}
		}
	}

	s, ok := r.engine.Store().FindBySIPCallID(sipCallID)
	if !ok {
		r.respondRaw(req, tx, 481, "")
		slog.Debug("[Routing] BYE for unknown dialog", "sip_call_id", sipCallID)
		return nil
	}

	s.Lock()
	dir := call.DirectionOutgoing
	if s.Incoming != nil && s.Incoming.SIPCallID == sipCallID {
		dir = call.DirectionIncoming
	}
	s.Unlock()

	// A caller hangup during an active transfer tears the transfer
	// dialog down too.
	if dir == call.DirectionIncoming && r.transfers != nil {
		r.transfers.HandleCallerBYE(s)
	}

	code := r.engine.HandleBYE(s, dir, call.ReasonNormal)
	r.respondRaw(req, tx, code, "")

	other := call.DirectionOutgoing
	if dir == call.DirectionOutgoing {
		other = call.DirectionIncoming
	}
	if err := r.SendBye(s, other); err != nil {
		slog.Warn("[Routing] BYE propagation failed",
			"call_id", s.ID, "direction", other.String(), "error", err)
	}

	r.engine.CleanupTerminatedCall(s)
	return nil
}
