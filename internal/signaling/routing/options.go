package routing

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/hyeon/voicegate/internal/signaling/timer"
)

const allowedMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS, PRACK, UPDATE, REGISTER"

// HandleOPTIONS answers capability probes and keep-alive pings.
func (r *Router) HandleOPTIONS(req *sip.Request, tx sip.ServerTransaction) error {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	resp.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	resp.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	resp.AppendHeader(sip.NewHeader("Supported", "timer"))
	return tx.Respond(resp)
}

// HandleUPDATE answers an in-dialog session refresh from the remote
// side. The requested interval is clamped to our RFC 4028 bounds and
// echoed back; the remote stays the refresher for the dialog.
func (r *Router) HandleUPDATE(req *sip.Request, tx sip.ServerTransaction) error {
	sipCallID := callIDValue(req)
	if _, ok := r.engine.Store().FindBySIPCallID(sipCallID); !ok {
		r.respondRaw(req, tx, 481, "")
		return nil
	}

	requested := timer.DefaultSessionExpires
	refresher := timer.RefresherUAC
	if hdr := req.GetHeader("Session-Expires"); hdr != nil {
		if expires, role, err := timer.ParseSessionExpires(hdr.Value()); err == nil {
			requested = expires
			refresher = role
		}
	}
	granted := timer.NegotiateExpires(requested)

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	resp.AppendHeader(sip.NewHeader("Supported", "timer"))
	resp.AppendHeader(sip.NewHeader("Session-Expires",
		timer.FormatSessionExpires(granted, refresher)))
	if err := tx.Respond(resp); err != nil {
		return err
	}

	slog.Debug("[Routing] Session refresh answered",
		"sip_call_id", sipCallID, "granted", granted)
	return nil
}
