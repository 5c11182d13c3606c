package routing

import (
	"log/slog"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/hyeon/voicegate/internal/signaling/registration"
)

// handlerFunc is a request handler that reports its failure instead of
// swallowing it.
type handlerFunc func(req *sip.Request, tx sip.ServerTransaction) error

// boundary wraps a handler with the uniform error edge: every failure is
// logged with its dialog context and never escapes into sipgo.
func boundary(method string, h handlerFunc) func(*sip.Request, sip.ServerTransaction) {
	return func(req *sip.Request, tx sip.ServerTransaction) {
		if err := h(req, tx); err != nil {
			slog.Error("[Routing] "+method+" handling failed",
				"sip_call_id", callIDValue(req),
				"source", req.Source(),
				"error", err)
		}
	}
}

// Attach registers every method handler on the sipgo server.
func (r *Router) Attach(srv *sipgo.Server, reg *registration.Handler) {
	srv.OnInvite(boundary("INVITE", r.HandleINVITE))
	srv.OnAck(boundary("ACK", r.HandleACK))
	srv.OnBye(boundary("BYE", r.HandleBYE))
	srv.OnCancel(boundary("CANCEL", r.HandleCANCEL))
	srv.OnOptions(boundary("OPTIONS", r.HandleOPTIONS))
	srv.OnRequest(sip.UPDATE, boundary("UPDATE", r.HandleUPDATE))
	srv.OnRequest(sip.PRACK, boundary("PRACK", r.HandlePRACK))
	if reg != nil {
		srv.OnRegister(boundary("REGISTER", reg.HandleRegister))
	}
}
