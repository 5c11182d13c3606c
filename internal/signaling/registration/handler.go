// Package registration implements the SIP registrar: REGISTER request
// processing, binding creation, and NAT-aware response generation per
// RFC 3261 Section 10.
package registration

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/hyeon/voicegate/internal/signaling/location"
)

// Handler processes REGISTER requests against the location store.
type Handler struct {
	store          *location.Store
	defaultExpires int
}

// NewHandler creates a registration handler.
func NewHandler(store *location.Store, defaultExpires int) *Handler {
	if defaultExpires <= 0 {
		defaultExpires = 3600
	}
	return &Handler{
		store:          store,
		defaultExpires: defaultExpires,
	}
}

// HandleRegister processes a REGISTER request.
func (h *Handler) HandleRegister(req *sip.Request, tx sip.ServerTransaction) error {
	from := req.From()
	to := req.To()
	if from == nil || to == nil {
		return h.respond(req, tx, 400, "Bad Request")
	}

	aor := normalizeAOR(to.Address.String())
	srcIP, srcPort := parseSourceAddr(req.Source())
	transport := "udp"
	if via := req.Via(); via != nil {
		transport = strings.ToLower(via.Transport)
	}

	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	var cseq uint32
	if cs := req.CSeq(); cs != nil {
		cseq = cs.SeqNo
	}
	userAgent := ""
	if ua := req.GetHeader("User-Agent"); ua != nil {
		userAgent = ua.Value()
	}

	contact := req.Contact()

	// Wildcard deregistration: Contact: * with Expires: 0 removes all
	// bindings for the AOR.
	if contact != nil && contact.Address.Host == "*" {
		if expiresHeaderValue(req) != 0 {
			return h.respond(req, tx, 400, "Bad Request")
		}
		if err := h.store.Unregister(aor, "", true); err != nil {
			slog.Warn("[Registration] Wildcard unregister failed", "aor", aor, "error", err)
		}
		slog.Info("[Registration] Deregistered all", "aor", aor, "source", req.Source())
		return h.respondOK(req, tx, aor, nil)
	}

	// A REGISTER with no Contact is a query: return current bindings.
	if contact == nil {
		bindings := h.store.Lookup(aor)
		return h.respondOK(req, tx, aor, bindings)
	}

	expires := h.resolveExpires(req, contact)

	if expires == 0 {
		bindingID := location.GenerateBindingID(contact.Address.String(), extractInstanceID(contact))
		if err := h.store.Unregister(aor, bindingID, false); err != nil {
			slog.Debug("[Registration] Unregister of unknown binding", "aor", aor, "error", err)
		}
		slog.Info("[Registration] Deregistered", "aor", aor, "contact", contact.Address.String())
		return h.respondOK(req, tx, aor, h.store.Lookup(aor))
	}

	binding := &location.Binding{
		AOR:          aor,
		ContactURI:   contact.Address.String(),
		ReceivedIP:   srcIP,
		ReceivedPort: srcPort,
		Transport:    transport,
		InstanceID:   extractInstanceID(contact),
		QValue:       extractQValue(contact),
		Expires:      expires,
		CallID:       callID,
		CSeq:         cseq,
		UserAgent:    userAgent,
	}

	registered, err := h.store.Register(binding)
	if err != nil {
		if err == location.ErrIntervalTooBrief {
			return h.sendIntervalTooBrief(req, tx)
		}
		slog.Warn("[Registration] Register failed", "aor", aor, "error", err)
		return h.respond(req, tx, 500, "Server Internal Error")
	}

	slog.Info("[Registration] Registered",
		"aor", aor,
		"contact", registered.ContactURI,
		"expires", registered.Expires,
		"source", req.Source())
	return h.respondOK(req, tx, aor, h.store.Lookup(aor))
}

// resolveExpires determines the requested expiration: the contact's
// expires parameter wins over the Expires header, which wins over the
// server default.
func (h *Handler) resolveExpires(req *sip.Request, contact *sip.ContactHeader) int {
	if val, ok := contact.Params.Get("expires"); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	if n := expiresHeaderValue(req); n >= 0 {
		return n
	}
	return h.defaultExpires
}

// expiresHeaderValue returns the Expires header value, or -1 when the
// header is absent or malformed.
func expiresHeaderValue(req *sip.Request) int {
	hdr := req.GetHeader("Expires")
	if hdr == nil {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(hdr.Value()))
	if err != nil {
		return -1
	}
	return n
}

func (h *Handler) respondOK(req *sip.Request, tx sip.ServerTransaction, aor string, bindings []*location.Binding) error {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	addViaParams(req, res)
	addDateHeader(res)

	for _, b := range bindings {
		if b.IsExpired() {
			continue
		}
		var uri sip.Uri
		if err := sip.ParseUri(b.ContactURI, &uri); err != nil {
			continue
		}
		ch := sip.ContactHeader{
			Address: uri,
			Params:  sip.NewParams(),
		}
		ch.Params.Add("expires", strconv.Itoa(int(b.TTL().Seconds())))
		if b.QValue > 0 && b.QValue != 1.0 {
			ch.Params.Add("q", fmt.Sprintf("%.1f", b.QValue))
		}
		res.AppendHeader(&ch)
	}

	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("failed to send 200 OK for %s: %w", aor, err)
	}
	return nil
}

func (h *Handler) sendIntervalTooBrief(req *sip.Request, tx sip.ServerTransaction) error {
	res := sip.NewResponseFromRequest(req, 423, "Interval Too Brief", nil)
	addViaParams(req, res)
	res.AppendHeader(sip.NewHeader("Min-Expires", strconv.Itoa(h.store.MinExpires())))
	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("failed to send 423: %w", err)
	}
	return nil
}

func (h *Handler) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) error {
	res := sip.NewResponseFromRequest(req, sip.StatusCode(code), reason, nil)
	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("failed to send %d: %w", code, err)
	}
	return nil
}

// addViaParams adds received and rport parameters to the top Via of the
// response, per RFC 3581. NAT'd clients learn their public address from
// these.
func addViaParams(req *sip.Request, res *sip.Response) {
	via := res.Via()
	if via == nil {
		return
	}
	srcIP, srcPort := parseSourceAddr(req.Source())
	if srcIP != "" && srcIP != via.Host {
		via.Params.Add("received", srcIP)
	}
	if _, hasRport := via.Params.Get("rport"); hasRport && srcPort > 0 {
		via.Params.Add("rport", strconv.Itoa(srcPort))
	}
}

// addDateHeader adds an RFC 1123 Date header so clients can sync clocks.
func addDateHeader(res *sip.Response) {
	res.AppendHeader(sip.NewHeader("Date", time.Now().UTC().Format(time.RFC1123)))
}

// extractInstanceID returns the +sip.instance contact parameter, used to
// identify a device across re-registrations (RFC 5626).
func extractInstanceID(contact *sip.ContactHeader) string {
	if contact.Params == nil {
		return ""
	}
	val, _ := contact.Params.Get("+sip.instance")
	return strings.Trim(val, "\"<>")
}

// extractQValue returns the contact q parameter, 0 when absent.
func extractQValue(contact *sip.ContactHeader) float32 {
	if contact.Params == nil {
		return 0
	}
	val, ok := contact.Params.Get("q")
	if !ok {
		return 0
	}
	q, err := strconv.ParseFloat(val, 32)
	if err != nil {
		return 0
	}
	return float32(q)
}

// normalizeAOR strips display name artifacts and parameters, keeping
// the bare scheme:user@host form.
func normalizeAOR(addr string) string {
	s := strings.Trim(addr, "<>")
	if i := strings.Index(s, ";"); i >= 0 {
		s = s[:i]
	}
	return s
}

// parseSourceAddr splits "ip:port" into parts. Port is 0 when absent or
// malformed.
func parseSourceAddr(source string) (string, int) {
	host, portStr, err := net.SplitHostPort(source)
	if err != nil {
		return source, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}
