// Package dial originates and tears down outgoing SIP dialogs: the
// callee-facing leg of a bridged call, transfer-target legs, and
// server-initiated outbound calls all go through the same Dialer.
package dial

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/hyeon/voicegate/internal/signaling/call"
	"github.com/hyeon/voicegate/internal/signaling/timer"
)

// Config holds the dialer's identity and transport.
type Config struct {
	Client        *sipgo.Client
	AdvertiseAddr string
	Port          int

	// ContactUser is the user part of our Contact URI.
	ContactUser string

	// DialTimeout bounds how long an INVITE may go unanswered before we
	// CANCEL it ourselves.
	DialTimeout time.Duration

	// Timers runs non-INVITE requests (BYE, UPDATE, CANCEL) on the
	// Timer F schedule. When nil, a flat default bound applies.
	Timers *timer.TransactionTimers
}

// Request describes one outgoing INVITE.
type Request struct {
	// Leg is the outgoing leg created by the engine; its SIPCallID and
	// LocalTag become the new dialog's identity.
	Leg *call.Leg

	CallerID   string
	CallerName string

	// SDP is the offer body, already rewritten to bridge-owned media.
	SDP string

	// Timeout overrides Config.DialTimeout when non-zero.
	Timeout time.Duration
}

// Result is the final outcome of a dial.
type Result struct {
	Success bool
	Code    int
	Reason  string

	// SDP is the far end's answer body on success.
	SDP string

	Err error
}

// Dialer sends INVITEs and in-dialog requests over a shared sipgo client.
type Dialer struct {
	cfg Config

	mu      sync.Mutex
	pending map[string]context.CancelFunc
}

// NewDialer creates a dialer.
func NewDialer(cfg Config) *Dialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 60 * time.Second
	}
	if cfg.ContactUser == "" {
		cfg.ContactUser = "voicegate"
	}
	return &Dialer{cfg: cfg, pending: make(map[string]context.CancelFunc)}
}

// Dial sends the INVITE and blocks through the response flow: provisional
// responses are reported through onProvisional, a 2xx is ACKed and
// returned, failures and timeouts come back as a non-success Result.
// Cancel (or the parent context) aborts the dial with a CANCEL.
func (d *Dialer) Dial(ctx context.Context, req Request, onProvisional func(code int, remoteTag, body string)) *Result {
	invite, err := d.buildINVITE(req)
	if err != nil {
		return &Result{Code: 400, Reason: "Bad Request", Err: err}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.mu.Lock()
	d.pending[req.Leg.SIPCallID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, req.Leg.SIPCallID)
		d.mu.Unlock()
	}()

	tx, err := d.cfg.Client.TransactionRequest(dialCtx, invite)
	if err != nil {
		return &Result{Code: 503, Reason: "Transaction failed", Err: err}
	}

	slog.Info("[Dial] INVITE sent",
		"sip_call_id", req.Leg.SIPCallID,
		"target", invite.Recipient.String())

	for {
		select {
		case <-dialCtx.Done():
			_ = d.sendCANCEL(req.Leg, invite)
			if ctx.Err() != nil {
				return &Result{Code: 487, Reason: "Request Terminated", Err: ctx.Err()}
			}
			return &Result{Code: 408, Reason: "Request Timeout", Err: context.DeadlineExceeded}

		case resp := <-tx.Responses():
			if resp == nil {
				return &Result{Code: 408, Reason: "No Response", Err: fmt.Errorf("transaction closed without response")}
			}
			if result := d.handleResponse(req, resp, invite, onProvisional); result != nil {
				return result
			}

		case <-tx.Done():
			return &Result{Code: 500, Reason: "Transaction terminated", Err: fmt.Errorf("transaction done before final response")}
		}
	}
}

// requestContext bounds one non-INVITE client transaction by Timer F.
// The returned stop func retires the timer entry and must run when the
// request finishes, answered or not.
func (d *Dialer) requestContext(txID string) (context.Context, func()) {
	if d.cfg.Timers == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 32*time.Second)
		return ctx, cancel
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cfg.Timers.StartNonInvite(txID, 0, cancel)
	return ctx, func() {
		d.cfg.Timers.Terminate(txID)
		cancel()
	}
}

// finishRequest reports a final response for the transaction, stopping
// its Timer F early.
func (d *Dialer) finishRequest(txID string) {
	if d.cfg.Timers != nil {
		d.cfg.Timers.OnFinalResponse(txID)
	}
}

// Cancel aborts an in-flight dial for the outgoing leg's Call-ID. No-op
// when the dial already finished.
func (d *Dialer) Cancel(sipCallID string) {
	d.mu.Lock()
	cancel := d.pending[sipCallID]
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// handleResponse processes one response. Returns nil to keep waiting.
func (d *Dialer) handleResponse(req Request, resp *sip.Response, invite *sip.Request, onProvisional func(int, string, string)) *Result {
	code := int(resp.StatusCode)
	remoteTag := ""
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			remoteTag = tag
		}
	}

	switch {
	case code == 100:
		return nil

	case code < 200:
		slog.Info("[Dial] Provisional", "sip_call_id", req.Leg.SIPCallID, "code", code)
		if onProvisional != nil {
			onProvisional(code, remoteTag, string(resp.Body()))
		}
		return nil

	case code < 300:
		req.Leg.RemoteTag = remoteTag
		if contact := resp.Contact(); contact != nil {
			req.Leg.Contact = contact.Address.String()
		}
		req.Leg.RemoteAddr = resp.Source()
		if err := d.sendACK(req.Leg, resp, invite); err != nil {
			slog.Error("[Dial] ACK failed", "sip_call_id", req.Leg.SIPCallID, "error", err)
		}
		slog.Info("[Dial] Answered", "sip_call_id", req.Leg.SIPCallID, "code", code)
		return &Result{Success: true, Code: code, Reason: resp.Reason, SDP: string(resp.Body())}

	default:
		slog.Info("[Dial] Rejected",
			"sip_call_id", req.Leg.SIPCallID, "code", code, "reason", resp.Reason)
		return &Result{Code: code, Reason: resp.Reason}
	}
}

// buildINVITE assembles the out-of-dialog INVITE for the leg.
func (d *Dialer) buildINVITE(req Request) (*sip.Request, error) {
	var requestURI sip.Uri
	if err := sip.ParseUri(req.Leg.RemoteURI, &requestURI); err != nil {
		return nil, fmt.Errorf("invalid target URI %q: %w", req.Leg.RemoteURI, err)
	}

	invite := sip.NewRequest(sip.INVITE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromURI := sip.Uri{
		Scheme: "sip",
		User:   req.CallerID,
		Host:   d.cfg.AdvertiseAddr,
		Port:   d.cfg.Port,
	}
	fromParams := sip.NewParams()
	fromParams.Add("tag", req.Leg.LocalTag)
	invite.AppendHeader(&sip.FromHeader{
		DisplayName: req.CallerName,
		Address:     fromURI,
		Params:      fromParams,
	})

	var toURI sip.Uri
	_ = sip.ParseUri(req.Leg.RemoteURI, &toURI)
	invite.AppendHeader(&sip.ToHeader{Address: toURI, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(req.Leg.SIPCallID)
	invite.AppendHeader(&callIDHdr)

	invite.AppendHeader(&sip.CSeqHeader{SeqNo: req.Leg.CSeq, MethodName: sip.INVITE})

	contactURI := sip.Uri{
		Scheme: "sip",
		User:   d.cfg.ContactUser,
		Host:   d.cfg.AdvertiseAddr,
		Port:   d.cfg.Port,
	}
	invite.AppendHeader(&sip.ContactHeader{Address: contactURI})

	// Offer RFC 4028 session refresh on every dialog we originate.
	invite.AppendHeader(sip.NewHeader("Supported", "timer"))
	invite.AppendHeader(sip.NewHeader("Session-Expires",
		timer.FormatSessionExpires(timer.DefaultSessionExpires, timer.RefresherUAC)))

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody([]byte(req.SDP))

	if req.Leg.RemoteAddr != "" {
		invite.SetDestination(req.Leg.RemoteAddr)
	}
	return invite, nil
}

// sendACK confirms a 2xx. The Request-URI is the remote target from the
// response's Contact per RFC 3261 Section 13.2.2.4.
func (d *Dialer) sendACK(leg *call.Leg, resp *sip.Response, invite *sip.Request) error {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)

	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	destAddr := resp.Source()
	if destAddr == "" {
		port := requestURI.Port
		if port == 0 {
			port = 5060
		}
		destAddr = fmt.Sprintf("%s:%d", requestURI.Host, port)
	}
	ack.SetDestination(destAddr)

	// Sent through the shared listener socket so the far end sees the
	// same source address the dialog was created from. Bounded so a
	// stuck transport cannot wedge the response loop.
	ackDone := make(chan error, 1)
	go func() {
		ackDone <- d.cfg.Client.WriteRequest(ack)
	}()
	select {
	case err := <-ackDone:
		if err != nil {
			return fmt.Errorf("write ACK: %w", err)
		}
	case <-time.After(5 * time.Second):
		return fmt.Errorf("ACK write timed out")
	}
	return nil
}

// sendCANCEL cancels the pending INVITE per RFC 3261 Section 9.1: same
// Via, From, To, Call-ID, and CSeq number as the INVITE.
func (d *Dialer) sendCANCEL(leg *call.Leg, invite *sip.Request) error {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	txID := "cancel:" + leg.SIPCallID
	ctx, stop := d.requestContext(txID)
	defer stop()

	tx, err := d.cfg.Client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		return fmt.Errorf("send CANCEL: %w", err)
	}
	select {
	case <-tx.Responses():
		d.finishRequest(txID)
	case <-tx.Done():
	case <-ctx.Done():
	}

	slog.Info("[Dial] CANCEL sent", "sip_call_id", leg.SIPCallID)
	return nil
}

// SendBYE terminates an answered dialog on the given leg. localURI is our
// identity in that dialog (the INVITE's From for legs we originated, its
// To for legs we answered).
func (d *Dialer) SendBYE(leg *call.Leg, localURI string) error {
	if leg == nil || leg.RemoteTag == "" {
		return nil
	}

	target := leg.Contact
	if target == "" {
		target = leg.RemoteURI
	}
	var requestURI sip.Uri
	if err := sip.ParseUri(target, &requestURI); err != nil {
		return fmt.Errorf("parse BYE target %q: %w", target, err)
	}

	var toURI sip.Uri
	if err := sip.ParseUri(leg.RemoteURI, &toURI); err != nil {
		toURI = requestURI
	}
	var fromURI sip.Uri
	if err := sip.ParseUri(localURI, &fromURI); err != nil {
		fromURI = sip.Uri{
			Scheme: "sip",
			User:   d.cfg.ContactUser,
			Host:   d.cfg.AdvertiseAddr,
			Port:   d.cfg.Port,
		}
	}

	bye := sip.NewRequest(sip.BYE, requestURI)
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", leg.LocalTag)
	bye.AppendHeader(&sip.FromHeader{Address: fromURI, Params: fromParams})

	toParams := sip.NewParams()
	toParams.Add("tag", leg.RemoteTag)
	bye.AppendHeader(&sip.ToHeader{Address: toURI, Params: toParams})

	callIDHdr := sip.CallIDHeader(leg.SIPCallID)
	bye.AppendHeader(&callIDHdr)

	leg.CSeq++
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: leg.CSeq, MethodName: sip.BYE})

	destAddr := leg.RemoteAddr
	if destAddr == "" {
		port := requestURI.Port
		if port == 0 {
			port = 5060
		}
		destAddr = fmt.Sprintf("%s:%d", requestURI.Host, port)
	}
	bye.SetDestination(destAddr)

	slog.Info("[Dial] Sending BYE",
		"sip_call_id", leg.SIPCallID, "dest", destAddr, "direction", leg.Direction.String())

	txID := fmt.Sprintf("bye:%s:%d", leg.SIPCallID, leg.CSeq)
	ctx, stop := d.requestContext(txID)
	defer stop()

	tx, err := d.cfg.Client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	select {
	case <-tx.Responses():
		d.finishRequest(txID)
	case <-tx.Done():
	case <-ctx.Done():
		slog.Warn("[Dial] BYE timed out", "sip_call_id", leg.SIPCallID)
	}
	return nil
}

// SendRefresh sends an in-dialog UPDATE carrying Session-Expires, the
// RFC 4028 keep-alive for an established call.
func (d *Dialer) SendRefresh(leg *call.Leg, localURI string, expires time.Duration) error {
	if leg == nil || leg.RemoteTag == "" {
		return fmt.Errorf("no established dialog to refresh")
	}

	target := leg.Contact
	if target == "" {
		target = leg.RemoteURI
	}
	var requestURI sip.Uri
	if err := sip.ParseUri(target, &requestURI); err != nil {
		return fmt.Errorf("parse refresh target %q: %w", target, err)
	}

	var toURI sip.Uri
	if err := sip.ParseUri(leg.RemoteURI, &toURI); err != nil {
		toURI = requestURI
	}
	var fromURI sip.Uri
	if err := sip.ParseUri(localURI, &fromURI); err != nil {
		fromURI = sip.Uri{Scheme: "sip", User: d.cfg.ContactUser, Host: d.cfg.AdvertiseAddr, Port: d.cfg.Port}
	}

	update := sip.NewRequest(sip.UPDATE, requestURI)
	maxFwd := sip.MaxForwardsHeader(70)
	update.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", leg.LocalTag)
	update.AppendHeader(&sip.FromHeader{Address: fromURI, Params: fromParams})

	toParams := sip.NewParams()
	toParams.Add("tag", leg.RemoteTag)
	update.AppendHeader(&sip.ToHeader{Address: toURI, Params: toParams})

	callIDHdr := sip.CallIDHeader(leg.SIPCallID)
	update.AppendHeader(&callIDHdr)

	leg.CSeq++
	update.AppendHeader(&sip.CSeqHeader{SeqNo: leg.CSeq, MethodName: sip.UPDATE})
	update.AppendHeader(sip.NewHeader("Supported", "timer"))
	update.AppendHeader(sip.NewHeader("Session-Expires",
		timer.FormatSessionExpires(expires, timer.RefresherUAC)))

	if leg.RemoteAddr != "" {
		update.SetDestination(leg.RemoteAddr)
	}

	txID := fmt.Sprintf("update:%s:%d", leg.SIPCallID, leg.CSeq)
	ctx, stop := d.requestContext(txID)
	defer stop()

	tx, err := d.cfg.Client.TransactionRequest(ctx, update)
	if err != nil {
		return fmt.Errorf("send UPDATE: %w", err)
	}
	select {
	case resp := <-tx.Responses():
		d.finishRequest(txID)
		if resp != nil && resp.StatusCode >= 300 {
			return fmt.Errorf("refresh rejected with %d", resp.StatusCode)
		}
	case <-tx.Done():
	case <-ctx.Done():
		return fmt.Errorf("refresh timed out: %w", ctx.Err())
	}

	slog.Debug("[Dial] Session refreshed", "sip_call_id", leg.SIPCallID)
	return nil
}
