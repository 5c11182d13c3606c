package routing

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/hyeon/voicegate/internal/signaling/call"
)

// prackTracker implements the bridge's side of RFC 3262: RSeq numbering
// for reliable 183s toward the caller and matching of the PRACKs that
// acknowledge them. One RSeq sequence per call, starting at 1.
type prackTracker struct {
	mu       sync.Mutex
	lastRSeq map[string]uint32
	// pending maps call id -> rseq -> the INVITE CSeq the reliable
	// response was sent on.
	pending map[string]map[uint32]uint32
}

func newPrackTracker() *prackTracker {
	return &prackTracker{
		lastRSeq: make(map[string]uint32),
		pending:  make(map[string]map[uint32]uint32),
	}
}

// next allocates the call's next RSeq and records it as awaiting PRACK.
func (p *prackTracker) next(callID string, cseq uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastRSeq[callID]++
	rseq := p.lastRSeq[callID]
	if p.pending[callID] == nil {
		p.pending[callID] = make(map[uint32]uint32)
	}
	p.pending[callID][rseq] = cseq
	return rseq
}

// ack consumes a PRACK's RAck triple. It succeeds only when the rseq is
// awaiting acknowledgement and the cseq matches the response it covered.
func (p *prackTracker) ack(callID string, rseq, cseq uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	wantCSeq, ok := p.pending[callID][rseq]
	if !ok || wantCSeq != cseq {
		return false
	}
	delete(p.pending[callID], rseq)
	if len(p.pending[callID]) == 0 {
		delete(p.pending, callID)
	}
	return true
}

// clear drops all PRACK state for a finished call.
func (p *prackTracker) clear(callID string) {
	p.mu.Lock()
	delete(p.lastRSeq, callID)
	delete(p.pending, callID)
	p.mu.Unlock()
}

// parseRAck splits an RAck header value, "rseq cseq method".
func parseRAck(value string) (rseq, cseq uint32, method string, err error) {
	parts := strings.Fields(value)
	if len(parts) != 3 {
		return 0, 0, "", fmt.Errorf("malformed RAck %q", value)
	}
	r, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, "", fmt.Errorf("malformed RAck rseq %q: %w", parts[0], err)
	}
	c, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, "", fmt.Errorf("malformed RAck cseq %q: %w", parts[1], err)
	}
	return uint32(r), uint32(c), parts[2], nil
}

// supports100rel reports whether the request advertised RFC 3262
// reliable provisionals in a Supported or Require header.
func supports100rel(req *sip.Request) bool {
	for _, name := range []string{"Supported", "Require"} {
		for _, h := range req.GetHeaders(name) {
			if strings.Contains(strings.ToLower(h.Value()), "100rel") {
				return true
			}
		}
	}
	return false
}

// sendSessionProgress relays a 183 with early media toward the caller.
// When the caller offered 100rel the response goes out reliably, with
// RSeq and Require headers, and must be PRACKed.
func (r *Router) sendSessionProgress(s *call.CallSession, body string) error {
	st := r.getTx(s.ID)
	if st == nil {
		return fmt.Errorf("no pending transaction for call %s", s.ID)
	}

	resp := r.buildResponse(st, s, 183, body)
	if supports100rel(st.req) {
		var cseq uint32
		if c := st.req.CSeq(); c != nil {
			cseq = c.SeqNo
		}
		rseq := r.prack.next(s.ID, cseq)
		resp.AppendHeader(sip.NewHeader("Require", "100rel"))
		resp.AppendHeader(sip.NewHeader("RSeq", strconv.FormatUint(uint64(rseq), 10)))
		slog.Info("[Routing] Reliable 183 sent", "call_id", s.ID, "rseq", rseq)
	}
	if err := st.tx.Respond(resp); err != nil {
		return fmt.Errorf("respond 183: %w", err)
	}
	return nil
}

// HandlePRACK acknowledges a reliable provisional response. A PRACK
// whose RAck matches nothing outstanding gets 481, a malformed one 400.
func (r *Router) HandlePRACK(req *sip.Request, tx sip.ServerTransaction) error {
	s, ok := r.engine.Store().FindBySIPCallID(callIDValue(req))
	if !ok {
		r.respondRaw(req, tx, 481, "")
		return fmt.Errorf("PRACK for unknown dialog %s", callIDValue(req))
	}

	rack := req.GetHeader("RAck")
	if rack == nil {
		r.respondRaw(req, tx, 400, "")
		return fmt.Errorf("PRACK without RAck for call %s", s.ID)
	}
	rseq, cseq, method, err := parseRAck(rack.Value())
	if err != nil || method != "INVITE" {
		r.respondRaw(req, tx, 400, "")
		return fmt.Errorf("PRACK with bad RAck %q for call %s", rack.Value(), s.ID)
	}

	if !r.prack.ack(s.ID, rseq, cseq) {
		r.respondRaw(req, tx, 481, "")
		return fmt.Errorf("PRACK matches no outstanding response for call %s rseq %d", s.ID, rseq)
	}

	slog.Debug("[Routing] PRACK acknowledged", "call_id", s.ID, "rseq", rseq)
	r.respondRaw(req, tx, 200, "")
	return nil
}
