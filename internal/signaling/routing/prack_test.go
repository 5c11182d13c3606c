package routing

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrackTrackerNumbersPerCall(t *testing.T) {
	p := newPrackTracker()

	assert.Equal(t, uint32(1), p.next("call-a", 10))
	assert.Equal(t, uint32(2), p.next("call-a", 10))
	assert.Equal(t, uint32(1), p.next("call-b", 7))
}

func TestPrackTrackerAckMatchesOutstanding(t *testing.T) {
	p := newPrackTracker()
	rseq := p.next("call-a", 10)

	assert.False(t, p.ack("call-a", rseq, 99), "wrong cseq must not match")
	assert.False(t, p.ack("call-a", rseq+1, 10), "unknown rseq must not match")
	assert.True(t, p.ack("call-a", rseq, 10))
	assert.False(t, p.ack("call-a", rseq, 10), "an rseq acknowledges once")
}

func TestPrackTrackerClear(t *testing.T) {
	p := newPrackTracker()
	rseq := p.next("call-a", 10)
	p.clear("call-a")

	assert.False(t, p.ack("call-a", rseq, 10))
	assert.Equal(t, uint32(1), p.next("call-a", 11), "numbering restarts after clear")
}

func TestParseRAck(t *testing.T) {
	rseq, cseq, method, err := parseRAck("3 42 INVITE")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), rseq)
	assert.Equal(t, uint32(42), cseq)
	assert.Equal(t, "INVITE", method)

	_, _, _, err = parseRAck("3 42")
	assert.Error(t, err)
	_, _, _, err = parseRAck("three 42 INVITE")
	assert.Error(t, err)
	_, _, _, err = parseRAck("3 fortytwo INVITE")
	assert.Error(t, err)
}

func newInviteWith(headers ...sip.Header) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "1003", Host: "voicegate.local"})
	for _, h := range headers {
		req.AppendHeader(h)
	}
	return req
}

func TestSupports100rel(t *testing.T) {
	assert.False(t, supports100rel(newInviteWith()))
	assert.True(t, supports100rel(newInviteWith(sip.NewHeader("Supported", "replaces, 100rel"))))
	assert.True(t, supports100rel(newInviteWith(sip.NewHeader("Require", "100rel"))))
	assert.True(t, supports100rel(newInviteWith(sip.NewHeader("Supported", "100REL"))),
		"option tags compare case-insensitively")
	assert.False(t, supports100rel(newInviteWith(sip.NewHeader("Supported", "timer"))))
}
