package sdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOffer = "v=0\r\n" +
	"o=alice 2890844526 2890844527 IN IP4 192.168.1.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.168.1.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0 8 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=fmtp:101 0-15\r\n" +
	"a=rtcp:49171 IN IP4 192.168.1.10\r\n" +
	"a=sendrecv\r\n"

func TestReplaceConnectionAddress(t *testing.T) {
	out := ReplaceConnectionAddress(sampleOffer, "10.0.0.5")
	assert.Contains(t, out, "c=IN IP4 10.0.0.5\r\n")
	assert.NotContains(t, out, "c=IN IP4 192.168.1.10")
	// Origin line untouched.
	assert.Contains(t, out, "o=alice 2890844526 2890844527 IN IP4 192.168.1.10\r\n")
}

func TestReplaceOriginAddressKeepsIdentity(t *testing.T) {
	out := ReplaceOriginAddress(sampleOffer, "10.0.0.5")
	assert.Contains(t, out, "o=alice 2890844526 2890844527 IN IP4 10.0.0.5\r\n")
}

func TestReplaceMediaPortPreservesFormats(t *testing.T) {
	out := ReplaceMediaPort(sampleOffer, "audio", 20000)
	assert.Contains(t, out, "m=audio 20000 RTP/AVP 0 8 101\r\n")
}

func TestReplaceMediaPortIgnoresOtherMedia(t *testing.T) {
	desc := sampleOffer + "m=video 51372 RTP/AVP 31\r\n"
	out := ReplaceMediaPort(desc, "audio", 20000)
	assert.Contains(t, out, "m=video 51372 RTP/AVP 31\r\n")
}

func TestReplaceRTCPPort(t *testing.T) {
	out := ReplaceRTCPPort(sampleOffer, 20001, "10.0.0.5")
	assert.Contains(t, out, "a=rtcp:20001 IN IP4 10.0.0.5\r\n")
}

func TestStripVendorAttributes(t *testing.T) {
	desc := sampleOffer +
		"a=X-nat:auto\r\n" +
		"a=x-vendor-hint:1\r\n"
	out := StripVendorAttributes(desc)
	assert.NotContains(t, out, "a=X-nat")
	assert.NotContains(t, out, "a=x-vendor-hint")
	// Standard attributes survive.
	assert.Contains(t, out, "a=sendrecv\r\n")
}

// Rewriting to the bridge's values and back to the original values must
// reproduce the input byte for byte.
func TestRewriteRoundTrip(t *testing.T) {
	out := ReplaceConnectionAddress(sampleOffer, "10.0.0.5")
	out = ReplaceOriginAddress(out, "10.0.0.5")
	out = ReplaceMediaPort(out, "audio", 20000)
	out = ReplaceRTCPPort(out, 20001, "10.0.0.5")

	back := ReplaceConnectionAddress(out, "192.168.1.10")
	back = ReplaceOriginAddress(back, "192.168.1.10")
	back = ReplaceMediaPort(back, "audio", 49170)
	back = ReplaceRTCPPort(back, 49171, "192.168.1.10")

	assert.Equal(t, sampleOffer, back)
}

func TestRewritePreservesBareLFTerminators(t *testing.T) {
	desc := strings.ReplaceAll(sampleOffer, "\r\n", "\n")
	out := ReplaceConnectionAddress(desc, "10.0.0.5")
	assert.NotContains(t, out, "\r")
	assert.Contains(t, out, "c=IN IP4 10.0.0.5\n")
}

func TestRewriteForRelay(t *testing.T) {
	desc := sampleOffer + "a=X-nat:auto\r\n"
	out := RewriteForRelay(desc, "10.0.0.5", 20000)

	assert.Contains(t, out, "c=IN IP4 10.0.0.5\r\n")
	assert.Contains(t, out, "m=audio 20000 RTP/AVP 0 8 101\r\n")
	assert.Contains(t, out, "a=rtcp:20001 IN IP4 10.0.0.5\r\n")
	assert.NotContains(t, out, "a=X-nat")
	// The codec inventory is relayed untouched.
	assert.Contains(t, out, "a=rtpmap:0 PCMU/8000\r\n")
	assert.Contains(t, out, "a=rtpmap:8 PCMA/8000\r\n")
}

func TestOriginIDs(t *testing.T) {
	sessID, sessVersion, ok := OriginIDs(sampleOffer)
	require.True(t, ok)
	assert.Equal(t, "2890844526", sessID)
	assert.Equal(t, "2890844527", sessVersion)

	_, _, ok = OriginIDs("v=0\r\ns=-\r\n")
	assert.False(t, ok)
}

func TestBuildAnswerEchoesOfferOrigin(t *testing.T) {
	id, ver := ParseOrigin("2890844526", "2890844527")
	out, err := BuildAnswer(AnswerParams{
		Address:        "10.0.0.5",
		AudioPort:      20000,
		Formats:        []string{"0", "101"},
		SessionID:      id,
		SessionVersion: ver,
	})
	require.NoError(t, err)

	assert.Contains(t, out, "o=voicegate 2890844526 2890844527 IN IP4 10.0.0.5")
	assert.Contains(t, out, "c=IN IP4 10.0.0.5")
	assert.Contains(t, out, "m=audio 20000 RTP/AVP 0 101")
	assert.Contains(t, out, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, out, "a=fmtp:101 0-15")
}
