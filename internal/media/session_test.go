package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const callerSDP = "v=0\r\n" +
	"o=alice 1 1 IN IP4 192.168.1.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.168.1.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

func TestPortPoolAllocateRelease(t *testing.T) {
	pool := NewPortPool(20000, 20008)
	assert.Equal(t, 4, pool.Available())

	rtpPort, rtcpPort, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 0, rtpPort%2)
	assert.Equal(t, rtpPort+1, rtcpPort)
	assert.Equal(t, 1, pool.Allocated())

	pool.Release(rtpPort)
	assert.Equal(t, 4, pool.Available())

	// Double release stays a no-op.
	pool.Release(rtpPort)
	assert.Equal(t, 4, pool.Available())
}

func TestPortPoolExhaustion(t *testing.T) {
	pool := NewPortPool(20000, 20002)
	_, _, err := pool.Allocate()
	require.NoError(t, err)

	_, _, err = pool.Allocate()
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestCreateSessionAllocatesBothLegs(t *testing.T) {
	pool := NewPortPool(20000, 20020)
	m := NewManager(pool, "10.0.0.5")

	sess, err := m.CreateSession("call-1", callerSDP)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Allocated())
	assert.NotEqual(t, sess.CallerPort, sess.CalleePort)
	assert.Equal(t, "192.168.1.10", sess.Caller.Addr)
	assert.Equal(t, 49170, sess.Caller.Port)
	assert.Equal(t, []string{"0", "101"}, sess.Caller.Formats)
	assert.Equal(t, ModeBridge, sess.Mode)
}

func TestCreateSessionExhaustedReleasesPartial(t *testing.T) {
	// Room for one pair only: the second allocation fails and the first
	// must be rolled back.
	pool := NewPortPool(20000, 20002)
	m := NewManager(pool, "10.0.0.5")

	_, err := m.CreateSession("call-1", callerSDP)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 0, pool.Allocated())
	assert.Equal(t, 0, m.Count())
}

func TestUpdateCalleeSDPAndMode(t *testing.T) {
	pool := NewPortPool(20000, 20020)
	m := NewManager(pool, "10.0.0.5")

	_, err := m.CreateSession("call-1", callerSDP)
	require.NoError(t, err)

	calleeSDP := "v=0\r\no=bob 1 1 IN IP4 172.16.0.9\r\ns=-\r\n" +
		"c=IN IP4 172.16.0.9\r\nt=0 0\r\nm=audio 30000 RTP/AVP 0\r\n"
	require.NoError(t, m.UpdateCalleeSDP("call-1", calleeSDP))

	sess, ok := m.GetSession("call-1")
	require.True(t, ok)
	assert.Equal(t, "172.16.0.9", sess.Callee.Addr)
	assert.Equal(t, 30000, sess.Callee.Port)

	require.NoError(t, m.SetMode("call-1", ModeMachine))
	assert.Equal(t, ModeMachine, sess.Mode)

	assert.Error(t, m.SetMode("unknown", ModeMachine))
}

func TestDestroySessionReleasesPorts(t *testing.T) {
	pool := NewPortPool(20000, 20020)
	m := NewManager(pool, "10.0.0.5")

	_, err := m.CreateSession("call-1", callerSDP)
	require.NoError(t, err)

	m.DestroySession("call-1")
	assert.Equal(t, 0, pool.Allocated())
	assert.Equal(t, 0, m.Count())

	// Racing teardown paths may destroy twice.
	m.DestroySession("call-1")
	assert.Equal(t, 0, pool.Allocated())
}

func TestParseEndpointRejectsNoAudio(t *testing.T) {
	_, err := ParseEndpoint("v=0\r\no=x 1 1 IN IP4 1.2.3.4\r\ns=-\r\nt=0 0\r\n")
	assert.Error(t, err)
}

func TestToneFrames(t *testing.T) {
	frames := ToneFrames(440, 10)
	require.Len(t, frames, 10)
	for _, f := range frames {
		assert.Len(t, f, samplesPerFrame)
	}

	silence := SilenceFrames(3)
	require.Len(t, silence, 3)
	assert.Len(t, silence[0], samplesPerFrame)
}
