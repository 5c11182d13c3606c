package registration

import (
	"strconv"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyeon/voicegate/internal/signaling/location"
)

type fakeServerTx struct {
	responses []*sip.Response
}

func (t *fakeServerTx) Respond(res *sip.Response) error {
	t.responses = append(t.responses, res)
	return nil
}

func (t *fakeServerTx) Acks() <-chan *sip.Request {
	ch := make(chan *sip.Request)
	close(ch)
	return ch
}

func (t *fakeServerTx) Cancels() <-chan *sip.Request {
	ch := make(chan *sip.Request)
	close(ch)
	return ch
}

func (t *fakeServerTx) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t *fakeServerTx) Err() error { return nil }
func (t *fakeServerTx) Terminate() {}

func (t *fakeServerTx) last() *sip.Response {
	if len(t.responses) == 0 {
		return nil
	}
	return t.responses[len(t.responses)-1]
}

func newTestHandler(t *testing.T) (*Handler, *location.Store) {
	t.Helper()
	store := location.NewStore(location.StoreConfig{
		CleanupInterval: time.Minute,
		DefaultExpires:  3600,
		MaxExpires:      7200,
		MinExpires:      60,
	})
	t.Cleanup(store.Close)
	return NewHandler(store, 3600), store
}

// newRegister builds a REGISTER from alice's phone at 192.168.1.10,
// arriving from source addr (the NAT'd public address).
func newRegister(contactHost string, contactPort int, expires int, cseq uint32) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, sip.Uri{Host: "voicegate.local"})
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: "alice", Host: "voicegate.local"},
		Params:  sip.NewParams(),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: "alice", Host: "voicegate.local"},
		Params:  sip.NewParams(),
	})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            contactHost,
		Port:            contactPort,
		Params:          sip.NewParams(),
	})
	callID := sip.CallIDHeader("reg-test-1")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})
	if contactHost != "" {
		req.AppendHeader(&sip.ContactHeader{
			Address: sip.Uri{User: "alice", Host: contactHost, Port: contactPort},
			Params:  sip.NewParams(),
		})
	}
	if expires >= 0 {
		req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	}
	req.SetTransport("UDP")
	req.SetSource("203.0.113.7:41234")
	return req
}

func TestRegisterCreatesBinding(t *testing.T) {
	h, store := newTestHandler(t)
	tx := &fakeServerTx{}

	req := newRegister("192.168.1.10", 5060, 300, 1)
	require.NoError(t, h.HandleRegister(req, tx))

	res := tx.last()
	require.NotNil(t, res)
	assert.Equal(t, sip.StatusCode(200), res.StatusCode)
	assert.NotNil(t, res.GetHeader("Date"))

	bindings := store.Lookup("sip:alice@voicegate.local")
	require.Len(t, bindings, 1)
	assert.Equal(t, "203.0.113.7", bindings[0].ReceivedIP)
	assert.Equal(t, 41234, bindings[0].ReceivedPort)
	assert.Equal(t, "udp", bindings[0].Transport)
	assert.Equal(t, 300, bindings[0].Expires)
}

func TestRegisterIntervalTooBrief(t *testing.T) {
	h, store := newTestHandler(t)
	tx := &fakeServerTx{}

	req := newRegister("192.168.1.10", 5060, 10, 1)
	require.NoError(t, h.HandleRegister(req, tx))

	res := tx.last()
	require.NotNil(t, res)
	assert.Equal(t, sip.StatusCode(423), res.StatusCode)
	minExpires := res.GetHeader("Min-Expires")
	require.NotNil(t, minExpires)
	assert.Equal(t, "60", minExpires.Value())
	assert.Equal(t, 0, store.Count())
}

func TestRegisterResponseContainsNATParams(t *testing.T) {
	h, _ := newTestHandler(t)
	tx := &fakeServerTx{}

	req := newRegister("192.168.1.10", 5060, 300, 1)
	req.Via().Params.Add("rport", "")
	require.NoError(t, h.HandleRegister(req, tx))

	res := tx.last()
	require.NotNil(t, res)
	via := res.Via()
	require.NotNil(t, via)
	received, ok := via.Params.Get("received")
	require.True(t, ok)
	assert.Equal(t, "203.0.113.7", received)
	rport, ok := via.Params.Get("rport")
	require.True(t, ok)
	assert.Equal(t, "41234", rport)
}

func TestDeregisterWithExpiresZero(t *testing.T) {
	h, store := newTestHandler(t)
	tx := &fakeServerTx{}

	require.NoError(t, h.HandleRegister(newRegister("192.168.1.10", 5060, 300, 1), tx))
	require.Equal(t, 1, store.Count())

	require.NoError(t, h.HandleRegister(newRegister("192.168.1.10", 5060, 0, 2), tx))

	assert.Equal(t, sip.StatusCode(200), tx.last().StatusCode)
	assert.Equal(t, 0, store.Count())
}

func TestWildcardDeregister(t *testing.T) {
	h, store := newTestHandler(t)
	tx := &fakeServerTx{}

	require.NoError(t, h.HandleRegister(newRegister("192.168.1.10", 5060, 300, 1), tx))
	require.Equal(t, 1, store.Count())

	req := newRegister("", 0, 0, 2)
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Host: "*"}, Params: sip.NewParams()})
	require.NoError(t, h.HandleRegister(req, tx))

	assert.Equal(t, sip.StatusCode(200), tx.last().StatusCode)
	assert.Equal(t, 0, store.Count())
}

func TestWildcardWithNonZeroExpiresRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	tx := &fakeServerTx{}

	req := newRegister("", 0, 300, 1)
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Host: "*"}, Params: sip.NewParams()})
	require.NoError(t, h.HandleRegister(req, tx))

	assert.Equal(t, sip.StatusCode(400), tx.last().StatusCode)
}

func TestQueryRegistrationReturnsBindings(t *testing.T) {
	h, _ := newTestHandler(t)
	tx := &fakeServerTx{}

	require.NoError(t, h.HandleRegister(newRegister("192.168.1.10", 5060, 300, 1), tx))

	// No Contact and no Expires: query current state.
	query := newRegister("", 0, -1, 2)
	require.NoError(t, h.HandleRegister(query, tx))

	res := tx.last()
	assert.Equal(t, sip.StatusCode(200), res.StatusCode)
	assert.NotNil(t, res.Contact())
}

func TestContactExpiresParamWinsOverHeader(t *testing.T) {
	h, store := newTestHandler(t)
	tx := &fakeServerTx{}

	req := newRegister("192.168.1.10", 5060, 600, 1)
	req.Contact().Params.Add("expires", "120")
	require.NoError(t, h.HandleRegister(req, tx))

	bindings := store.Lookup("sip:alice@voicegate.local")
	require.Len(t, bindings, 1)
	assert.Equal(t, 120, bindings[0].Expires)
}

func TestInstanceIDExtracted(t *testing.T) {
	h, store := newTestHandler(t)
	tx := &fakeServerTx{}

	req := newRegister("192.168.1.10", 5060, 300, 1)
	req.Contact().Params.Add("+sip.instance", "\"<urn:uuid:0001>\"")
	require.NoError(t, h.HandleRegister(req, tx))

	bindings := store.Lookup("sip:alice@voicegate.local")
	require.Len(t, bindings, 1)
	assert.Equal(t, "urn:uuid:0001", bindings[0].InstanceID)
}
