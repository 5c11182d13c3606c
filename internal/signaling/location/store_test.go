package location

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *Store {
	return NewStore(StoreConfig{
		CleanupInterval: time.Minute,
		DefaultExpires:  3600,
		MaxExpires:      7200,
		MinExpires:      60,
	})
}

func TestRegisterAndLookup(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	b, err := s.Register(&Binding{
		AOR:        "sip:alice@example.com",
		ContactURI: "sip:alice@192.168.1.10:5060",
		Expires:    300,
		CallID:     "reg-1",
		CSeq:       1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, b.BindingID)
	assert.Equal(t, 300, b.Expires)

	bindings := s.Lookup("sip:alice@example.com")
	require.Len(t, bindings, 1)
	assert.Equal(t, "sip:alice@192.168.1.10:5060", bindings[0].ContactURI)
	assert.True(t, s.Has("sip:alice@example.com"))
	assert.Equal(t, 1, s.Count())
}

func TestRegisterBelowMinExpires(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	_, err := s.Register(&Binding{
		AOR:        "sip:alice@example.com",
		ContactURI: "sip:alice@192.168.1.10:5060",
		Expires:    30,
	})
	assert.ErrorIs(t, err, ErrIntervalTooBrief)
}

func TestRegisterClampsToMaxExpires(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	b, err := s.Register(&Binding{
		AOR:        "sip:alice@example.com",
		ContactURI: "sip:alice@192.168.1.10:5060",
		Expires:    86400,
	})
	require.NoError(t, err)
	assert.Equal(t, 7200, b.Expires)
}

func TestRegisterRejectsStaleCSeq(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	_, err := s.Register(&Binding{
		AOR:        "sip:alice@example.com",
		ContactURI: "sip:alice@192.168.1.10:5060",
		Expires:    300,
		CallID:     "reg-1",
		CSeq:       5,
	})
	require.NoError(t, err)

	_, err = s.Register(&Binding{
		AOR:        "sip:alice@example.com",
		ContactURI: "sip:alice@192.168.1.10:5060",
		Expires:    300,
		CallID:     "reg-1",
		CSeq:       4,
	})
	assert.Error(t, err)

	// Different Call-ID means a restarted client: any CSeq is accepted.
	_, err = s.Register(&Binding{
		AOR:        "sip:alice@example.com",
		ContactURI: "sip:alice@192.168.1.10:5060",
		Expires:    300,
		CallID:     "reg-2",
		CSeq:       1,
	})
	assert.NoError(t, err)
}

func TestMultipleBindingsPerAOR(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	_, err := s.Register(&Binding{
		AOR:        "sip:alice@example.com",
		ContactURI: "sip:alice@192.168.1.10:5060",
		Expires:    300,
	})
	require.NoError(t, err)
	_, err = s.Register(&Binding{
		AOR:        "sip:alice@example.com",
		ContactURI: "sip:alice@10.0.0.2:5062",
		InstanceID: "urn:uuid:dev-2",
		Expires:    300,
	})
	require.NoError(t, err)

	assert.Len(t, s.Lookup("sip:alice@example.com"), 2)
	assert.Equal(t, 2, s.Count())
}

func TestLookupOnePrefersHighestQ(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	_, err := s.Register(&Binding{
		AOR:        "sip:alice@example.com",
		ContactURI: "sip:alice@192.168.1.10:5060",
		QValue:     0.5,
		Expires:    300,
	})
	require.NoError(t, err)
	_, err = s.Register(&Binding{
		AOR:        "sip:alice@example.com",
		ContactURI: "sip:alice@10.0.0.2:5062",
		QValue:     0.9,
		Expires:    300,
	})
	require.NoError(t, err)

	best := s.LookupOne("sip:alice@example.com")
	require.NotNil(t, best)
	assert.Equal(t, "sip:alice@10.0.0.2:5062", best.ContactURI)
}

func TestLookupOneMissingQDefaultsToOne(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	_, err := s.Register(&Binding{
		AOR:        "sip:alice@example.com",
		ContactURI: "sip:alice@192.168.1.10:5060",
		QValue:     0.9,
		Expires:    300,
	})
	require.NoError(t, err)
	_, err = s.Register(&Binding{
		AOR:        "sip:alice@example.com",
		ContactURI: "sip:alice@10.0.0.2:5062",
		Expires:    300,
	})
	require.NoError(t, err)

	best := s.LookupOne("sip:alice@example.com")
	require.NotNil(t, best)
	assert.Equal(t, "sip:alice@10.0.0.2:5062", best.ContactURI)
}

func TestLookupByUser(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	_, err := s.Register(&Binding{
		AOR:        "sip:alice@example.com",
		ContactURI: "sip:alice@192.168.1.10:5060",
		Expires:    300,
	})
	require.NoError(t, err)
	_, err = s.Register(&Binding{
		AOR:        "sip:bob@example.com",
		ContactURI: "sip:bob@192.168.1.20:5060",
		Expires:    300,
	})
	require.NoError(t, err)

	found := s.LookupByUser("alice")
	require.Len(t, found, 1)
	assert.Equal(t, "sip:alice@example.com", found[0].AOR)

	assert.Empty(t, s.LookupByUser("carol"))
	assert.Empty(t, s.LookupByUser(""))
}

func TestUnregisterSingleBinding(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	b1, err := s.Register(&Binding{
		AOR:        "sip:alice@example.com",
		ContactURI: "sip:alice@192.168.1.10:5060",
		Expires:    300,
	})
	require.NoError(t, err)
	_, err = s.Register(&Binding{
		AOR:        "sip:alice@example.com",
		ContactURI: "sip:alice@10.0.0.2:5062",
		InstanceID: "urn:uuid:dev-2",
		Expires:    300,
	})
	require.NoError(t, err)

	require.NoError(t, s.Unregister("sip:alice@example.com", b1.BindingID, false))
	bindings := s.Lookup("sip:alice@example.com")
	require.Len(t, bindings, 1)
	assert.Equal(t, "sip:alice@10.0.0.2:5062", bindings[0].ContactURI)
}

func TestUnregisterWildcard(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	_, err := s.Register(&Binding{
		AOR:        "sip:alice@example.com",
		ContactURI: "sip:alice@192.168.1.10:5060",
		Expires:    300,
	})
	require.NoError(t, err)

	require.NoError(t, s.Unregister("sip:alice@example.com", "", true))
	assert.False(t, s.Has("sip:alice@example.com"))
	assert.Equal(t, 0, s.Count())
}

func TestUnregisterUnknown(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	assert.Error(t, s.Unregister("sip:nobody@example.com", "x", false))
}

func TestEffectiveContact(t *testing.T) {
	b := &Binding{
		ContactURI:   "sip:alice@192.168.1.10:5060",
		ReceivedIP:   "203.0.113.7",
		ReceivedPort: 41234,
		Transport:    "udp",
	}
	assert.Equal(t, "sip:203.0.113.7:41234;transport=udp", b.EffectiveContact())

	noNAT := &Binding{ContactURI: "sip:alice@192.168.1.10:5060"}
	assert.Equal(t, "sip:alice@192.168.1.10:5060", noNAT.EffectiveContact())
}

func TestExtractUserFromAOR(t *testing.T) {
	assert.Equal(t, "alice", extractUserFromAOR("sip:alice@example.com"))
	assert.Equal(t, "bob", extractUserFromAOR("sips:bob@example.com"))
	assert.Equal(t, "carol", extractUserFromAOR("carol"))
}
