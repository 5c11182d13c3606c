package call

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Leg is one SIP dialog endpoint of a bridged call. A leg is owned
// exclusively by its CallSession and is never shared across sessions;
// mutation happens under the owning session's lock.
type Leg struct {
	// Direction is which side of the bridge this leg is.
	Direction Direction

	// SIPCallID is the dialog's Call-ID header value.
	SIPCallID string

	// RemoteAddr is the transport address of the remote party (host:port).
	RemoteAddr string

	// LocalTag and RemoteTag identify the dialog together with SIPCallID.
	// Identity is immutable once both tags are set.
	LocalTag  string
	RemoteTag string

	// RemoteURI is the remote party's SIP URI (From on incoming,
	// To on outgoing).
	RemoteURI string

	// DisplayName is the remote party's display name, if any.
	DisplayName string

	// Contact is the remote target URI for in-dialog requests.
	Contact string

	// SDP is the most recent session description seen from this leg's
	// remote party, exactly as received.
	SDP string

	// CSeq is the last sequence number used on requests we originate
	// within this dialog.
	CSeq uint32
}

// NewIncomingLeg builds the A leg from inbound INVITE addressing.
func NewIncomingLeg(sipCallID, remoteURI, remoteTag, remoteAddr, sdp string) *Leg {
	return &Leg{
		Direction:  DirectionIncoming,
		SIPCallID:  sipCallID,
		RemoteURI:  remoteURI,
		RemoteTag:  remoteTag,
		RemoteAddr: remoteAddr,
		LocalTag:   GenerateTag(),
		SDP:        sdp,
		CSeq:       1,
	}
}

// NewOutgoingLeg builds the B leg with a fresh, independent dialog identity.
func NewOutgoingLeg(remoteURI, remoteAddr string) *Leg {
	return &Leg{
		Direction:  DirectionOutgoing,
		SIPCallID:  GenerateCallID(),
		RemoteURI:  remoteURI,
		RemoteAddr: remoteAddr,
		LocalTag:   GenerateTag(),
		CSeq:       1,
	}
}

// DialogID returns the leg's dialog identifier string in
// callid;local;remote form. Tags may be empty for early dialogs.
func (l *Leg) DialogID() string {
	return fmt.Sprintf("%s;%s;%s", l.SIPCallID, l.LocalTag, l.RemoteTag)
}

// Tagged reports whether both dialog tags are known.
func (l *Leg) Tagged() bool {
	return l.LocalTag != "" && l.RemoteTag != ""
}

// GenerateCallID returns a new globally unique Call-ID value.
func GenerateCallID() string {
	return uuid.New().String()
}

// GenerateTag returns a new random dialog tag.
func GenerateTag() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return uuid.New().String()[:16]
	}
	return hex.EncodeToString(b)
}
