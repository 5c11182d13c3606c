// Package location manages SIP user location bindings (REGISTER).
package location

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Binding is one registered contact for an address of record: everything
// needed to route an INVITE to that device.
type Binding struct {
	// AOR is the address of record, e.g. "sip:alice@example.com".
	AOR string `json:"aor"`
	// BindingID uniquely identifies this contact under the AOR.
	BindingID string `json:"binding_id"`

	// ContactURI is the registered Contact, where requests are routed.
	ContactURI string `json:"contact_uri"`

	// ReceivedIP/ReceivedPort are the REGISTER's actual source, used for
	// symmetric routing through NAT.
	ReceivedIP   string `json:"received_ip"`
	ReceivedPort int    `json:"received_port"`

	Transport string `json:"transport"`

	// InstanceID is the +sip.instance parameter (RFC 5626).
	InstanceID string `json:"instance_id,omitempty"`

	// QValue orders contacts for the same AOR (RFC 3261, default 1.0).
	QValue float32 `json:"q,omitempty"`

	Expires      int       `json:"expires"`
	ExpiresAt    time.Time `json:"expires_at"`
	RegisteredAt time.Time `json:"registered_at"`

	// CallID and CSeq validate binding updates per RFC 3261 Section
	// 10.3: for the same Call-ID, CSeq must increase.
	CallID string `json:"call_id"`
	CSeq   uint32 `json:"cseq"`

	UserAgent string `json:"user_agent,omitempty"`
}

// GenerateBindingID derives a stable id from the contact URI and
// instance id.
func GenerateBindingID(contactURI, instanceID string) string {
	data := contactURI
	if instanceID != "" {
		data += ";" + instanceID
	}
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:8])
}

// IsExpired returns true if the binding has expired.
func (b *Binding) IsExpired() bool {
	return time.Now().After(b.ExpiresAt)
}

// TTL returns remaining time until expiration.
func (b *Binding) TTL() time.Duration {
	remaining := time.Until(b.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// EffectiveContact returns the best URI for routing: the REGISTER's
// source address when known (NAT), the Contact URI otherwise.
func (b *Binding) EffectiveContact() string {
	if b.ReceivedIP != "" && b.ReceivedPort > 0 {
		return fmt.Sprintf("sip:%s:%d;transport=%s",
			b.ReceivedIP, b.ReceivedPort, b.Transport)
	}
	return b.ContactURI
}

// ValidateCSeq checks whether an update with the given Call-ID and CSeq
// may replace this binding.
func (b *Binding) ValidateCSeq(callID string, cseq uint32) bool {
	if b.CallID != callID {
		return true
	}
	return cseq > b.CSeq
}
