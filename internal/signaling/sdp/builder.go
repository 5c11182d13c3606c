package sdp

import (
	"strconv"

	psdp "github.com/pion/sdp/v3"
)

// AnswerParams controls synthesized answer construction. SessionID and
// SessionVersion are echoed from the remote offer when the answer stands in
// for a callee that never actually answered (machine takeover); leave them
// zero for an ordinary locally-originated description.
type AnswerParams struct {
	Address        string
	AudioPort      int
	Formats        []string
	SessionID      uint64
	SessionVersion uint64
}

var rtpmapByFormat = map[string]string{
	"0":   "PCMU/8000",
	"8":   "PCMA/8000",
	"18":  "G729/8000",
	"96":  "opus/48000/2",
	"101": "telephone-event/8000",
}

// BuildAnswer marshals an audio-only session description for media the
// bridge itself terminates (machine answer, announcements, outbound offers).
func BuildAnswer(p AnswerParams) (string, error) {
	formats := p.Formats
	if len(formats) == 0 {
		formats = []string{"0"}
	}
	sessID := p.SessionID
	if sessID == 0 {
		sessID = 1
	}
	sessVersion := p.SessionVersion
	if sessVersion == 0 {
		sessVersion = 1
	}

	attrs := make([]psdp.Attribute, 0, len(formats)+3)
	for _, f := range formats {
		if rtpmap, ok := rtpmapByFormat[f]; ok {
			attrs = append(attrs, psdp.Attribute{Key: "rtpmap", Value: f + " " + rtpmap})
		}
	}
	for _, f := range formats {
		if f == "101" {
			attrs = append(attrs, psdp.Attribute{Key: "fmtp", Value: "101 0-15"})
		}
	}
	attrs = append(attrs,
		psdp.Attribute{Key: "ptime", Value: "20"},
		psdp.Attribute{Key: "sendrecv"},
	)

	desc := &psdp.SessionDescription{
		Origin: psdp.Origin{
			Username:       "voicegate",
			SessionID:      sessID,
			SessionVersion: sessVersion,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: p.Address,
		},
		SessionName: "Voicegate Media Session",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: p.Address},
		},
		TimeDescriptions: []psdp.TimeDescription{{}},
		MediaDescriptions: []*psdp.MediaDescription{
			{
				MediaName: psdp.MediaName{
					Media:   "audio",
					Port:    psdp.RangedPort{Value: p.AudioPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ParseOrigin converts the string sess-id/sess-version pair from OriginIDs
// into the numeric form BuildAnswer takes. Malformed fields yield zero,
// which BuildAnswer treats as unset.
func ParseOrigin(sessID, sessVersion string) (uint64, uint64) {
	id, _ := strconv.ParseUint(sessID, 10, 64)
	ver, _ := strconv.ParseUint(sessVersion, 10, 64)
	return id, ver
}
