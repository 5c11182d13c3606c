package media

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// Sender paces G.711 payloads onto a UDP socket as RTP packets. One
// sender per stream; sequence and timestamp advance per frame.
type Sender struct {
	mu         sync.Mutex
	conn       net.PacketConn
	remoteAddr net.Addr
	ssrc       uint32
	seq        uint16
	timestamp  uint32
	payload    uint8
	ticker     *time.Ticker
	closed     bool
}

// NewSender creates a paced RTP sender toward remote ("host:port") with
// the given payload type (0 for PCMU).
func NewSender(conn net.PacketConn, remote string, payloadType uint8) (*Sender, error) {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", remote, err)
	}
	return &Sender{
		conn:       conn,
		remoteAddr: addr,
		ssrc:       rand.Uint32(),
		seq:        uint16(rand.Uint32()),
		timestamp:  rand.Uint32(),
		payload:    payloadType,
		ticker:     time.NewTicker(frameDuration * time.Millisecond),
	}, nil
}

// Write sends one frame, blocking until the frame clock ticks. The
// marker bit is set on the first packet of a stream.
func (s *Sender) Write(payload []byte, marker bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}

	<-s.ticker.C

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    s.payload,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteTo(data, s.remoteAddr); err != nil {
		return err
	}

	s.seq++
	s.timestamp += samplesPerFrame
	return nil
}

// PlayFrames sends a sequence of payloads at the frame clock.
func (s *Sender) PlayFrames(frames [][]byte) error {
	for i, f := range frames {
		if err := s.Write(f, i == 0); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the frame clock. The underlying socket is not closed; the
// caller owns it.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.ticker.Stop()
	}
}
