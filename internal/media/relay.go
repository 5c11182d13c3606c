package media

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
)

// Relay forwards RTP bidirectionally between the two parties of a
// bridged call. Each direction reads from the port advertised to one
// party and writes out of the port advertised to the other, so both far
// ends see symmetric RTP.
type Relay struct {
	callID string

	callerConn   *net.UDPConn
	calleeConn   *net.UDPConn
	callerRemote *net.UDPAddr
	calleeRemote *net.UDPAddr

	ctx    context.Context
	cancel context.CancelFunc
	active atomic.Bool

	packetsToCallee atomic.Int64
	packetsToCaller atomic.Int64
	bytesToCallee   atomic.Int64
	bytesToCaller   atomic.Int64
}

// RelayStats is a snapshot of forwarded traffic.
type RelayStats struct {
	PacketsToCallee int64
	PacketsToCaller int64
	BytesToCallee   int64
	BytesToCaller   int64
}

// NewRelay binds the two session ports and resolves both remote
// endpoints. The relay does not forward until Start.
func NewRelay(callID string, callerPort, calleePort int, caller, callee Endpoint) (*Relay, error) {
	callerIP := net.ParseIP(caller.Addr)
	if callerIP == nil {
		return nil, fmt.Errorf("caller has invalid remote IP: %q", caller.Addr)
	}
	calleeIP := net.ParseIP(callee.Addr)
	if calleeIP == nil {
		return nil, fmt.Errorf("callee has invalid remote IP: %q", callee.Addr)
	}
	if caller.Port == 0 || callee.Port == 0 {
		return nil, fmt.Errorf("remote endpoint without port (caller=%d callee=%d)", caller.Port, callee.Port)
	}

	callerConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: callerPort})
	if err != nil {
		return nil, fmt.Errorf("bind caller port %d: %w", callerPort, err)
	}
	calleeConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: calleePort})
	if err != nil {
		_ = callerConn.Close()
		return nil, fmt.Errorf("bind callee port %d: %w", calleePort, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		callID:       callID,
		callerConn:   callerConn,
		calleeConn:   calleeConn,
		callerRemote: &net.UDPAddr{IP: callerIP, Port: caller.Port},
		calleeRemote: &net.UDPAddr{IP: calleeIP, Port: callee.Port},
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start launches both forwarding directions.
func (r *Relay) Start() {
	r.active.Store(true)
	go r.forward(r.callerConn, r.calleeConn, r.calleeRemote, &r.packetsToCallee, &r.bytesToCallee)
	go r.forward(r.calleeConn, r.callerConn, r.callerRemote, &r.packetsToCaller, &r.bytesToCaller)

	slog.Info("[Relay] Started",
		"call_id", r.callID,
		"caller_port", r.callerConn.LocalAddr().String(),
		"caller_remote", r.callerRemote.String(),
		"callee_port", r.calleeConn.LocalAddr().String(),
		"callee_remote", r.calleeRemote.String())
}

// forward copies packets arriving on src out of dst toward dest.
func (r *Relay) forward(src, dst *net.UDPConn, dest *net.UDPAddr, packets, bytes *atomic.Int64) {
	buf := make([]byte, 1500)

	for r.active.Load() {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		n, _, err := src.ReadFromUDP(buf)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			continue
		}

		if _, err := dst.WriteToUDP(buf[:n], dest); err != nil {
			slog.Debug("[Relay] Write failed", "call_id", r.callID, "error", err)
			continue
		}

		packets.Add(1)
		bytes.Add(int64(n))
	}
}

// Stats returns the forwarded-traffic counters.
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		PacketsToCallee: r.packetsToCallee.Load(),
		PacketsToCaller: r.packetsToCaller.Load(),
		BytesToCallee:   r.bytesToCallee.Load(),
		BytesToCaller:   r.bytesToCaller.Load(),
	}
}

// Close stops forwarding and frees both sockets. Idempotent.
func (r *Relay) Close() {
	if !r.active.Swap(false) && r.ctx.Err() != nil {
		return
	}
	r.cancel()
	_ = r.callerConn.Close()
	_ = r.calleeConn.Close()

	stats := r.Stats()
	slog.Info("[Relay] Stopped",
		"call_id", r.callID,
		"packets_to_callee", stats.PacketsToCallee,
		"packets_to_caller", stats.PacketsToCaller,
		"bytes_to_callee", stats.BytesToCallee,
		"bytes_to_caller", stats.BytesToCaller)
}
