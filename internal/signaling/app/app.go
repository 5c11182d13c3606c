// Package app wires the signaling server: sipgo transport, protocol
// engine, media manager, registrar, and the transfer and outbound
// managers, in dependency order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emiago/sipgo"

	"github.com/hyeon/voicegate/internal/ai"
	"github.com/hyeon/voicegate/internal/cdr"
	"github.com/hyeon/voicegate/internal/media"
	"github.com/hyeon/voicegate/internal/signaling/call"
	"github.com/hyeon/voicegate/internal/signaling/config"
	"github.com/hyeon/voicegate/internal/signaling/dial"
	"github.com/hyeon/voicegate/internal/signaling/location"
	"github.com/hyeon/voicegate/internal/signaling/operator"
	"github.com/hyeon/voicegate/internal/signaling/outbound"
	"github.com/hyeon/voicegate/internal/signaling/registration"
	"github.com/hyeon/voicegate/internal/signaling/routing"
	"github.com/hyeon/voicegate/internal/signaling/timer"
	"github.com/hyeon/voicegate/internal/signaling/transfer"
	"github.com/hyeon/voicegate/internal/stats"
)

// Server is the assembled signaling server.
type Server struct {
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	config *config.Config

	router    *routing.Router
	engine    *call.Manager
	transfers *transfer.Manager
	outbound  *outbound.Manager
	locations *location.Store
	operators *operator.Store
	registrar *registration.Handler
	mediaMgr  *media.Manager
	portPool  *media.PortPool
	txTimers  *timer.TransactionTimers
	cdrs      *cdr.Writer

	announceConn net.PacketConn
	gaugeStop    chan struct{}
}

// NewServer builds the server from configuration. The agent is the
// conversational collaborator for the machine-answer path; pass
// ai.NopAgent{} when no pipeline is configured.
func NewServer(cfg *config.Config, agent ai.Agent) (*Server, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	uas, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	uac, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	// Media: port pool and session manager.
	pool := media.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax)
	mediaMgr := media.NewManager(pool, cfg.AdvertiseAddr)

	// Announcement socket, one shared UDP sender for tone playback.
	announceConn, err := net.ListenPacket("udp", fmt.Sprintf("%s:0", cfg.BindAddr))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to open announcement socket: %w", err)
	}

	// Location store and registrar.
	locStore := location.NewStore(location.StoreConfig{
		CleanupInterval: 30 * time.Second,
		DefaultExpires:  cfg.RegistrarDefaultExpires,
		MaxExpires:      cfg.RegistrarMaxExpires,
		MinExpires:      cfg.RegistrarMinExpires,
	})
	registrar := registration.NewHandler(locStore, cfg.RegistrarDefaultExpires)

	// CDR writer.
	cdrs, err := cdr.NewWriter(cfg.CDRPath)
	if err != nil {
		ua.Close()
		locStore.Close()
		announceConn.Close()
		return nil, fmt.Errorf("failed to open CDR writer: %w", err)
	}

	txTimers := timer.NewTransactionTimers(timer.TransactionConfig{})
	sessTimers := timer.NewSessionTimers()

	// Outgoing request path. Non-INVITE requests (BYE, UPDATE, CANCEL)
	// run under the shared Timer F schedule.
	dialer := dial.NewDialer(dial.Config{
		Client:        uac,
		AdvertiseAddr: cfg.AdvertiseAddr,
		Port:          cfg.Port,
		ContactUser:   cfg.ContactUser,
		Timers:        txTimers,
	})

	// Operator presence; an away operator sends callers straight to the
	// machine instead of ringing the registered endpoint.
	operators := operator.NewStore()

	// The router is the engine's Signaler and the transfer manager's
	// Bridge; engine and managers attach after construction.
	router := routing.NewRouter(dialer, locStore, txTimers, cfg.AdvertiseAddr, cfg.Port, cfg.ContactUser)
	router.SetOperators(operators)

	store := call.NewStore()
	engine := call.NewManager(call.Config{
		NoAnswerTimeout: cfg.NoAnswerTimeout,
		TakeoverEnabled: true,
	}, store, mediaMgr, txTimers, sessTimers, router, agent, cdrs)
	router.SetEngine(engine)

	announcer := routing.NewToneAnnouncer(mediaMgr, announceConn)
	transfers := transfer.NewManager(transfer.Config{
		RingTimeout: cfg.TransferRingTimeout,
	}, dialer, mediaMgr, agent, announcer, router)
	router.SetTransferManager(transfers)

	outboundMgr := outbound.NewManager(outbound.Config{
		MaxConcurrent: cfg.OutboundMaxConcurrent,
		RingTimeout:   cfg.OutboundRingTimeout,
		MaxDuration:   cfg.OutboundMaxDuration,
		MaxAttempts:   cfg.OutboundMaxAttempts,
		RetryDelay:    cfg.OutboundRetryDelay,
		RetryOn:       []outbound.State{outbound.StateNoAnswer, outbound.StateBusy},
		CallerID:      cfg.ContactUser,
	}, dialer, mediaMgr, agent)
	router.SetOutboundManager(outboundMgr)

	router.Attach(uas, registrar)

	s := &Server{
		ua:           ua,
		srv:          uas,
		client:       uac,
		config:       cfg,
		router:       router,
		engine:       engine,
		transfers:    transfers,
		outbound:     outboundMgr,
		locations:    locStore,
		operators:    operators,
		registrar:    registrar,
		mediaMgr:     mediaMgr,
		portPool:     pool,
		txTimers:     txTimers,
		cdrs:         cdrs,
		announceConn: announceConn,
		gaugeStop:    make(chan struct{}),
	}

	slog.Info("[App] SIP handlers registered",
		"methods", "INVITE, ACK, BYE, CANCEL, OPTIONS, PRACK, UPDATE, REGISTER")
	slog.Info("[App] Configuration",
		"port", cfg.Port,
		"bind", cfg.BindAddr,
		"advertise", cfg.AdvertiseAddr,
		"rtp_ports", fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax))

	return s, nil
}

// Start serves SIP and, when configured, the metrics endpoint. Blocks
// until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s.config.MetricsAddr != "" {
		go stats.Serve(s.config.MetricsAddr)
	}
	go s.updatePoolGauge()

	listenAddr := fmt.Sprintf("%s:%d", s.config.BindAddr, s.config.Port)
	slog.Info("[App] Starting SIP server", "listen", listenAddr)
	if err := s.srv.ListenAndServe(ctx, "udp", listenAddr); err != nil {
		return fmt.Errorf("SIP listener failed on %s: %w", listenAddr, err)
	}
	return nil
}

// updatePoolGauge keeps the free-port gauge current.
func (s *Server) updatePoolGauge() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.gaugeStop:
			return
		case <-ticker.C:
			stats.PortPoolAvailable.Set(float64(s.portPool.Available()))
		}
	}
}

// Engine exposes the protocol engine, for embedding programs.
func (s *Server) Engine() *call.Manager { return s.engine }

// Transfers exposes the transfer manager so the agent integration can
// initiate transfers.
func (s *Server) Transfers() *transfer.Manager { return s.transfers }

// Outbound exposes the outbound call manager.
func (s *Server) Outbound() *outbound.Manager { return s.outbound }

// Locations exposes the location store.
func (s *Server) Locations() *location.Store { return s.locations }

// Operators exposes the operator presence store.
func (s *Server) Operators() *operator.Store { return s.operators }

// Close releases every call and shuts the stack down.
func (s *Server) Close() error {
	close(s.gaugeStop)

	// Hang up everything still active so far ends are not left ringing.
	for _, sess := range s.engine.Store().Active() {
		sess.Lock()
		terminal := sess.State.IsTerminal()
		sess.Unlock()
		if terminal {
			continue
		}
		s.router.SendBye(sess, call.DirectionIncoming)
		s.router.SendBye(sess, call.DirectionOutgoing)
		s.engine.HandleBYE(sess, call.DirectionIncoming, call.ReasonNormal)
		s.engine.CleanupTerminatedCall(sess)
	}

	s.locations.Close()
	if s.announceConn != nil {
		s.announceConn.Close()
	}
	if s.cdrs != nil {
		if err := s.cdrs.Close(); err != nil {
			slog.Warn("[App] CDR writer close failed", "error", err)
		}
	}
	if s.ua != nil {
		return s.ua.Close()
	}
	return nil
}
