// Package discovery maintains the live view of peers on the local
// broadcast domain. A running service beacons its own identity to a
// multicast group, answers other nodes' beacons, and expires peers
// that fall silent past the TTL window.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/peerctl/internal/node"
	"github.com/danmuck/peerctl/internal/observability"
	"github.com/danmuck/peerctl/internal/protocol/frame"
	"github.com/danmuck/peerctl/internal/protocol/schema"
	"github.com/danmuck/peerctl/internal/protocol/wire"
)

var (
	ErrAlreadyStarted = errors.New("discovery: already started")
	ErrNotStarted     = errors.New("discovery: not started")
)

// Phase is the service lifecycle state.
type Phase string

const (
	PhaseStopped  Phase = "stopped"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
)

// Config sets the discovery group and cadence.
type Config struct {
	Group          string
	Port           int
	BeaconInterval time.Duration
	// SweepInterval defaults to half the registry TTL.
	SweepInterval time.Duration
}

// Service is one discovery endpoint. Instances are independent: two
// services in one process discover each other like any other peers.
type Service struct {
	cfg  Config
	self node.Identity
	reg  *node.Registry

	mu        sync.Mutex
	phase     Phase
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	groupConn *net.UDPConn
	peerConn  *net.UDPConn
	groupAddr *net.UDPAddr
}

func NewService(self node.Identity, cfg Config, reg *node.Registry) *Service {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = reg.TTL() / 2
	}
	return &Service{
		cfg:   cfg,
		self:  self,
		reg:   reg,
		phase: PhaseStopped,
	}
}

func (s *Service) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Start binds the discovery sockets and spawns the beacon, listener and
// sweep loops. Starting a running service fails with ErrAlreadyStarted.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseStopped {
		return ErrAlreadyStarted
	}
	s.phase = PhaseStarting

	groupAddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", s.cfg.Group, s.cfg.Port))
	if err != nil {
		s.phase = PhaseStopped
		return fmt.Errorf("discovery: resolve group: %w", err)
	}

	groupConn, err := net.ListenMulticastUDP("udp4", nil, groupAddr)
	if err != nil {
		s.phase = PhaseStopped
		return fmt.Errorf("discovery: join group %s: %w", groupAddr, err)
	}
	_ = groupConn.SetReadBuffer(64 * 1024)

	// Beacons leave from this socket and unicast Pong replies come
	// back to it, so it gets its own read loop.
	peerConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		_ = groupConn.Close()
		s.phase = PhaseStopped
		return fmt.Errorf("discovery: bind peer socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.groupConn = groupConn
	s.peerConn = peerConn
	s.groupAddr = groupAddr

	s.wg.Add(4)
	go s.beaconLoop(ctx)
	go s.readLoop(ctx, groupConn, "group")
	go s.readLoop(ctx, peerConn, "unicast")
	go s.sweepLoop(ctx)

	s.phase = PhaseRunning
	log.Info().Str("node_id", s.self.ID).Str("group", groupAddr.String()).
		Dur("beacon_interval", s.cfg.BeaconInterval).Msg("discovery running")
	return nil
}

// Stop tears down the loops and sockets. Stopping a stopped service
// fails with ErrNotStarted.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.phase != PhaseRunning {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.phase = PhaseStopping
	cancel := s.cancel
	groupConn := s.groupConn
	peerConn := s.peerConn
	s.mu.Unlock()

	cancel()
	_ = groupConn.Close()
	_ = peerConn.Close()
	s.wg.Wait()

	s.mu.Lock()
	s.phase = PhaseStopped
	s.mu.Unlock()
	log.Info().Str("node_id", s.self.ID).Msg("discovery stopped")
	return nil
}

func (s *Service) beaconLoop(ctx context.Context) {
	defer s.wg.Done()

	// One immediate Hello so fresh peers converge fast.
	s.sendHello()
	ticker := time.NewTicker(s.cfg.BeaconInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendHello()
		}
	}
}

func (s *Service) sendHello() {
	b, err := wire.EncodeHello(wire.Hello{
		MessageID: uuid.New().String(),
		Identity:  s.self,
	}, frame.DatagramLimits())
	if err != nil {
		// Oversize or invalid identity is rejected before send.
		log.Error().Err(err).Str("node_id", s.self.ID).Msg("beacon encode failed")
		return
	}
	if _, err := s.peerConn.WriteToUDP(b, s.groupAddr); err != nil {
		log.Warn().Err(err).Str("group", s.groupAddr.String()).Msg("beacon send failed")
		return
	}
	observability.RecordBeaconSent()
}

func (s *Service) readLoop(ctx context.Context, conn *net.UDPConn, kind string) {
	defer s.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Str("socket", kind).Msg("discovery read failed")
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.handleDatagram(payload, src)
	}
}

// handleDatagram processes one received datagram. Malformed input is
// logged and discarded; the loop never dies on untrusted bytes.
func (s *Service) handleDatagram(b []byte, src *net.UDPAddr) {
	f, err := frame.Decode(b, frame.DatagramLimits())
	if err != nil {
		observability.RecordDecodeError("datagram")
		log.Debug().Err(err).Str("src", src.String()).Msg("discovery datagram rejected")
		return
	}

	switch f.Header.MessageType {
	case schema.MsgHello:
		hello, err := wire.DecodeHello(f)
		if err != nil {
			observability.RecordDecodeError("datagram")
			log.Debug().Err(err).Str("src", src.String()).Msg("hello rejected")
			return
		}
		if hello.Identity.ID == s.self.ID {
			return
		}
		observability.RecordBeaconReceived("hello")
		s.observe(hello.Identity, src)
		s.replyPong(src)
	case schema.MsgPong:
		pong, err := wire.DecodePong(f)
		if err != nil {
			observability.RecordDecodeError("datagram")
			log.Debug().Err(err).Str("src", src.String()).Msg("pong rejected")
			return
		}
		if pong.Identity.ID == s.self.ID {
			return
		}
		observability.RecordBeaconReceived("pong")
		// No reply to a Pong, otherwise two nodes ping-pong forever.
		s.observe(pong.Identity, src)
	default:
		log.Debug().Uint32("message_type", f.Header.MessageType).Str("src", src.String()).
			Msg("unexpected message on discovery transport")
	}
}

func (s *Service) observe(identity node.Identity, src *net.UDPAddr) {
	if identity.HostAddress == "" {
		identity.HostAddress = src.IP.String()
	}
	isNew := s.reg.Upsert(identity, time.Now())
	observability.SetPeersLive(len(s.reg.Snapshot()))
	if isNew {
		log.Info().Str("node_id", identity.ID).Str("addr", identity.CommandAddr()).
			Msg("peer discovered")
	}
}

func (s *Service) replyPong(dst *net.UDPAddr) {
	b, err := wire.EncodePong(wire.Pong{
		MessageID: uuid.New().String(),
		Identity:  s.self,
	}, frame.DatagramLimits())
	if err != nil {
		log.Error().Err(err).Msg("pong encode failed")
		return
	}
	if _, err := s.peerConn.WriteToUDP(b, dst); err != nil {
		log.Debug().Err(err).Str("dst", dst.String()).Msg("pong send failed")
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.reg.EvictExpired(time.Now())
			for _, id := range removed {
				observability.RecordPeerLost()
				log.Info().Str("node_id", id).Msg("peer lost")
			}
			if len(removed) > 0 {
				observability.SetPeersLive(len(s.reg.Snapshot()))
			}
		}
	}
}
