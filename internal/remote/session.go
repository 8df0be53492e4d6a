// Package remote is the consumer-facing façade over discovery and the
// command transport. One Session is one node: it beacons, accepts
// commands, and dispatches commands to discovered peers.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/peerctl/internal/channel"
	"github.com/danmuck/peerctl/internal/config"
	"github.com/danmuck/peerctl/internal/discovery"
	"github.com/danmuck/peerctl/internal/exec"
	"github.com/danmuck/peerctl/internal/node"
	"github.com/danmuck/peerctl/internal/protocol/wire"
)

var (
	ErrAlreadyStarted = errors.New("remote: session already started")
	ErrNotStarted     = errors.New("remote: session not started")
)

// Session wires one node's discovery service, command listener and
// dialer behind a single lifecycle.
type Session struct {
	cfg    config.NodeConfig
	runner exec.Runner

	mu       sync.Mutex
	running  bool
	self     node.Identity
	reg      *node.Registry
	disc     *discovery.Service
	listener *channel.Listener
	dialer   *channel.Dialer
}

// NewSession validates cfg and prepares a stopped session. A missing
// node ID gets a generated one; a nil runner gets the built-in
// statement evaluator.
func NewSession(cfg config.NodeConfig, runner exec.Runner) (*Session, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = "node-" + uuid.New().String()[:8]
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.ID
	}
	if runner == nil {
		runner = exec.NewStatementRunner()
	}
	return &Session{cfg: cfg, runner: runner}, nil
}

// Start brings up the command listener, then discovery. The command
// port bind is the only failure surfaced as a startup error; a second
// Start without Stop fails with ErrAlreadyStarted.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}

	self := node.Identity{
		ID:          s.cfg.ID,
		DisplayName: s.cfg.DisplayName,
		HostAddress: s.cfg.HostAddress,
	}

	listener := channel.NewListener(self, s.runner, channel.DefaultConfig())
	if err := listener.Start(s.cfg.CommandBind); err != nil {
		return fmt.Errorf("remote: start: %w", err)
	}
	// Advertise the port actually bound, so ":0" configs work in tests
	// and on contended hosts.
	self.CommandPort = uint32(listener.Addr().(*net.TCPAddr).Port)

	reg := node.NewRegistry(s.cfg.TTL)
	disc := discovery.NewService(self, discovery.Config{
		Group:          s.cfg.MulticastGroup,
		Port:           s.cfg.MulticastPort,
		BeaconInterval: s.cfg.BeaconInterval,
	}, reg)
	if err := disc.Start(); err != nil {
		listener.Stop()
		return fmt.Errorf("remote: start: %w", err)
	}

	s.self = self
	s.reg = reg
	s.disc = disc
	s.listener = listener
	s.dialer = channel.NewDialer(self, reg, channel.DefaultConfig())
	s.running = true
	log.Info().Str("node_id", self.ID).Uint32("command_port", self.CommandPort).
		Msg("session started")
	return nil
}

// Stop tears everything down: channels first, then the command
// listener, then discovery. Stopping a stopped session is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	dialer := s.dialer
	listener := s.listener
	disc := s.disc
	s.mu.Unlock()

	dialer.CloseAll()
	listener.Stop()
	_ = disc.Stop()
	log.Info().Str("node_id", s.self.ID).Msg("session stopped")
}

// Self reports the identity this session advertises, including the
// bound command port. Zero value before Start.
func (s *Session) Self() node.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Registry exposes the live peer registry, nil before Start. The
// admin surface reads it; everything else goes through the façade.
func (s *Session) Registry() *node.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg
}

// DiscoveredNodes snapshots the registry, sorted by node ID.
func (s *Session) DiscoveredNodes() ([]node.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, ErrNotStarted
	}
	return s.reg.Snapshot(), nil
}

// Events subscribes to NodeFound/NodeLost notifications. The returned
// cancel func must be called when done.
func (s *Session) Events(buffer int) (<-chan node.Event, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, nil, ErrNotStarted
	}
	ch, cancel := s.reg.Subscribe(buffer)
	return ch, cancel, nil
}

// OpenCommandConnection returns the command channel to nodeID, dialing
// if needed. Unknown IDs fail with node.ErrNotFound before any dial.
func (s *Session) OpenCommandConnection(ctx context.Context, nodeID string) (*channel.Channel, error) {
	s.mu.Lock()
	dialer := s.dialer
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil, ErrNotStarted
	}
	return dialer.Open(ctx, nodeID)
}

// CloseCommandConnection closes the channel to nodeID if one is open.
func (s *Session) CloseCommandConnection(nodeID string) error {
	s.mu.Lock()
	dialer := s.dialer
	running := s.running
	s.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	return dialer.Close(nodeID)
}

// RunCommand sends command over an open channel and waits for its
// correlated response. A negative timeout selects the configured
// default; zero means wait zero time.
func (s *Session) RunCommand(ch *channel.Channel, command string, mode wire.ExecMode, timeout time.Duration) (wire.CommandResponse, error) {
	if timeout < 0 {
		timeout = s.cfg.DefaultTimeout
	}
	return ch.Send(command, mode, false, timeout)
}

// RunCommandUnattended is the fire-and-forget variant: it resolves on
// the receiving peer's receipt, not on the command's result.
func (s *Session) RunCommandUnattended(ch *channel.Channel, command string, mode wire.ExecMode, timeout time.Duration) error {
	if timeout < 0 {
		timeout = s.cfg.DefaultTimeout
	}
	_, err := ch.Send(command, mode, true, timeout)
	return err
}

// OpenPeers lists peers with a live command channel.
func (s *Session) OpenPeers() []string {
	s.mu.Lock()
	dialer := s.dialer
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}
	return dialer.OpenPeers()
}
