package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/peerctl/internal/node"
	"github.com/danmuck/peerctl/internal/observability"
	"github.com/danmuck/peerctl/internal/protocol/frame"
	"github.com/danmuck/peerctl/internal/protocol/wire"
)

// Dialer owns the outbound command channels of one node, at most one
// live channel per peer. Opening an already-open peer returns the
// existing channel.
type Dialer struct {
	self node.Identity
	reg  *node.Registry
	cfg  Config

	mu       sync.Mutex
	channels map[string]*Channel
	closed   bool
}

func NewDialer(self node.Identity, reg *node.Registry, cfg Config) *Dialer {
	return &Dialer{
		self:     self,
		reg:      reg,
		cfg:      cfg.withDefaults(),
		channels: make(map[string]*Channel),
	}
}

// Open returns the live channel to nodeID, dialing one if none exists.
// The target must be present in the registry; unknown IDs fail with
// node.ErrNotFound before any connection attempt.
func (d *Dialer) Open(ctx context.Context, nodeID string) (*Channel, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if ch, ok := d.channels[nodeID]; ok && !ch.Closed() {
		d.mu.Unlock()
		return ch, nil
	}
	d.mu.Unlock()

	rec, err := d.reg.Lookup(nodeID)
	if err != nil {
		return nil, err
	}

	ch, err := d.dial(ctx, rec.Identity)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		_ = ch.Close()
		return nil, ErrChannelClosed
	}
	// A concurrent Open may have won the race; keep the first channel.
	if existing, ok := d.channels[nodeID]; ok && !existing.Closed() {
		_ = ch.Close()
		return existing, nil
	}
	d.channels[nodeID] = ch
	observability.SetOpenChannels(d.liveLocked())
	return ch, nil
}

// Lookup returns the live channel to nodeID without dialing.
func (d *Dialer) Lookup(nodeID string) (*Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.channels[nodeID]
	if !ok || ch.Closed() {
		return nil, ErrChannelClosed
	}
	return ch, nil
}

// Close terminates the channel to nodeID. Closing a peer without a
// channel is a no-op.
func (d *Dialer) Close(nodeID string) error {
	d.mu.Lock()
	ch, ok := d.channels[nodeID]
	if ok {
		delete(d.channels, nodeID)
	}
	observability.SetOpenChannels(d.liveLocked())
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return ch.Close()
}

// CloseAll terminates every channel. The dialer refuses further opens.
func (d *Dialer) CloseAll() {
	d.mu.Lock()
	channels := d.channels
	d.channels = make(map[string]*Channel)
	d.closed = true
	d.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	observability.SetOpenChannels(0)
}

// OpenPeers lists the peers with a live channel, sorted by ID.
func (d *Dialer) OpenPeers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.channels))
	for id, ch := range d.channels {
		if !ch.Closed() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (d *Dialer) liveLocked() int {
	n := 0
	for _, ch := range d.channels {
		if !ch.Closed() {
			n++
		}
	}
	return n
}

// dial connects and performs the Hello/Pong handshake that pins the
// peer's identity and protocol version before the channel goes live.
func (d *Dialer) dial(ctx context.Context, peer node.Identity) (*Channel, error) {
	nd := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	conn, err := nd.DialContext(ctx, "tcp", peer.CommandAddr())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectFailed, peer.CommandAddr(), err)
	}

	reader := bufio.NewReader(conn)
	if err := d.handshake(conn, reader, &peer); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Info().Str("node_id", d.self.ID).Str("peer", peer.ID).
		Str("addr", peer.CommandAddr()).Msg("command channel open")
	return newChannel(d.self.ID, peer, conn, reader, d.cfg), nil
}

func (d *Dialer) handshake(conn net.Conn, reader *bufio.Reader, peer *node.Identity) error {
	_ = conn.SetDeadline(time.Now().Add(d.cfg.HandshakeTimeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	hello, err := wire.EncodeHello(wire.Hello{
		MessageID: uuid.New().String(),
		Identity:  d.self,
	}, frame.StreamLimits())
	if err != nil {
		return err
	}
	if _, err := conn.Write(hello); err != nil {
		return fmt.Errorf("%w: handshake write: %v", ErrConnectFailed, err)
	}

	f, err := frame.ReadFrame(reader, frame.StreamLimits())
	if err != nil {
		if errors.Is(err, frame.ErrUnsupportedVersion) {
			return fmt.Errorf("%w: %v", ErrUnsupportedVersion, err)
		}
		return fmt.Errorf("%w: handshake read: %v", ErrConnectFailed, err)
	}
	pong, err := wire.DecodePong(f)
	if err != nil {
		return fmt.Errorf("%w: handshake reply: %v", ErrConnectFailed, err)
	}
	if pong.Identity.ID != peer.ID {
		return fmt.Errorf("%w: peer identified as %q, wanted %q", ErrConnectFailed, pong.Identity.ID, peer.ID)
	}
	// The handshake reply is authoritative over the registry snapshot,
	// except for the address we actually dialed.
	addr := peer.HostAddress
	*peer = pong.Identity
	if peer.HostAddress == "" {
		peer.HostAddress = addr
	}
	return nil
}
