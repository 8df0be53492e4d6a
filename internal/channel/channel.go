// Package channel implements the point-to-point command transport: a
// dialer that keeps one reliable stream per target peer, a listener
// that executes incoming commands, and messageID correlation so many
// requests can be in flight on one stream at once.
package channel

import (
	"bufio"
	"errors"
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
	ErrConnectFailed      = errors.New("channel: connect failed")
	ErrUnsupportedVersion = errors.New("channel: unsupported peer protocol version")
	ErrTimedOut           = errors.New("channel: request timed out")
	ErrConnectionLost     = errors.New("channel: connection lost")
	ErrChannelClosed      = errors.New("channel: channel closed")
)

// Config defines transport reliability knobs for both channel ends.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// Channel is one open command connection to a peer. A channel is either
// fully connected or closed; once closed it never comes back, callers
// re-open through the dialer.
type Channel struct {
	peer    node.Identity
	localID string
	cfg     Config

	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan wire.CommandResponse
	closed   bool
	closeErr error
	done     chan struct{}
}

func newChannel(localID string, peer node.Identity, conn net.Conn, reader *bufio.Reader, cfg Config) *Channel {
	ch := &Channel{
		peer:    peer,
		localID: localID,
		cfg:     cfg,
		conn:    conn,
		reader:  reader,
		pending: make(map[string]chan wire.CommandResponse),
		done:    make(chan struct{}),
	}
	go ch.readLoop()
	return ch
}

// Peer is the identity this channel was handshaken against.
func (ch *Channel) Peer() node.Identity {
	return ch.peer
}

func (ch *Channel) Closed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Send writes one command request and blocks the calling goroutine
// until the correlated response arrives or the timeout elapses. The
// channel's read loop keeps servicing other in-flight requests while
// this caller waits; a timeout abandons only this request.
func (ch *Channel) Send(command string, mode wire.ExecMode, unattended bool, timeout time.Duration) (wire.CommandResponse, error) {
	messageID := uuid.New().String()
	req := wire.CommandRequest{
		MessageID:     messageID,
		SourceID:      ch.localID,
		DestinationID: ch.peer.ID,
		Command:       command,
		ExecMode:      mode,
		Unattended:    unattended,
	}
	payload, err := wire.EncodeCommandRequest(req, frame.StreamLimits())
	if err != nil {
		return wire.CommandResponse{}, err
	}

	respCh := make(chan wire.CommandResponse, 1)
	ch.mu.Lock()
	if ch.closed {
		err := ch.closeErr
		ch.mu.Unlock()
		return wire.CommandResponse{}, err
	}
	ch.pending[messageID] = respCh
	ch.mu.Unlock()

	start := time.Now()
	observability.CommandStarted()

	if err := ch.write(payload); err != nil {
		ch.abandon(messageID)
		ch.fail(ErrConnectionLost)
		observability.CommandFinished("connection_lost", time.Since(start))
		return wire.CommandResponse{}, ErrConnectionLost
	}

	if timeout < 0 {
		timeout = 0
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		observability.CommandFinished("ok", time.Since(start))
		return resp, nil
	case <-timer.C:
		ch.abandon(messageID)
		// A late response for this ID is discarded by the read loop.
		observability.CommandFinished("timeout", time.Since(start))
		return wire.CommandResponse{}, ErrTimedOut
	case <-ch.done:
		ch.mu.Lock()
		err := ch.closeErr
		ch.mu.Unlock()
		observability.CommandFinished("closed", time.Since(start))
		return wire.CommandResponse{}, err
	}
}

// Close terminates the stream deliberately. Outstanding waiters fail
// with ErrChannelClosed.
func (ch *Channel) Close() error {
	ch.fail(ErrChannelClosed)
	return nil
}

func (ch *Channel) write(payload []byte) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	_ = ch.conn.SetWriteDeadline(time.Now().Add(ch.cfg.WriteTimeout))
	_, err := ch.conn.Write(payload)
	return err
}

// readLoop is the only reader of the stream. It dispatches responses to
// their waiters by messageID and discards frames for unknown or
// already-satisfied IDs.
func (ch *Channel) readLoop() {
	for {
		f, err := frame.ReadFrame(ch.reader, frame.StreamLimits())
		if err != nil {
			ch.fail(ErrConnectionLost)
			return
		}

		switch f.Header.MessageType {
		case schema.MsgCommandResponse:
			resp, err := wire.DecodeCommandResponse(f)
			if err != nil {
				observability.RecordDecodeError("stream")
				log.Warn().Err(err).Str("peer", ch.peer.ID).Msg("response rejected")
				continue
			}
			ch.deliver(resp)
		case schema.MsgAck:
			ack, err := wire.DecodeAck(f)
			if err != nil {
				observability.RecordDecodeError("stream")
				log.Warn().Err(err).Str("peer", ch.peer.ID).Msg("ack rejected")
				continue
			}
			// Receipt for an unattended request completes its waiter.
			ch.deliver(wire.CommandResponse{
				MessageID: ack.MessageID,
				SourceID:  ack.SourceID,
				Success:   true,
			})
		default:
			log.Debug().Uint32("message_type", f.Header.MessageType).Str("peer", ch.peer.ID).
				Msg("unexpected message on command channel")
		}
	}
}

func (ch *Channel) deliver(resp wire.CommandResponse) {
	ch.mu.Lock()
	waiter, ok := ch.pending[resp.MessageID]
	if ok {
		delete(ch.pending, resp.MessageID)
	}
	ch.mu.Unlock()
	if !ok {
		log.Debug().Str("message_id", resp.MessageID).Str("peer", ch.peer.ID).
			Msg("late or duplicate response discarded")
		return
	}
	waiter <- resp
}

func (ch *Channel) abandon(messageID string) {
	ch.mu.Lock()
	delete(ch.pending, messageID)
	ch.mu.Unlock()
}

// fail transitions the channel to closed exactly once. Every
// outstanding waiter observes closeErr through the done channel.
func (ch *Channel) fail(cause error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	ch.closeErr = cause
	ch.pending = make(map[string]chan wire.CommandResponse)
	close(ch.done)
	ch.mu.Unlock()

	_ = ch.conn.Close()
	log.Debug().Str("peer", ch.peer.ID).AnErr("cause", cause).Msg("channel closed")
}
