package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/peerctl/internal/exec"
	"github.com/danmuck/peerctl/internal/node"
	"github.com/danmuck/peerctl/internal/observability"
	"github.com/danmuck/peerctl/internal/protocol/frame"
	"github.com/danmuck/peerctl/internal/protocol/schema"
	"github.com/danmuck/peerctl/internal/protocol/wire"
)

// Listener is the inbound side of the command transport. Each accepted
// connection gets its own reader goroutine; each request is executed on
// its own goroutine so a slow command never blocks the stream, and the
// responses are serialized back through a per-connection write lock.
type Listener struct {
	self   node.Identity
	runner exec.Runner
	cfg    Config

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewListener(self node.Identity, runner exec.Runner, cfg Config) *Listener {
	return &Listener{
		self:   self,
		runner: runner,
		cfg:    cfg.withDefaults(),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the command port and begins accepting. A bind failure is
// returned synchronously so the caller can fail startup.
func (l *Listener) Start(bind string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return errors.New("channel: listener already started")
	}
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("channel: bind %s: %w", bind, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.ln = ln
	l.cancel = cancel
	// Advertise the port actually bound when the config said ":0".
	if l.self.CommandPort == 0 {
		l.self.CommandPort = uint32(ln.Addr().(*net.TCPAddr).Port)
	}

	l.wg.Add(1)
	go l.acceptLoop(ctx, ln)
	log.Info().Str("node_id", l.self.ID).Str("addr", ln.Addr().String()).
		Msg("command listener up")
	return nil
}

// Addr reports the bound address, useful when binding port 0.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Stop closes the listening socket and every accepted connection, then
// waits for the per-connection goroutines to drain.
func (l *Listener) Stop() {
	l.mu.Lock()
	ln := l.ln
	cancel := l.cancel
	l.ln = nil
	l.cancel = nil
	conns := make([]net.Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	if ln == nil {
		return
	}
	cancel()
	_ = ln.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	l.wg.Wait()
	log.Info().Str("node_id", l.self.ID).Msg("command listener stopped")
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}
		l.track(conn)
		l.wg.Add(1)
		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) track(conn net.Conn) {
	l.mu.Lock()
	l.conns[conn] = struct{}{}
	l.mu.Unlock()
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer l.untrack(conn)
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)
	peer, err := l.handshake(conn, reader)
	if err != nil {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).
			Msg("command handshake rejected")
		return
	}
	log.Info().Str("node_id", l.self.ID).Str("peer", peer.ID).
		Str("remote", conn.RemoteAddr().String()).Msg("command channel accepted")

	// Serializes response writes across the request goroutines.
	var writeMu sync.Mutex
	for {
		f, err := frame.ReadFrame(reader, frame.StreamLimits())
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Str("peer", peer.ID).Msg("command stream ended")
			}
			return
		}
		if f.Header.MessageType != schema.MsgCommandRequest {
			log.Debug().Uint32("message_type", f.Header.MessageType).Str("peer", peer.ID).
				Msg("unexpected message on command channel")
			continue
		}
		req, err := wire.DecodeCommandRequest(f)
		if err != nil {
			observability.RecordDecodeError("stream")
			log.Warn().Err(err).Str("peer", peer.ID).Msg("command request rejected")
			continue
		}

		if req.Unattended {
			// The sender only wants receipt, not the result.
			l.writeAck(conn, &writeMu, req)
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.run(ctx, req)
			}()
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			result := l.run(ctx, req)
			l.writeResponse(conn, &writeMu, req, result)
		}()
	}
}

// handshake validates the client Hello and answers with our identity.
// A version mismatch is answered by closing the connection.
func (l *Listener) handshake(conn net.Conn, reader *bufio.Reader) (node.Identity, error) {
	_ = conn.SetDeadline(time.Now().Add(l.cfg.HandshakeTimeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	f, err := frame.ReadFrame(reader, frame.StreamLimits())
	if err != nil {
		return node.Identity{}, err
	}
	hello, err := wire.DecodeHello(f)
	if err != nil {
		return node.Identity{}, err
	}
	pong, err := wire.EncodePong(wire.Pong{
		MessageID: uuid.New().String(),
		Identity:  l.self,
	}, frame.StreamLimits())
	if err != nil {
		return node.Identity{}, err
	}
	if _, err := conn.Write(pong); err != nil {
		return node.Identity{}, err
	}
	return hello.Identity, nil
}

func (l *Listener) run(ctx context.Context, req wire.CommandRequest) exec.Result {
	result := l.runner.Run(ctx, exec.Request{
		Command:    req.Command,
		Mode:       req.ExecMode,
		Unattended: req.Unattended,
	})
	observability.RecordCommandServed(req.ExecMode.String(), result.Success)
	return result
}

func (l *Listener) writeResponse(conn net.Conn, writeMu *sync.Mutex, req wire.CommandRequest, result exec.Result) {
	resp := wire.CommandResponse{
		MessageID: req.MessageID,
		SourceID:  l.self.ID,
		Success:   result.Success,
		Output:    result.Output,
		Errors:    result.Errors,
	}
	b, err := wire.EncodeCommandResponse(resp, frame.StreamLimits())
	if err != nil {
		log.Error().Err(err).Str("message_id", req.MessageID).Msg("response encode failed")
		return
	}
	l.write(conn, writeMu, b)
}

func (l *Listener) writeAck(conn net.Conn, writeMu *sync.Mutex, req wire.CommandRequest) {
	b, err := wire.EncodeAck(wire.Ack{
		MessageID:   req.MessageID,
		SourceID:    l.self.ID,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}, frame.StreamLimits())
	if err != nil {
		log.Error().Err(err).Str("message_id", req.MessageID).Msg("ack encode failed")
		return
	}
	l.write(conn, writeMu, b)
}

func (l *Listener) write(conn net.Conn, writeMu *sync.Mutex, b []byte) {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	if _, err := conn.Write(b); err != nil {
		log.Debug().Err(err).Msg("response write failed, dropping connection")
		_ = conn.Close()
	}
}
