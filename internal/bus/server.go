package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"tools.zach/dev/imesignals/internal/intent"
)

// ErrServerClosed is returned by [Server.Broadcast] after [Server.Close].
var ErrServerClosed = errors.New("bus server closed")

// DefaultQueueSize is the per-subscriber outbound queue length used when
// [ServerOptions.QueueSize] is zero.
const DefaultQueueSize = 64

// ///////////////////////////////////////////////
// Controller
// ///////////////////////////////////////////////

// Controller receives the tracker commands sent by publishers.
type Controller interface {
	SetPending(pending bool)
	AcceptText(callingApp string)
}

// ///////////////////////////////////////////////
// Server
// ///////////////////////////////////////////////

// ServerOptions tunes a [Server].
type ServerOptions struct {
	// QueueSize bounds each subscriber's outbound queue.
	QueueSize int
	// PublishAllow lists doublestar patterns of actions remote publishers
	// may broadcast. Nil disables the check; an empty list denies every
	// remote broadcast.
	PublishAllow []string
}

// Server accepts bus peers on a listener and fans broadcasts out to
// subscribers.
type Server struct {
	ln        net.Listener
	ctrl      Controller
	queueSize int

	// mu protects allow, peers and closed.
	mu     sync.Mutex
	allow  []string // nil when remote broadcasts are unrestricted
	peers  map[string]*peer
	closed bool

	// wg tracks peer goroutines so Serve can wait for them on shutdown.
	wg sync.WaitGroup
	// dropped counts broadcasts lost to full subscriber queues.
	dropped atomic.Uint64
}

// peer is one accepted connection.
type peer struct {
	id       string
	clientID string
	role     Role
	actions  []string
	conn     net.Conn
	// out queues encoded frames for subscribers; nil for publishers.
	out chan []byte
	// done is closed when the peer is torn down.
	done chan struct{}
	once sync.Once
}

// NewServer creates a server over ln. ctrl may be nil, in which case tracker
// commands are logged and ignored.
func NewServer(ln net.Listener, ctrl Controller, opts ServerOptions) *Server {
	qs := opts.QueueSize
	if qs <= 0 {
		qs = DefaultQueueSize
	}
	return &Server{
		ln:        ln,
		ctrl:      ctrl,
		queueSize: qs,
		allow:     copyAllow(opts.PublishAllow),
		peers:     make(map[string]*peer),
	}
}

// Serve accepts peers until ctx is done or the server is closed. It waits
// for peer goroutines to finish before returning.
func (s *Server) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() {
				s.wg.Wait()
				return nil
			}
			s.Close()
			s.wg.Wait()
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

// Broadcast delivers in to every subscriber whose patterns match its action.
// Delivery is fire-and-forget: a subscriber with a full queue misses the
// broadcast.
func (s *Server) Broadcast(in intent.Intent) error {
	if err := in.Validate(); err != nil {
		return fmt.Errorf("invalid intent: %w", err)
	}
	payload, err := encodeDispatch(EvtBroadcast, in)
	if err != nil {
		return err
	}
	frame, err := EncodeFrame(OpFrame, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	var targets []*peer
	for _, p := range s.peers {
		if p.role == RoleSubscriber && matchesAny(p.actions, in.Action) {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()

	for _, p := range targets {
		select {
		case p.out <- frame:
		default:
			s.dropped.Add(1)
			slog.Warn("subscriber queue full, dropping broadcast",
				"peer", p.id,
				"client", p.clientID,
				"action", in.Action,
			)
		}
	}
	slog.Debug("broadcast", "action", in.Action, "subscribers", len(targets))
	return nil
}

// SetPublishAllow replaces the list of actions remote publishers may send,
// with the same nil and empty semantics as [ServerOptions.PublishAllow].
func (s *Server) SetPublishAllow(patterns []string) {
	s.mu.Lock()
	s.allow = copyAllow(patterns)
	s.mu.Unlock()
}

// copyAllow copies patterns, keeping nil and empty distinct.
func copyAllow(patterns []string) []string {
	if patterns == nil {
		return nil
	}
	return append([]string{}, patterns...)
}

// Subscribers returns the number of connected subscribers.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.peers {
		if p.role == RoleSubscriber {
			n++
		}
	}
	return n
}

// Dropped returns how many broadcasts were lost to full subscriber queues.
func (s *Server) Dropped() uint64 {
	return s.dropped.Load()
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Close stops accepting peers and disconnects everyone. It is idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	err := s.ln.Close()
	for _, p := range peers {
		s.dropPeer(p)
	}
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// allowed reports whether remote publishers may broadcast action. Unlike
// subscriber patterns, an empty allow list matches nothing.
func (s *Server) allowed(action string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allow == nil {
		return true
	}
	return len(s.allow) > 0 && matchesAny(s.allow, action)
}

// matchesAny reports whether action matches one of patterns. An empty list
// matches everything.
func matchesAny(patterns []string, action string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, action); ok {
			return true
		}
	}
	return false
}

// ///////////////////////////////////////////////
// Peer Lifecycle
// ///////////////////////////////////////////////

// handle runs the handshake and then serves the peer until it leaves.
func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()

	p, err := s.accept(conn)
	if err != nil {
		slog.Debug("handshake failed", "error", err)
		conn.Close()
		return
	}
	defer s.dropPeer(p)

	slog.Debug("peer connected", "peer", p.id, "client", p.clientID, "role", p.role)
	if p.role == RoleSubscriber {
		s.wg.Add(1)
		go s.writeLoop(p)
	}
	s.readLoop(p)
	slog.Debug("peer disconnected", "peer", p.id, "client", p.clientID)
}

// accept reads and validates the handshake, registers the peer and replies
// READY. Rejected handshakes get an ERROR dispatch.
func (s *Server) accept(conn net.Conn) (*peer, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	opcode, payload, err := DecodeFrame(conn)
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	if opcode != OpHandshake {
		return nil, s.reject(conn, fmt.Sprintf("expected handshake, got opcode %d", opcode))
	}
	var hs Handshake
	if err := json.Unmarshal(payload, &hs); err != nil {
		return nil, s.reject(conn, "malformed handshake")
	}
	if hs.V != ProtocolVersion {
		return nil, s.reject(conn, fmt.Sprintf("unsupported protocol version %d", hs.V))
	}
	if hs.Role != RolePublisher && hs.Role != RoleSubscriber {
		return nil, s.reject(conn, fmt.Sprintf("unknown role %q", hs.Role))
	}
	for _, pattern := range hs.Actions {
		if !doublestar.ValidatePattern(pattern) {
			return nil, s.reject(conn, fmt.Sprintf("invalid action pattern %q", pattern))
		}
	}

	p := &peer{
		id:       uuid.NewString(),
		clientID: hs.ClientID,
		role:     hs.Role,
		actions:  hs.Actions,
		conn:     conn,
		done:     make(chan struct{}),
	}
	if p.role == RoleSubscriber {
		p.out = make(chan []byte, s.queueSize)
	}

	// Register before READY so no broadcast sent after the client sees READY
	// can miss it. Queued frames are written once writeLoop starts.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServerClosed
	}
	s.peers[p.id] = p
	s.mu.Unlock()

	ready, err := encodeDispatch(EvtReady, readyData{PeerID: p.id})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err = WriteFrame(conn, OpFrame, ready)
	}
	if err != nil {
		s.dropPeer(p)
		return nil, err
	}
	return p, nil
}

// reject sends an ERROR dispatch and returns the reason as an error.
func (s *Server) reject(conn net.Conn, reason string) error {
	if payload, err := encodeDispatch(EvtError, errorData{Message: reason}); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = WriteFrame(conn, OpFrame, payload)
	}
	return errors.New(reason)
}

// dropPeer unregisters p and closes its connection. Safe to call repeatedly.
func (s *Server) dropPeer(p *peer) {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
	s.mu.Lock()
	delete(s.peers, p.id)
	s.mu.Unlock()
}

// readLoop consumes frames from p until it closes or errors.
func (s *Server) readLoop(p *peer) {
	for {
		opcode, payload, err := DecodeFrame(p.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("peer read failed", "peer", p.id, "error", err)
			}
			return
		}
		switch opcode {
		case OpClose:
			return
		case OpFrame:
			if p.role != RolePublisher {
				slog.Debug("ignoring command from subscriber", "peer", p.id)
				continue
			}
			s.dispatch(p, payload)
		default:
			slog.Debug("ignoring frame", "peer", p.id, "opcode", opcode)
		}
	}
}

// writeLoop drains a subscriber's queue onto its connection.
func (s *Server) writeLoop(p *peer) {
	defer s.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := p.conn.Write(frame); err != nil {
				slog.Debug("subscriber write failed", "peer", p.id, "error", err)
				s.dropPeer(p)
				return
			}
		}
	}
}

// dispatch executes one publisher command. Commands have no response; bad
// commands are logged and dropped.
func (s *Server) dispatch(p *peer, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		slog.Warn("malformed command", "peer", p.id, "error", err)
		return
	}

	switch cmd.Cmd {
	case CmdBroadcast:
		var args broadcastArgs
		if err := decodeJSON(cmd.Args, &args); err != nil {
			slog.Warn("malformed broadcast", "peer", p.id, "nonce", cmd.Nonce, "error", err)
			return
		}
		if !s.allowed(args.Intent.Action) {
			slog.Warn("broadcast action not allowed", "peer", p.id, "client", p.clientID, "action", args.Intent.Action)
			return
		}
		if err := s.Broadcast(args.Intent); err != nil {
			slog.Warn("broadcast failed", "peer", p.id, "nonce", cmd.Nonce, "error", err)
		}

	case CmdSetPending:
		var args setPendingArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			slog.Warn("malformed set_pending", "peer", p.id, "nonce", cmd.Nonce, "error", err)
			return
		}
		if s.ctrl == nil {
			slog.Warn("no tracker attached, ignoring command", "cmd", cmd.Cmd)
			return
		}
		s.ctrl.SetPending(args.Pending)
		slog.Debug("pending set", "client", p.clientID, "pending", args.Pending)

	case CmdAcceptText:
		var args acceptTextArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			slog.Warn("malformed accept_text", "peer", p.id, "nonce", cmd.Nonce, "error", err)
			return
		}
		if s.ctrl == nil {
			slog.Warn("no tracker attached, ignoring command", "cmd", cmd.Cmd)
			return
		}
		s.ctrl.AcceptText(args.CallingApp)
		slog.Debug("text accepted", "client", p.clientID, "calling_app", args.CallingApp)

	default:
		slog.Warn("unknown command", "peer", p.id, "cmd", cmd.Cmd)
	}
}
