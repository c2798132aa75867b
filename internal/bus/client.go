package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"tools.zach/dev/imesignals/internal/intent"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

// ErrNotConnected is returned when an operation requires an active connection.
var ErrNotConnected = errors.New("not connected")

// ///////////////////////////////////////////////
// Client
// ///////////////////////////////////////////////

// Client is a bus peer. A client is either a publisher ([Client.Connect]) or
// a subscriber ([Client.Subscribe]) for the lifetime of a connection.
type Client struct {
	// clientID is a free-form label the server logs for this peer.
	clientID string
	// endpoint locates the bus.
	endpoint Endpoint
	// handshakeTimeout bounds the wait for READY so a hung daemon cannot
	// block the caller forever.
	handshakeTimeout time.Duration

	// mu protects conn, nonce and peerID.
	mu sync.Mutex
	// conn is the active connection, or nil when disconnected.
	conn net.Conn
	// nonce tags each command frame with an increasing counter.
	nonce uint64
	// peerID is the identifier the server assigned in its READY dispatch.
	peerID string
}

// NewClient creates a client that will reach the bus at ep.
func NewClient(clientID string, ep Endpoint) *Client {
	return &Client{clientID: clientID, endpoint: ep, handshakeTimeout: handshakeTimeout}
}

// Connect opens a publisher session.
func (c *Client) Connect() error {
	return c.open(RolePublisher, nil)
}

// Subscribe opens a subscriber session receiving broadcasts whose action
// matches one of patterns (doublestar globs). No patterns means every action.
func (c *Client) Subscribe(patterns ...string) error {
	return c.open(RoleSubscriber, patterns)
}

// open dials the bus and performs the handshake for role.
func (c *Client) open(role Role, actions []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Close old connection if reconnecting.
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	conn, err := dialBus(c.endpoint)
	if err != nil {
		return err
	}
	c.conn = conn

	if err := c.handshake(role, actions); err != nil {
		c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Broadcast asks the bus to deliver in to every matching subscriber.
func (c *Client) Broadcast(in intent.Intent) error {
	if err := in.Validate(); err != nil {
		return fmt.Errorf("invalid intent: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCommand(CmdBroadcast, broadcastArgs{Intent: in})
}

// SetPending sets the daemon tracker's pending flag.
func (c *Client) SetPending(pending bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCommand(CmdSetPending, setPendingArgs{Pending: pending})
}

// AcceptText reports that callingApp accepted IME text.
func (c *Client) AcceptText(callingApp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCommand(CmdAcceptText, acceptTextArgs{CallingApp: callingApp})
}

// Next blocks until the server dispatches a broadcast and returns its intent.
// It returns io.EOF once the server closes the session.
func (c *Client) Next() (intent.Intent, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return intent.Intent{}, ErrNotConnected
	}

	for {
		opcode, payload, err := DecodeFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				return intent.Intent{}, io.EOF
			}
			return intent.Intent{}, err
		}
		if opcode == OpClose {
			return intent.Intent{}, io.EOF
		}
		if opcode != OpFrame {
			continue
		}

		var d Dispatch
		if err := json.Unmarshal(payload, &d); err != nil {
			return intent.Intent{}, fmt.Errorf("parsing dispatch: %w", err)
		}
		if d.Evt != EvtBroadcast {
			continue
		}
		return intent.Decode(d.Data)
	}
}

// PeerID returns the identifier assigned by the server, or "" when
// disconnected.
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// Connected reports whether the client has an active connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close says goodbye to the server and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	// Best-effort goodbye; the server also handles a plain disconnect.
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = WriteFrame(c.conn, OpClose, []byte("{}"))

	err := c.conn.Close()
	c.conn = nil
	c.peerID = ""
	return err
}

// handshake sends the handshake frame and waits for READY. The caller must
// hold c.mu.
func (c *Client) handshake(role Role, actions []string) error {
	payload, err := json.Marshal(Handshake{
		V:        ProtocolVersion,
		ClientID: c.clientID,
		Role:     role,
		Actions:  actions,
	})
	if err != nil {
		return fmt.Errorf("marshaling handshake: %w", err)
	}

	_ = c.conn.SetDeadline(time.Now().Add(c.handshakeTimeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := WriteFrame(c.conn, OpHandshake, payload); err != nil {
		return fmt.Errorf("writing handshake: %w", err)
	}

	opcode, respData, err := DecodeFrame(c.conn)
	if err != nil {
		return fmt.Errorf("reading handshake response: %w", err)
	}
	if opcode != OpFrame {
		return fmt.Errorf("unexpected handshake response opcode: %d", opcode)
	}

	var resp Dispatch
	if err := json.Unmarshal(respData, &resp); err != nil {
		return fmt.Errorf("parsing handshake response: %w", err)
	}
	switch resp.Evt {
	case EvtReady:
		var ready readyData
		if len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, &ready); err != nil {
				return fmt.Errorf("parsing ready data: %w", err)
			}
		}
		c.peerID = ready.PeerID
		return nil
	case EvtError:
		var e errorData
		_ = json.Unmarshal(resp.Data, &e)
		return fmt.Errorf("handshake rejected: %s", e.Message)
	default:
		return fmt.Errorf("unexpected handshake response event %q", resp.Evt)
	}
}

// sendCommand writes a command frame. The caller must hold c.mu.
func (c *Client) sendCommand(cmd string, args any) error {
	if c.conn == nil {
		return ErrNotConnected
	}

	rawArgs, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshaling %s args: %w", cmd, err)
	}

	c.nonce++
	payload, err := json.Marshal(Command{
		Cmd:   cmd,
		Args:  rawArgs,
		Nonce: strconv.FormatUint(c.nonce, 10),
	})
	if err != nil {
		return fmt.Errorf("marshaling command: %w", err)
	}

	if err := WriteFrame(c.conn, OpFrame, payload); err != nil {
		return fmt.Errorf("writing command: %w", err)
	}
	return nil
}
