// Package bus implements the local broadcast bus: a daemon that accepts
// publishers and subscribers over a unix domain socket (a named pipe on
// Windows) and fans every broadcast intent out to the subscribers whose action
// patterns match it.
//
// Every message is a length-prefixed JSON frame (see [EncodeFrame]). A peer
// opens with an [OpHandshake] frame declaring its role, then exchanges
// [OpFrame] commands and dispatches until either side sends [OpClose].
//
// Publishers send fire-and-forget commands: BROADCAST, SET_PENDING and
// ACCEPT_TEXT. The last two drive the signal tracker owned by the daemon
// through a [Controller]. Subscribers only receive DISPATCH frames.
package bus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tools.zach/dev/imesignals/internal/intent"
)

// ///////////////////////////////////////////////
// Protocol Constants
// ///////////////////////////////////////////////

// ProtocolVersion is the handshake version spoken by this package.
const ProtocolVersion = 1

// DefaultName is the socket or pipe base name used when none is configured.
const DefaultName = "imesignals-bus"

// Role is the part a peer plays on the bus.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// Command names sent by publishers.
const (
	CmdBroadcast  = "BROADCAST"
	CmdSetPending = "SET_PENDING"
	CmdAcceptText = "ACCEPT_TEXT"
)

// CmdDispatch marks frames sent by the server.
const CmdDispatch = "DISPATCH"

// Dispatch events.
const (
	EvtReady     = "READY"
	EvtError     = "ERROR"
	EvtBroadcast = "BROADCAST"
)

const (
	// maxSlots is the number of socket/pipe slots tried per name (0-9).
	maxSlots = 10

	dialTimeout      = 2 * time.Second
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
)

// ErrBusNotAvailable is returned when no bus endpoint answers.
var ErrBusNotAvailable = errors.New("signal bus not available")

// ///////////////////////////////////////////////
// Endpoint
// ///////////////////////////////////////////////

// Endpoint says where the bus lives. When Socket is set it is used verbatim;
// otherwise slots derived from Name are tried and the lowest one that answers
// is used, whichever daemon holds it.
type Endpoint struct {
	// Name is the socket or pipe base name; DefaultName when empty.
	Name string
	// Socket is an explicit socket path or pipe name.
	Socket string
}

func (e Endpoint) name() string {
	if e.Name == "" {
		return DefaultName
	}
	return e.Name
}

// ///////////////////////////////////////////////
// Wire Types
// ///////////////////////////////////////////////

// Handshake is the first frame a peer sends.
type Handshake struct {
	V        int      `json:"v"`
	ClientID string   `json:"client_id"`
	Role     Role     `json:"role"`
	Actions  []string `json:"actions,omitempty"`
}

// Command is a publisher request.
type Command struct {
	Cmd   string          `json:"cmd"`
	Args  json.RawMessage `json:"args,omitempty"`
	Nonce string          `json:"nonce,omitempty"`
}

// Dispatch is a server message.
type Dispatch struct {
	Cmd  string          `json:"cmd"`
	Evt  string          `json:"evt"`
	Data json.RawMessage `json:"data,omitempty"`
}

type broadcastArgs struct {
	Intent intent.Intent `json:"intent"`
}

type setPendingArgs struct {
	Pending bool `json:"pending"`
}

type acceptTextArgs struct {
	CallingApp string `json:"calling_app"`
}

type readyData struct {
	PeerID string `json:"peer_id"`
}

type errorData struct {
	Message string `json:"message"`
}

// decodeJSON unmarshals data into v keeping numbers as json.Number.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// encodeDispatch marshals a DISPATCH payload for evt carrying data.
func encodeDispatch(evt string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s data: %w", evt, err)
	}
	payload, err := json.Marshal(Dispatch{Cmd: CmdDispatch, Evt: evt, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s dispatch: %w", evt, err)
	}
	return payload, nil
}
