// Tests for the [Client] type covering the handshake, command framing, nonce
// uniqueness, dispatch reading and connection lifecycle, using net.Pipe as a
// stand-in server.
package bus

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"tools.zach/dev/imesignals/internal/intent"
)

// ///////////////////////////////////////////////
// Test Helpers
// ///////////////////////////////////////////////

// readFrame reads a single frame and decodes its JSON payload into a map.
func readFrame(t *testing.T, conn net.Conn) (Opcode, map[string]any) {
	t.Helper()
	opcode, payload, err := DecodeFrame(conn)
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
		return 0, nil
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("failed to parse frame payload: %v", err)
		return 0, nil
	}
	return opcode, m
}

// writeDispatch writes a DISPATCH frame for evt carrying data.
func writeDispatch(t *testing.T, conn net.Conn, evt string, data any) {
	t.Helper()
	payload, err := encodeDispatch(evt, data)
	if err != nil {
		t.Fatalf("encodeDispatch: %v", err)
	}
	if err := WriteFrame(conn, OpFrame, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}

// pipeClient returns a client wired to one end of a net.Pipe.
func pipeClient(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})
	c := NewClient("test-ime", Endpoint{})
	c.conn = clientConn
	return c, serverConn
}

// ///////////////////////////////////////////////
// Client.handshake
// ///////////////////////////////////////////////

func TestClient_Handshake(t *testing.T) {
	c, server := pipeClient(t)

	done := make(chan error, 1)
	go func() {
		done <- c.handshake(RoleSubscriber, []string{"ACTION_*"})
	}()

	opcode, m := readFrame(t, server)
	if opcode != OpHandshake {
		t.Fatalf("expected opcode %d (HANDSHAKE), got %d", OpHandshake, opcode)
	}
	if v, _ := m["v"].(float64); int(v) != ProtocolVersion {
		t.Fatalf("expected v=%d, got %v", ProtocolVersion, m["v"])
	}
	if m["client_id"] != "test-ime" {
		t.Fatalf("expected client_id=test-ime, got %v", m["client_id"])
	}
	if m["role"] != "subscriber" {
		t.Fatalf("expected role=subscriber, got %v", m["role"])
	}
	actions, _ := m["actions"].([]any)
	if len(actions) != 1 || actions[0] != "ACTION_*" {
		t.Fatalf("expected actions=[ACTION_*], got %v", m["actions"])
	}

	writeDispatch(t, server, EvtReady, readyData{PeerID: "peer-1"})

	if err := <-done; err != nil {
		t.Fatalf("handshake returned error: %v", err)
	}
	if got := c.PeerID(); got != "peer-1" {
		t.Errorf("PeerID() = %q, want peer-1", got)
	}
}

func TestClient_Handshake_ErrorResponse(t *testing.T) {
	c, server := pipeClient(t)

	done := make(chan error, 1)
	go func() {
		done <- c.handshake(RolePublisher, nil)
	}()

	readFrame(t, server)
	writeDispatch(t, server, EvtError, errorData{Message: "unsupported protocol version 9"})

	err := <-done
	if err == nil {
		t.Fatal("expected handshake to fail with ERROR response")
	}
	if !strings.Contains(err.Error(), "unsupported protocol version 9") {
		t.Errorf("error should carry the server message, got: %v", err)
	}
}

func TestClient_Handshake_ServerGone(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	c := NewClient("test-ime", Endpoint{})
	c.conn = clientConn
	serverConn.Close()

	if err := c.handshake(RolePublisher, nil); err == nil {
		t.Fatal("expected handshake to fail")
	}
	clientConn.Close()
}

func TestClient_Handshake_Timeout(t *testing.T) {
	c, server := pipeClient(t)
	c.handshakeTimeout = 50 * time.Millisecond

	// Read the handshake but never answer it.
	go func() {
		_, _, _ = DecodeFrame(server)
	}()

	done := make(chan error, 1)
	go func() { done <- c.handshake(RolePublisher, nil) }()

	select {
	case err := <-done:
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatalf("handshake error = %v, want deadline exceeded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not give up on a silent server")
	}
}

func TestClient_Handshake_ClearsDeadline(t *testing.T) {
	c, server := pipeClient(t)
	c.handshakeTimeout = 50 * time.Millisecond

	go func() {
		if _, _, err := DecodeFrame(server); err != nil {
			return
		}
		payload, _ := encodeDispatch(EvtReady, readyData{PeerID: "peer-1"})
		WriteFrame(server, OpFrame, payload)
	}()
	if err := c.handshake(RoleSubscriber, nil); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	// A broadcast arriving after the handshake window is still delivered.
	go func() {
		time.Sleep(150 * time.Millisecond)
		payload, _ := encodeDispatch(EvtBroadcast, intent.New("LATE"))
		WriteFrame(server, OpFrame, payload)
	}()
	got, err := c.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Action != "LATE" {
		t.Errorf("Action = %q, want LATE", got.Action)
	}
}

// ///////////////////////////////////////////////
// Commands
// ///////////////////////////////////////////////

func TestClient_SetPending(t *testing.T) {
	c, server := pipeClient(t)

	done := make(chan error, 1)
	go func() {
		done <- c.SetPending(true)
	}()

	opcode, m := readFrame(t, server)
	if opcode != OpFrame {
		t.Fatalf("expected opcode %d (FRAME), got %d", OpFrame, opcode)
	}
	if m["cmd"] != CmdSetPending {
		t.Fatalf("expected cmd=%s, got %v", CmdSetPending, m["cmd"])
	}
	args, ok := m["args"].(map[string]any)
	if !ok || args["pending"] != true {
		t.Fatalf("expected args.pending=true, got %v", m["args"])
	}
	if nonce, _ := m["nonce"].(string); nonce == "" {
		t.Fatalf("expected non-empty nonce, got %v", m["nonce"])
	}

	if err := <-done; err != nil {
		t.Fatalf("SetPending returned error: %v", err)
	}
}

func TestClient_AcceptText(t *testing.T) {
	c, server := pipeClient(t)

	done := make(chan error, 1)
	go func() {
		done <- c.AcceptText("com.example.mail")
	}()

	_, m := readFrame(t, server)
	if m["cmd"] != CmdAcceptText {
		t.Fatalf("expected cmd=%s, got %v", CmdAcceptText, m["cmd"])
	}
	args := m["args"].(map[string]any)
	if args["calling_app"] != "com.example.mail" {
		t.Fatalf("expected calling_app=com.example.mail, got %v", args["calling_app"])
	}

	if err := <-done; err != nil {
		t.Fatalf("AcceptText returned error: %v", err)
	}
}

func TestClient_Broadcast(t *testing.T) {
	c, server := pipeClient(t)

	in := intent.New("ACTION_TEST")
	in.PutString("KEY", "value")
	in.PutLong("COUNT", 3)

	done := make(chan error, 1)
	go func() {
		done <- c.Broadcast(in)
	}()

	_, m := readFrame(t, server)
	if m["cmd"] != CmdBroadcast {
		t.Fatalf("expected cmd=%s, got %v", CmdBroadcast, m["cmd"])
	}
	args := m["args"].(map[string]any)
	sent := args["intent"].(map[string]any)
	if sent["action"] != "ACTION_TEST" {
		t.Fatalf("expected action=ACTION_TEST, got %v", sent["action"])
	}
	extras := sent["extras"].(map[string]any)
	if extras["KEY"] != "value" || extras["COUNT"] != float64(3) {
		t.Fatalf("unexpected extras: %v", extras)
	}

	if err := <-done; err != nil {
		t.Fatalf("Broadcast returned error: %v", err)
	}
}

func TestClient_Broadcast_Invalid(t *testing.T) {
	c, _ := pipeClient(t)
	if err := c.Broadcast(intent.Intent{}); !errors.Is(err, intent.ErrNoAction) {
		t.Fatalf("expected ErrNoAction, got: %v", err)
	}
}

func TestClient_NonceUniqueness(t *testing.T) {
	c, server := pipeClient(t)

	nonces := make(map[string]bool)
	for i := range 5 {
		done := make(chan error, 1)
		go func() {
			done <- c.SetPending(i%2 == 0)
		}()

		_, m := readFrame(t, server)
		nonce := m["nonce"].(string)
		if nonces[nonce] {
			t.Fatalf("duplicate nonce on call %d: %s", i, nonce)
		}
		nonces[nonce] = true

		if err := <-done; err != nil {
			t.Fatalf("SetPending call %d returned error: %v", i, err)
		}
	}
}

func TestClient_SendCommand_NotConnected(t *testing.T) {
	c := NewClient("test-ime", Endpoint{})
	if err := c.SetPending(true); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got: %v", err)
	}
	if err := c.AcceptText("app"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got: %v", err)
	}
}

// ///////////////////////////////////////////////
// Client.Next
// ///////////////////////////////////////////////

func TestClient_Next(t *testing.T) {
	c, server := pipeClient(t)

	in := intent.New("ACTION_LOG_EVENT")
	in.PutLong("TIMESTAMP", 1760788800123)

	go func() {
		// A non-broadcast dispatch must be skipped.
		payload, _ := encodeDispatch(EvtReady, readyData{PeerID: "x"})
		WriteFrame(server, OpFrame, payload)
		payload, _ = encodeDispatch(EvtBroadcast, in)
		WriteFrame(server, OpFrame, payload)
	}()

	got, err := c.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Action != "ACTION_LOG_EVENT" {
		t.Fatalf("Action = %q, want ACTION_LOG_EVENT", got.Action)
	}
	if ts, ok := got.Long("TIMESTAMP"); !ok || ts != 1760788800123 {
		t.Fatalf("TIMESTAMP = %d, %v; want 1760788800123, true", ts, ok)
	}
}

func TestClient_Next_Close(t *testing.T) {
	c, server := pipeClient(t)

	go WriteFrame(server, OpClose, []byte("{}"))

	if _, err := c.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after OpClose, got: %v", err)
	}
}

func TestClient_Next_NotConnected(t *testing.T) {
	c := NewClient("test-ime", Endpoint{})
	if _, err := c.Next(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got: %v", err)
	}
}

// ///////////////////////////////////////////////
// Lifecycle
// ///////////////////////////////////////////////

func TestClient_Close_SendsGoodbye(t *testing.T) {
	c, server := pipeClient(t)

	done := make(chan error, 1)
	go func() {
		done <- c.Close()
	}()

	opcode, _, err := DecodeFrame(server)
	if err != nil {
		t.Fatalf("reading goodbye: %v", err)
	}
	if opcode != OpClose {
		t.Fatalf("expected opcode %d (CLOSE), got %d", OpClose, opcode)
	}
	if err := <-done; err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if c.Connected() {
		t.Error("client should be disconnected after Close")
	}
}

func TestClient_Close_NilConnection(t *testing.T) {
	c := NewClient("test-ime", Endpoint{})
	if err := c.Close(); err != nil {
		t.Fatalf("Close on nil connection should return nil, got: %v", err)
	}
}

func TestClient_Connected_ReturnsFalseInitially(t *testing.T) {
	c := NewClient("test-ime", Endpoint{})
	if c.Connected() {
		t.Fatal("expected Connected() to return false for new client")
	}
}
