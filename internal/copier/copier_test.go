package copier

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thatcooperguy/tunnelproxy/internal/cryptoutil"
	"github.com/thatcooperguy/tunnelproxy/internal/tunnel"
)

// mockRemote completes the handshake, replies OK to every CONNECT
// control frame, and echoes every other payload back on the same
// stream id — enough to exercise Relay's both directions.
type mockRemote struct {
	psk    []byte
	server *httptest.Server
}

func newMockRemote(t *testing.T, psk []byte) *mockRemote {
	t.Helper()
	m := &mockRemote{psk: psk}

	mux := http.NewServeMux()
	upgrader := websocket.Upgrader{}
	mux.HandleFunc("/tunnel", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go m.serve(conn)
	})
	m.server = httptest.NewServer(mux)
	return m
}

func (m *mockRemote) serve(conn *websocket.Conn) {
	defer conn.Close()

	_, clientPub, err := conn.ReadMessage()
	if err != nil {
		return
	}
	serverPub, err := cryptoutil.RandomBytes(32)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, serverPub); err != nil {
		return
	}

	clientSendKey, clientRecvKey, err := cryptoutil.DeriveKeys(m.psk, clientPub, serverPub)
	if err != nil {
		return
	}
	recvKey := clientSendKey
	sendKey := clientRecvKey

	_, authTag, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if !cryptoutil.ConstantTimeEqual(authTag, cryptoutil.HMACTag(recvKey, "auth")) {
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, cryptoutil.HMACTag(sendKey, "ok")); err != nil {
		return
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		plaintext, err := cryptoutil.Open(recvKey, msg)
		if err != nil || len(plaintext) < 4 {
			return
		}
		id := append([]byte(nil), plaintext[:4]...)
		text := string(plaintext[4:])

		var reply []byte
		if strings.HasPrefix(text, "CONNECT ") {
			reply = append(append([]byte(nil), id...), "OK"...)
		} else {
			// Echo whatever payload arrived back on the same stream.
			reply = append(append([]byte(nil), id...), text...)
		}

		frame, err := cryptoutil.Seal(sendKey, reply)
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
	}
}

func (m *mockRemote) dialOverride() func(ctx context.Context) (*websocket.Conn, error) {
	return func(ctx context.Context) (*websocket.Conn, error) {
		wsURL := "ws" + strings.TrimPrefix(m.server.URL, "http") + "/tunnel"
		dialer := websocket.Dialer{}
		conn, _, err := dialer.DialContext(ctx, wsURL, nil)
		return conn, err
	}
}

func TestRelayEchoesBothDirections(t *testing.T) {
	psk := make([]byte, 32)
	remote := newMockRemote(t, psk)
	defer remote.server.Close()

	cfg := tunnel.Config{SNIHost: "example.test", Path: "/tunnel", ServerPort: 443, PSK: psk}
	tun := tunnel.NewWithDialer(cfg, nil, remote.dialOverride())
	if err := tun.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tun.Close()

	stream, err := tun.OpenStream(context.Background(), "www.example.com", 443)
	if err != nil {
		t.Fatalf("open stream failed: %v", err)
	}

	local, farEnd := net.Pipe()
	relayDone := make(chan Counters, 1)
	go func() {
		relayDone <- Relay(context.Background(), local, stream)
	}()

	if _, err := farEnd.Write([]byte("ping")); err != nil {
		t.Fatalf("writing to far end: %v", err)
	}

	reply := make([]byte, 4)
	farEnd.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := farEnd.Read(reply)
	if err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if string(reply[:n]) != "ping" {
		t.Fatalf("expected echo %q, got %q", "ping", reply[:n])
	}

	farEnd.Close()

	select {
	case counters := <-relayDone:
		if counters.BytesToRemote == 0 {
			t.Fatal("expected nonzero bytes sent to remote")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish after local side closed")
	}
}

// TestRelayUnblocksWhenStreamEndsFirst exercises the path where the
// tunnel side ends before the local client has sent or received
// anything. copyToRemote is parked in a blocking local.Read with
// nothing in flight; Relay must close local itself as soon as
// copyFromRemote returns, or copyToRemote would wait on a peer that
// has already exited (spec.md §4.7, §9).
func TestRelayUnblocksWhenStreamEndsFirst(t *testing.T) {
	psk := make([]byte, 32)
	remote := newMockRemote(t, psk)
	defer remote.server.Close()

	cfg := tunnel.Config{SNIHost: "example.test", Path: "/tunnel", ServerPort: 443, PSK: psk}
	tun := tunnel.NewWithDialer(cfg, nil, remote.dialOverride())
	if err := tun.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tun.Close()

	stream, err := tun.OpenStream(context.Background(), "www.example.com", 443)
	if err != nil {
		t.Fatalf("open stream failed: %v", err)
	}

	local, farEnd := net.Pipe()
	defer farEnd.Close()

	relayDone := make(chan Counters, 1)
	go func() {
		relayDone <- Relay(context.Background(), local, stream)
	}()

	if err := stream.Close(); err != nil {
		t.Fatalf("closing stream: %v", err)
	}

	select {
	case <-relayDone:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not unblock after the stream side ended first")
	}

	farEnd.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := farEnd.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected farEnd read to fail once Relay closed local")
	}
}
