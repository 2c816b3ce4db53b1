package tunnel

import (
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thatcooperguy/tunnelproxy/internal/cryptoutil"
)

// mockRemote is a minimal stand-in for the relay side of the tunnel
// wire protocol (spec.md §6): it performs the key exchange and auth
// handshake, then lets the test script inbound frames and assert on
// outbound ones.
type mockRemote struct {
	psk        []byte
	wrongAuth  bool
	server     *httptest.Server
	connCh     chan *websocket.Conn
	sendKey    []byte // server's send key = client's recv key
	recvKey    []byte // server's recv key = client's send key
}

func newMockRemote(t *testing.T, psk []byte, wrongAuth bool) *mockRemote {
	t.Helper()
	m := &mockRemote{psk: psk, wrongAuth: wrongAuth, connCh: make(chan *websocket.Conn, 1)}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		if err := m.handshake(conn); err != nil {
			t.Logf("mock remote handshake aborted: %v", err)
			conn.Close()
			return
		}
		m.connCh <- conn
	})

	m.server = httptest.NewServer(mux)
	return m
}

func (m *mockRemote) handshake(conn *websocket.Conn) error {
	_, clientPub, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	serverPub, err := cryptoutil.RandomBytes(32)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, serverPub); err != nil {
		return err
	}

	clientSendKey, clientRecvKey, err := cryptoutil.DeriveKeys(m.psk, clientPub, serverPub)
	if err != nil {
		return err
	}
	// From the server's perspective, it receives with the client's send
	// key and sends with the client's recv key.
	m.recvKey = clientSendKey
	m.sendKey = clientRecvKey

	_, authTag, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	expectedAuth := cryptoutil.HMACTag(m.recvKey, "auth")
	if !cryptoutil.ConstantTimeEqual(authTag, expectedAuth) {
		return errors.New("mock remote: client auth tag mismatch")
	}

	okKey := m.sendKey
	if m.wrongAuth {
		okKey, _ = cryptoutil.RandomBytes(32)
	}
	okTag := cryptoutil.HMACTag(okKey, "ok")
	return conn.WriteMessage(websocket.BinaryMessage, okTag)
}

func (m *mockRemote) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-m.connCh:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mock remote connection")
		return nil
	}
}

func (m *mockRemote) sendFrame(t *testing.T, conn *websocket.Conn, streamID uint32, payload string) {
	t.Helper()
	plaintext := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(plaintext[:4], streamID)
	copy(plaintext[4:], payload)

	frame, err := cryptoutil.Seal(m.sendKey, plaintext)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func (m *mockRemote) readFrame(t *testing.T, conn *websocket.Conn) (uint32, string) {
	t.Helper()
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	plaintext, err := cryptoutil.Open(m.recvKey, msg)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	id := binary.BigEndian.Uint32(plaintext[:4])
	return id, string(plaintext[4:])
}

func testConfig(psk []byte) Config {
	return Config{
		SNIHost:    "example.test",
		Path:       "/tunnel",
		ServerPort: 443,
		PSK:        psk,
	}
}

// testDialOverride dials the plaintext ws:// httptest server in place
// of the real TLS wss:// dial, then runs the same ping-confirmation
// step the production dialer runs.
func testDialOverride(server *httptest.Server) func(ctx context.Context) (*websocket.Conn, error) {
	return func(ctx context.Context) (*websocket.Conn, error) {
		wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/tunnel"
		dialer := websocket.Dialer{}
		conn, _, err := dialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			return nil, err
		}
		if err := confirmOpen(conn); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

func TestHappyPathOpenStreamAndRead(t *testing.T) {
	psk := make([]byte, cryptoutil.PSKSize)
	for i := range psk {
		psk[i] = byte(i)
	}

	remote := newMockRemote(t, psk, false)
	defer remote.server.Close()

	cfg := testConfig(psk)
	tun := New(cfg, nil)
	tun.dialOverride = testDialOverride(remote.server)

	if err := tun.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tun.Close()

	conn := remote.accept(t)

	streamReady := make(chan *Stream, 1)
	streamErr := make(chan error, 1)
	go func() {
		s, err := tun.OpenStream(context.Background(), "www.example.com", 443)
		if err != nil {
			streamErr <- err
			return
		}
		streamReady <- s
	}()

	id, text := remote.readFrame(t, conn)
	if !strings.HasPrefix(text, "CONNECT ") {
		t.Fatalf("expected CONNECT control frame, got %q", text)
	}
	remote.sendFrame(t, conn, id, "OK")

	var stream *Stream
	select {
	case stream = <-streamReady:
	case err := <-streamErr:
		t.Fatalf("open stream failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream")
	}

	remote.sendFrame(t, conn, stream.ID(), "Hello")
	payload, err := stream.Read(context.Background())
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(payload) != "Hello" {
		t.Fatalf("expected %q, got %q", "Hello", payload)
	}
}

func TestAuthFailure(t *testing.T) {
	psk := make([]byte, cryptoutil.PSKSize)
	remote := newMockRemote(t, psk, true)
	defer remote.server.Close()

	cfg := testConfig(psk)
	tun := New(cfg, nil)
	tun.dialOverride = testDialOverride(remote.server)

	err := tun.Connect(context.Background())
	if err == nil {
		t.Fatal("expected auth failure")
	}
}

func TestMuxOrdering(t *testing.T) {
	psk := make([]byte, cryptoutil.PSKSize)
	remote := newMockRemote(t, psk, false)
	defer remote.server.Close()

	cfg := testConfig(psk)
	tun := New(cfg, nil)
	tun.dialOverride = testDialOverride(remote.server)

	if err := tun.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tun.Close()

	conn := remote.accept(t)

	aReady := make(chan *Stream, 1)
	bReady := make(chan *Stream, 1)
	go func() {
		s, err := tun.OpenStream(context.Background(), "a", 1)
		if err == nil {
			aReady <- s
		}
	}()
	idA, _ := remote.readFrame(t, conn)
	remote.sendFrame(t, conn, idA, "OK")
	streamA := <-aReady

	go func() {
		s, err := tun.OpenStream(context.Background(), "b", 2)
		if err == nil {
			bReady <- s
		}
	}()
	idB, _ := remote.readFrame(t, conn)
	remote.sendFrame(t, conn, idB, "OK")
	streamB := <-bReady

	remote.sendFrame(t, conn, streamA.ID(), "1")
	remote.sendFrame(t, conn, streamB.ID(), "X")
	remote.sendFrame(t, conn, streamA.ID(), "2")
	remote.sendFrame(t, conn, streamB.ID(), "Y")
	remote.sendFrame(t, conn, streamA.ID(), "3")

	for _, want := range []string{"1", "2", "3"} {
		got, err := streamA.Read(context.Background())
		if err != nil {
			t.Fatalf("stream A read failed: %v", err)
		}
		if string(got) != want {
			t.Fatalf("stream A: expected %q, got %q", want, got)
		}
	}

	for _, want := range []string{"X", "Y"} {
		got, err := streamB.Read(context.Background())
		if err != nil {
			t.Fatalf("stream B read failed: %v", err)
		}
		if string(got) != want {
			t.Fatalf("stream B: expected %q, got %q", want, got)
		}
	}
}

func TestOpenStreamTimeout(t *testing.T) {
	psk := make([]byte, cryptoutil.PSKSize)
	remote := newMockRemote(t, psk, false)
	defer remote.server.Close()

	cfg := testConfig(psk)
	tun := New(cfg, nil)
	tun.dialOverride = testDialOverride(remote.server)

	if err := tun.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tun.Close()

	remote.accept(t) // drain but never reply

	_, err := tun.OpenStream(context.Background(), "slow.example.com", 443)
	if err != ErrStreamOpenTimeout {
		t.Fatalf("expected ErrStreamOpenTimeout, got %v", err)
	}
}

func TestStreamCloseFailsParkedReader(t *testing.T) {
	s := newStream(1, "h", 1, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Read(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.closeWithError(ErrConnectionClosed)

	select {
	case err := <-errCh:
		if err != ErrConnectionClosed {
			t.Fatalf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for parked reader to fail")
	}

	if _, err := s.Read(context.Background()); err != ErrConnectionClosed {
		t.Fatalf("expected subsequent read to fail closed, got %v", err)
	}
}
