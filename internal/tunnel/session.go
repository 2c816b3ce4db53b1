// Package tunnel implements the secure tunnel session and the
// multiplexer layered on top of it (spec.md §4.2, §4.3): a single
// TLS-wrapped WebSocket carrying an authenticated, HKDF-derived,
// AES-GCM-encrypted framing layer, demultiplexed into many concurrent
// logical streams identified by a 32-bit id.
//
// Each Tunnel is a single-owner actor: its stream table and socket are
// mutated under one mutex, modeled the same way the teacher's
// heartbeat session treats its *websocket.Conn — one goroutine reads,
// any goroutine may write under a write mutex, and all state reads go
// through the same lock.
package tunnel

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/thatcooperguy/tunnelproxy/internal/cryptoutil"
)

// Timeouts and limits, authoritative per spec.md §5.
const (
	connectTimeout        = 10 * time.Second
	handshakeStepTimeout  = 10 * time.Second
	openStreamWait        = 5 * time.Second
	keepaliveInterval     = 20 * time.Second
	idleTimeout           = 120 * time.Second
	maxAge                = 30 * time.Minute
	connectRetries        = 3
	backoffBase           = 1 * time.Second
	backoffCap            = 5 * time.Second
	pingConfirmAttempts   = 3
	pingConfirmInterval   = 500 * time.Millisecond
	pingControlTimeout    = 5 * time.Second
	defaultUserAgentValue = "tunnelproxy-client/1.0"
)

// Config carries the immutable per-session dial parameters derived
// from spec.md §3's configuration record.
type Config struct {
	SNIHost    string
	ProxyIP    string
	Path       string
	ServerPort int
	PSK        []byte
	UserAgent  string
}

func (c Config) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return defaultUserAgentValue
}

// effectiveHost returns the TCP/TLS dial target: proxy_ip in CDN-front
// mode, sni_host otherwise (spec.md §4.2 "Dial").
func (c Config) effectiveHost() string {
	if c.ProxyIP != "" && c.ProxyIP != c.SNIHost {
		return c.ProxyIP
	}
	return c.SNIHost
}

// Tunnel is one TLS-WebSocket session to the remote relay, carrying
// many streams (spec.md §3 "Tunnel session").
type Tunnel struct {
	id     string
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	sendKey       []byte
	recvKey       []byte
	connected     bool
	authCompleted bool
	destroyed     bool
	connectedAt   time.Time
	lastActivity  time.Time
	nextStreamID  uint32
	streams       map[uint32]*Stream
	cancelLoops   context.CancelFunc
	dialed        bool

	writeMu sync.Mutex

	// dialOverride lets tests substitute a plain-WS dial against an
	// httptest server in place of the real wss:// dial. Nil in
	// production.
	dialOverride func(ctx context.Context) (*websocket.Conn, error)
}

// New creates an unconnected Tunnel bound to cfg. Call Connect before
// using it.
func New(cfg Config, logger *slog.Logger) *Tunnel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tunnel{
		id:           uuid.NewString(),
		cfg:          cfg,
		logger:       logger,
		streams:      make(map[uint32]*Stream),
		nextStreamID: 1,
	}
}

// NewWithDialer creates a Tunnel that dials through dial instead of the
// production wss:// dialer. It exists so other packages' tests (pool,
// copier) can exercise a real Tunnel against an in-process mock
// remote without a TLS listener.
func NewWithDialer(cfg Config, logger *slog.Logger, dial func(ctx context.Context) (*websocket.Conn, error)) *Tunnel {
	t := New(cfg, logger)
	t.dialOverride = dial
	return t
}

// ID returns the tunnel's unique identifier.
func (t *Tunnel) ID() string { return t.id }

// ActiveStreamCount returns the number of open streams, used by the
// pool's least-loaded selection (spec.md §4.4).
func (t *Tunnel) ActiveStreamCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// Connect establishes the tunnel: dial (retried with backoff), ping
// confirmation, then the six-step handshake (not retried). Connect may
// be called at most once per Tunnel.
func (t *Tunnel) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.dialed {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.dialed = true
	t.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < connectRetries; attempt++ {
		conn, err := t.dial(ctx)
		if err != nil {
			lastErr = err
			t.logger.Warn("tunnel dial attempt failed",
				"tunnel_id", t.id, "attempt", attempt+1, "error", err)

			if attempt == connectRetries-1 {
				return fmt.Errorf("%w: %v", ErrDialFailed, lastErr)
			}
			delay := backoffDelay(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if err := t.handshake(ctx, conn); err != nil {
			_ = conn.Close()
			return err
		}

		t.finishConnect(conn)
		t.logger.Info("tunnel connected", "tunnel_id", t.id, "sni_host", t.cfg.SNIHost)
		return nil
	}

	return lastErr
}

func backoffDelay(attempt int) time.Duration {
	delay := backoffBase << attempt
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

// dial picks the production wss:// dialer unless a test override is
// installed.
func (t *Tunnel) dial(ctx context.Context) (*websocket.Conn, error) {
	if t.dialOverride != nil {
		return t.dialOverride(ctx)
	}
	return t.dialAndConfirm(ctx)
}

// dialAndConfirm dials the WSS endpoint and confirms it opened using a
// WebSocket ping, retrying the ping up to pingConfirmAttempts times
// spaced pingConfirmInterval apart (spec.md §4.2 "Dial").
func (t *Tunnel) dialAndConfirm(ctx context.Context) (*websocket.Conn, error) {
	target := url.URL{
		Scheme: "wss",
		Host:   net.JoinHostPort(t.cfg.effectiveHost(), strconv.Itoa(t.cfg.ServerPort)),
		Path:   t.cfg.Path,
	}

	header := http.Header{}
	header.Set("Host", t.cfg.SNIHost)
	header.Set("User-Agent", t.cfg.userAgent())

	dialer := &websocket.Dialer{
		HandshakeTimeout: connectTimeout,
		TLSClientConfig:  &tls.Config{ServerName: t.cfg.SNIHost},
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, target.String(), header)
	if err != nil {
		return nil, err
	}

	if err := confirmOpen(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return conn, nil
}

// confirmOpen sends a WebSocket ping to confirm the connection accepts
// writes, retrying up to pingConfirmAttempts times spaced
// pingConfirmInterval apart. It does not read from the connection.
func confirmOpen(conn *websocket.Conn) error {
	pongCh := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	var lastErr error
	for i := 0; i < pingConfirmAttempts; i++ {
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingControlTimeout)); err != nil {
			lastErr = err
			time.Sleep(pingConfirmInterval)
			continue
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("tunnel: no pong received")
	}
	return fmt.Errorf("tunnel: ping confirmation failed: %w", lastErr)
}

// handshake runs the six-step key exchange and authentication sequence
// from spec.md §4.2. It is not retried: any failure here is surfaced
// immediately and the caller must discard the tunnel.
func (t *Tunnel) handshake(ctx context.Context, conn *websocket.Conn) error {
	clientPub, err := cryptoutil.RandomBytes(32)
	if err != nil {
		return err
	}

	if err := conn.SetWriteDeadline(time.Now().Add(handshakeStepTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, clientPub); err != nil {
		return fmt.Errorf("tunnel: sending client key: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(handshakeStepTimeout)); err != nil {
		return err
	}
	_, serverPub, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("tunnel: reading server key: %w", err)
	}
	if len(serverPub) != 32 {
		return ErrInvalidServerKey
	}

	sendKey, recvKey, err := cryptoutil.DeriveKeys(t.cfg.PSK, clientPub, serverPub)
	if err != nil {
		return err
	}

	authTag := cryptoutil.HMACTag(sendKey, "auth")
	if err := conn.SetWriteDeadline(time.Now().Add(handshakeStepTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, authTag); err != nil {
		return fmt.Errorf("tunnel: sending auth tag: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(handshakeStepTimeout)); err != nil {
		return err
	}
	_, okTag, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("tunnel: reading auth ack: %w", err)
	}
	expectedOK := cryptoutil.HMACTag(recvKey, "ok")
	if !cryptoutil.ConstantTimeEqual(okTag, expectedOK) {
		return ErrAuthFailed
	}

	t.mu.Lock()
	t.sendKey = sendKey
	t.recvKey = recvKey
	t.mu.Unlock()

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return nil
}

func (t *Tunnel) finishConnect(conn *websocket.Conn) {
	loopCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.authCompleted = true
	now := time.Now()
	t.connectedAt = now
	t.lastActivity = now
	t.cancelLoops = cancel
	t.mu.Unlock()

	go t.receiveLoop()
	go t.keepaliveLoop(loopCtx)
}

// receiveLoop reads one binary message at a time, decrypts it, and
// dispatches the payload to the addressed stream's inbox, preserving
// per-stream FIFO order (spec.md §4.2 "Receive loop", §5 "Ordering").
func (t *Tunnel) receiveLoop() {
	for {
		t.mu.Lock()
		conn := t.conn
		recvKey := t.recvKey
		destroyed := t.destroyed
		t.mu.Unlock()
		if destroyed || conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.destroy(fmt.Errorf("tunnel: receive error: %w", err))
			return
		}

		plaintext, err := cryptoutil.Open(recvKey, msg)
		if err != nil {
			t.destroy(fmt.Errorf("tunnel: decrypt failure: %w", err))
			return
		}
		if len(plaintext) < 4 {
			t.destroy(errors.New("tunnel: undersize decrypted frame"))
			return
		}

		streamID := binary.BigEndian.Uint32(plaintext[:4])
		payload := plaintext[4:]

		t.touchActivity()

		t.mu.Lock()
		stream := t.streams[streamID]
		t.mu.Unlock()

		if stream != nil {
			stream.deliver(payload)
		}
	}
}

// keepaliveLoop pings the peer every keepaliveInterval, closing the
// tunnel on idle timeout or ping failure (spec.md §4.2 "Keepalive").
func (t *Tunnel) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			idle := time.Since(t.lastActivity)
			t.mu.Unlock()

			if idle > idleTimeout {
				t.destroy(errors.New("tunnel: idle timeout exceeded"))
				return
			}

			if err := t.writeControl(websocket.PingMessage, nil); err != nil {
				t.destroy(fmt.Errorf("tunnel: keepalive ping failed: %w", err))
				return
			}
		}
	}
}

func (t *Tunnel) writeControl(messageType int, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrTunnelDestroyed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteControl(messageType, data, time.Now().Add(pingControlTimeout))
}

func (t *Tunnel) touchActivity() {
	t.mu.Lock()
	now := time.Now()
	if now.After(t.lastActivity) {
		t.lastActivity = now
	}
	t.mu.Unlock()
}

// IsHealthy reports whether the tunnel is usable for new streams
// (spec.md §4.2 "is_healthy").
func (t *Tunnel) IsHealthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || !t.authCompleted || t.destroyed {
		return false
	}
	now := time.Now()
	if now.Sub(t.lastActivity) >= idleTimeout {
		return false
	}
	if now.Sub(t.connectedAt) >= maxAge {
		return false
	}
	return true
}

// OpenStream allocates a new stream, sends the encrypted CONNECT
// control frame, and waits up to openStreamWait for the first reply
// (spec.md §4.2 "open_stream", §4.3 "open_stream protocol").
func (t *Tunnel) OpenStream(ctx context.Context, host string, port int) (*Stream, error) {
	t.mu.Lock()
	if t.destroyed || !t.authCompleted {
		t.mu.Unlock()
		return nil, ErrTunnelDestroyed
	}
	id := t.nextStreamID
	t.nextStreamID++
	stream := newStream(id, host, port, t)
	t.streams[id] = stream
	t.mu.Unlock()

	ctrlText := fmt.Sprintf("CONNECT %d %s:%d", id, host, port)
	if err := t.send(id, []byte(ctrlText)); err != nil {
		t.removeStream(id)
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, openStreamWait)
	defer cancel()

	payload, err := stream.Read(waitCtx)
	if err != nil {
		t.removeStream(id)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrStreamOpenTimeout
		}
		return nil, err
	}

	text := string(payload)
	switch {
	case strings.HasPrefix(text, "OK"):
		return stream, nil
	case strings.HasPrefix(text, "ERR"):
		t.removeStream(id)
		return nil, &ErrConnectionRefused{Text: strings.TrimSpace(strings.TrimPrefix(text, "ERR"))}
	default:
		t.removeStream(id)
		return nil, ErrInvalidResponse
	}
}

// send encrypts streamID||payload and writes it as a single binary
// WebSocket message (spec.md §4.2 "send").
func (t *Tunnel) send(streamID uint32, payload []byte) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return ErrTunnelDestroyed
	}
	sendKey := t.sendKey
	conn := t.conn
	t.mu.Unlock()

	plaintext := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(plaintext[:4], streamID)
	copy(plaintext[4:], payload)

	frame, err := cryptoutil.Seal(sendKey, plaintext)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	err = conn.WriteMessage(websocket.BinaryMessage, frame)
	t.writeMu.Unlock()

	if err != nil {
		t.destroy(fmt.Errorf("tunnel: write failed: %w", err))
		return err
	}

	t.touchActivity()
	return nil
}

func (t *Tunnel) removeStream(id uint32) {
	t.mu.Lock()
	delete(t.streams, id)
	t.mu.Unlock()
}

// Close idempotently tears the tunnel down: pending waiters fail with
// ErrConnectionClosed, the receive loop and keepalive are cancelled,
// and the WebSocket is closed (spec.md §4.2 "close").
func (t *Tunnel) Close() error {
	t.destroy(ErrConnectionClosed)
	return nil
}

// destroy is the single teardown path, reachable from Close, transport
// failures, and keepalive expiry. It is idempotent.
func (t *Tunnel) destroy(cause error) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	t.connected = false
	conn := t.conn
	cancel := t.cancelLoops
	streams := make([]*Stream, 0, len(t.streams))
	for _, s := range t.streams {
		streams = append(streams, s)
	}
	t.streams = make(map[uint32]*Stream)
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, s := range streams {
		s.closeWithError(ErrConnectionClosed)
	}
	if conn != nil {
		_ = conn.Close()
	}

	t.logger.Warn("tunnel destroyed", "tunnel_id", t.id, "cause", cause)
}
