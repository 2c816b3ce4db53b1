// Package supervisor owns the tunnel pool and the three loopback
// listeners (SOCKS5, HTTP CONNECT, status), orchestrating start/stop
// (spec.md §4.8).
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/thatcooperguy/tunnelproxy/internal/config"
	"github.com/thatcooperguy/tunnelproxy/internal/copier"
	"github.com/thatcooperguy/tunnelproxy/internal/httpconnect"
	"github.com/thatcooperguy/tunnelproxy/internal/pool"
	"github.com/thatcooperguy/tunnelproxy/internal/socks5"
	"github.com/thatcooperguy/tunnelproxy/internal/statusapi"
	"github.com/thatcooperguy/tunnelproxy/internal/tunnel"
)

// State is the supervisor's published lifecycle state (spec.md §4.8
// "publish Running/Stopped").
type State int

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "Running"
	}
	return "Stopped"
}

// ErrAlreadyRunning and ErrNotRunning guard Start/Stop idempotence.
var (
	ErrAlreadyRunning = errors.New("supervisor: already running")
	ErrNotRunning     = errors.New("supervisor: not running")
)

// Supervisor owns the pool and listeners for one configuration
// (spec.md §4.8).
type Supervisor struct {
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	pool        *pool.Pool
	socksLn     net.Listener
	httpLn      net.Listener
	statusLn    net.Listener
	statusSrv   *http.Server
	cancelLoops context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a Supervisor. Call Start to bring it up.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger, state: StateStopped}
}

// State returns the supervisor's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StateString implements statusapi.StatusProvider.
func (s *Supervisor) StateString() string {
	return s.State().String()
}

// PoolStats implements statusapi.StatusProvider: it returns the pool's
// diagnostic counters, or ok=false when the supervisor isn't running.
func (s *Supervisor) PoolStats() (pool.Stats, bool) {
	s.mu.Lock()
	p := s.pool
	s.mu.Unlock()
	if p == nil {
		return pool.Stats{}, false
	}
	return p.Stats(), true
}

// Start runs pool warmup and, on success, starts the SOCKS5, HTTP
// CONNECT, and status loopback listeners. If warmup fails, no
// listeners are bound (spec.md §4.8).
func (s *Supervisor) Start(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.mu.Unlock()

	psk, err := cfg.PSK()
	if err != nil {
		return err
	}

	dial := func(ctx context.Context) (*tunnel.Tunnel, error) {
		t := tunnel.New(tunnel.Config{
			SNIHost:    cfg.SNIHost,
			ProxyIP:    cfg.ProxyIP,
			Path:       cfg.Path,
			ServerPort: cfg.ServerPort,
			PSK:        psk,
		}, s.logger)
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}
		return t, nil
	}

	p := pool.New(pool.Config{MinSize: cfg.PoolMinSize, MaxSize: cfg.PoolMaxSize}, dial, s.logger)
	if err := p.Warmup(ctx); err != nil {
		s.logger.Error("supervisor start: pool warmup failed", "error", err)
		return err
	}

	socksLn, err := net.Listen("tcp", loopbackAddr(cfg.SOCKSPort))
	if err != nil {
		p.Cleanup()
		return err
	}
	httpLn, err := net.Listen("tcp", loopbackAddr(cfg.HTTPPort))
	if err != nil {
		_ = socksLn.Close()
		p.Cleanup()
		return err
	}
	statusLn, err := net.Listen("tcp", loopbackAddr(cfg.StatusPort))
	if err != nil {
		_ = socksLn.Close()
		_ = httpLn.Close()
		p.Cleanup()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.pool = p
	s.socksLn = socksLn
	s.httpLn = httpLn
	s.statusLn = statusLn
	s.cancelLoops = cancel
	s.state = StateRunning
	s.mu.Unlock()

	statusSrv := &http.Server{Handler: statusapi.NewRouter(s)}
	s.mu.Lock()
	s.statusSrv = statusSrv
	s.mu.Unlock()

	s.wg.Add(3)
	go s.acceptLoop(loopCtx, socksLn, s.handleSOCKS)
	go s.acceptLoop(loopCtx, httpLn, s.handleHTTPConnect)
	go func() {
		defer s.wg.Done()
		if err := statusSrv.Serve(statusLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("status server exited", "error", err)
		}
	}()

	s.logger.Info("supervisor started", "state", StateRunning.String(),
		"socks_port", cfg.SOCKSPort, "http_port", cfg.HTTPPort, "status_port", cfg.StatusPort)
	return nil
}

// Stop closes the listeners, tears down all tunnels, and waits for
// in-flight accept loops to exit. Stop is idempotent.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	socksLn := s.socksLn
	httpLn := s.httpLn
	statusLn := s.statusLn
	statusSrv := s.statusSrv
	cancel := s.cancelLoops
	p := s.pool
	s.socksLn = nil
	s.httpLn = nil
	s.statusLn = nil
	s.statusSrv = nil
	s.pool = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if socksLn != nil {
		_ = socksLn.Close()
	}
	if httpLn != nil {
		_ = httpLn.Close()
	}
	if statusSrv != nil {
		_ = statusSrv.Close()
	} else if statusLn != nil {
		_ = statusLn.Close()
	}

	s.wg.Wait()

	if p != nil {
		p.Cleanup()
	}

	s.logger.Info("supervisor stopped", "state", StateStopped.String())
	return nil
}

func loopbackAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func (s *Supervisor) acceptLoop(ctx context.Context, ln net.Listener, handle func(net.Conn)) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Warn("accept failed", "error", err)
				return
			}
		}
		go handle(conn)
	}
}

func (s *Supervisor) handleSOCKS(conn net.Conn) {
	req, err := socks5.Handshake(context.Background(), conn)
	if err != nil {
		s.logger.Warn("socks5 handshake failed", "error", err)
		conn.Close()
		return
	}

	s.mu.Lock()
	p := s.pool
	s.mu.Unlock()
	if p == nil {
		conn.Close()
		return
	}

	stream, err := p.OpenStream(context.Background(), req.Host, req.Port)
	if err != nil {
		s.logger.Warn("socks5 open_stream failed", "host", req.Host, "port", req.Port, "error", err)
		_ = socks5.WriteConnectionRefused(conn)
		conn.Close()
		return
	}

	if err := socks5.WriteSuccess(conn); err != nil {
		conn.Close()
		_ = stream.Close()
		return
	}

	copier.Relay(context.Background(), conn, stream)
}

func (s *Supervisor) handleHTTPConnect(conn net.Conn) {
	req, err := httpconnect.Read(conn)
	if err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	p := s.pool
	s.mu.Unlock()
	if p == nil {
		conn.Close()
		return
	}

	stream, err := p.OpenStream(context.Background(), req.Host, req.Port)
	if err != nil {
		s.logger.Warn("http connect open_stream failed", "host", req.Host, "port", req.Port, "error", err)
		_ = httpconnect.WriteBadGateway(conn)
		conn.Close()
		return
	}

	if err := httpconnect.WriteEstablished(conn); err != nil {
		conn.Close()
		_ = stream.Close()
		return
	}

	copier.Relay(context.Background(), conn, stream)
}
