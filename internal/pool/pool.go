// Package pool implements the tunnel pool (spec.md §4.4): it keeps a
// small set of warm tunnels, tries its healthy ones in order for new
// streams (falling back to the least-loaded healthy one), prunes
// unhealthy tunnels, and enforces an upper bound.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/thatcooperguy/tunnelproxy/internal/metrics"
	"github.com/thatcooperguy/tunnelproxy/internal/tunnel"
)

// Errors surfaced by the pool (spec.md §7 pool-level kinds).
var (
	ErrWarmupFailed   = errors.New("pool: warmup failed, no tunnels could be established")
	ErrPoolExhausted  = errors.New("pool: exhausted, no tunnel could serve the stream")
	ErrPoolClosed     = errors.New("pool: closed")
)

// quiescenceDelay is the pause enforced after cleanup before further
// operations, matching spec.md §4.4 "cleanup".
const quiescenceDelay = 500 * time.Millisecond

// Dialer creates and connects a brand new tunnel. Exists so the pool
// does not need to know how a Config becomes a live session.
type Dialer func(ctx context.Context) (*tunnel.Tunnel, error)

// Config bounds the pool's size (spec.md §3 "Pool").
type Config struct {
	MinSize int
	MaxSize int
}

// Pool is the ordered set of live tunnels a supervisor draws streams
// from (spec.md §3 "Pool", §4.4).
type Pool struct {
	cfg    Config
	dial   Dialer
	logger *slog.Logger

	mu          sync.Mutex
	tunnels     []*tunnel.Tunnel
	cleaning    bool
	created     int
	streamsOpen int
}

// New creates a Pool. dial is invoked whenever the pool needs a fresh
// tunnel (warmup, growth, or rebuild after eviction).
func New(cfg Config, dial Dialer, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{cfg: cfg, dial: dial, logger: logger}
}

// Warmup serially attempts to create cfg.MinSize tunnels. It fails
// ErrWarmupFailed only if none succeed (spec.md §4.4 "warmup").
func (p *Pool) Warmup(ctx context.Context) error {
	succeeded := 0
	for i := 0; i < p.cfg.MinSize; i++ {
		t, err := p.dial(ctx)
		if err != nil {
			p.logger.Warn("pool warmup: tunnel creation failed", "attempt", i+1, "error", err)
			continue
		}

		p.mu.Lock()
		p.tunnels = append(p.tunnels, t)
		p.created++
		size := len(p.tunnels)
		p.mu.Unlock()
		metrics.TunnelsCreated.Inc()
		metrics.PoolSize.Set(float64(size))
		succeeded++
	}

	if succeeded == 0 {
		return ErrWarmupFailed
	}
	p.logger.Info("pool warmup complete", "succeeded", succeeded, "target", p.cfg.MinSize)
	return nil
}

// Size returns the current number of live tunnels.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tunnels)
}

// Stats returns the pool's best-effort diagnostic counters (spec.md
// §3 "Pool" counters).
type Stats struct {
	Size          int
	TunnelsMade   int
	StreamsOpened int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Size: len(p.tunnels), TunnelsMade: p.created, StreamsOpened: p.streamsOpen}
}

// OpenStream implements spec.md §4.4's selection algorithm: try
// healthy members in order, evict the unhealthy ones found along the
// way, grow under the cap if needed, else fall back to the
// least-loaded healthy tunnel.
func (p *Pool) OpenStream(ctx context.Context, host string, port int) (*tunnel.Stream, error) {
	p.mu.Lock()
	if p.cleaning {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	candidates := make([]*tunnel.Tunnel, len(p.tunnels))
	copy(candidates, p.tunnels)
	p.mu.Unlock()

	var unhealthy []*tunnel.Tunnel
	for _, t := range candidates {
		if !t.IsHealthy() {
			unhealthy = append(unhealthy, t)
			continue
		}
		stream, err := t.OpenStream(ctx, host, port)
		if err == nil {
			p.countStreamOpened()
			return stream, nil
		}
		p.logger.Warn("pool: open_stream failed on candidate tunnel", "tunnel_id", t.ID(), "error", err)
	}

	if len(unhealthy) > 0 {
		p.evict(unhealthy)
	}

	if p.Size() < p.cfg.MaxSize {
		t, err := p.dial(ctx)
		if err == nil {
			p.mu.Lock()
			if len(p.tunnels) < p.cfg.MaxSize {
				p.tunnels = append(p.tunnels, t)
				p.created++
				size := len(p.tunnels)
				p.mu.Unlock()
				metrics.TunnelsCreated.Inc()
				metrics.PoolSize.Set(float64(size))
			} else {
				p.mu.Unlock()
				_ = t.Close()
				return p.tryLeastLoaded(ctx, host, port)
			}

			stream, err := t.OpenStream(ctx, host, port)
			if err == nil {
				p.countStreamOpened()
				return stream, nil
			}
			p.logger.Warn("pool: open_stream failed on freshly created tunnel", "tunnel_id", t.ID(), "error", err)
		} else {
			p.logger.Warn("pool: failed to create tunnel to satisfy demand", "error", err)
		}
	}

	return p.tryLeastLoaded(ctx, host, port)
}

// tryLeastLoaded picks the healthy tunnel with the fewest active
// streams and attempts to open on it (spec.md §4.4 step 4).
func (p *Pool) tryLeastLoaded(ctx context.Context, host string, port int) (*tunnel.Stream, error) {
	p.mu.Lock()
	candidates := make([]*tunnel.Tunnel, len(p.tunnels))
	copy(candidates, p.tunnels)
	p.mu.Unlock()

	var best *tunnel.Tunnel
	bestLoad := -1
	for _, t := range candidates {
		if !t.IsHealthy() {
			continue
		}
		load := t.ActiveStreamCount()
		if bestLoad == -1 || load < bestLoad {
			best = t
			bestLoad = load
		}
	}

	if best == nil {
		return nil, ErrPoolExhausted
	}

	stream, err := best.OpenStream(ctx, host, port)
	if err != nil {
		return nil, err
	}
	p.countStreamOpened()
	return stream, nil
}

func (p *Pool) countStreamOpened() {
	p.mu.Lock()
	p.streamsOpen++
	p.mu.Unlock()
	metrics.StreamsOpened.Inc()
}

// evict removes the given tunnels from the pool and closes them.
func (p *Pool) evict(unhealthy []*tunnel.Tunnel) {
	dead := make(map[string]struct{}, len(unhealthy))
	for _, t := range unhealthy {
		dead[t.ID()] = struct{}{}
		_ = t.Close()
	}

	p.mu.Lock()
	kept := p.tunnels[:0]
	for _, t := range p.tunnels {
		if _, isDead := dead[t.ID()]; !isDead {
			kept = append(kept, t)
		}
	}
	p.tunnels = kept
	size := len(p.tunnels)
	p.mu.Unlock()
	metrics.PoolSize.Set(float64(size))
}

// Cleanup closes every tunnel, clears the table, and enforces a short
// quiescence delay before returning (spec.md §4.4 "cleanup"). Calling
// Cleanup while one is already in progress is a no-op.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	if p.cleaning {
		p.mu.Unlock()
		return
	}
	p.cleaning = true
	tunnels := p.tunnels
	p.tunnels = nil
	p.mu.Unlock()
	metrics.PoolSize.Set(0)

	for _, t := range tunnels {
		_ = t.Close()
	}

	time.Sleep(quiescenceDelay)

	p.mu.Lock()
	p.cleaning = false
	p.mu.Unlock()
}

// Rebuild is Cleanup followed by Warmup.
func (p *Pool) Rebuild(ctx context.Context) error {
	p.Cleanup()
	return p.Warmup(ctx)
}
