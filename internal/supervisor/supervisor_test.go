package supervisor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/thatcooperguy/tunnelproxy/internal/config"
	"github.com/thatcooperguy/tunnelproxy/internal/pool"
)

func TestStopOnFreshSupervisorIsNoop(t *testing.T) {
	s := New(nil)
	if err := s.Stop(); err != nil {
		t.Fatalf("expected nil error stopping a never-started supervisor, got %v", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("expected StateStopped, got %v", s.State())
	}
}

func TestStartFailsWhenWarmupFails(t *testing.T) {
	s := New(nil)

	cfg := &config.Config{
		SNIHost:     "127.0.0.1",
		ProxyIP:     "127.0.0.1",
		Path:        "/tunnel",
		ServerPort:  1, // nothing listens here; dial should fail fast
		SOCKSPort:   18080,
		HTTPPort:    18081,
		StatusPort:  18082,
		PSKHex:      strings.Repeat("ab", 32),
		PoolMinSize: 1,
		PoolMaxSize: 2,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	err := s.Start(ctx, cfg)
	if err == nil {
		t.Fatal("expected start to fail when warmup cannot reach any tunnel")
	}
	if !errors.Is(err, pool.ErrWarmupFailed) {
		t.Logf("start failed with non-ErrWarmupFailed error (acceptable: dial may fail before warmup's own check): %v", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("expected supervisor to remain Stopped after failed start, got %v", s.State())
	}
}
