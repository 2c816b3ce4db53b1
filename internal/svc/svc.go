// Package svc adapts the supervisor's start/stop contract to
// kardianos/service for cross-platform service install/uninstall,
// generalizing the teacher's Windows-only agent wrapper.
package svc

import (
	"context"
	"log/slog"

	"github.com/kardianos/service"

	"github.com/thatcooperguy/tunnelproxy/internal/config"
	"github.com/thatcooperguy/tunnelproxy/internal/supervisor"
)

const (
	Name        = "TunnelProxyClient"
	DisplayName = "Tunnel Proxy Client"
	Description = "Runs the local SOCKS5/HTTP CONNECT tunneling proxy client."
)

// Program implements service.Interface, owning one Supervisor for the
// service's lifetime.
type Program struct {
	cfg        *config.Config
	logger     *slog.Logger
	supervisor *supervisor.Supervisor
	cancel     context.CancelFunc
}

// NewProgram creates a Program bound to cfg.
func NewProgram(cfg *config.Config, logger *slog.Logger) *Program {
	if logger == nil {
		logger = slog.Default()
	}
	return &Program{cfg: cfg, logger: logger, supervisor: supervisor.New(logger)}
}

// Start implements service.Interface. It returns immediately; the
// supervisor runs in the background for the lifetime of the service.
func (p *Program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() {
		if err := p.supervisor.Start(ctx, p.cfg); err != nil {
			p.logger.Error("service: supervisor start failed", "error", err)
		}
	}()
	return nil
}

// Stop implements service.Interface.
func (p *Program) Stop(s service.Service) error {
	p.logger.Info("service: stop requested")
	if p.cancel != nil {
		p.cancel()
	}
	return p.supervisor.Stop()
}

// Supervisor exposes the underlying supervisor for status queries.
func (p *Program) Supervisor() *supervisor.Supervisor {
	return p.supervisor
}

// New builds a kardianos/service.Service wrapping prog.
func New(prog *Program) (service.Service, error) {
	svcConfig := &service.Config{
		Name:        Name,
		DisplayName: DisplayName,
		Description: Description,
	}
	return service.New(prog, svcConfig)
}
