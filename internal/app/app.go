// Package app wires the daemon together: provider selection, the
// protocol server, and the ops HTTP surface.
package app

import (
	"context"
	"fmt"
	"time"

	"ceqpd/pkg/config"
	"ceqpd/pkg/logger"
	"ceqpd/pkg/memory"
	"ceqpd/pkg/ops"
	"ceqpd/pkg/server"
)

// App encapsulates the server components and lifecycle.
type App struct {
	cfg     *config.Config
	version string
	prov    memory.Provider
	srv     *server.Server
	started time.Time
}

// New resolves the memory provider and builds the protocol server. It
// does not open sockets; call Run to start and block until shutdown.
func New(cfg *config.Config, version string) (*App, error) {
	prov, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}
	srv := server.New(prov, server.Options{
		Addr:       cfg.Addr(),
		IOTimeout:  cfg.IOTimeout(),
		RateRPS:    cfg.Server.RateLimit.RPS,
		RateBurst:  cfg.Server.RateLimit.Burst,
		Diagnostic: config.DiagnosticMode(),
	})
	return &App{cfg: cfg, version: version, prov: prov, srv: srv, started: time.Now()}, nil
}

// Run starts the listener (and the ops server when enabled) and blocks
// until ctx is cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.srv.Start(); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	defer a.srv.Stop()

	var opsErr <-chan error
	if a.cfg.Ops.Enabled && a.cfg.Ops.Address != "" {
		opsErr = ops.Serve(ctx, a.cfg.Ops.Address, ops.Handler(a.srv, a.version, a.started))
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting_down")
		return nil
	case err := <-opsErr:
		return fmt.Errorf("ops server: %w", err)
	}
}

// buildProvider maps the configured mode onto a Provider.
func buildProvider(cfg *config.Config) (memory.Provider, error) {
	switch cfg.Provider.Mode {
	case "", "map":
		return demoProvider(), nil
	case "self":
		p, err := memory.Self()
		if err != nil {
			return nil, err
		}
		return p, nil
	case "pid":
		if cfg.Provider.PID <= 0 {
			return nil, fmt.Errorf("provider mode pid requires a target pid")
		}
		p, err := memory.OpenProcess(cfg.Provider.PID)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown provider mode %q", cfg.Provider.Mode)
}

// demoProvider seeds a small synthetic target so the protocol can be
// exercised without attaching to a real process: one module and a
// three-step pointer chain ending in a recognizable constant.
func demoProvider() *memory.MapProvider {
	p := memory.NewMapProvider()
	p.AddModule("demo.bin", 0x400000)
	p.Put(0x400000, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})
	// 0x1000 -> 0x2000, 0x2010 -> 0x3000, 0x3010 -> 0x3020, 0x3020 holds
	// 0xCAFEBABE (offsets 0x10 0x10 0x00 from base 0x1000)
	p.Put(0x1000, []byte{0x00, 0x20, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	p.Put(0x2010, []byte{0x00, 0x30, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	p.Put(0x3010, []byte{0x20, 0x30, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	p.Put(0x3020, []byte{0xBE, 0xBA, 0xFE, 0xCA})
	return p
}
