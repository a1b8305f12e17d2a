// Copyright 2026 The Sandboxd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon wires the sandbox controller's components together and runs
// the control-plane HTTP server.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/CA-git-com-co/ACGS-sub035/internal/config"
	"github.com/CA-git-com-co/ACGS-sub035/internal/daemon/api"
	"github.com/CA-git-com-co/ACGS-sub035/internal/daemon/listener"
	internallog "github.com/CA-git-com-co/ACGS-sub035/internal/log"
	"github.com/CA-git-com-co/ACGS-sub035/pkg/sandbox"
	"github.com/CA-git-com-co/ACGS-sub035/pkg/sandbox/audit"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the main sandboxd daemon.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	server  *http.Server
	ln      net.Listener
	pidFile string

	controller *drainingController
	registry   *sandbox.Registry
	reaper     *sandbox.OrphanReaper
	watcher    *sandbox.PatternWatcher
	auditLog   *audit.Logger

	reaperCancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// New creates a new daemon instance.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	auditLog, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	table, err := sandbox.NewPatternTable(sandbox.DefaultPatterns())
	if err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("failed to build default patterns: %w", err)
	}
	if cfg.Patterns.Path != "" {
		patterns, err := sandbox.LoadPatterns(cfg.Patterns.Path)
		if err != nil {
			auditLog.Close()
			return nil, fmt.Errorf("failed to load patterns: %w", err)
		}
		table.Replace(patterns)
		logger.Info("violation patterns loaded",
			slog.String("path", cfg.Patterns.Path),
			slog.Int("count", len(patterns)))
	}

	var watcher *sandbox.PatternWatcher
	if cfg.Patterns.Path != "" && cfg.Patterns.Watch {
		watcher, err = sandbox.NewPatternWatcher(cfg.Patterns.Path, table, logger)
		if err != nil {
			logger.Warn("pattern file watching unavailable", internallog.Error(err))
			watcher = nil
		}
	}

	runtime := sandbox.NewDockerRuntime(sandbox.DockerRuntimeConfig{
		Binary:           cfg.Runtime.Binary,
		Image:            cfg.Runtime.Image,
		MaxConcurrentOps: cfg.Runtime.MaxConcurrentOps,
	})

	registry := sandbox.NewRegistry()
	containment := sandbox.NewContainmentController(runtime, cfg.Forensics.Dir, auditLog, logger)
	processes := sandbox.NewFallbackProcessInspector(
		sandbox.NewRuntimeProcessInspector(runtime),
		sandbox.NewHostProcessInspector(runtime),
	)
	monitor := sandbox.NewMonitor(sandbox.MonitorConfig{
		Classifier:   sandbox.NewClassifier(table),
		Processes:    processes,
		Runtime:      runtime,
		Containment:  containment,
		AuditLog:     auditLog,
		Logger:       logger,
		PollInterval: cfg.Monitor.PollInterval,
	})

	var policy sandbox.PolicyClient
	if cfg.Policy.URL != "" {
		policy = sandbox.NewHTTPPolicyClient(cfg.Policy.URL, cfg.Policy.Timeout)
	}
	validator := sandbox.NewRequestValidator(sandbox.ValidatorConfig{
		Policy:        policy,
		PolicyTimeout: cfg.Policy.Timeout,
	})

	controller := sandbox.NewController(sandbox.ControllerConfig{
		Runtime:       runtime,
		Registry:      registry,
		Validator:     validator,
		Monitor:       monitor,
		Logger:        logger,
		DataDir:       cfg.DataDir,
		DefaultLimits: cfg.Defaults,
	})

	reaper := sandbox.NewOrphanReaper(sandbox.ReaperConfig{
		Registry:    registry,
		Runtime:     runtime,
		AuditLog:    auditLog,
		Logger:      logger,
		Period:      cfg.Reaper.Period,
		GracePeriod: cfg.Reaper.GracePeriod,
	})

	return &Daemon{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		controller: newDrainingController(controller),
		registry:   registry,
		reaper:     reaper,
		watcher:    watcher,
		auditLog:   auditLog,
	}, nil
}

// Start starts the daemon and blocks until the context is cancelled or the
// server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if d.cfg.PIDFile != "" {
		if err := d.writePIDFile(); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		d.pidFile = d.cfg.PIDFile
	}

	ln, err := listener.New(d.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	d.ln = ln

	router := api.NewRouter(api.RouterConfig{
		Version:   d.opts.Version,
		Commit:    d.opts.Commit,
		BuildDate: d.opts.BuildDate,
	}, d.controller)

	var limiter *rate.Limiter
	if d.cfg.RateLimit.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(
			rate.Limit(d.cfg.RateLimit.RequestsPerSecond),
			d.cfg.RateLimit.Burst,
		)
	}
	executions := api.NewExecutionsHandler(d.controller, limiter)
	executions.RegisterRoutes(router.Mux())
	api.NewSandboxesHandler(d.controller).RegisterRoutes(router.Mux())

	workersCtx, cancel := context.WithCancel(context.Background())
	d.reaperCancel = cancel

	if d.watcher != nil {
		d.watcher.Start(workersCtx)
	}
	go d.reaper.Run(workersCtx)

	d.server = &http.Server{
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // execution responses wait for the sandbox to finish
		IdleTimeout:  60 * time.Second,
	}

	d.logger.Info("sandboxd starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the daemon: stop accepting requests, wait
// for in-flight executions to drain, then tear down background workers.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	active := d.registry.Len()
	d.logger.Info("graceful shutdown initiated",
		slog.Int("active_sandboxes", active))

	d.controller.StartDraining()
	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, d.cfg.DrainTimeout)
	if err := d.controller.WaitForDrain(drainCtx); err != nil {
		d.logger.Warn("drain timeout exceeded",
			slog.Int("remaining_sandboxes", d.registry.Len()),
			slog.Duration("drain_timeout", d.cfg.DrainTimeout))
	} else {
		d.logger.Info("all executions completed during drain")
	}
	drainCancel()

	if d.reaperCancel != nil {
		d.reaperCancel()
		// The watcher only runs once the background workers started.
		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.logger.Error("pattern watcher shutdown error", internallog.Error(err))
			}
		}
	}

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.ShutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", internallog.Error(err))
		}
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove PID file",
				internallog.Error(err),
				slog.String("path", d.pidFile))
		}
	}

	if d.cfg.Listen.SocketPath != "" {
		if err := os.Remove(d.cfg.Listen.SocketPath); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove socket file",
				internallog.Error(err),
				slog.String("path", d.cfg.Listen.SocketPath))
		}
	}

	if err := d.auditLog.Close(); err != nil {
		d.logger.Error("audit logger shutdown error", internallog.Error(err))
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	dir := filepath.Dir(d.cfg.PIDFile)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(d.cfg.PIDFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600)
}
