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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/CA-git-com-co/ACGS-sub035/internal/config"
	"github.com/CA-git-com-co/ACGS-sub035/internal/daemon"
	"github.com/CA-git-com-co/ACGS-sub035/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to config file")
		socketPath   = flag.String("socket", "", "Unix socket path")
		tcpAddr      = flag.String("tcp", "", "TCP address to listen on")
		allowRemote  = flag.Bool("allow-remote", false, "Allow binding to non-localhost addresses (SECURITY WARNING)")
		runtimeBin   = flag.String("runtime", "", "Container runtime binary (docker, podman)")
		image        = flag.String("image", "", "Sandbox container image")
		dataDir      = flag.String("data-dir", "", "Directory for per-session workspaces")
		forensicsDir = flag.String("forensics-dir", "", "Directory for forensic snapshots")
		patternsPath = flag.String("patterns", "", "Path to violation patterns file")
		policyURL    = flag.String("policy-url", "", "Policy engine decision endpoint")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("sandboxd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Initialize structured logging from environment
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// Apply CLI flag overrides
	if *socketPath != "" {
		cfg.Listen.SocketPath = *socketPath
		cfg.Listen.TCPAddr = ""
	}
	if *tcpAddr != "" {
		cfg.Listen.TCPAddr = *tcpAddr
		cfg.Listen.SocketPath = ""
	}
	if *allowRemote {
		cfg.Listen.AllowRemote = true
		logger.Warn("--allow-remote is enabled. The daemon will accept untrusted code from any network address. Ensure proper authentication and network controls are in place.")
	}
	if *runtimeBin != "" {
		cfg.Runtime.Binary = *runtimeBin
	}
	if *image != "" {
		cfg.Runtime.Image = *image
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *forensicsDir != "" {
		cfg.Forensics.Dir = *forensicsDir
	}
	if *patternsPath != "" {
		cfg.Patterns.Path = *patternsPath
	}
	if *policyURL != "" {
		cfg.Policy.URL = *policyURL
	}

	d, err := daemon.New(cfg, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		logger.Error("Failed to create daemon", slog.Any("error", err))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			logger.Error("Error during shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("Daemon error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
