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

// Package listener provides Unix socket and TCP listener abstractions.
package listener

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/CA-git-com-co/ACGS-sub035/internal/config"
)

// New creates a listener from the listen configuration. A socket path takes
// precedence over a TCP address. TCP binds are restricted to loopback unless
// AllowRemote is set; the control plane accepts untrusted code and must not
// be exposed by accident.
func New(cfg config.ListenConfig) (net.Listener, error) {
	if cfg.SocketPath != "" {
		return newUnixSocket(cfg.SocketPath)
	}
	if cfg.TCPAddr != "" {
		return newTCP(cfg.TCPAddr, cfg.AllowRemote)
	}
	return nil, fmt.Errorf("listen config requires socket_path or tcp_addr")
}

// newUnixSocket creates a Unix socket listener with owner-only permissions,
// removing any stale socket file first.
func newUnixSocket(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return ln, nil
}

// newTCP creates a TCP listener, rejecting non-loopback binds unless
// explicitly allowed.
func newTCP(addr string, allowRemote bool) (net.Listener, error) {
	if !allowRemote {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid tcp address %q: %w", addr, err)
		}
		if !isLoopback(host) {
			return nil, fmt.Errorf("refusing to bind to non-loopback address %q without allow_remote", addr)
		}
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// isLoopback reports whether host names a loopback address.
func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
