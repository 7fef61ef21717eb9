// Copyright 2025 Tom Barlow
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

// Package ipc provides the local socket between the wrapper and the daemon.
//
// The daemon listens on a Unix socket owned by the invoking user; before a
// connection is served, the peer's identity is compared against the
// daemon's own so another user on the machine cannot submit compiles.
package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/tombee/relay/internal/config"
)

// New creates the wrapper-facing listener.
func New(cfg config.Listen) (net.Listener, error) {
	ln, err := newUnixListener(cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	if cfg.CheckPeerIdentity {
		return &peerCheckedListener{Listener: ln, uid: os.Getuid()}, nil
	}
	return ln, nil
}

// newUnixListener creates a Unix socket listener with owner-only access.
func newUnixListener(socketPath string) (net.Listener, error) {
	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("ipc: failed to create socket directory: %w", err)
	}

	// Remove a stale socket from a previous daemon.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("ipc: failed to remove existing socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: failed to listen on %s: %w", socketPath, err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("ipc: failed to set socket permissions: %w", err)
	}
	return ln, nil
}

// peerCheckedListener rejects connections from other users at accept time.
type peerCheckedListener struct {
	net.Listener
	uid int
}

// Accept verifies the peer identity before handing the connection out.
// Mismatched peers are closed and the next connection is tried, so a
// hostile local process cannot wedge the accept loop.
func (l *peerCheckedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		ok, err := peerIsSameUser(conn, l.uid)
		if err != nil || !ok {
			conn.Close()
			continue
		}
		return conn, nil
	}
}
