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

package ipc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/internal/config"
)

// shortSocketPath returns a socket path short enough for sun_path limits.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "relay-ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "relay.sock")
}

func TestListenerAndClient_RoundTrip(t *testing.T) {
	socketPath := shortSocketPath(t)

	ln, err := New(config.Listen{SocketPath: socketPath, CheckPeerIdentity: true})
	require.NoError(t, err)
	defer ln.Close()

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ContentType, r.Header.Get("Content-Type"))
		assert.Equal(t, "0.0.0.0", r.Host)
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		w.Write(append([]byte("echo:"), body...))
	})}
	go srv.Serve(ln)
	defer srv.Close()

	c := NewClient(socketPath)
	resp, err := c.Call(context.Background(), "/e", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "echo:payload", string(resp))
}

func TestListener_SocketPermissions(t *testing.T) {
	socketPath := shortSocketPath(t)
	ln, err := New(config.Listen{SocketPath: socketPath})
	require.NoError(t, err)
	defer ln.Close()

	fi, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())
}

func TestListener_ReplacesStaleSocket(t *testing.T) {
	socketPath := shortSocketPath(t)

	ln1, err := New(config.Listen{SocketPath: socketPath})
	require.NoError(t, err)
	ln1.Close()

	// The socket file may linger after close; a new listener must replace it.
	ln2, err := New(config.Listen{SocketPath: socketPath})
	require.NoError(t, err)
	ln2.Close()
}

func TestClient_DaemonNotRunning(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	_, err := c.Call(context.Background(), "/e", nil)
	require.Error(t, err)

	var dnr *DaemonNotRunningError
	assert.True(t, errors.As(err, &dnr))
}

func TestClient_ContextCancellation(t *testing.T) {
	socketPath := shortSocketPath(t)
	ln, err := New(config.Listen{SocketPath: socketPath})
	require.NoError(t, err)
	defer ln.Close()

	started := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	})}
	go srv.Serve(ln)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	c := NewClient(socketPath)
	go func() {
		_, err := c.Call(ctx, "/e", []byte("x"))
		done <- err
	}()

	<-started
	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not interrupt the call")
	}
}
