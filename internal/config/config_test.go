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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GOMA_SERVER_HOST", "goma.example.com")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "goma.example.com", cfg.Remote.Host)
	assert.Equal(t, 443, cfg.Remote.Port)
	assert.True(t, cfg.Remote.UseTLS)
	assert.Equal(t, "/e", cfg.Remote.ExecPath)
	assert.Equal(t, FallbackFast, cfg.Exec.FallbackPolicy)
	assert.Equal(t, 64, cfg.Exec.MaxConcurrentUploads)
	assert.True(t, cfg.Listen.CheckPeerIdentity)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	data := `
remote:
  host: build.internal
  port: 8088
  use_tls: false
  initial_timeout: 5s
exec:
  fallback_policy: verify
  max_concurrent_uploads: 8
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "build.internal", cfg.Remote.Host)
	assert.Equal(t, 8088, cfg.Remote.Port)
	assert.False(t, cfg.Remote.UseTLS)
	assert.Equal(t, 5*time.Second, cfg.Remote.InitialTimeout)
	assert.Equal(t, FallbackVerify, cfg.Exec.FallbackPolicy)
	assert.Equal(t, 8, cfg.Exec.MaxConcurrentUploads)
	assert.Equal(t, "http://build.internal:8088", cfg.Remote.URL())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("remote:\n  host: from-file\n"), 0600))

	t.Setenv("GOMA_SERVER_HOST", "from-env")
	t.Setenv("GOMA_FALLBACK", "never")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Remote.Host)
	assert.Equal(t, FallbackNever, cfg.Exec.FallbackPolicy)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing host", func(c *Config) { c.Remote.Host = "" }},
		{"bad port", func(c *Config) { c.Remote.Port = -1 }},
		{"bad policy", func(c *Config) { c.Exec.FallbackPolicy = "sometimes" }},
		{"zero uploads", func(c *Config) { c.Exec.MaxConcurrentUploads = 0 }},
		{"empty socket", func(c *Config) { c.Listen.SocketPath = "" }},
		{"two credential sources", func(c *Config) {
			c.Auth.GCEServiceAccount = "default"
			c.Auth.OAuth2.Enabled = true
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Remote.Host = "h"
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestAuth_Enabled(t *testing.T) {
	var a Auth
	assert.False(t, a.Enabled())

	a.GCEServiceAccount = "default"
	assert.True(t, a.Enabled())

	a = Auth{LocalAuth: LocalAuth{Enabled: true}}
	assert.True(t, a.Enabled())
}
