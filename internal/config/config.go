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

// Package config loads and validates the relayd configuration.
//
// Configuration comes from an optional YAML file plus GOMA_* environment
// overrides. Environment always wins over the file; the file wins over
// defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// FallbackPolicy controls how the local compiler is used alongside the
// remote service.
type FallbackPolicy string

const (
	// FallbackFast schedules the local compiler in parallel at low priority;
	// whichever side finishes first wins.
	FallbackFast FallbackPolicy = "fast"
	// FallbackVerify runs the local compiler even when the remote side wins
	// and compares outputs byte-for-byte, reporting mismatches.
	FallbackVerify FallbackPolicy = "verify"
	// FallbackOnError runs the local compiler only after a remote failure.
	FallbackOnError FallbackPolicy = "on-error"
	// FallbackNever reports remote failures to the client without a local run.
	FallbackNever FallbackPolicy = "never"
)

// Config represents the complete relayd configuration.
type Config struct {
	Listen Listen `yaml:"listen"`
	Remote Remote `yaml:"remote"`
	Auth   Auth   `yaml:"auth"`
	Exec   Exec   `yaml:"exec"`
	Cache  Cache  `yaml:"cache"`

	// DataDir is the directory for persisted daemon state (compiler-info
	// cache, upload log, local output cache, failed-request dumps).
	// Environment: GOMA_DATA_DIR
	// Default: ~/.relay
	DataDir string `yaml:"data_dir,omitempty"`

	// PIDFile is the path to the PID file. Empty means no PID file.
	PIDFile string `yaml:"pid_file,omitempty"`
}

// Listen configures the local IPC listener the wrapper connects to.
type Listen struct {
	// SocketPath is the Unix socket path for wrapper communication.
	// Environment: GOMA_COMPILER_PROXY_SOCKET_NAME
	// Default: $XDG_RUNTIME_DIR/relay/relay.sock, else ~/.relay/relay.sock
	SocketPath string `yaml:"socket_path,omitempty"`

	// CheckPeerIdentity verifies the connecting process runs as the same
	// user before accepting a request. Default: true.
	CheckPeerIdentity bool `yaml:"check_peer_identity"`
}

// Remote configures the remote compile service endpoint.
type Remote struct {
	// Host is the remote compile service host.
	// Environment: GOMA_SERVER_HOST
	Host string `yaml:"host"`

	// Port is the remote compile service port. Default: 443.
	// Environment: GOMA_SERVER_PORT
	Port int `yaml:"port,omitempty"`

	// UseTLS enables HTTPS to the remote service. Default: true.
	// Environment: GOMA_USE_SSL
	UseTLS bool `yaml:"use_tls"`

	// ExecPath is the URL path for compile requests. Default: /e.
	ExecPath string `yaml:"exec_path,omitempty"`

	// InitialTimeout is the time allowed for the first response byte of an
	// RPC before the daemon probes /healthz. Default: 20s.
	InitialTimeout time.Duration `yaml:"initial_timeout,omitempty"`

	// ReadTimeout is the idle time allowed between response bytes.
	// Default: 60s.
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty"`

	// CheckTimeout is the single extension granted after a healthy
	// /healthz probe. Default: 30s.
	CheckTimeout time.Duration `yaml:"check_timeout,omitempty"`

	// MaxRetries bounds retries of an RPC on transport errors and HTTP 5xx.
	// Default: 3.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// RetryBackoff is the initial backoff between RPC retries. Default: 500ms.
	RetryBackoff time.Duration `yaml:"retry_backoff,omitempty"`

	// Compression enables gzip encoding of request and response bodies.
	// Default: true.
	Compression bool `yaml:"compression"`

	// SendRateLimit caps outbound upload bandwidth in bytes per second.
	// Zero means unlimited.
	SendRateLimit int `yaml:"send_rate_limit,omitempty"`
}

// URL returns the base URL of the remote service.
func (r Remote) URL() string {
	scheme := "https"
	if !r.UseTLS {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, r.Host, r.Port)
}

// Auth selects and configures the credential source for outbound RPCs.
// At most one source may be enabled.
type Auth struct {
	// GCEServiceAccount names a GCE service account whose token is fetched
	// from the metadata server.
	// Environment: GOMA_GCE_SERVICE_ACCOUNT
	GCEServiceAccount string `yaml:"gce_service_account,omitempty"`

	// ServiceAccountJSON is the path of a service-account JSON key file.
	// Environment: GOMA_SERVICE_ACCOUNT_JSON_FILE
	ServiceAccountJSON string `yaml:"service_account_json,omitempty"`

	// OAuth2 holds refresh-token credentials.
	OAuth2 OAuth2 `yaml:"oauth2,omitempty"`

	// LocalAuth holds local auth-broker (LUCI context) settings.
	LocalAuth LocalAuth `yaml:"local_auth,omitempty"`

	// Scope requested for issued tokens.
	// Default: https://www.googleapis.com/auth/userinfo.email
	Scope string `yaml:"scope,omitempty"`
}

// OAuth2 holds refresh-token grant credentials.
type OAuth2 struct {
	Enabled      bool   `yaml:"enabled"`
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`
	RefreshToken string `yaml:"refresh_token,omitempty"`
	TokenURL     string `yaml:"token_url,omitempty"`
}

// LocalAuth holds local auth-broker settings. The broker is an RPC service
// on localhost that mints scoped tokens for a named account.
type LocalAuth struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port,omitempty"`
	Secret    string `yaml:"secret,omitempty"`
	AccountID string `yaml:"account_id,omitempty"`
}

// Enabled reports whether any credential source is configured.
func (a Auth) Enabled() bool {
	return a.GCEServiceAccount != "" || a.ServiceAccountJSON != "" ||
		a.OAuth2.Enabled || a.LocalAuth.Enabled
}

// Exec configures task execution policy.
type Exec struct {
	// FallbackPolicy selects the local-compiler policy. Default: fast.
	// Environment: GOMA_FALLBACK (fast, verify, on-error, never)
	FallbackPolicy FallbackPolicy `yaml:"fallback_policy,omitempty"`

	// MaxConcurrentTasks bounds simultaneously active compile tasks.
	// Default: 1024.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks,omitempty"`

	// MaxSubprocs bounds simultaneously running local compiler processes.
	// Default: number of CPUs.
	// Environment: GOMA_MAX_SUBPROCS
	MaxSubprocs int `yaml:"max_subprocs,omitempty"`

	// MaxConcurrentUploads bounds active blob upload RPCs across all tasks.
	// Default: 64.
	MaxConcurrentUploads int `yaml:"max_concurrent_uploads,omitempty"`

	// CommitRetries bounds the rename retry loop when committing outputs.
	// Default: 3.
	CommitRetries int `yaml:"commit_retries,omitempty"`
}

// Cache configures the persistent caches.
type Cache struct {
	// DepsCacheEnabled enables the dependency-set shortcut. Default: true.
	DepsCacheEnabled bool `yaml:"deps_cache_enabled"`

	// LocalOutputCacheEnabled enables serving repeats of prior local
	// compiles from the output cache. Default: false.
	LocalOutputCacheEnabled bool `yaml:"local_output_cache_enabled"`

	// LocalOutputMaxBytes bounds the local output cache size on disk.
	// Default: 1 GiB.
	LocalOutputMaxBytes int64 `yaml:"local_output_max_bytes,omitempty"`

	// FailedRequestDumps is the number of failed ExecReqs kept for replay
	// debugging. Default: 16.
	FailedRequestDumps int `yaml:"failed_request_dumps,omitempty"`
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Listen: Listen{
			SocketPath:        defaultSocketPath(),
			CheckPeerIdentity: true,
		},
		Remote: Remote{
			Port:           443,
			UseTLS:         true,
			ExecPath:       "/e",
			InitialTimeout: 20 * time.Second,
			ReadTimeout:    60 * time.Second,
			CheckTimeout:   30 * time.Second,
			MaxRetries:     3,
			RetryBackoff:   500 * time.Millisecond,
			Compression:    true,
		},
		Auth: Auth{
			Scope: "https://www.googleapis.com/auth/userinfo.email",
		},
		Exec: Exec{
			FallbackPolicy:       FallbackFast,
			MaxConcurrentTasks:   1024,
			MaxConcurrentUploads: 64,
			MaxSubprocs:          runtime.NumCPU(),
			CommitRetries:        3,
		},
		Cache: Cache{
			DepsCacheEnabled:    true,
			LocalOutputMaxBytes: 1 << 30,
			FailedRequestDumps:  16,
		},
		DataDir: defaultDataDir(),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}

func defaultSocketPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "relay", "relay.sock")
	}
	return filepath.Join(defaultDataDir(), "relay.sock")
}

// Load reads a config file, applies environment overrides, and validates.
// An empty path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies GOMA_* environment overrides on top of file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("GOMA_COMPILER_PROXY_SOCKET_NAME"); v != "" {
		c.Listen.SocketPath = v
	}
	if v := os.Getenv("GOMA_SERVER_HOST"); v != "" {
		c.Remote.Host = v
	}
	if v := os.Getenv("GOMA_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Remote.Port = port
		}
	}
	if v := os.Getenv("GOMA_USE_SSL"); v != "" {
		c.Remote.UseTLS = v == "true" || v == "1"
	}
	if v := os.Getenv("GOMA_GCE_SERVICE_ACCOUNT"); v != "" {
		c.Auth.GCEServiceAccount = v
	}
	if v := os.Getenv("GOMA_SERVICE_ACCOUNT_JSON_FILE"); v != "" {
		c.Auth.ServiceAccountJSON = v
	}
	if v := os.Getenv("GOMA_FALLBACK"); v != "" {
		c.Exec.FallbackPolicy = FallbackPolicy(v)
	}
	if v := os.Getenv("GOMA_MAX_SUBPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Exec.MaxSubprocs = n
		}
	}
	if v := os.Getenv("GOMA_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Listen.SocketPath == "" {
		return fmt.Errorf("%w: listen.socket_path must not be empty", ErrInvalidConfig)
	}
	if c.Remote.Host == "" {
		return fmt.Errorf("%w: remote.host must not be empty", ErrInvalidConfig)
	}
	if c.Remote.Port <= 0 || c.Remote.Port > 65535 {
		return fmt.Errorf("%w: remote.port %d out of range", ErrInvalidConfig, c.Remote.Port)
	}
	switch c.Exec.FallbackPolicy {
	case FallbackFast, FallbackVerify, FallbackOnError, FallbackNever:
	default:
		return fmt.Errorf("%w: unknown fallback_policy %q", ErrInvalidConfig, c.Exec.FallbackPolicy)
	}
	if n := c.sourceCount(); n > 1 {
		return fmt.Errorf("%w: %d credential sources enabled, want at most one", ErrInvalidConfig, n)
	}
	if c.Exec.MaxConcurrentUploads <= 0 {
		return fmt.Errorf("%w: exec.max_concurrent_uploads must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) sourceCount() int {
	n := 0
	if c.Auth.GCEServiceAccount != "" {
		n++
	}
	if c.Auth.ServiceAccountJSON != "" {
		n++
	}
	if c.Auth.OAuth2.Enabled {
		n++
	}
	if c.Auth.LocalAuth.Enabled {
		n++
	}
	return n
}
