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

// Package daemon assembles and runs relayd.
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

	"github.com/tombee/relay/internal/auth"
	"github.com/tombee/relay/internal/blobstage"
	"github.com/tombee/relay/internal/compilerinfo"
	"github.com/tombee/relay/internal/config"
	"github.com/tombee/relay/internal/depscache"
	"github.com/tombee/relay/internal/flags"
	"github.com/tombee/relay/internal/httprpc"
	"github.com/tombee/relay/internal/ipc"
	"github.com/tombee/relay/internal/localoutput"
	internallog "github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/internal/scanner"
	"github.com/tombee/relay/internal/subprocess"
	"github.com/tombee/relay/internal/task"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the compiler-proxy daemon.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	server    *http.Server
	ln        net.Listener
	pidFile   string
	refresher *auth.Refresher
	infoCache *compilerinfo.Cache
	uploadLog *blobstage.Log
	localOut  *localoutput.Cache
	engine    *task.Engine
	collector *metrics.Collector

	infoCachePath string

	mu      sync.Mutex
	started bool
}

// New creates a daemon instance from validated configuration.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	collector := metrics.New()

	// Credential source and refresher.
	source, err := auth.NewSource(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to configure credentials: %w", err)
	}
	refresher := auth.NewRefresher(source, nil, logger)
	if source == nil {
		logger.Warn("no credential source configured, remote calls will be unauthenticated")
	}

	// Remote RPC client.
	remote := httprpc.New(cfg.Remote, nil, refresher, logger)

	// Blob staging with the restart-recovery upload log.
	stage := blobstage.New(remote, cfg.Exec.MaxConcurrentUploads, logger)
	uploadLog, err := blobstage.OpenLog(filepath.Join(cfg.DataDir, "upload_log"))
	if err != nil {
		logger.Warn("upload log unavailable, dedup starts cold", internallog.Error(err))
	} else {
		stage.SetLog(uploadLog)
	}
	collector.RegisterBlobStats(
		func() int64 { uploads, _ := stage.Stats(); return uploads },
		func() int64 { _, deduped := stage.Stats(); return deduped },
	)

	// Local subprocess pool and compiler resolution.
	pool := subprocess.NewPool(cfg.Exec.MaxSubprocs)
	resolver := subprocess.NewResolver(pool)
	if exe, err := os.Executable(); err == nil {
		// The wrapper is installed next to the daemon binary.
		resolver.WrapperPath = filepath.Join(filepath.Dir(exe), "relaycc")
	}

	// Compiler info cache: persisted across restarts, watched for binary
	// replacement.
	infoCache := compilerinfo.NewCache(logger)
	infoCachePath := filepath.Join(cfg.DataDir, "compiler_info.db")
	if err := infoCache.Load(infoCachePath); err != nil {
		logger.Warn("failed to load compiler info cache", internallog.Error(err))
	}
	if err := infoCache.StartWatching(); err != nil {
		logger.Warn("compiler binary watching unavailable", internallog.Error(err))
	}

	var deps *depscache.Cache
	if cfg.Cache.DepsCacheEnabled {
		deps = depscache.New()
	}

	var localOut *localoutput.Cache
	if cfg.Cache.LocalOutputCacheEnabled {
		localOut, err = localoutput.Open(
			filepath.Join(cfg.DataDir, "localoutput"), cfg.Cache.LocalOutputMaxBytes, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open local output cache: %w", err)
		}
	}

	hostname, _ := os.Hostname()
	probe := compilerinfo.NewGCCProbe(pool)

	engine := task.NewEngine(task.Options{
		Exec:               cfg.Exec,
		Logger:             logger,
		Parser:             flags.GCCParser{},
		Scanner:            &scanner.TextScanner{},
		Resolver:           resolver,
		Host:               pool,
		InfoCache:          infoCache,
		Probe:              probe.Probe,
		Deps:               deps,
		Stage:              stage,
		Remote:             remote,
		LocalOut:           localOut,
		Metrics:            collector,
		StagingDir:         filepath.Join(cfg.DataDir, "staging"),
		DumpDir:            filepath.Join(cfg.DataDir, "failed_requests"),
		FailedRequestDumps: cfg.Cache.FailedRequestDumps,
		CompilerProxyID:    fmt.Sprintf("relay/%d@%s", os.Getpid(), hostname),
	})

	return &Daemon{
		cfg:           cfg,
		opts:          opts,
		logger:        logger,
		refresher:     refresher,
		infoCache:     infoCache,
		uploadLog:     uploadLog,
		localOut:      localOut,
		engine:        engine,
		collector:     collector,
		infoCachePath: infoCachePath,
	}, nil
}

// Start starts the daemon and blocks until the context is cancelled.
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

	// Warm the token before the first compile needs it.
	if d.refresher.ShouldRefresh() {
		d.refresher.RunAfterRefresh(func(err error) {
			if err != nil {
				d.logger.Warn("initial token refresh failed", internallog.Error(err))
			}
		})
	}

	ln, err := ipc.New(d.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	d.ln = ln

	d.server = &http.Server{
		Handler:     d.routes(),
		IdleTimeout: 60 * time.Second,
	}

	d.logger.Info("relayd starting",
		slog.String("version", d.opts.Version),
		slog.String("socket", d.cfg.Listen.SocketPath),
		slog.String("remote", d.cfg.Remote.URL()))

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

// Shutdown gracefully shuts down the daemon.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	active := d.engine.ActiveTasks()
	d.logger.Info("graceful shutdown initiated", slog.Int("active_tasks", active))

	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", internallog.Error(err))
		}
	}

	d.refresher.Shutdown()

	if err := d.infoCache.Save(d.infoCachePath); err != nil {
		d.logger.Error("failed to persist compiler info cache", internallog.Error(err))
	}
	if err := d.infoCache.Close(); err != nil {
		d.logger.Error("failed to stop compiler watcher", internallog.Error(err))
	}
	if d.uploadLog != nil {
		if err := d.uploadLog.Close(); err != nil {
			d.logger.Error("failed to close upload log", internallog.Error(err))
		}
	}
	if d.localOut != nil {
		if err := d.localOut.Close(); err != nil {
			d.logger.Error("failed to close local output cache", internallog.Error(err))
		}
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove PID file", internallog.Error(err))
		}
	}
	if d.cfg.Listen.SocketPath != "" {
		if err := os.Remove(d.cfg.Listen.SocketPath); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove socket file", internallog.Error(err))
		}
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}

func (d *Daemon) writePIDFile() error {
	dir := filepath.Dir(d.cfg.PIDFile)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(d.cfg.PIDFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0600)
}
