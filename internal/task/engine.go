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

package task

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/relay/internal/blobstage"
	"github.com/tombee/relay/internal/compilerinfo"
	"github.com/tombee/relay/internal/config"
	"github.com/tombee/relay/internal/depscache"
	"github.com/tombee/relay/internal/flags"
	"github.com/tombee/relay/internal/gomapb"
	"github.com/tombee/relay/internal/localoutput"
	internallog "github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/internal/scanner"
	"github.com/tombee/relay/internal/statcache"
	"github.com/tombee/relay/internal/subprocess"
)

// RemoteClient is the remote compile service surface the engine needs.
// Implemented by httprpc.Client.
type RemoteClient interface {
	Exec(ctx context.Context, req *gomapb.ExecReq) (*gomapb.ExecResp, error)
	LookupFile(ctx context.Context, hashKey string) ([]byte, error)
}

// Options wires the engine's collaborators. Parser, Scanner, Resolver,
// Host, InfoCache, Probe, Stage, and Remote are required; the rest are
// optional.
type Options struct {
	Exec    config.Exec
	Logger  *slog.Logger
	Parser  flags.Parser
	Scanner scanner.Scanner

	Resolver *subprocess.Resolver
	Host     subprocess.Host

	InfoCache *compilerinfo.Cache
	Probe     compilerinfo.ProbeFunc

	Deps     *depscache.Cache
	Stage    *blobstage.Stage
	Remote   RemoteClient
	LocalOut *localoutput.Cache
	Metrics  *metrics.Collector

	// StagingDir is where per-task output staging directories live.
	StagingDir string

	// DumpDir holds the last-N failed request dumps; empty disables dumps.
	DumpDir            string
	FailedRequestDumps int

	// CompilerProxyID identifies this daemon in RequesterInfo.
	CompilerProxyID string
}

// Engine coordinates all compile tasks of the daemon.
type Engine struct {
	opts   Options
	logger *slog.Logger

	// semaphore bounds simultaneously active tasks.
	semaphore chan struct{}

	nextID atomic.Int64

	mu    sync.Mutex
	tasks map[int64]*Task

	dumpMu sync.Mutex
	dumps  []string
}

// NewEngine creates the engine.
func NewEngine(opts Options) *Engine {
	maxTasks := opts.Exec.MaxConcurrentTasks
	if maxTasks <= 0 {
		maxTasks = 1024
	}
	return &Engine{
		opts:      opts,
		logger:    internallog.WithComponent(opts.Logger, "task"),
		semaphore: make(chan struct{}, maxTasks),
		tasks:     make(map[int64]*Task),
	}
}

// Exec runs one compile request to completion and returns the reply for the
// client. A cancelled task returns context.Canceled and no reply; a request
// whose context ends while it waits for a task slot returns ctx.Err().
func (e *Engine) Exec(ctx context.Context, req *gomapb.ExecReq) (*gomapb.ExecResp, error) {
	select {
	case e.semaphore <- struct{}{}:
		defer func() { <-e.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t := e.newTask(req)
	defer e.releaseTask(t)

	if e.opts.Metrics != nil {
		e.opts.Metrics.TasksStarted.Inc()
		e.opts.Metrics.ActiveTasks.Inc()
		defer e.opts.Metrics.ActiveTasks.Dec()
	}

	resp, verdict := t.run(ctx)

	logger := internallog.WithTask(e.logger, t.id, t.traceID)
	elapsed := time.Since(t.startedAt)
	if e.opts.Metrics != nil {
		e.opts.Metrics.ObserveTask(verdict, elapsed)
	}

	t.mu.Lock()
	canceled := t.canceled
	taskErr := t.err
	t.mu.Unlock()

	if canceled {
		logger.Info("task cancelled", internallog.Duration("elapsed", elapsed.Milliseconds()))
		return nil, context.Canceled
	}
	if taskErr != nil && resp == nil {
		logger.Warn("task failed", internallog.Error(taskErr))
		return nil, taskErr
	}
	logger.Info("task finished",
		slog.String("verdict", verdict),
		slog.String(internallog.StateKey, string(t.State())),
		internallog.Duration("elapsed", elapsed.Milliseconds()))
	return resp, nil
}

func (e *Engine) newTask(req *gomapb.ExecReq) *Task {
	t := &Task{
		id:          e.nextID.Add(1),
		engine:      e,
		req:         req,
		inputStats:  statcache.New(),
		outputStats: statcache.New(),
		startedAt:   time.Now(),
		stageTimes:  make(map[State]time.Duration),
		lastChange:  time.Now(),
	}
	t.traceID = req.TraceID
	if t.traceID == "" {
		t.traceID = uuid.New().String()
	}

	e.mu.Lock()
	e.tasks[t.id] = t
	e.mu.Unlock()
	return t
}

// releaseTask drops the engine's reference and the snapshot map entry, and
// removes the task's staging directory. Exec defers it, so it runs when Exec
// returns, before the caller writes the reply; a branch the task abandoned
// (a cancelled remote RPC or a killed local subprocess) is not waited for.
func (e *Engine) releaseTask(t *Task) {
	e.mu.Lock()
	delete(e.tasks, t.id)
	e.mu.Unlock()
	os.RemoveAll(e.stagingDir(t))
}

// DumpSnapshots returns copy-out snapshots of all live tasks, ordered by id.
// Safe to call concurrently with task execution.
func (e *Engine) DumpSnapshots() []Snapshot {
	e.mu.Lock()
	tasks := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	snaps := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		snaps = append(snaps, t.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps
}

// ActiveTasks returns the number of tasks in flight.
func (e *Engine) ActiveTasks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

func (e *Engine) stagingDir(t *Task) string {
	return filepath.Join(e.opts.StagingDir, fmt.Sprintf("task-%d", t.id))
}

// dumpFailedRequest serialises a failing request for replay debugging,
// keeping at most FailedRequestDumps files.
func (e *Engine) dumpFailedRequest(t *Task) {
	if e.opts.DumpDir == "" {
		return
	}
	if err := os.MkdirAll(e.opts.DumpDir, 0700); err != nil {
		return
	}
	path := filepath.Join(e.opts.DumpDir, fmt.Sprintf("req-%d-%s.pb", t.id, t.traceID))
	if err := os.WriteFile(path, t.req.Marshal(), 0600); err != nil {
		e.logger.Warn("failed to dump request", internallog.Error(err))
		return
	}

	e.dumpMu.Lock()
	defer e.dumpMu.Unlock()
	e.dumps = append(e.dumps, path)
	limit := e.opts.FailedRequestDumps
	if limit <= 0 {
		limit = 16
	}
	for len(e.dumps) > limit {
		os.Remove(e.dumps[0])
		e.dumps = e.dumps[1:]
	}
}
