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

// Package task is the per-compile state machine and the coordination layer
// around it.
//
// Each incoming request becomes one Task owned by the goroutine serving its
// IPC connection. File staging, the remote RPC, output downloads, and the
// racing local subprocess run on child goroutines and report back over
// channels. The remote pipeline goroutine records its own FILE_REQ,
// CALL_EXEC and FILE_RESP transitions under the task mutex; every other
// transition happens on the owning goroutine. Snapshots for the
// status page copy state out under the task mutex, so a dump never observes
// a half-finished transition.
package task

import (
	"sync"
	"time"

	"github.com/tombee/relay/internal/flags"
	"github.com/tombee/relay/internal/gomapb"
	"github.com/tombee/relay/internal/statcache"
	"github.com/tombee/relay/internal/subprocess"
)

// State of a compile task. Transitions are monotonic; a task never moves
// backwards through this list.
type State string

const (
	StateInit          State = "INIT"
	StateSetup         State = "SETUP"
	StateFileReq       State = "FILE_REQ"
	StateCallExec      State = "CALL_EXEC"
	StateLocalOutput   State = "LOCAL_OUTPUT"
	StateFileResp      State = "FILE_RESP"
	StateFinished      State = "FINISHED"
	StateLocalRun      State = "LOCAL_RUN"
	StateLocalFinished State = "LOCAL_FINISHED"
)

// Verdict names how a task was satisfied, for metrics and dumps.
const (
	VerdictRemote      = "remote"
	VerdictLocal       = "local"
	VerdictLocalOutput = "local-output"
	VerdictCancelled   = "cancelled"
	VerdictError       = "error"
)

// Task is one compile request in flight.
type Task struct {
	id      int64
	traceID string
	engine  *Engine
	req     *gomapb.ExecReq

	// inputStats and outputStats are per-task stat caches; inputs are
	// consulted during SETUP and FILE_REQ, outputs when comparing a racing
	// local run's files.
	inputStats  *statcache.Cache
	outputStats *statcache.Cache

	// Immutable after SETUP.
	flags          *flags.CompileFlags
	compilerPath   string
	localOutputKey string

	startedAt time.Time

	// mu guards the snapshot-visible fields below. The owning goroutine
	// writes them; DumpSnapshots reads them from other goroutines.
	mu          sync.Mutex
	state       State
	abort       bool
	finished    bool
	canceled    bool
	localRun    bool
	localKilled bool
	err         error
	errClass    Class
	stageTimes  map[State]time.Duration
	lastChange  time.Time

	// userErrors accumulate into the response stderr; other errors go only
	// to the daemon log.
	userErrors []string
}

// localOutcome is the racing local subprocess's completion message.
type localOutcome struct {
	result *subprocess.Result
	err    error
}

// remoteOutcome is the remote pipeline's completion message. On success the
// outputs are staged (downloaded and verified) but not committed.
type remoteOutcome struct {
	resp    *gomapb.ExecResp
	staged  []stagedOutput
	err     error
}

// stagedOutput is one verified output awaiting commit.
type stagedOutput struct {
	finalPath   string
	stagingPath string
	hashKey     string
	size        int64
	executable  bool
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Once the remote path is abandoned, its late stage changes are dropped
	// so the state never moves back from a local or cancelled finish.
	if t.abort && (s == StateFileReq || s == StateCallExec || s == StateFileResp) {
		return
	}
	now := time.Now()
	if t.state != "" {
		t.stageTimes[t.state] += now.Sub(t.lastChange)
	}
	t.state = s
	t.lastChange = now
}

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// markAbort flags the remote path as abandoned: the remote goroutine's later
// stage transitions are ignored, and snapshots report the flag.
func (t *Task) markAbort() {
	t.mu.Lock()
	t.abort = true
	t.mu.Unlock()
}

func (t *Task) setError(class Class, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
		t.errClass = class
	}
}

// addUserError records a message destined for the client's stderr.
func (t *Task) addUserError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userErrors = append(t.userErrors, msg)
}

// Snapshot is a copy-out of a task's externally visible state.
type Snapshot struct {
	ID          int64                    `json:"id"`
	TraceID     string                   `json:"trace_id"`
	State       State                    `json:"state"`
	ElapsedMs   int64                    `json:"elapsed_ms"`
	Compiler    string                   `json:"compiler,omitempty"`
	Source      string                   `json:"source,omitempty"`
	Abort       bool                     `json:"abort,omitempty"`
	Canceled    bool                     `json:"canceled,omitempty"`
	LocalRun    bool                     `json:"local_run,omitempty"`
	LocalKilled bool                     `json:"local_killed,omitempty"`
	Error       string                   `json:"error,omitempty"`
	ErrorClass  string                   `json:"error_class,omitempty"`
	StageMs     map[string]int64         `json:"stage_ms,omitempty"`
}

// snapshot copies the task state under the mutex.
func (t *Task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		ID:          t.id,
		TraceID:     t.traceID,
		State:       t.state,
		ElapsedMs:   time.Since(t.startedAt).Milliseconds(),
		Abort:       t.abort,
		Canceled:    t.canceled,
		LocalRun:    t.localRun,
		LocalKilled: t.localKilled,
	}
	if t.flags != nil {
		s.Compiler = t.compilerPath
		s.Source = t.flags.PrimarySource
	}
	if t.err != nil {
		s.Error = t.err.Error()
		s.ErrorClass = t.errClass.String()
	}
	if len(t.stageTimes) > 0 {
		s.StageMs = make(map[string]int64, len(t.stageTimes))
		for state, d := range t.stageTimes {
			s.StageMs[string(state)] = d.Milliseconds()
		}
	}
	return s
}
