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
	"os"
	"path/filepath"

	"github.com/tombee/relay/internal/flags"
	"github.com/tombee/relay/internal/gomapb"
	internallog "github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/statcache"
	"github.com/tombee/relay/internal/subprocess"
)

// localRun tracks one racing local subprocess.
type localRun struct {
	outcome   chan *localOutcome
	cancel    context.CancelFunc
	verifyDir string // non-empty when outputs are shadowed for verification
	outputs   []string
}

// ch returns the outcome channel, nil-safe so a task without a local race
// can select on it freely.
func (l *localRun) ch() <-chan *localOutcome {
	if l == nil {
		return nil
	}
	return l.outcome
}

// stop kills the subprocess (or its pending pool slot) and records the kill.
// Safe on nil.
func (l *localRun) stop(t *Task) {
	if l == nil {
		return
	}
	l.cancel()
	t.mu.Lock()
	if !t.localRun {
		t.localKilled = true
	}
	t.mu.Unlock()
}

// startLocal schedules the local compiler at low priority. Under verify the
// argv is rewritten so outputs land in a shadow directory.
func (t *Task) startLocal(ctx context.Context, cf *flags.CompileFlags, verify bool) *localRun {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &localRun{
		outcome: make(chan *localOutcome, 1),
		cancel:  cancel,
		outputs: cf.OutputPaths,
	}

	args := append([]string(nil), cf.Args...)
	args[0] = t.compilerPath
	if verify {
		verifyDir := filepath.Join(t.engine.stagingDir(t), "verify")
		if err := os.MkdirAll(verifyDir, 0700); err != nil {
			l.outcome <- &localOutcome{err: err}
			return l
		}
		l.verifyDir = verifyDir
		args = rewriteOutputsForVerify(args, cf, verifyDir)
	}

	go func() {
		res, err := t.engine.opts.Host.Run(runCtx, &subprocess.Cmd{
			Path:     t.compilerPath,
			Args:     args,
			Env:      t.req.Env,
			Dir:      cf.Cwd,
			Priority: subprocess.PriorityLow,
		})
		if err != nil {
			l.outcome <- &localOutcome{err: err}
			return
		}
		l.outcome <- &localOutcome{result: res}
	}()
	return l
}

// runLocalOnly satisfies the request entirely with the local compiler, for
// SETUP failures that only a local build can recover. cf may be nil when
// even flag parsing failed; the raw argv runs as-is.
func (t *Task) runLocalOnly(ctx context.Context, cf *flags.CompileFlags) (*gomapb.ExecResp, string) {
	args := append([]string(nil), t.req.Arg...)
	if len(args) > 0 {
		args[0] = t.compilerPath
	}
	cwd := t.req.Cwd
	if cf != nil {
		cwd = cf.Cwd
	}

	t.setState(StateLocalRun)
	res, err := t.engine.opts.Host.Run(ctx, &subprocess.Cmd{
		Path:     t.compilerPath,
		Args:     args,
		Env:      t.req.Env,
		Dir:      cwd,
		Priority: subprocess.PriorityHigh,
	})
	if err != nil {
		if ctx.Err() != nil {
			t.mu.Lock()
			t.canceled = true
			t.mu.Unlock()
			t.setState(StateFinished)
			return nil, VerdictCancelled
		}
		t.setError(ClassLocalRun, err)
		t.setState(StateFinished)
		return errorResp(fmt.Sprintf("relay: local run failed: %v", err)), VerdictError
	}

	t.mu.Lock()
	t.localRun = true
	t.mu.Unlock()
	t.setState(StateLocalFinished)
	return respFromLocal(&localOutcome{result: res}), VerdictLocal
}

// fallbackToLocal finishes the task with the local compiler after a remote
// failure. A racing local run is adopted; otherwise one starts now at high
// priority.
func (t *Task) fallbackToLocal(ctx context.Context, cf *flags.CompileFlags, local *localRun, class Class, cause error) (*gomapb.ExecResp, string) {
	t.setError(class, cause)

	if local != nil && local.verifyDir == "" {
		t.setState(StateLocalRun)
		select {
		case lo := <-local.outcome:
			if lo.err == nil {
				t.mu.Lock()
				t.localRun = true
				t.mu.Unlock()
				t.setState(StateLocalFinished)
				return t.attachUserErrors(respFromLocal(lo)), VerdictLocal
			}
			// The racing run died; fall through to a fresh one.
		case <-ctx.Done():
			local.stop(t)
			t.mu.Lock()
			t.canceled = true
			t.mu.Unlock()
			t.setState(StateFinished)
			return nil, VerdictCancelled
		}
	} else if local != nil {
		// A verify-mode shadow build writes to the wrong paths; discard it.
		local.stop(t)
	}

	resp, verdict := t.runLocalOnly(ctx, cf)
	if resp != nil {
		resp = t.attachUserErrors(resp)
	}
	return resp, verdict
}

// verifyAgainstLocal compares the committed remote outputs byte-for-byte
// with the shadow build. Mismatches are reported, not failed.
func (t *Task) verifyAgainstLocal(lo *localOutcome, local *localRun) {
	logger := internallog.WithTask(t.engine.logger, t.id, t.traceID)
	if lo == nil || lo.err != nil || local.verifyDir == "" {
		logger.Warn("verify requested but local build unavailable")
		return
	}
	for _, final := range local.outputs {
		shadow := filepath.Join(local.verifyDir, filepath.Base(final))
		// Committed outputs go through the per-task output stat cache, so a
		// later stage comparing the same file reuses the hash.
		remoteHash, err1 := t.outputStats.GetHash(final)
		localContent, err2 := os.ReadFile(shadow)
		if err1 != nil || err2 != nil {
			logger.Warn("verify could not read outputs",
				internallog.Error(firstErr(err1, err2)))
			continue
		}
		if remoteHash != statcache.HashBytes(localContent) {
			msg := fmt.Sprintf("relay: verify mismatch on %s", final)
			t.addUserError(msg)
			logger.Error("verify mismatch", internallog.Error(fmt.Errorf("%s", msg)))
		}
	}
}

// attachUserErrors appends accumulated to-user messages to the response
// stderr.
func (t *Task) attachUserErrors(resp *gomapb.ExecResp) *gomapb.ExecResp {
	t.mu.Lock()
	msgs := append([]string(nil), t.userErrors...)
	t.mu.Unlock()
	for _, m := range msgs {
		resp.Stderr = append(resp.Stderr, []byte(m+"\n")...)
	}
	return resp
}

func respFromLocal(lo *localOutcome) *gomapb.ExecResp {
	return &gomapb.ExecResp{
		ExitStatus: int32(lo.result.ExitCode),
		Stdout:     lo.result.Stdout,
		Stderr:     lo.result.Stderr,
	}
}

// rewriteOutputsForVerify redirects every output operand into verifyDir.
func rewriteOutputsForVerify(args []string, cf *flags.CompileFlags, verifyDir string) []string {
	outputs := make(map[string]bool, len(cf.OutputPaths))
	for _, o := range cf.OutputPaths {
		outputs[o] = true
	}

	out := append([]string(nil), args...)
	for i := 1; i < len(out); i++ {
		candidate := out[i]
		abs := candidate
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(cf.Cwd, candidate)
		}
		if outputs[filepath.Clean(abs)] {
			out[i] = filepath.Join(verifyDir, filepath.Base(candidate))
		}
	}
	return out
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
