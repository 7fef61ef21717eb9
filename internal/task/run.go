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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tombee/relay/internal/compilerinfo"
	"github.com/tombee/relay/internal/config"
	"github.com/tombee/relay/internal/depscache"
	"github.com/tombee/relay/internal/flags"
	"github.com/tombee/relay/internal/gomapb"
	internallog "github.com/tombee/relay/internal/log"
)

// run drives the task to a terminal state and returns the client reply and
// the verdict. A cancelled task returns a nil reply.
func (t *Task) run(ctx context.Context) (*gomapb.ExecResp, string) {
	e := t.engine
	policy := e.opts.Exec.FallbackPolicy

	t.setState(StateInit)

	// SETUP: classify the invocation and find the real compiler. Both the
	// remote and local paths need these, so errors here end the task.
	t.setState(StateSetup)

	compilerPath, err := e.opts.Resolver.Resolve(ctx,
		argv0(t.req), envValue(t.req.Env, "PATH"), envValue(t.req.Env, "PATHEXT"))
	if err != nil {
		t.setError(ClassCompilerNotFound, err)
		t.setState(StateFinished)
		return errorResp(fmt.Sprintf("relay: compiler not found: %v", err)), VerdictError
	}
	t.compilerPath = compilerPath

	cf, parseErr := e.opts.Parser.Parse(t.req.Arg, t.req.Cwd)
	if parseErr != nil {
		// Recoverable by local build only.
		if policy == config.FallbackNever {
			t.setError(classify(parseErr), parseErr)
			t.setState(StateFinished)
			return errorResp(fmt.Sprintf("relay: %v", parseErr)), VerdictError
		}
		return t.runLocalOnly(ctx, nil)
	}
	t.mu.Lock()
	t.flags = cf
	t.mu.Unlock()

	// Schedule the racing local subprocess at low priority so the remote
	// path has a head start. Under verify policy the local run writes to a
	// shadow directory and is compared after the remote commit.
	var local *localRun
	if policy == config.FallbackFast || policy == config.FallbackVerify {
		local = t.startLocal(ctx, cf, policy == config.FallbackVerify)
	}

	outcome, setupErr := t.finishSetup(ctx, cf)
	if setupErr != nil {
		class := classify(setupErr)
		if class.Fallback() && policy != config.FallbackNever {
			t.addUserError(fmt.Sprintf("relay: %v (falling back to local)", setupErr))
			return t.fallbackToLocal(ctx, cf, local, class, setupErr)
		}
		local.stop(t)
		t.setError(class, setupErr)
		t.setState(StateFinished)
		return errorResp(fmt.Sprintf("relay: %v", setupErr)), VerdictError
	}

	// Local-output cache hit: serve from disk, skip remote entirely.
	if outcome.localOutputKey != "" && e.opts.LocalOut != nil {
		if resp, ok := t.tryLocalOutput(ctx, outcome.localOutputKey, cf, local); ok {
			return resp, VerdictLocalOutput
		}
	}

	// Remote pipeline runs concurrently with the local race.
	remoteCtx, cancelRemote := context.WithCancel(ctx)
	defer cancelRemote()
	remoteCh := make(chan *remoteOutcome, 1)
	go func() {
		remoteCh <- t.runRemote(remoteCtx, cf, outcome.info, outcome.inputs)
	}()

	var verifyLocal *localOutcome

	localCh := local.ch()
	for {
		select {
		case <-ctx.Done():
			return t.cancelled(cancelRemote, local)

		case lo := <-localCh:
			localCh = nil // settled; stop selecting on it
			if lo.err != nil {
				// The speculative local run failed to execute; remote is
				// now the only path.
				t.addUserError(fmt.Sprintf("relay: local run failed: %v", lo.err))
				continue
			}
			if policy == config.FallbackVerify {
				verifyLocal = lo
				continue
			}
			// Fast fallback: the local compiler won the race.
			t.markAbort()
			cancelRemote()
			t.mu.Lock()
			t.localRun = true
			t.mu.Unlock()
			t.setState(StateLocalRun)
			t.setState(StateLocalFinished)
			return respFromLocal(lo), VerdictLocal

		case ro := <-remoteCh:
			if ro.err == nil {
				return t.remoteWon(ctx, ro, cf, local, verifyLocal, localCh)
			}
			class := classify(ro.err)
			if class == ClassCancelled {
				return t.cancelled(cancelRemote, local)
			}
			if class.Fallback() && policy != config.FallbackNever {
				t.addUserError(fmt.Sprintf("relay: remote compile failed: %v (falling back to local)", ro.err))
				return t.fallbackToLocal(ctx, cf, local, class, ro.err)
			}
			// Semantic failure: report, never retry, never fall back.
			local.stop(t)
			t.setError(class, ro.err)
			e.dumpFailedRequest(t)
			t.setState(StateFinished)
			if ro.resp != nil {
				return respFromSemanticFailure(ro.resp), VerdictError
			}
			return errorResp(fmt.Sprintf("relay: remote compile failed: %v", ro.err)), VerdictError
		}
	}
}

// remoteWon commits the staged outputs and, under verify policy, compares
// them with the local shadow build.
func (t *Task) remoteWon(ctx context.Context, ro *remoteOutcome, cf *flags.CompileFlags, local *localRun, verifyLocal *localOutcome, localCh <-chan *localOutcome) (*gomapb.ExecResp, string) {
	e := t.engine
	policy := e.opts.Exec.FallbackPolicy

	// Kill the speculative local run; it lost.
	if policy == config.FallbackFast {
		local.stop(t)
	}

	if err := t.commit(ro.staged); err != nil {
		t.addUserError(fmt.Sprintf("relay: failed to commit outputs: %v (falling back to local)", err))
		if policy != config.FallbackNever {
			return t.fallbackToLocal(ctx, cf, local, ClassOutputVerify, err)
		}
		t.setError(ClassOutputVerify, err)
		t.setState(StateFinished)
		return errorResp(fmt.Sprintf("relay: failed to commit outputs: %v", err)), VerdictError
	}

	if policy == config.FallbackVerify && local != nil {
		if verifyLocal == nil && localCh != nil {
			select {
			case verifyLocal = <-localCh:
			case <-ctx.Done():
			}
		}
		t.verifyAgainstLocal(verifyLocal, local)
	}

	if e.opts.LocalOut != nil && t.localOutputKey != "" {
		t.storeLocalOutput(ctx, ro)
	}

	t.setState(StateFinished)
	return ro.resp, VerdictRemote
}

// cancelled tears the task down after the client went away.
func (t *Task) cancelled(cancelRemote context.CancelFunc, local *localRun) (*gomapb.ExecResp, string) {
	t.markAbort()
	cancelRemote()
	local.stop(t)

	t.mu.Lock()
	t.canceled = true
	t.mu.Unlock()
	t.setState(StateFinished)
	return nil, VerdictCancelled
}

// setupOutcome carries what the rest of SETUP produced.
type setupOutcome struct {
	info           *compilerinfo.Info
	inputs         []string
	localOutputKey string
}

// finishSetup fetches compiler info, computes the input closure (via the
// deps cache when possible), and derives the local-output cache key.
func (t *Task) finishSetup(ctx context.Context, cf *flags.CompileFlags) (*setupOutcome, error) {
	e := t.engine

	fp := compilerinfo.Fingerprint{
		Path:      t.compilerPath,
		ProbeArgs: probeArgs(cf),
		Env:       compilerinfo.RelevantEnv(t.req.Env),
	}
	info, err := e.opts.InfoCache.GetOrProbe(ctx, fp, e.opts.Probe)
	if err != nil {
		return nil, classified(ClassCompilerNotFound, err)
	}

	inputs, err := t.computeInputs(ctx, cf, info)
	if err != nil {
		return nil, classified(ClassIncludeScan, err)
	}

	outcome := &setupOutcome{info: info, inputs: inputs}
	if e.opts.LocalOut != nil {
		key, err := t.localOutputCacheKey(cf, info, inputs)
		if err == nil {
			outcome.localOutputKey = key
			t.localOutputKey = key
		}
	}
	return outcome, nil
}

// computeInputs returns the full input set, shortcutting through the deps
// cache when the recorded inputs are unchanged.
func (t *Task) computeInputs(ctx context.Context, cf *flags.CompileFlags, info *compilerinfo.Info) ([]string, error) {
	e := t.engine

	if cf.IsLink {
		// Link tasks take their inputs from the command line; the
		// preprocessor-grade scanner does not apply.
		return cf.InputPaths, nil
	}

	dfp := depscache.Fingerprint{
		Args:               cf.Args,
		Cwd:                cf.Cwd,
		PrimarySource:      cf.PrimarySource,
		CompilerBinaryHash: info.BinaryHash,
	}
	if e.opts.Deps != nil {
		if inputs, ok := e.opts.Deps.Get(dfp); ok {
			return inputs, nil
		}
	}

	scanned, err := e.opts.Scanner.Scan(ctx, cf.PrimarySource, cf.IncludeDirs, info.SystemIncludePaths)
	if err != nil {
		return nil, err
	}

	inputs := mergeInputs(scanned, cf.InputPaths)
	if e.opts.Deps != nil {
		e.opts.Deps.Put(dfp, inputs)
	}
	return inputs, nil
}

// localOutputCacheKey hashes everything that determines the outputs: argv,
// cwd, the compiler binary, and every input's content.
func (t *Task) localOutputCacheKey(cf *flags.CompileFlags, info *compilerinfo.Info, inputs []string) (string, error) {
	h := sha256.New()
	for _, a := range cf.Args {
		h.Write([]byte(a))
		h.Write([]byte{0})
	}
	h.Write([]byte(cf.Cwd))
	h.Write([]byte{0})
	h.Write([]byte(info.BinaryHash))
	h.Write([]byte{0})
	for _, in := range inputs {
		hash, err := t.inputStats.GetHash(in)
		if err != nil {
			return "", err
		}
		h.Write([]byte(in))
		h.Write([]byte{0})
		h.Write([]byte(hash))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// tryLocalOutput serves the compile from the local output cache. ok=false
// means a miss or a restore failure, and the caller proceeds remotely.
func (t *Task) tryLocalOutput(ctx context.Context, key string, cf *flags.CompileFlags, local *localRun) (*gomapb.ExecResp, bool) {
	e := t.engine

	_, hit, err := e.opts.LocalOut.Get(ctx, key)
	if err != nil || !hit {
		return nil, false
	}
	if _, err := e.opts.LocalOut.Restore(ctx, key, cf.Cwd); err != nil {
		internallog.WithTask(e.logger, t.id, t.traceID).Warn(
			"local output cache restore failed", internallog.Error(err))
		return nil, false
	}

	local.stop(t)
	t.setState(StateLocalOutput)
	t.setState(StateFinished)
	return &gomapb.ExecResp{ExitStatus: 0}, true
}

// mergeInputs unions two path lists preserving first-seen order.
func mergeInputs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, p := range list {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func probeArgs(cf *flags.CompileFlags) []string {
	// Behaviour-changing flags belong in the fingerprint.
	var args []string
	for _, a := range cf.Args[1:] {
		if strings.HasPrefix(a, "-m") || strings.HasPrefix(a, "--target") ||
			strings.HasPrefix(a, "-std") || a == "-x" {
			args = append(args, a)
		}
	}
	return args
}

func argv0(req *gomapb.ExecReq) string {
	if len(req.Arg) > 0 {
		return req.Arg[0]
	}
	if req.CommandSpec != nil {
		return req.CommandSpec.Name
	}
	return ""
}

func envValue(env []string, name string) string {
	prefix := name + "="
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return e[len(prefix):]
		}
	}
	return ""
}

func errorResp(msg string) *gomapb.ExecResp {
	return &gomapb.ExecResp{
		ExitStatus:   1,
		Stderr:       []byte(msg + "\n"),
		ErrorMessage: []string{msg},
	}
}

func respFromSemanticFailure(resp *gomapb.ExecResp) *gomapb.ExecResp {
	out := &gomapb.ExecResp{
		Error:        resp.Error,
		ExitStatus:   resp.ExitStatus,
		Stdout:       resp.Stdout,
		Stderr:       resp.Stderr,
		ErrorMessage: resp.ErrorMessage,
	}
	if out.ExitStatus == 0 {
		out.ExitStatus = 1
	}
	return out
}
