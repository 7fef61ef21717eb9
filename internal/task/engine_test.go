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
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/internal/blobstage"
	"github.com/tombee/relay/internal/compilerinfo"
	"github.com/tombee/relay/internal/config"
	"github.com/tombee/relay/internal/depscache"
	"github.com/tombee/relay/internal/flags"
	"github.com/tombee/relay/internal/gomapb"
	"github.com/tombee/relay/internal/httprpc"
	"github.com/tombee/relay/internal/localoutput"
	internallog "github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/scanner"
	"github.com/tombee/relay/internal/statcache"
	"github.com/tombee/relay/internal/subprocess"
)

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

// engineRemote is what the fixture needs from a scripted remote: the
// engine's RPC surface plus the blob uploader.
type engineRemote interface {
	RemoteClient
	blobstage.Uploader
}

// scriptedHost fakes local subprocess execution. Wrapper probes answer as a
// real compiler; compile invocations wait compileDelay, optionally write
// their -o operand, and exit with exitCode.
type scriptedHost struct {
	compileDelay time.Duration
	exitCode     int
	stdout       []byte
	stderr       []byte
	started      atomic.Int64
}

func (h *scriptedHost) Run(ctx context.Context, cmd *subprocess.Cmd) (*subprocess.Result, error) {
	for _, e := range cmd.Env {
		if strings.HasPrefix(e, subprocess.WrapperProbeEnv+"=") {
			return &subprocess.Result{ExitCode: 0}, nil
		}
	}
	h.started.Add(1)

	if h.compileDelay > 0 {
		select {
		case <-time.After(h.compileDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if h.exitCode == 0 {
		if out := outputOperand(cmd.Args); out != "" {
			path := out
			if !filepath.IsAbs(path) {
				path = filepath.Join(cmd.Dir, path)
			}
			if err := os.WriteFile(path, []byte("local object code"), 0644); err != nil {
				return nil, err
			}
		}
	}
	return &subprocess.Result{ExitCode: h.exitCode, Stdout: h.stdout, Stderr: h.stderr}, nil
}

func outputOperand(args []string) string {
	for i, a := range args {
		if a == "-o" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// fakeRemote scripts the remote compile service.
type fakeRemote struct {
	delay      time.Duration
	execErr    error
	resp       *gomapb.ExecResp
	lookups    map[string][]byte
	lookupHold chan struct{} // blocks LookupFile when set

	execCalls  atomic.Int64
	cancelled  atomic.Bool
	storeCalls atomic.Int64
}

func (r *fakeRemote) Exec(ctx context.Context, req *gomapb.ExecReq) (*gomapb.ExecResp, error) {
	r.execCalls.Add(1)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			r.cancelled.Store(true)
			return nil, ctx.Err()
		}
	}
	if r.execErr != nil {
		return nil, r.execErr
	}
	return r.resp, nil
}

func (r *fakeRemote) LookupFile(ctx context.Context, hashKey string) ([]byte, error) {
	if r.lookupHold != nil {
		select {
		case <-r.lookupHold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	content, ok := r.lookups[hashKey]
	if !ok {
		return nil, fmt.Errorf("no blob %s", hashKey)
	}
	return content, nil
}

func (r *fakeRemote) StoreFile(ctx context.Context, req *gomapb.StoreFileReq) (*gomapb.StoreFileResp, error) {
	r.storeCalls.Add(1)
	return &gomapb.StoreFileResp{HashKey: req.HashKey}, nil
}

// fixture bundles a ready-to-run engine and one compile request.
type fixture struct {
	engine  *Engine
	host    *scriptedHost
	req     *gomapb.ExecReq
	srcDir  string
	outPath string
}

func remoteResp(name, content string) *gomapb.ExecResp {
	return &gomapb.ExecResp{
		ExitStatus: 0,
		Stdout:     []byte(""),
		Output: []*gomapb.Output{{
			Filename: name,
			HashKey:  statcache.HashBytes([]byte(content)),
			Size:     int64(len(content)),
			Content:  []byte(content),
		}},
	}
}

func newFixture(t *testing.T, policy config.FallbackPolicy, remote engineRemote, host *scriptedHost) *fixture {
	t.Helper()

	logger := internallog.New(&internallog.Config{Level: "error", Output: nullWriter{}})

	binDir := t.TempDir()
	compiler := filepath.Join(binDir, "gcc")
	require.NoError(t, os.WriteFile(compiler, []byte("#!/bin/sh\n# fake gcc"), 0755))

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "main.c"), []byte("int main() { return 0; }\n"), 0600))

	probe := func(ctx context.Context, fp compilerinfo.Fingerprint) (*compilerinfo.Info, error) {
		fi, err := os.Stat(fp.Path)
		if err != nil {
			return nil, err
		}
		return &compilerinfo.Info{
			Name:          "gcc",
			Version:       "gcc (GCC) 12.2.0",
			Target:        "x86_64-linux-gnu",
			BinaryHash:    "test-binary-hash",
			BinarySize:    fi.Size(),
			BinaryMtimeNs: fi.ModTime().UnixNano(),
			ProbedAt:      time.Now(),
		}, nil
	}

	e := NewEngine(Options{
		Exec: config.Exec{
			FallbackPolicy:       policy,
			MaxConcurrentUploads: 8,
			CommitRetries:        3,
		},
		Logger:          logger,
		Parser:          flags.GCCParser{},
		Scanner:         &scanner.TextScanner{},
		Resolver:        subprocess.NewResolver(host),
		Host:            host,
		InfoCache:       compilerinfo.NewCache(logger),
		Probe:           probe,
		Deps:            depscache.New(),
		Stage:           blobstage.New(remote, 8, logger),
		Remote:          remote,
		StagingDir:      t.TempDir(),
		DumpDir:         filepath.Join(t.TempDir(), "failed"),
		CompilerProxyID: "relay-test/1",
	})

	req := &gomapb.ExecReq{
		Arg: []string{"gcc", "-c", "main.c", "-o", "main.o"},
		Env: []string{"PATH=" + binDir, "USER=tester"},
		Cwd: srcDir,
	}
	return &fixture{
		engine:  e,
		host:    host,
		req:     req,
		srcDir:  srcDir,
		outPath: filepath.Join(srcDir, "main.o"),
	}
}

func TestExec_RemoteWins(t *testing.T) {
	remote := &fakeRemote{resp: remoteResp("main.o", "remote object code")}
	host := &scriptedHost{compileDelay: 2 * time.Second}
	f := newFixture(t, config.FallbackFast, remote, host)

	resp, err := f.engine.Exec(context.Background(), f.req)
	require.NoError(t, err)
	assert.Equal(t, int32(0), resp.ExitStatus)

	got, err := os.ReadFile(f.outPath)
	require.NoError(t, err)
	assert.Equal(t, "remote object code", string(got))
	assert.Equal(t, int64(1), remote.execCalls.Load())
	// The input blob was staged exactly once.
	assert.Equal(t, int64(1), remote.storeCalls.Load())
}

func TestExec_LocalRaceWins(t *testing.T) {
	// Remote is slow; the local subprocess finishes first with status 0.
	remote := &fakeRemote{delay: 3 * time.Second, resp: remoteResp("main.o", "remote object code")}
	host := &scriptedHost{compileDelay: 20 * time.Millisecond, stdout: []byte("local out")}
	f := newFixture(t, config.FallbackFast, remote, host)

	start := time.Now()
	resp, err := f.engine.Exec(context.Background(), f.req)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "local win must not wait for the remote")

	assert.Equal(t, int32(0), resp.ExitStatus)
	assert.Equal(t, []byte("local out"), resp.Stdout)

	got, err := os.ReadFile(f.outPath)
	require.NoError(t, err)
	assert.Equal(t, "local object code", string(got))

	// The in-flight remote RPC must have been cancelled.
	assert.Eventually(t, func() bool { return remote.cancelled.Load() },
		2*time.Second, 10*time.Millisecond)
}

func TestExec_RemoteWinsWithVerify(t *testing.T) {
	// Remote and local produce identical bytes; the verifier must stay
	// silent and the local run must not be killed.
	remote := &fakeRemote{delay: 10 * time.Millisecond, resp: remoteResp("main.o", "local object code")}
	host := &scriptedHost{compileDelay: 100 * time.Millisecond}
	f := newFixture(t, config.FallbackVerify, remote, host)

	resp, err := f.engine.Exec(context.Background(), f.req)
	require.NoError(t, err)
	assert.Equal(t, int32(0), resp.ExitStatus)
	assert.NotContains(t, string(resp.Stderr), "verify mismatch")

	got, err := os.ReadFile(f.outPath)
	require.NoError(t, err)
	assert.Equal(t, "local object code", string(got))
	assert.Equal(t, int64(1), host.started.Load(), "verify must run the local compiler")
}

func TestExec_FallbackOnRemoteTransportFailure(t *testing.T) {
	remote := &fakeRemote{execErr: fmt.Errorf("%w: connection reset", httprpc.ErrTransport)}
	host := &scriptedHost{compileDelay: 10 * time.Millisecond, stdout: []byte("fallback out")}
	f := newFixture(t, config.FallbackFast, remote, host)

	resp, err := f.engine.Exec(context.Background(), f.req)
	require.NoError(t, err)
	assert.Equal(t, int32(0), resp.ExitStatus)

	got, err := os.ReadFile(f.outPath)
	require.NoError(t, err)
	assert.Equal(t, "local object code", string(got))
	assert.Contains(t, string(resp.Stderr), "falling back to local")
}

func TestExec_SemanticFailureNoFallback(t *testing.T) {
	remote := &fakeRemote{resp: &gomapb.ExecResp{
		Error:        gomapb.ExecErrorBadRequest,
		ErrorMessage: []string{"unsupported flag"},
	}}
	host := &scriptedHost{compileDelay: 10 * time.Millisecond}
	f := newFixture(t, config.FallbackNever, remote, host)

	resp, err := f.engine.Exec(context.Background(), f.req)
	require.NoError(t, err)
	assert.NotEqual(t, int32(0), resp.ExitStatus)
	assert.Contains(t, resp.ErrorMessage, "unsupported flag")

	_, statErr := os.Stat(f.outPath)
	assert.True(t, os.IsNotExist(statErr), "no output may appear on a semantic failure")

	// The failing request must be dumped for replay.
	dumps, err := os.ReadDir(f.engine.opts.DumpDir)
	require.NoError(t, err)
	assert.Len(t, dumps, 1)
}

func TestExec_CancelDuringDownload(t *testing.T) {
	content := "remote object code"
	resp := &gomapb.ExecResp{
		ExitStatus: 0,
		Output: []*gomapb.Output{{
			Filename: "main.o",
			HashKey:  statcache.HashBytes([]byte(content)),
			Size:     int64(len(content)),
			// No inline content: forces LookupFile, which blocks.
		}},
	}
	remote := &fakeRemote{resp: resp, lookupHold: make(chan struct{})}
	host := &scriptedHost{compileDelay: 5 * time.Second}
	f := newFixture(t, config.FallbackNever, remote, host)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Exec(ctx, f.req)
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not settle the task")
	}

	_, statErr := os.Stat(f.outPath)
	assert.True(t, os.IsNotExist(statErr), "no output may appear after cancellation")
	close(remote.lookupHold)
}

func TestExec_OutputVerifyFailureFallsBack(t *testing.T) {
	content := "remote object code"
	resp := &gomapb.ExecResp{
		ExitStatus: 0,
		Output: []*gomapb.Output{{
			Filename: "main.o",
			HashKey:  "0000000000000000000000000000000000000000000000000000000000000000",
			Size:     int64(len(content)),
			Content:  []byte(content),
		}},
	}
	remote := &fakeRemote{resp: resp}
	host := &scriptedHost{compileDelay: 10 * time.Millisecond}
	f := newFixture(t, config.FallbackOnError, remote, host)

	execResp, err := f.engine.Exec(context.Background(), f.req)
	require.NoError(t, err)
	assert.Equal(t, int32(0), execResp.ExitStatus)

	got, err := os.ReadFile(f.outPath)
	require.NoError(t, err)
	assert.Equal(t, "local object code", string(got), "corrupt remote output must fall back to local")
}

func TestExec_MissingInputRestagesOnce(t *testing.T) {
	// The first Exec reports the input missing; the engine restages the
	// named hashes and retries exactly once.
	inner := &fakeRemote{resp: remoteResp("main.o", "remote object code")}
	missingOnce := &missingOnceRemote{fakeRemote: inner}

	host := &scriptedHost{compileDelay: 5 * time.Second}
	f := newFixture(t, config.FallbackNever, missingOnce, host)

	resp, err := f.engine.Exec(context.Background(), f.req)
	require.NoError(t, err)
	assert.Equal(t, int32(0), resp.ExitStatus)
	assert.Equal(t, int64(2), missingOnce.calls.Load(), "exactly one retry after restaging")
	assert.Equal(t, int64(2), inner.storeCalls.Load(), "the missing input was staged again")
}

// missingOnceRemote reports MissingInput on the first Exec only.
type missingOnceRemote struct {
	*fakeRemote
	calls atomic.Int64
}

func (r *missingOnceRemote) Exec(ctx context.Context, req *gomapb.ExecReq) (*gomapb.ExecResp, error) {
	if r.calls.Add(1) == 1 {
		var missing []string
		for _, in := range req.Input {
			missing = append(missing, in.HashKey)
		}
		return &gomapb.ExecResp{MissingInput: missing}, nil
	}
	return r.fakeRemote.Exec(ctx, req)
}

func TestExec_CompilerNotFound(t *testing.T) {
	remote := &fakeRemote{resp: remoteResp("main.o", "x")}
	host := &scriptedHost{}
	f := newFixture(t, config.FallbackFast, remote, host)
	f.req.Env = []string{"PATH=" + t.TempDir()} // no compiler anywhere

	resp, err := f.engine.Exec(context.Background(), f.req)
	require.NoError(t, err)
	assert.NotEqual(t, int32(0), resp.ExitStatus)
	assert.Contains(t, string(resp.Stderr), "compiler not found")
}

func TestDumpSnapshots_DuringRun(t *testing.T) {
	remote := &fakeRemote{delay: 300 * time.Millisecond, resp: remoteResp("main.o", "remote object code")}
	host := &scriptedHost{compileDelay: 5 * time.Second}
	f := newFixture(t, config.FallbackNever, remote, host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.engine.Exec(context.Background(), f.req)
		assert.NoError(t, err)
	}()

	assert.Eventually(t, func() bool {
		snaps := f.engine.DumpSnapshots()
		return len(snaps) == 1 && snaps[0].TraceID != ""
	}, 2*time.Second, 10*time.Millisecond)

	<-done
	assert.Empty(t, f.engine.DumpSnapshots(), "finished tasks leave the dump")
}

func TestExec_SecondIdenticalCompileHitsLocalOutputCache(t *testing.T) {
	remote := &fakeRemote{resp: remoteResp("main.o", "remote object code")}
	host := &scriptedHost{compileDelay: 2 * time.Second}
	f := newFixture(t, config.FallbackNever, remote, host)

	logger := internallog.New(&internallog.Config{Level: "error", Output: nullWriter{}})
	localOut, err := localoutput.Open(t.TempDir(), 0, logger)
	require.NoError(t, err)
	defer localOut.Close()
	f.engine.opts.LocalOut = localOut

	resp1, err := f.engine.Exec(context.Background(), f.req)
	require.NoError(t, err)
	require.Equal(t, int32(0), resp1.ExitStatus)
	require.Equal(t, int64(1), remote.execCalls.Load())

	// Identical request again: served from the output cache, no second RPC.
	resp2, err := f.engine.Exec(context.Background(), f.req)
	require.NoError(t, err)
	assert.Equal(t, int32(0), resp2.ExitStatus)
	assert.Equal(t, int64(1), remote.execCalls.Load())

	got, err := os.ReadFile(f.outPath)
	require.NoError(t, err)
	assert.Equal(t, "remote object code", string(got))
}
