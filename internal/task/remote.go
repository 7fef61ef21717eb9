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
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/relay/internal/blobstage"
	"github.com/tombee/relay/internal/coff"
	"github.com/tombee/relay/internal/compilerinfo"
	"github.com/tombee/relay/internal/flags"
	"github.com/tombee/relay/internal/gomapb"
	internallog "github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/statcache"
)

// runRemote executes FILE_REQ, CALL_EXEC, and FILE_RESP. On success the
// outcome carries verified staged outputs awaiting commit. It never commits:
// commit belongs to the owner, after the race is decided.
func (t *Task) runRemote(ctx context.Context, cf *flags.CompileFlags, info *compilerinfo.Info, inputs []string) *remoteOutcome {
	e := t.engine

	// FILE_REQ: stage every input the remote side is missing.
	t.setState(StateFileReq)
	blobs, execInputs, err := t.buildBlobs(inputs)
	if err != nil {
		return &remoteOutcome{err: classified(ClassIncludeScan, err)}
	}
	if _, err := e.opts.Stage.EnsurePresent(ctx, blobs); err != nil {
		return &remoteOutcome{err: classified(ClassBlobUpload, err)}
	}

	// CALL_EXEC: the compile RPC itself.
	t.setState(StateCallExec)
	req := t.buildExecReq(cf, info, execInputs)
	resp, err := e.opts.Remote.Exec(ctx, req)
	if err != nil {
		return &remoteOutcome{err: err}
	}

	// The remote store may have evicted inputs it once acknowledged; forget
	// and restage them, then retry the call once.
	if resp.IsMissing() {
		for _, hash := range resp.MissingInput {
			e.opts.Stage.Forget(hash)
		}
		if _, err := e.opts.Stage.EnsurePresent(ctx, blobsByHash(blobs, resp.MissingInput)); err != nil {
			return &remoteOutcome{err: classified(ClassBlobUpload, err)}
		}
		resp, err = e.opts.Remote.Exec(ctx, req)
		if err != nil {
			return &remoteOutcome{err: err}
		}
		if resp.IsMissing() {
			return &remoteOutcome{err: classified(ClassRPCSemantic,
				fmt.Errorf("task: remote still missing %d inputs after restage", len(resp.MissingInput)))}
		}
	}
	if resp.Error != gomapb.ExecErrorOK {
		return &remoteOutcome{resp: resp, err: classified(ClassRPCSemantic,
			fmt.Errorf("task: remote rejected request: error %d", resp.Error))}
	}

	// FILE_RESP: download and verify every output into the staging dir.
	t.setState(StateFileResp)
	staged, err := t.downloadOutputs(ctx, resp)
	if err != nil {
		return &remoteOutcome{err: err}
	}
	return &remoteOutcome{resp: resp, staged: staged}
}

// buildBlobs hashes the inputs through the per-task stat cache and pairs
// them with the ExecReq input list.
func (t *Task) buildBlobs(inputs []string) ([]blobstage.Blob, []*gomapb.Input, error) {
	var blobs []blobstage.Blob
	var execInputs []*gomapb.Input
	for _, path := range inputs {
		stat, err := t.inputStats.Get(path)
		if err != nil {
			return nil, nil, fmt.Errorf("task: input vanished: %w", err)
		}
		hash, err := t.inputStats.GetHash(path)
		if err != nil {
			return nil, nil, fmt.Errorf("task: failed to hash input: %w", err)
		}
		blobs = append(blobs, blobstage.Blob{Path: path, HashKey: hash, Size: stat.Size})
		execInputs = append(execInputs, &gomapb.Input{Filename: path, HashKey: hash, Size: stat.Size})
	}
	return blobs, execInputs, nil
}

func blobsByHash(blobs []blobstage.Blob, hashes []string) []blobstage.Blob {
	want := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		want[h] = true
	}
	var out []blobstage.Blob
	for _, b := range blobs {
		if want[b.HashKey] {
			out = append(out, b)
		}
	}
	return out
}

// buildExecReq populates the request proto for the compile service.
func (t *Task) buildExecReq(cf *flags.CompileFlags, info *compilerinfo.Info, inputs []*gomapb.Input) *gomapb.ExecReq {
	e := t.engine

	req := &gomapb.ExecReq{
		CommandSpec: &gomapb.CommandSpec{
			Name:              cf.CompilerName,
			Version:           info.Version,
			Target:            info.Target,
			BinaryHash:        info.BinaryHash,
			LocalCompilerPath: t.compilerPath,
		},
		Arg:     cf.Args,
		Env:     compilerinfo.RelevantEnv(t.req.Env),
		Cwd:     cf.Cwd,
		Input:   inputs,
		TraceID: t.traceID,
	}
	req.RequesterInfo = &gomapb.RequesterInfo{
		CompilerProxyID: e.opts.CompilerProxyID,
		APIVersion:      2,
		Username:        envValue(t.req.Env, "USER"),
		PID:             int32(os.Getpid()),
	}
	if t.req.RequesterInfo != nil {
		req.RequesterInfo.Username = t.req.RequesterInfo.Username
		req.RequesterInfo.PID = t.req.RequesterInfo.PID
	}
	for _, sub := range info.Subprograms {
		req.Subprogram = append(req.Subprogram, &gomapb.SubprogramSpec{Path: sub})
	}
	return req
}

// downloadOutputs fetches every output concurrently into the task staging
// directory and verifies hash and size before anything touches a final path.
func (t *Task) downloadOutputs(ctx context.Context, resp *gomapb.ExecResp) ([]stagedOutput, error) {
	e := t.engine
	stagingDir := filepath.Join(e.stagingDir(t), "out")
	if err := os.MkdirAll(stagingDir, 0700); err != nil {
		return nil, classified(ClassOutputVerify, err)
	}

	staged := make([]stagedOutput, len(resp.Output))
	g, ctx := errgroup.WithContext(ctx)
	for i, out := range resp.Output {
		i, out := i, out
		g.Go(func() error {
			s, err := t.downloadOutput(ctx, stagingDir, i, out)
			if err != nil {
				return err
			}
			staged[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return staged, nil
}

func (t *Task) downloadOutput(ctx context.Context, stagingDir string, idx int, out *gomapb.Output) (stagedOutput, error) {
	e := t.engine

	content := out.Content
	if content == nil && out.Size > 0 {
		fetched, err := e.opts.Remote.LookupFile(ctx, out.HashKey)
		if err != nil {
			return stagedOutput{}, err
		}
		content = fetched
	}

	if int64(len(content)) != out.Size {
		return stagedOutput{}, classified(ClassOutputVerify, fmt.Errorf(
			"%w: %s: size %d, want %d", errOutputVerify, out.Filename, len(content), out.Size))
	}
	if got := statcache.HashBytes(content); got != out.HashKey {
		return stagedOutput{}, classified(ClassOutputVerify, fmt.Errorf(
			"%w: %s: content hash mismatch", errOutputVerify, out.Filename))
	}

	stagingPath := filepath.Join(stagingDir, fmt.Sprintf("%d-%s", idx, filepath.Base(out.Filename)))
	mode := os.FileMode(0644)
	if out.IsExecutable {
		mode = 0755
	}
	if err := os.WriteFile(stagingPath, content, mode); err != nil {
		return stagedOutput{}, classified(ClassOutputVerify, err)
	}

	// Remote-built objects carry the remote clock; restamp so local
	// incremental tooling sees them as fresh.
	if coff.IsObjectPath(out.Filename) {
		if err := coff.RewriteTimestamp(stagingPath, time.Now()); err != nil {
			return stagedOutput{}, classified(ClassOutputVerify, err)
		}
	}

	final := out.Filename
	if !filepath.IsAbs(final) {
		final = filepath.Join(t.req.Cwd, final)
	}
	return stagedOutput{
		finalPath:   final,
		stagingPath: stagingPath,
		hashKey:     out.HashKey,
		size:        out.Size,
		executable:  out.IsExecutable,
	}, nil
}

// commit atomically renames every staged output to its final path. Renames
// retry a bounded number of times on transient failures; an irrecoverable
// failure unlinks everything already committed so no partial output set is
// ever observable.
func (t *Task) commit(staged []stagedOutput) error {
	retries := t.engine.opts.Exec.CommitRetries
	if retries <= 0 {
		retries = 3
	}

	var committed []string
	for _, s := range staged {
		if err := os.MkdirAll(filepath.Dir(s.finalPath), 0755); err != nil {
			unlinkAll(committed)
			return err
		}
		var err error
		for attempt := 0; attempt < retries; attempt++ {
			err = os.Rename(s.stagingPath, s.finalPath)
			if err == nil {
				break
			}
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
		}
		if err != nil {
			unlinkAll(committed)
			return fmt.Errorf("task: failed to commit %s: %w", s.finalPath, err)
		}
		committed = append(committed, s.finalPath)
	}
	return nil
}

func unlinkAll(paths []string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

// storeLocalOutput records the committed outputs in the local output cache
// for future identical compiles.
func (t *Task) storeLocalOutput(ctx context.Context, ro *remoteOutcome) {
	e := t.engine
	names := make([]string, len(ro.staged))
	paths := make([]string, len(ro.staged))
	for i, s := range ro.staged {
		names[i] = s.finalPath
		paths[i] = s.finalPath
	}
	if err := e.opts.LocalOut.Put(ctx, t.localOutputKey, names, paths); err != nil {
		e.logger.Warn("failed to store local output cache entry",
			internallog.Error(err))
	}
}
