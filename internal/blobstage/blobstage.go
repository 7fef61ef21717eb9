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

// Package blobstage deduplicates input uploads to the content-addressed
// remote store.
//
// Within one daemon lifetime each distinct content hash is uploaded at most
// once: the first task to need a blob uploads it while every other task
// wanting the same hash waits on that upload's outcome. A process-wide
// semaphore bounds concurrent upload RPCs.
package blobstage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tombee/relay/internal/gomapb"
	internallog "github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/statcache"
)

// Status of one blob entry.
type Status int

const (
	// StatusUploading means an upload RPC is in flight.
	StatusUploading Status = iota + 1
	// StatusPresent means the remote side has the blob; sticky for the
	// daemon's lifetime.
	StatusPresent
	// StatusFailed means the last upload attempt failed; the next caller
	// retries from scratch.
	StatusFailed
)

// Blob names one input file to stage.
type Blob struct {
	Path    string
	HashKey string
	Size    int64
}

// Uploader issues the store RPC. Implemented by httprpc.Client.
type Uploader interface {
	StoreFile(ctx context.Context, req *gomapb.StoreFileReq) (*gomapb.StoreFileResp, error)
}

type entry struct {
	status Status
	err    error
	done   chan struct{}
}

// Stage is the process-wide upload deduplicator.
type Stage struct {
	uploader Uploader
	sem      *semaphore.Weighted
	logger   *slog.Logger
	uploadLog *Log

	mu      sync.Mutex
	entries map[string]*entry

	uploads int64
	deduped int64
}

// New creates a Stage bounding concurrent uploads to maxConcurrent.
func New(uploader Uploader, maxConcurrent int, logger *slog.Logger) *Stage {
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	return &Stage{
		uploader: uploader,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		logger:   internallog.WithComponent(logger, "blobstage"),
		entries:  make(map[string]*entry),
	}
}

// SetLog attaches a persistent upload log. Hashes recorded in the log are
// seeded as Present.
func (s *Stage) SetLog(l *Log) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadLog = l
	for _, hash := range l.Hashes() {
		if _, ok := s.entries[hash]; !ok {
			e := &entry{status: StatusPresent, done: make(chan struct{})}
			close(e.done)
			s.entries[hash] = e
		}
	}
}

// EnsurePresent stages every blob, coalescing with concurrent uploads of the
// same hashes. It returns the hashes that are Present on return. The error
// is the first upload failure, if any; staged always reflects what
// succeeded regardless.
func (s *Stage) EnsurePresent(ctx context.Context, blobs []Blob) (staged []string, err error) {
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)

	for _, b := range blobs {
		b := b
		g.Go(func() error {
			hash, err := s.ensureOne(ctx, b)
			if err != nil {
				return err
			}
			mu.Lock()
			staged = append(staged, hash)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	return staged, err
}

// Status returns the entry status for hash, or 0 when unknown.
func (s *Stage) Status(hash string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[hash]; ok {
		return e.status
	}
	return 0
}

// Forget drops the entry for hash so the next staging re-uploads. Used when
// the remote service reports an input missing despite a Present entry.
func (s *Stage) Forget(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[hash]; ok && e.status != StatusUploading {
		delete(s.entries, hash)
	}
}

// Stats returns upload and dedup counters.
func (s *Stage) Stats() (uploads, deduped int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads, s.deduped
}

// ensureOne stages one blob and returns the hash that ended up Present.
// Normally that is b.HashKey; when the file changed underfoot it is the
// hash of the content actually uploaded.
func (s *Stage) ensureOne(ctx context.Context, b Blob) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[b.HashKey]
	if ok && e.status != StatusFailed {
		status := e.status
		done := e.done
		if status == StatusPresent {
			s.deduped++
		}
		s.mu.Unlock()

		if status == StatusPresent {
			return b.HashKey, nil
		}
		// Attach to the in-flight upload.
		select {
		case <-done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		s.mu.Lock()
		settledErr := e.err
		settled := e.status
		s.mu.Unlock()
		if settled == StatusPresent {
			return b.HashKey, nil
		}
		return "", settledErr
	}
	// Unknown or Failed: this caller owns a fresh attempt.
	e = &entry{status: StatusUploading, done: make(chan struct{})}
	s.entries[b.HashKey] = e
	s.mu.Unlock()

	return s.upload(ctx, b, e)
}

// upload reads, verifies, and uploads one blob, then settles the entry.
func (s *Stage) upload(ctx context.Context, b Blob, e *entry) (string, error) {
	content, err := os.ReadFile(b.Path)
	if err != nil {
		s.settle(b.HashKey, e, fmt.Errorf("blobstage: failed to read %s: %w", b.Path, err))
		return "", e.err
	}
	if actual := statcache.HashBytes(content); actual != b.HashKey {
		// The file changed between hashing and staging. Drop the stale
		// entry and upload the content we actually read under its real
		// hash.
		s.settle(b.HashKey, e, fmt.Errorf("blobstage: %s changed underfoot", b.Path))
		s.mu.Lock()
		delete(s.entries, b.HashKey)
		s.mu.Unlock()
		s.logger.Warn("input changed during staging, re-uploading",
			slog.String("path", b.Path))
		return s.ensureOne(ctx, Blob{Path: b.Path, HashKey: actual, Size: int64(len(content))})
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.settle(b.HashKey, e, err)
		return "", err
	}
	_, rpcErr := s.uploader.StoreFile(ctx, &gomapb.StoreFileReq{
		HashKey: b.HashKey,
		Size:    int64(len(content)),
		Content: content,
	})
	s.sem.Release(1)

	if rpcErr != nil {
		s.settle(b.HashKey, e, fmt.Errorf("blobstage: upload %s: %w", b.Path, rpcErr))
		return "", e.err
	}

	s.mu.Lock()
	s.uploads++
	e.status = StatusPresent
	e.err = nil
	uploadLog := s.uploadLog
	s.mu.Unlock()
	close(e.done)

	if uploadLog != nil {
		if err := uploadLog.Append(b.HashKey); err != nil {
			s.logger.Warn("failed to append upload log", internallog.Error(err))
		}
	}
	return b.HashKey, nil
}

// settle marks the entry failed and wakes waiters.
func (s *Stage) settle(hash string, e *entry, err error) {
	s.mu.Lock()
	e.status = StatusFailed
	e.err = err
	s.mu.Unlock()
	close(e.done)
}
