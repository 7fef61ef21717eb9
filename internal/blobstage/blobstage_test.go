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

package blobstage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/internal/gomapb"
	internallog "github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/statcache"
)

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeUploader records upload RPCs and optionally fails or blocks.
type fakeUploader struct {
	mu      sync.Mutex
	stored  map[string]int
	failing bool
	block   chan struct{}
	active  atomic.Int64
	maxSeen atomic.Int64
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{stored: make(map[string]int)}
}

func (u *fakeUploader) StoreFile(ctx context.Context, req *gomapb.StoreFileReq) (*gomapb.StoreFileResp, error) {
	n := u.active.Add(1)
	defer u.active.Add(-1)
	for {
		max := u.maxSeen.Load()
		if n <= max || u.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	if u.block != nil {
		select {
		case <-u.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failing {
		return nil, fmt.Errorf("upstream unavailable")
	}
	u.stored[req.HashKey]++
	return &gomapb.StoreFileResp{HashKey: req.HashKey}, nil
}

func (u *fakeUploader) count(hash string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stored[hash]
}

func testStage(t *testing.T, u Uploader, maxConcurrent int) *Stage {
	t.Helper()
	logger := internallog.New(&internallog.Config{Level: "error", Output: nullWriter{}})
	return New(u, maxConcurrent, logger)
}

func blobFile(t *testing.T, dir, name, content string) Blob {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return Blob{Path: path, HashKey: statcache.HashBytes([]byte(content)), Size: int64(len(content))}
}

func TestEnsurePresent_UploadsOnce(t *testing.T) {
	u := newFakeUploader()
	s := testStage(t, u, 4)
	b := blobFile(t, t.TempDir(), "a.c", "content")

	staged, err := s.EnsurePresent(context.Background(), []Blob{b})
	require.NoError(t, err)
	assert.Equal(t, []string{b.HashKey}, staged)
	assert.Equal(t, 1, u.count(b.HashKey))
	assert.Equal(t, StatusPresent, s.Status(b.HashKey))

	// Second staging of the same content is a no-op.
	staged, err = s.EnsurePresent(context.Background(), []Blob{b})
	require.NoError(t, err)
	assert.Equal(t, []string{b.HashKey}, staged)
	assert.Equal(t, 1, u.count(b.HashKey))
}

func TestEnsurePresent_CoalescesConcurrentTasks(t *testing.T) {
	u := newFakeUploader()
	u.block = make(chan struct{})
	s := testStage(t, u, 8)
	b := blobFile(t, t.TempDir(), "common.h", "shared header content")

	// Ten "tasks" staging the same hash concurrently.
	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.EnsurePresent(context.Background(), []Blob{b})
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(u.block)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, u.count(b.HashKey), "exactly one upload RPC for the shared hash")

	uploads, deduped := s.Stats()
	assert.Equal(t, int64(1), uploads)
	assert.GreaterOrEqual(t, deduped, int64(0))
}

func TestEnsurePresent_BoundsConcurrency(t *testing.T) {
	u := newFakeUploader()
	u.block = make(chan struct{})
	s := testStage(t, u, 2)

	dir := t.TempDir()
	var blobs []Blob
	for i := 0; i < 6; i++ {
		blobs = append(blobs, blobFile(t, dir, fmt.Sprintf("f%d.c", i), fmt.Sprintf("content %d", i)))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.EnsurePresent(context.Background(), blobs)
		assert.NoError(t, err)
	}()

	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, u.maxSeen.Load(), int64(2), "no more than max_concurrent_uploads RPCs in flight")
	close(u.block)
	<-done
}

func TestEnsurePresent_FailurePropagatesAndRetries(t *testing.T) {
	u := newFakeUploader()
	u.failing = true
	s := testStage(t, u, 4)
	b := blobFile(t, t.TempDir(), "a.c", "content")

	_, err := s.EnsurePresent(context.Background(), []Blob{b})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, s.Status(b.HashKey))

	// A later task retries from scratch and succeeds.
	u.mu.Lock()
	u.failing = false
	u.mu.Unlock()

	staged, err := s.EnsurePresent(context.Background(), []Blob{b})
	require.NoError(t, err)
	assert.Equal(t, []string{b.HashKey}, staged)
	assert.Equal(t, StatusPresent, s.Status(b.HashKey))
}

func TestEnsurePresent_FileChangedUnderfoot(t *testing.T) {
	u := newFakeUploader()
	s := testStage(t, u, 4)

	dir := t.TempDir()
	b := blobFile(t, dir, "a.c", "original")
	// The file changes after hashing but before staging.
	require.NoError(t, os.WriteFile(b.Path, []byte("mutated"), 0600))
	actualHash := statcache.HashBytes([]byte("mutated"))

	staged, err := s.EnsurePresent(context.Background(), []Blob{b})
	require.NoError(t, err)
	assert.Equal(t, []string{actualHash}, staged)
	assert.Equal(t, 1, u.count(actualHash))
	assert.Equal(t, 0, u.count(b.HashKey), "stale hash must not be uploaded")
	assert.Equal(t, StatusPresent, s.Status(actualHash))
}

func TestEnsurePresent_Cancellation(t *testing.T) {
	u := newFakeUploader()
	u.block = make(chan struct{})
	s := testStage(t, u, 4)
	b := blobFile(t, t.TempDir(), "a.c", "content")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.EnsurePresent(ctx, []Blob{b})
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	close(u.block)
}

func TestUploadLog_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload_log")

	l, err := OpenLog(path)
	require.NoError(t, err)
	h1 := statcache.HashBytes([]byte("one"))
	h2 := statcache.HashBytes([]byte("two"))
	require.NoError(t, l.Append(h1))
	require.NoError(t, l.Append(h2))
	require.NoError(t, l.Close())

	reopened, err := OpenLog(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, []string{h1, h2}, reopened.Hashes())
}

func TestUploadLog_ToleratesTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload_log")
	h1 := statcache.HashBytes([]byte("one"))
	// Simulate a crash mid-append: a complete record then half a hash.
	require.NoError(t, os.WriteFile(path, []byte(h1+"\nabc123"), 0600))

	l, err := OpenLog(path)
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, []string{h1}, l.Hashes())
}

func TestSetLog_SeedsPresent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload_log")
	l, err := OpenLog(path)
	require.NoError(t, err)
	h := statcache.HashBytes([]byte("seeded"))
	require.NoError(t, l.Append(h))

	u := newFakeUploader()
	s := testStage(t, u, 4)
	s.SetLog(l)

	assert.Equal(t, StatusPresent, s.Status(h))

	// Staging the seeded blob must not upload.
	dir := t.TempDir()
	filePath := filepath.Join(dir, "seeded.c")
	require.NoError(t, os.WriteFile(filePath, []byte("seeded"), 0600))
	staged, err := s.EnsurePresent(context.Background(), []Blob{{Path: filePath, HashKey: h, Size: 6}})
	require.NoError(t, err)
	assert.Equal(t, []string{h}, staged)
	assert.Equal(t, 0, u.count(h))
}
