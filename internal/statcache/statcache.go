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

// Package statcache memoises file metadata for a single compile task.
//
// Each task owns two caches, one for inputs and one for outputs. The caches
// are not shared across tasks: input files are expected to change between
// tasks, never during one.
package statcache

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileStat is the memoised metadata of one file.
type FileStat struct {
	Path    string
	Size    int64
	MtimeNs int64
	IsDir   bool

	hash    string
	hashErr error
	hashed  bool
}

// Hash returns the memoised content hash, or empty if not yet computed.
func (s *FileStat) Hash() string {
	return s.hash
}

// Cache memoises stats and content hashes by canonicalised path.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	once sync.Once
	stat *FileStat
	err  error
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// Get returns the stat for path, performing the stat on first use.
// Concurrent callers for the same path share one stat call.
func (c *Cache) Get(path string) (*FileStat, error) {
	e := c.entryFor(path)
	e.once.Do(func() {
		e.stat, e.err = statFile(path)
	})
	return e.stat, e.err
}

// GetHash returns the content hash for path, computing and memoising it on
// first use. The hash is the lowercase hex SHA-256 of the file content.
func (c *Cache) GetHash(path string) (string, error) {
	stat, err := c.Get(path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !stat.hashed {
		stat.hash, stat.hashErr = hashFile(stat.Path)
		stat.hashed = true
	}
	return stat.hash, stat.hashErr
}

// Len returns the number of memoised entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) entryFor(path string) *entry {
	key := canonical(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}

func statFile(path string) (*FileStat, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &FileStat{
		Path:    canonical(path),
		Size:    fi.Size(),
		MtimeNs: fi.ModTime().UnixNano(),
		IsDir:   fi.IsDir(),
	}, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hash key for an in-memory blob, matching GetHash for
// the same content on disk.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
