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

// Package depscache shortcuts the include scan when a compile's inputs are
// unchanged since the last scan.
//
// A hit saves the scan entirely; a miss only costs the lookup. Entries are
// validated by re-statting every recorded input, so serving a stale
// dependency set is impossible as long as mtimes move.
package depscache

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"
)

// Fingerprint identifies one compile for dependency purposes.
type Fingerprint struct {
	Args              []string
	Cwd               string
	PrimarySource     string
	CompilerBinaryHash string
}

// Key returns the stable cache key.
func (f Fingerprint) Key() string {
	h := sha256.New()
	for _, a := range f.Args {
		h.Write([]byte(a))
		h.Write([]byte{0})
	}
	h.Write([]byte(f.Cwd))
	h.Write([]byte{0})
	h.Write([]byte(f.PrimarySource))
	h.Write([]byte{0})
	h.Write([]byte(f.CompilerBinaryHash))
	return hex.EncodeToString(h.Sum(nil))
}

// inputStat is the recorded identity of one input file.
type inputStat struct {
	path    string
	size    int64
	mtimeNs int64
}

type cacheEntry struct {
	inputs []inputStat
}

// Cache is the process-wide dependency cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry

	hits   int64
	misses int64
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*cacheEntry)}
}

// Get returns the recorded input paths for fp if every recorded input still
// has the same size and mtime. A changed input invalidates the entry.
func (c *Cache) Get(fp Fingerprint) ([]string, bool) {
	key := fp.Key()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		c.miss()
		return nil, false
	}

	paths := make([]string, 0, len(entry.inputs))
	for _, in := range entry.inputs {
		fi, err := os.Stat(in.path)
		if err != nil || fi.Size() != in.size || fi.ModTime().UnixNano() != in.mtimeNs {
			c.mu.Lock()
			delete(c.entries, key)
			c.mu.Unlock()
			c.miss()
			return nil, false
		}
		paths = append(paths, in.path)
	}
	c.hit()
	return paths, true
}

// Put records the input set for fp with the inputs' current stats. Inputs
// that cannot be statted are kept in the set with a zero size and mtime, so
// a later Get finds them changed and drops the entry.
func (c *Cache) Put(fp Fingerprint, inputs []string) {
	entry := &cacheEntry{inputs: make([]inputStat, 0, len(inputs))}
	for _, path := range inputs {
		st := inputStat{path: path}
		if fi, err := os.Stat(path); err == nil {
			st.size = fi.Size()
			st.mtimeNs = fi.ModTime().UnixNano()
		}
		entry.inputs = append(entry.inputs, st)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fp.Key()] = entry
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns the hit and miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

func (c *Cache) hit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *Cache) miss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}
