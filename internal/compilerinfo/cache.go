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

package compilerinfo

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	internallog "github.com/tombee/relay/internal/log"
)

// ProbeFunc produces the Info for a fingerprint by running the compiler.
type ProbeFunc func(ctx context.Context, fp Fingerprint) (*Info, error)

// Cache is the process-wide compiler-info cache.
type Cache struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Info
	// keysByPath maps a compiler path to its cache keys, for invalidation
	// when the binary is replaced.
	keysByPath map[string][]string

	group singleflight.Group

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewCache creates an empty cache.
func NewCache(logger *slog.Logger) *Cache {
	return &Cache{
		logger:     internallog.WithComponent(logger, "compilerinfo"),
		entries:    make(map[string]*Info),
		keysByPath: make(map[string][]string),
	}
}

// GetOrProbe returns the cached Info for fp, running probe exactly once per
// key with concurrent callers for the same key sharing the in-flight probe.
func (c *Cache) GetOrProbe(ctx context.Context, fp Fingerprint, probe ProbeFunc) (*Info, error) {
	key := fp.Key()

	c.mu.RLock()
	if info, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		if c.stillValid(fp.Path, info) {
			return info, nil
		}
		c.Invalidate(fp)
	} else {
		c.mu.RUnlock()
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent caller may have published while this one waited.
		c.mu.RLock()
		if info, ok := c.entries[key]; ok {
			c.mu.RUnlock()
			return info, nil
		}
		c.mu.RUnlock()

		info, err := probe(ctx, fp)
		if err != nil {
			return nil, fmt.Errorf("compilerinfo: probe %s: %w", fp.Path, err)
		}
		c.publish(key, fp.Path, info)
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Info), nil
}

// Get returns the cached entry, or nil.
func (c *Cache) Get(fp Fingerprint) *Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[fp.Key()]
}

// Invalidate drops the entry for fp; the next GetOrProbe re-probes.
func (c *Cache) Invalidate(fp Fingerprint) {
	key := fp.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	keys := c.keysByPath[fp.Path]
	for i, k := range keys {
		if k == key {
			c.keysByPath[fp.Path] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
}

// InvalidatePath drops every entry probed from the given compiler path.
func (c *Cache) InvalidatePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.keysByPath[path] {
		delete(c.entries, key)
	}
	delete(c.keysByPath, path)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) publish(key, path string, info *Info) {
	c.mu.Lock()
	c.entries[key] = info
	c.keysByPath[path] = append(c.keysByPath[path], key)
	watcher := c.watcher
	c.mu.Unlock()

	if watcher != nil {
		// Watch errors are non-fatal: the stat check in stillValid still
		// catches replaced binaries.
		if err := watcher.Add(path); err != nil {
			c.logger.Debug("failed to watch compiler binary",
				slog.String("path", path), internallog.Error(err))
		}
	}
}

// stillValid re-stats the compiler binary and compares against the stat
// recorded at probe time.
func (c *Cache) stillValid(path string, info *Info) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Size() == info.BinarySize && fi.ModTime().UnixNano() == info.BinaryMtimeNs
}

// StartWatching invalidates entries when a probed compiler binary changes on
// disk. Safe to skip; the stat check covers the same condition lazily.
func (c *Cache) StartWatching() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("compilerinfo: failed to create watcher: %w", err)
	}

	c.mu.Lock()
	c.watcher = watcher
	c.watchDone = make(chan struct{})
	done := c.watchDone
	c.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					c.logger.Info("compiler binary changed, invalidating",
						slog.String("path", ev.Name))
					c.InvalidatePath(ev.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("compiler watcher error", internallog.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the watcher, if started.
func (c *Cache) Close() error {
	c.mu.Lock()
	watcher := c.watcher
	done := c.watchDone
	c.watcher = nil
	c.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}
