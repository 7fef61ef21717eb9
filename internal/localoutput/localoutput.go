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

// Package localoutput caches committed compile outputs by compile
// fingerprint, so an identical re-compile is served from disk without
// touching the remote service or the local compiler.
//
// Output content lives in a content-addressed object directory; an sqlite
// index maps fingerprints to output file lists and drives LRU eviction by
// total size.
package localoutput

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	internallog "github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/statcache"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	key          TEXT PRIMARY KEY,
	created_at   INTEGER NOT NULL,
	last_used_at INTEGER NOT NULL,
	total_bytes  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS files (
	key      TEXT NOT NULL,
	name     TEXT NOT NULL,
	hash     TEXT NOT NULL,
	size     INTEGER NOT NULL,
	mode     INTEGER NOT NULL,
	PRIMARY KEY (key, name)
);
CREATE INDEX IF NOT EXISTS idx_entries_last_used ON entries(last_used_at);
CREATE INDEX IF NOT EXISTS idx_files_hash ON files(hash);
`

// File describes one cached output.
type File struct {
	Name string // path relative to the compile's working directory
	Hash string
	Size int64
	Mode fs.FileMode
}

// Cache is the persistent local-output cache.
type Cache struct {
	db       *sql.DB
	dir      string
	maxBytes int64
	logger   *slog.Logger

	// mu serialises Put/evict so size accounting stays consistent.
	mu sync.Mutex
}

// Open opens (creating if necessary) the cache under dir.
func Open(dir string, maxBytes int64, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0700); err != nil {
		return nil, fmt.Errorf("localoutput: failed to create %s: %w", dir, err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("localoutput: failed to open index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("localoutput: failed to apply schema: %w", err)
	}
	return &Cache{
		db:       db,
		dir:      dir,
		maxBytes: maxBytes,
		logger:   internallog.WithComponent(logger, "localoutput"),
	}, nil
}

// Close closes the index database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put stores the named output files for key. Files are read from their
// current on-disk paths. An existing entry for key is replaced.
func (c *Cache) Put(ctx context.Context, key string, names, paths []string) error {
	if len(names) != len(paths) {
		return fmt.Errorf("localoutput: names and paths length mismatch")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var files []File
	var total int64
	for i, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("localoutput: failed to read output %s: %w", path, err)
		}
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		hash := statcache.HashBytes(content)
		if err := c.storeObject(hash, content); err != nil {
			return err
		}
		files = append(files, File{
			Name: names[i],
			Hash: hash,
			Size: int64(len(content)),
			Mode: fi.Mode().Perm(),
		})
		total += int64(len(content))
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE key = ?`, key); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (key, created_at, last_used_at, total_bytes) VALUES (?, ?, ?, ?)`,
		key, now, now, total); err != nil {
		return err
	}
	for _, f := range files {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO files (key, name, hash, size, mode) VALUES (?, ?, ?, ?, ?)`,
			key, f.Name, f.Hash, f.Size, int64(f.Mode)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	return c.evictLocked(ctx)
}

// Get returns the cached output list for key, or ok=false on a miss. A hit
// refreshes the entry's LRU position.
func (c *Cache) Get(ctx context.Context, key string) ([]File, bool, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name, hash, size, mode FROM files WHERE key = ? ORDER BY name`, key)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		var mode int64
		if err := rows.Scan(&f.Name, &f.Hash, &f.Size, &mode); err != nil {
			return nil, false, err
		}
		f.Mode = fs.FileMode(mode)
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(files) == 0 {
		return nil, false, nil
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE entries SET last_used_at = ? WHERE key = ?`, time.Now().UnixNano(), key); err != nil {
		return nil, false, err
	}
	return files, true, nil
}

// Restore writes the cached outputs of key under cwd, via temp files and
// atomic renames. It returns the final paths written.
func (c *Cache) Restore(ctx context.Context, key, cwd string) ([]string, error) {
	files, ok, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("localoutput: no entry for key")
	}

	var written []string
	for _, f := range files {
		final := f.Name
		if !filepath.IsAbs(final) {
			final = filepath.Join(cwd, final)
		}
		if err := c.restoreFile(f, final); err != nil {
			// Roll back partial restores so the invariant "all outputs or
			// none" holds for cache hits too.
			for _, p := range written {
				os.Remove(p)
			}
			return nil, err
		}
		written = append(written, final)
	}
	return written, nil
}

func (c *Cache) restoreFile(f File, final string) error {
	src, err := os.Open(c.objectPath(f.Hash))
	if err != nil {
		return fmt.Errorf("localoutput: missing object %s: %w", f.Hash, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(final), ".relay-restore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(f.Mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), final)
}

// TotalBytes returns the summed size of all entries.
func (c *Cache) TotalBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := c.db.QueryRowContext(ctx, `SELECT SUM(total_bytes) FROM entries`).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// evictLocked removes least-recently-used entries until the cache fits
// maxBytes. Caller holds c.mu.
func (c *Cache) evictLocked(ctx context.Context) error {
	if c.maxBytes <= 0 {
		return nil
	}
	for {
		total, err := c.TotalBytes(ctx)
		if err != nil {
			return err
		}
		if total <= c.maxBytes {
			return nil
		}

		var key string
		err = c.db.QueryRowContext(ctx,
			`SELECT key FROM entries ORDER BY last_used_at ASC LIMIT 1`).Scan(&key)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if err := c.removeEntry(ctx, key); err != nil {
			return err
		}
		c.logger.Debug("evicted local output entry", slog.String("key", key))
	}
}

func (c *Cache) removeEntry(ctx context.Context, key string) error {
	rows, err := c.db.QueryContext(ctx, `SELECT hash FROM files WHERE key = ?`, key)
	if err != nil {
		return err
	}
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return err
		}
		hashes = append(hashes, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := c.db.ExecContext(ctx, `DELETE FROM files WHERE key = ?`, key); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
		return err
	}

	// Drop objects no longer referenced by any entry.
	for _, h := range hashes {
		var n int
		if err := c.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM files WHERE hash = ?`, h).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			os.Remove(c.objectPath(h))
		}
	}
	return nil
}

func (c *Cache) storeObject(hash string, content []byte) error {
	path := c.objectPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".relay-obj-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (c *Cache) objectPath(hash string) string {
	return filepath.Join(c.dir, "objects", hash)
}
