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

package statcache

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestGet_MemoisesStat(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.c", "int main() {}")

	c := New()
	s1, err := c.Get(path)
	require.NoError(t, err)
	assert.Equal(t, int64(13), s1.Size)

	// Mutating the file after the first stat must not change the cached view.
	require.NoError(t, os.WriteFile(path, []byte("longer content than before"), 0600))
	s2, err := c.Get(path)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, int64(13), s2.Size)
}

func TestGet_NotFound(t *testing.T) {
	c := New()
	_, err := c.Get(filepath.Join(t.TempDir(), "missing.c"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestGetHash_Memoised(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.c", "content")

	c := New()
	h1, err := c.GetHash(path)
	require.NoError(t, err)
	assert.Equal(t, HashBytes([]byte("content")), h1)

	require.NoError(t, os.WriteFile(path, []byte("changed"), 0600))
	h2, err := c.GetHash(path)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "hash must be served from the cache")
}

func TestGet_CanonicalisesPath(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.c", "x")

	c := New()
	_, err := c.Get(path)
	require.NoError(t, err)
	_, err = c.Get(filepath.Join(dir, ".", "a.c"))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestGet_ConcurrentSingleStat(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.c", "x")

	c := New()
	var wg sync.WaitGroup
	stats := make([]*FileStat, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := c.Get(path)
			assert.NoError(t, err)
			stats[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range stats[1:] {
		assert.Same(t, stats[0], s)
	}
}
