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

package depscache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func fingerprint(src string) Fingerprint {
	return Fingerprint{
		Args:               []string{"gcc", "-c", src},
		Cwd:                "/src",
		PrimarySource:      src,
		CompilerBinaryHash: "bh",
	}
}

func TestGet_MissOnEmptyCache(t *testing.T) {
	c := New()
	_, ok := c.Get(fingerprint("a.c"))
	assert.False(t, ok)

	hits, misses := c.Stats()
	assert.Equal(t, int64(0), hits)
	assert.Equal(t, int64(1), misses)
}

func TestPutGet_Hit(t *testing.T) {
	dir := t.TempDir()
	main := write(t, dir, "main.c", "#include \"a.h\"\n")
	hdr := write(t, dir, "a.h", "int f();\n")

	c := New()
	fp := fingerprint(main)
	c.Put(fp, []string{main, hdr})

	paths, ok := c.Get(fp)
	require.True(t, ok)
	assert.Equal(t, []string{main, hdr}, paths)

	hits, _ := c.Stats()
	assert.Equal(t, int64(1), hits)
}

func TestGet_InvalidatesOnChangedInput(t *testing.T) {
	dir := t.TempDir()
	main := write(t, dir, "main.c", "#include \"a.h\"\n")
	hdr := write(t, dir, "a.h", "int f();\n")

	c := New()
	fp := fingerprint(main)
	c.Put(fp, []string{main, hdr})

	// Change the header's size so the stat check fails regardless of mtime
	// resolution.
	require.NoError(t, os.WriteFile(hdr, []byte("int f();\nint g();\n"), 0600))

	_, ok := c.Get(fp)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "changed entry must be evicted")
}

func TestGet_InvalidatesOnDeletedInput(t *testing.T) {
	dir := t.TempDir()
	main := write(t, dir, "main.c", "x")

	c := New()
	fp := fingerprint(main)
	c.Put(fp, []string{main})
	require.NoError(t, os.Remove(main))

	_, ok := c.Get(fp)
	assert.False(t, ok)
}

func TestGet_InvalidatesOnTouchedMtime(t *testing.T) {
	dir := t.TempDir()
	main := write(t, dir, "main.c", "x")

	c := New()
	fp := fingerprint(main)
	c.Put(fp, []string{main})

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(main, past, past))

	_, ok := c.Get(fp)
	assert.False(t, ok)
}

func TestFingerprint_KeyDistinguishesArgs(t *testing.T) {
	a := fingerprint("a.c")
	b := a
	b.Args = []string{"gcc", "-c", "-O2", "a.c"}
	assert.NotEqual(t, a.Key(), b.Key())

	c := a
	c.CompilerBinaryHash = "other"
	assert.NotEqual(t, a.Key(), c.Key())
}
