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

package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestScan_TransitiveQuoteIncludes(t *testing.T) {
	dir := t.TempDir()
	main := write(t, dir, "main.c", "#include \"a.h\"\nint main() {}\n")
	a := write(t, dir, "a.h", "#include \"b.h\"\n")
	b := write(t, dir, "b.h", "int f();\n")

	s := &TextScanner{}
	got, err := s.Scan(context.Background(), main, nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{main, a, b}, got)
}

func TestScan_AngleUsesSystemDirs(t *testing.T) {
	srcDir := t.TempDir()
	sysDir := t.TempDir()
	main := write(t, srcDir, "main.c", "#include <stdio.h>\n")
	stdio := write(t, sysDir, "stdio.h", "int printf(const char*, ...);\n")

	s := &TextScanner{}
	got, err := s.Scan(context.Background(), main, nil, []string{sysDir})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{main, stdio}, got)
}

func TestScan_AngleSkipsLocalDir(t *testing.T) {
	srcDir := t.TempDir()
	main := write(t, srcDir, "main.c", "#include <local.h>\n")
	write(t, srcDir, "local.h", "")

	s := &TextScanner{}
	got, err := s.Scan(context.Background(), main, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{main}, got, "angle include must not resolve against the source dir")
}

func TestScan_IncludeDirOrder(t *testing.T) {
	srcDir := t.TempDir()
	first := t.TempDir()
	second := t.TempDir()
	main := write(t, srcDir, "main.c", "#include \"pick.h\"\n")
	want := write(t, first, "pick.h", "// first\n")
	write(t, second, "pick.h", "// second\n")

	s := &TextScanner{}
	got, err := s.Scan(context.Background(), main, []string{first, second}, nil)
	require.NoError(t, err)
	assert.Contains(t, got, want)
}

func TestScan_CyclicIncludes(t *testing.T) {
	dir := t.TempDir()
	a := write(t, dir, "a.h", "#include \"b.h\"\n")
	b := write(t, dir, "b.h", "#include \"a.h\"\n")

	s := &TextScanner{}
	got, err := s.Scan(context.Background(), a, nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b}, got)
}

func TestScan_MissingHeaderIgnored(t *testing.T) {
	dir := t.TempDir()
	main := write(t, dir, "main.c", "#include \"nowhere.h\"\n")

	s := &TextScanner{}
	got, err := s.Scan(context.Background(), main, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{main}, got)
}

func TestScan_MissingPrimaryFails(t *testing.T) {
	s := &TextScanner{}
	_, err := s.Scan(context.Background(), filepath.Join(t.TempDir(), "absent.c"), nil, nil)
	assert.Error(t, err)
}
