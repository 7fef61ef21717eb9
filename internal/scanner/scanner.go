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

// Package scanner computes the input file closure of a compile.
//
// The real preprocessor-grade include processor is a collaborator behind
// the Scanner interface. The bundled implementation follows #include lines
// textually without macro expansion, which is sufficient for include graphs
// that do not hide includes behind macros.
package scanner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Scanner computes the full input set of a compile.
type Scanner interface {
	// Scan returns the transitive input paths of primary, the primary
	// source included.
	Scan(ctx context.Context, primary string, quoteDirs, systemDirs []string) ([]string, error)
}

// TextScanner is the textual #include follower.
type TextScanner struct {
	// MaxFiles caps the closure size as a runaway guard. Zero means the
	// default of 65536.
	MaxFiles int
}

var includeRe = regexp.MustCompile(`^\s*#\s*include\s+(<([^>]+)>|"([^"]+)")`)

// Scan implements Scanner.
func (s *TextScanner) Scan(ctx context.Context, primary string, quoteDirs, systemDirs []string) ([]string, error) {
	maxFiles := s.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 65536
	}

	seen := make(map[string]bool)
	var order []string
	queue := []string{primary}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := queue[0]
		queue = queue[1:]
		if seen[path] {
			continue
		}
		seen[path] = true
		order = append(order, path)
		if len(order) > maxFiles {
			return nil, fmt.Errorf("scanner: include closure exceeds %d files", maxFiles)
		}

		refs, err := scanFile(path)
		if err != nil {
			if path == primary {
				return nil, fmt.Errorf("scanner: failed to read %s: %w", path, err)
			}
			// A header that vanished after being referenced is the
			// compiler's problem to report, not the scanner's.
			continue
		}
		for _, ref := range refs {
			resolved, ok := resolve(ref, filepath.Dir(path), quoteDirs, systemDirs)
			if ok && !seen[resolved] {
				queue = append(queue, resolved)
			}
		}
	}
	return order, nil
}

// includeRef is one #include directive.
type includeRef struct {
	name  string
	quote bool // "name" rather than <name>
}

func scanFile(path string) ([]includeRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var refs []includeRef
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, "#") {
			continue
		}
		m := includeRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if m[2] != "" {
			refs = append(refs, includeRef{name: m[2]})
		} else {
			refs = append(refs, includeRef{name: m[3], quote: true})
		}
	}
	return refs, sc.Err()
}

// resolve finds the file an include directive refers to. Quote includes
// search the including file's directory first, then the quote dirs, then
// the system dirs; angle includes skip the local directory.
func resolve(ref includeRef, localDir string, quoteDirs, systemDirs []string) (string, bool) {
	var dirs []string
	if ref.quote {
		dirs = append(dirs, localDir)
		dirs = append(dirs, quoteDirs...)
	} else {
		dirs = append(dirs, quoteDirs...)
	}
	dirs = append(dirs, systemDirs...)

	for _, dir := range dirs {
		candidate := filepath.Join(dir, ref.name)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			return filepath.Clean(candidate), true
		}
	}
	return "", false
}
