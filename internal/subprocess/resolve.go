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

package subprocess

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// WrapperProbeEnv is set in a candidate compiler's environment during the
// wrapper probe. The wrapper exits with status 1 complaining about the
// unknown parameter; a real compiler ignores it.
const WrapperProbeEnv = "GOMA_WILL_FAIL_WITH_UNKNOWN_FLAG"

// ErrCompilerNotFound means no real compiler was found on PATH.
var ErrCompilerNotFound = errors.New("subprocess: compiler not found")

// wrapperProbeTimeout bounds one candidate probe.
const wrapperProbeTimeout = 5 * time.Second

// Resolver locates the real local compiler on PATH, skipping this daemon's
// own wrapper when the build has it shadowing the compiler.
type Resolver struct {
	host Host

	// WrapperPath, when set, is compared by file identity against
	// candidates. It short-circuits the probe for the common case where the
	// wrapper's install path is known.
	WrapperPath string
}

// NewResolver creates a Resolver probing with the given host.
func NewResolver(host Host) *Resolver {
	return &Resolver{host: host}
}

// Resolve returns the absolute path of the first entry on pathEnv that is
// the named compiler and not the wrapper. name may also be an absolute or
// relative path, which is verified but not searched.
func (r *Resolver) Resolve(ctx context.Context, name, pathEnv, pathExt string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		abs, err := filepath.Abs(name)
		if err != nil {
			return "", err
		}
		if r.usable(ctx, abs) {
			return abs, nil
		}
		return "", ErrCompilerNotFound
	}

	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			dir = "."
		}
		for _, candidate := range candidateNames(dir, name, pathExt) {
			fi, err := os.Stat(candidate)
			if err != nil || fi.IsDir() {
				continue
			}
			if r.usable(ctx, candidate) {
				return filepath.Abs(candidate)
			}
		}
	}
	return "", ErrCompilerNotFound
}

// usable reports whether the candidate is a real compiler (not the wrapper).
func (r *Resolver) usable(ctx context.Context, candidate string) bool {
	if r.WrapperPath != "" && sameFile(candidate, r.WrapperPath) {
		return false
	}
	return !r.isWrapper(ctx, candidate)
}

// isWrapper probes the candidate. cl.exe is exempt: on some setups it pops a
// modal dialog when invoked with no arguments.
func (r *Resolver) isWrapper(ctx context.Context, candidate string) bool {
	base := strings.ToLower(filepath.Base(candidate))
	if base == "cl.exe" || (runtime.GOOS == "windows" && base == "cl") {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, wrapperProbeTimeout)
	defer cancel()

	res, err := r.host.Run(ctx, &Cmd{
		Path: candidate,
		Args: []string{candidate},
		Env:  append(os.Environ(), WrapperProbeEnv+"=true"),
	})
	if err != nil {
		// A candidate that cannot run at all is not the wrapper; leave the
		// failure to the real invocation.
		return false
	}
	if res.ExitCode != 1 {
		return false
	}
	combined := string(res.Stdout) + string(res.Stderr)
	return strings.Contains(combined, "GOMA")
}

func sameFile(a, b string) bool {
	fa, err := os.Stat(a)
	if err != nil {
		return false
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(fa, fb)
}

// candidateNames expands a bare command name into the file names to try in
// dir, honouring PATHEXT on Windows.
func candidateNames(dir, name, pathExt string) []string {
	base := filepath.Join(dir, name)
	if runtime.GOOS != "windows" {
		return []string{base}
	}
	if pathExt == "" {
		pathExt = ".COM;.EXE;.BAT;.CMD"
	}
	var names []string
	if filepath.Ext(name) != "" {
		names = append(names, base)
	}
	for _, ext := range strings.Split(pathExt, ";") {
		if ext == "" {
			continue
		}
		names = append(names, base+strings.ToLower(ext))
	}
	return names
}
