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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/tombee/relay/internal/subprocess"
)

// GCCProbe extracts an Info from a gcc-compatible compiler (gcc, clang) by
// running it with version- and configuration-eliciting flags.
type GCCProbe struct {
	host subprocess.Host
}

// NewGCCProbe creates a probe running compilers on the given host.
func NewGCCProbe(host subprocess.Host) *GCCProbe {
	return &GCCProbe{host: host}
}

// Probe implements ProbeFunc.
func (p *GCCProbe) Probe(ctx context.Context, fp Fingerprint) (*Info, error) {
	fi, err := os.Stat(fp.Path)
	if err != nil {
		return nil, err
	}

	version, err := p.runLine(ctx, fp, "--version")
	if err != nil {
		return nil, err
	}
	target, err := p.runLine(ctx, fp, "-dumpmachine")
	if err != nil {
		return nil, err
	}

	// -E -v -dM prints predefined macros on stdout and the include search
	// list on stderr.
	res, err := p.host.Run(ctx, &subprocess.Cmd{
		Path: fp.Path,
		Args: append([]string{fp.Path}, append(fp.ProbeArgs, "-E", "-v", "-dM", "-x", "c", os.DevNull)...),
		Env:  fp.Env,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("compilerinfo: %s exited %d during probe: %s",
			fp.Path, res.ExitCode, firstLine(res.Stderr))
	}

	hash, err := hashBinary(fp.Path)
	if err != nil {
		return nil, err
	}

	return &Info{
		Name:               familyOf(fp.Path, version),
		Version:            version,
		Target:             target,
		SystemIncludePaths: parseSearchDirs(string(res.Stderr)),
		PredefinedMacros:   string(res.Stdout),
		IsCross:            isCross(target),
		BinaryHash:         hash,
		BinarySize:         fi.Size(),
		BinaryMtimeNs:      fi.ModTime().UnixNano(),
		ProbedAt:           time.Now(),
	}, nil
}

func (p *GCCProbe) runLine(ctx context.Context, fp Fingerprint, flag string) (string, error) {
	res, err := p.host.Run(ctx, &subprocess.Cmd{
		Path: fp.Path,
		Args: []string{fp.Path, flag},
		Env:  fp.Env,
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("compilerinfo: %s %s exited %d", fp.Path, flag, res.ExitCode)
	}
	return firstLine(res.Stdout), nil
}

// parseSearchDirs extracts the directories between the "search starts here"
// and "End of search list" markers of the -v output.
func parseSearchDirs(stderr string) []string {
	var dirs []string
	inList := false
	for _, line := range strings.Split(stderr, "\n") {
		switch {
		case strings.HasPrefix(line, "#include <...> search starts here:"):
			inList = true
		case strings.HasPrefix(line, "#include \"...\" search starts here:"):
			inList = true
		case strings.HasPrefix(line, "End of search list"):
			return dirs
		case inList && strings.HasPrefix(line, " "):
			dir := strings.TrimSpace(line)
			// Darwin framework annotations are not part of the path.
			dir = strings.TrimSuffix(dir, " (framework directory)")
			dirs = append(dirs, filepath.Clean(dir))
		}
	}
	return dirs
}

func familyOf(path, version string) string {
	base := strings.ToLower(filepath.Base(path))
	switch {
	case strings.Contains(base, "clang") || strings.Contains(version, "clang"):
		return "clang"
	case strings.Contains(base, "cl.exe") || base == "cl":
		return "cl"
	default:
		return "gcc"
	}
}

// isCross reports whether the target triple disagrees with the host.
func isCross(target string) bool {
	arch := strings.SplitN(target, "-", 2)[0]
	switch runtime.GOARCH {
	case "amd64":
		return arch != "x86_64" && arch != "amd64"
	case "arm64":
		return arch != "aarch64" && arch != "arm64"
	case "386":
		return arch != "i386" && arch != "i486" && arch != "i586" && arch != "i686"
	default:
		return false
	}
}

func firstLine(b []byte) string {
	s := string(b)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func hashBinary(path string) (string, error) {
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
