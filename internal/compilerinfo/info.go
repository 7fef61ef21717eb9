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

// Package compilerinfo caches capability descriptors of local compilers.
//
// Probing a compiler (running it to extract built-in macros and system
// include directories) costs tens of milliseconds; a build invokes the same
// compiler thousands of times. The cache guarantees at most one concurrent
// probe per distinct compiler fingerprint and keeps results for the daemon's
// lifetime unless the binary underneath changes.
package compilerinfo

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Fingerprint identifies a compiler configuration. Two invocations with the
// same fingerprint are assumed to behave identically.
type Fingerprint struct {
	// Path is the absolute local compiler path.
	Path string

	// ProbeArgs is the version-eliciting argv the probe would use. Flag
	// sets that change compiler behaviour (e.g. -m32) belong here.
	ProbeArgs []string

	// Env is the platform-relevant environment subset (locale, toolchain,
	// path extension variables), order-insensitive.
	Env []string
}

// Key returns the stable cache key for the fingerprint.
func (f Fingerprint) Key() string {
	h := sha256.New()
	h.Write([]byte(f.Path))
	h.Write([]byte{0})
	for _, a := range f.ProbeArgs {
		h.Write([]byte(a))
		h.Write([]byte{0})
	}
	env := append([]string(nil), f.Env...)
	sort.Strings(env)
	for _, e := range env {
		h.Write([]byte(e))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RelevantEnv extracts the fingerprint-relevant variables from a full
// environment.
func RelevantEnv(env []string) []string {
	var out []string
	for _, e := range env {
		name, _, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		switch name {
		case "LANG", "LC_ALL", "PATH", "PATHEXT", "SDKROOT", "DEVELOPER_DIR",
			"INCLUDE", "LIB", "SYSROOT":
			out = append(out, e)
		}
	}
	return out
}

// Info is a compiler's capability descriptor. Published entries are shared
// read-only across tasks; never mutate one after it is published.
type Info struct {
	// Name is the compiler family (gcc, clang, cl).
	Name string

	// Version is the full version string reported by the compiler.
	Version string

	// Target is the default target triple.
	Target string

	// SystemIncludePaths are the built-in include search directories.
	SystemIncludePaths []string

	// PredefinedMacros is the preprocessor's built-in macro block, verbatim.
	PredefinedMacros string

	// Subprograms are the auxiliary binaries (assembler, linker plugins)
	// the remote side must match.
	Subprograms []string

	// IsCross reports whether the compiler targets a different platform
	// than the host.
	IsCross bool

	// BinaryHash is the content hash of the compiler binary.
	BinaryHash string

	// BinarySize and BinaryMtimeNs record the compiler binary's stat at
	// probe time; the cache entry is invalid once the binary changes.
	BinarySize    int64
	BinaryMtimeNs int64

	// ProbedAt is when the probe ran.
	ProbedAt time.Time
}
