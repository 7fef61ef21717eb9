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

// Package flags classifies compiler invocations.
//
// Full compiler-flag grammars are out of scope; the bundled parser
// understands the gcc-style subset the daemon needs to find sources,
// outputs, and include directories. Anything it cannot classify is reported
// as unsupported so the task falls back to a local run.
package flags

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsupported marks an invocation the parser cannot classify. The task
// engine treats it as recoverable by local build.
var ErrUnsupported = errors.New("flags: unsupported invocation")

// CompileFlags is the classified form of one compiler invocation.
type CompileFlags struct {
	// Args is the original argv, argv[0] included.
	Args []string

	// Cwd is the invocation working directory.
	Cwd string

	// CompilerName is argv[0]'s basename.
	CompilerName string

	// PrimarySource is the main translation unit, absolute.
	PrimarySource string

	// InputPaths are the explicitly named source inputs, absolute.
	InputPaths []string

	// OutputPaths are the files the compile will write, absolute.
	OutputPaths []string

	// IncludeDirs are -I directories in command-line order, absolute.
	IncludeDirs []string

	// Language is the source language (c, c++), from extension or -x.
	Language string

	// IsLink reports a link invocation (no -c/-S/-E).
	IsLink bool
}

// Parser classifies an argv. Implementations exist per compiler family.
type Parser interface {
	Parse(args []string, cwd string) (*CompileFlags, error)
}

// GCCParser parses gcc/clang style command lines.
type GCCParser struct{}

// sourceExts maps recognised source extensions to languages.
var sourceExts = map[string]string{
	".c":   "c",
	".i":   "c",
	".cc":  "c++",
	".cpp": "c++",
	".cxx": "c++",
	".ii":  "c++",
	".m":   "objective-c",
	".mm":  "objective-c++",
	".s":   "assembler",
	".S":   "assembler-with-cpp",
}

// Parse implements Parser.
func (GCCParser) Parse(args []string, cwd string) (*CompileFlags, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: empty argv", ErrUnsupported)
	}

	cf := &CompileFlags{
		Args:         args,
		Cwd:          cwd,
		CompilerName: filepath.Base(args[0]),
	}

	var (
		output   string
		depFile  string
		language string
		compile  bool
	)

	i := 1
	for i < len(args) {
		arg := args[i]
		switch {
		case arg == "-c" || arg == "-S" || arg == "-E":
			compile = true
		case arg == "-o":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%w: -o missing operand", ErrUnsupported)
			}
			i++
			output = args[i]
		case strings.HasPrefix(arg, "-o"):
			output = arg[2:]
		case arg == "-I":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%w: -I missing operand", ErrUnsupported)
			}
			i++
			cf.IncludeDirs = append(cf.IncludeDirs, abs(cwd, args[i]))
		case strings.HasPrefix(arg, "-I"):
			cf.IncludeDirs = append(cf.IncludeDirs, abs(cwd, arg[2:]))
		case arg == "-x":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%w: -x missing operand", ErrUnsupported)
			}
			i++
			language = args[i]
		case arg == "-MF":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%w: -MF missing operand", ErrUnsupported)
			}
			i++
			depFile = args[i]
		case strings.HasPrefix(arg, "-MF"):
			depFile = arg[3:]
		case arg == "-include" || arg == "-isystem" || arg == "-isysroot" ||
			arg == "-iquote" || arg == "--sysroot":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%w: %s missing operand", ErrUnsupported, arg)
			}
			if arg == "-isystem" || arg == "-iquote" {
				cf.IncludeDirs = append(cf.IncludeDirs, abs(cwd, args[i+1]))
			}
			if arg == "-include" {
				cf.InputPaths = append(cf.InputPaths, abs(cwd, args[i+1]))
			}
			i++
		case strings.HasPrefix(arg, "-"):
			// Other flags are forwarded untouched.
		default:
			ext := filepath.Ext(arg)
			if lang, ok := sourceExts[ext]; ok {
				src := abs(cwd, arg)
				cf.InputPaths = append(cf.InputPaths, src)
				if cf.PrimarySource == "" {
					cf.PrimarySource = src
					if language == "" {
						language = lang
					}
				}
			} else {
				// Object files and libraries on a link line.
				cf.InputPaths = append(cf.InputPaths, abs(cwd, arg))
			}
		}
		i++
	}

	cf.IsLink = !compile
	cf.Language = language

	if !cf.IsLink && cf.PrimarySource == "" {
		return nil, fmt.Errorf("%w: no source file", ErrUnsupported)
	}

	if output == "" && !cf.IsLink {
		base := strings.TrimSuffix(filepath.Base(cf.PrimarySource), filepath.Ext(cf.PrimarySource))
		output = base + ".o"
	}
	if output == "" {
		output = "a.out"
	}
	cf.OutputPaths = append(cf.OutputPaths, abs(cwd, output))
	if depFile != "" {
		cf.OutputPaths = append(cf.OutputPaths, abs(cwd, depFile))
	}
	return cf, nil
}

func abs(cwd, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(cwd, path)
}
