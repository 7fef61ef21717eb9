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

package flags

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_SimpleCompile(t *testing.T) {
	cf, err := GCCParser{}.Parse([]string{"gcc", "-c", "main.c", "-o", "main.o"}, "/src")
	require.NoError(t, err)

	assert.Equal(t, "gcc", cf.CompilerName)
	assert.Equal(t, "/src/main.c", cf.PrimarySource)
	assert.Equal(t, []string{"/src/main.o"}, cf.OutputPaths)
	assert.Equal(t, "c", cf.Language)
	assert.False(t, cf.IsLink)
}

func TestParse_DefaultOutput(t *testing.T) {
	cf, err := GCCParser{}.Parse([]string{"g++", "-c", "widget.cpp"}, "/src")
	require.NoError(t, err)
	assert.Equal(t, []string{"/src/widget.o"}, cf.OutputPaths)
	assert.Equal(t, "c++", cf.Language)
}

func TestParse_IncludeDirsAndDepfile(t *testing.T) {
	cf, err := GCCParser{}.Parse([]string{
		"clang", "-c", "-I", "include", "-Ithird_party", "-isystem", "/opt/sdk/include",
		"-MMD", "-MF", "obj/main.d", "main.c", "-o", "obj/main.o",
	}, "/src")
	require.NoError(t, err)

	assert.Equal(t, []string{"/src/include", "/src/third_party", "/opt/sdk/include"}, cf.IncludeDirs)
	assert.Equal(t, []string{"/src/obj/main.o", "/src/obj/main.d"}, cf.OutputPaths)
}

func TestParse_Link(t *testing.T) {
	cf, err := GCCParser{}.Parse([]string{"gcc", "main.o", "util.o", "-o", "app"}, "/src")
	require.NoError(t, err)
	assert.True(t, cf.IsLink)
	assert.Equal(t, []string{"/src/main.o", "/src/util.o"}, cf.InputPaths)
	assert.Equal(t, []string{"/src/app"}, cf.OutputPaths)
}

func TestParse_ExplicitLanguage(t *testing.T) {
	cf, err := GCCParser{}.Parse([]string{"gcc", "-c", "-x", "c++", "main.c"}, "/src")
	require.NoError(t, err)
	assert.Equal(t, "c++", cf.Language)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"empty argv", nil},
		{"dangling -o", []string{"gcc", "-c", "main.c", "-o"}},
		{"no source", []string{"gcc", "-c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := GCCParser{}.Parse(tt.args, "/src")
			assert.ErrorIs(t, err, ErrUnsupported)
		})
	}
}

func TestParse_AbsolutePathsPreserved(t *testing.T) {
	cf, err := GCCParser{}.Parse([]string{"gcc", "-c", "/abs/main.c", "-o", "/abs/out/main.o"}, "/src")
	require.NoError(t, err)
	assert.Equal(t, "/abs/main.c", cf.PrimarySource)
	assert.Equal(t, []string{"/abs/out/main.o"}, cf.OutputPaths)
}
