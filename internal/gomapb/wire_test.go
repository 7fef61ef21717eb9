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

package gomapb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecReq_RoundTrip(t *testing.T) {
	req := &ExecReq{
		CommandSpec: &CommandSpec{
			Name:              "gcc",
			Version:           "12.2.0",
			Target:            "x86_64-linux-gnu",
			BinaryHash:        "abcd",
			LocalCompilerPath: "/usr/bin/gcc",
		},
		Arg: []string{"gcc", "-c", "main.c", "-o", "main.o"},
		Env: []string{"LANG=C"},
		Cwd: "/src",
		Input: []*Input{
			{Filename: "main.c", HashKey: "h1", Size: 120},
			{Filename: "main.h", HashKey: "h2", Size: 64},
		},
		RequesterInfo: &RequesterInfo{
			CompilerProxyID: "relay/123",
			APIVersion:      2,
			Username:        "builder",
			PID:             4242,
		},
		Subprogram: []*SubprogramSpec{{Path: "/usr/bin/as", BinaryHash: "sub1"}},
		TraceID:    "trace-1",
	}

	var got ExecReq
	require.NoError(t, got.Unmarshal(req.Marshal()))

	assert.Equal(t, req.CommandSpec, got.CommandSpec)
	assert.Equal(t, req.Arg, got.Arg)
	assert.Equal(t, req.Env, got.Env)
	assert.Equal(t, req.Cwd, got.Cwd)
	assert.Equal(t, req.Input, got.Input)
	assert.Equal(t, req.RequesterInfo, got.RequesterInfo)
	assert.Equal(t, req.Subprogram, got.Subprogram)
	assert.Equal(t, req.TraceID, got.TraceID)
}

func TestExecResp_RoundTrip(t *testing.T) {
	resp := &ExecResp{
		Error:      ExecErrorOK,
		ExitStatus: 1,
		Stdout:     []byte("out"),
		Stderr:     []byte("warning: unused"),
		Output: []*Output{
			{Filename: "main.o", HashKey: "h3", Size: 2048, IsExecutable: false},
			{Filename: "main", HashKey: "h4", Size: 4096, Content: []byte{0x7f, 'E', 'L', 'F'}, IsExecutable: true},
		},
		ErrorMessage: []string{"late warning"},
	}

	var got ExecResp
	require.NoError(t, got.Unmarshal(resp.Marshal()))

	assert.Equal(t, resp.ExitStatus, got.ExitStatus)
	assert.Equal(t, resp.Stdout, got.Stdout)
	assert.Equal(t, resp.Stderr, got.Stderr)
	assert.Equal(t, resp.Output, got.Output)
	assert.Equal(t, resp.ErrorMessage, got.ErrorMessage)
	assert.False(t, got.IsMissing())
}

func TestExecResp_MissingInput(t *testing.T) {
	resp := &ExecResp{MissingInput: []string{"h1", "h9"}}

	var got ExecResp
	require.NoError(t, got.Unmarshal(resp.Marshal()))
	assert.True(t, got.IsMissing())
	assert.Equal(t, []string{"h1", "h9"}, got.MissingInput)
}

func TestUnmarshal_Malformed(t *testing.T) {
	var req ExecReq
	err := req.Unmarshal([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	// Field 99 is unknown to ExecResp and must be ignored.
	b := (&ExecResp{ExitStatus: 7}).Marshal()
	unknown := appendString(nil, 99, "future")
	b = append(b, unknown...)

	var got ExecResp
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, int32(7), got.ExitStatus)
}
