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

// relaycc is the thin compiler wrapper. The build system invokes it in
// place of gcc or clang (usually via a symlink named after the compiler);
// it forwards argv, env, and cwd to relayd and replays the reply's stdout,
// stderr, and exit status.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tombee/relay/internal/gomapb"
	"github.com/tombee/relay/internal/ipc"
)

func main() {
	os.Exit(run())
}

func run() int {
	// The daemon probes PATH candidates with this variable set to find out
	// whether they are this wrapper. Answer and get out of the way.
	if os.Getenv("GOMA_WILL_FAIL_WITH_UNKNOWN_FLAG") != "" {
		fmt.Fprintln(os.Stderr, "GOMA_WILL_FAIL_WITH_UNKNOWN_FLAG=true: unknown GOMA_ parameter")
		return 1
	}

	args := os.Args
	// Invoked as "relaycc gcc -c ..." rather than through a compiler-named
	// symlink: drop our own name.
	if filepath.Base(args[0]) == "relaycc" {
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: relaycc <compiler> [args...]")
			return 2
		}
		args = args[1:]
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaycc: %v\n", err)
		return 2
	}

	req := &gomapb.ExecReq{
		Arg: args,
		Env: requestEnv(),
		Cwd: cwd,
	}
	req.RequesterInfo = &gomapb.RequesterInfo{
		Username: os.Getenv("USER"),
		PID:      int32(os.Getpid()),
	}

	client := ipc.NewClient("")
	body, err := client.Call(context.Background(), "/e", req.Marshal())
	if err != nil {
		var dnr *ipc.DaemonNotRunningError
		if errors.As(err, &dnr) {
			fmt.Fprintf(os.Stderr, "relaycc: %v\nStart it with: relayd &\n", dnr)
		} else {
			fmt.Fprintf(os.Stderr, "relaycc: %v\n", err)
		}
		return 1
	}

	resp := &gomapb.ExecResp{}
	if err := resp.Unmarshal(body); err != nil {
		fmt.Fprintf(os.Stderr, "relaycc: malformed reply: %v\n", err)
		return 1
	}

	os.Stdout.Write(resp.Stdout)
	os.Stderr.Write(resp.Stderr)
	return int(resp.ExitStatus)
}

// requestEnv forwards the environment minus relay-internal variables.
func requestEnv() []string {
	var env []string
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "GOMA_WILL_FAIL_WITH_UNKNOWN_FLAG=") {
			continue
		}
		env = append(env, e)
	}
	return env
}
