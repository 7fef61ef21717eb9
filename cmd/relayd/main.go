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

// relayd is the compiler-proxy daemon. Build systems invoke relaycc in
// place of the compiler; relaycc forwards each invocation here over a local
// socket, and relayd either dispatches it to the remote compile service or
// falls back to the local compiler.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tombee/relay/internal/daemon"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to the relay.yaml config file")
		socketPath  = flag.String("socket", "", "Unix socket path for wrapper connections")
		serverHost  = flag.String("server-host", "", "Remote compile service host")
		dataDir     = flag.String("data-dir", "", "Directory for persisted daemon state")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("relayd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	err := daemon.Run(daemon.RunOptions{
		Version:    version,
		Commit:     commit,
		BuildDate:  buildDate,
		ConfigPath: *configPath,
		SocketPath: *socketPath,
		ServerHost: *serverHost,
		DataDir:    *dataDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}
