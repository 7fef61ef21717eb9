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

// relayctl inspects and pokes a running relayd.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/relay/internal/gomapb"
	"github.com/tombee/relay/internal/ipc"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var socketPath string

func main() {
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Inspect and control a running relayd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "Unix socket path of the daemon")
	root.PersistentFlags().SetNormalizeFunc(normalizeFlags)

	root.AddCommand(statusCmd(), replayCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

func normalizeFlags(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(name)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Dump the daemon's task status page",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := ipc.NewClient(socketPath)
			body, err := client.Get(cmd.Context(), "/statz")
			if err != nil {
				return err
			}
			var pretty json.RawMessage = body
			out, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				// Not JSON after all; print it raw.
				fmt.Println(string(body))
				return nil
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <dump-file>",
		Short: "Re-submit a dumped failed request and report the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			// Validate before sending so a corrupt dump is reported here,
			// not by the daemon.
			req := &gomapb.ExecReq{}
			if err := req.Unmarshal(body); err != nil {
				return fmt.Errorf("corrupt dump: %w", err)
			}

			client := ipc.NewClient(socketPath)
			respBody, err := client.Call(context.Background(), "/e", body)
			if err != nil {
				return err
			}
			resp := &gomapb.ExecResp{}
			if err := resp.Unmarshal(respBody); err != nil {
				return fmt.Errorf("malformed reply: %w", err)
			}

			fmt.Printf("exit status: %d\n", resp.ExitStatus)
			for _, msg := range resp.ErrorMessage {
				fmt.Printf("error: %s\n", msg)
			}
			if len(resp.Stderr) > 0 {
				os.Stderr.Write(resp.Stderr)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relayctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
