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

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tombee/relay/internal/gomapb"
	"github.com/tombee/relay/internal/ipc"
	internallog "github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/task"
)

// maxRequestBytes bounds an IPC request body. Compile argv and input lists
// are small; anything larger is a protocol violation.
const maxRequestBytes = 32 << 20

// routes builds the IPC-facing handler set.
func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /e", d.handleExec)
	mux.HandleFunc("GET /healthz", d.handleHealthz)
	mux.HandleFunc("GET /statz", d.handleStatz)
	mux.Handle("GET /metricz", d.collector.Handler())
	return mux
}

// handleExec runs one compile task. The request context doubles as the
// client-disconnect signal: when the wrapper exits, the HTTP server cancels
// it and the task tears down without a reply.
func (d *Daemon) handleExec(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != ipc.ContentType {
		http.Error(w, fmt.Sprintf("unexpected content type %q", ct), http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}
	req := &gomapb.ExecReq{}
	if err := req.Unmarshal(body); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	resp, err := d.engine.Exec(r.Context(), req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// The wrapper is gone; there is nobody to reply to.
			return
		}
		d.logger.Error("exec failed", internallog.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", ipc.ContentType)
	w.Write(resp.Marshal())
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "ok")
}

// statzPage is the status dump: daemon build info plus per-task snapshots.
type statzPage struct {
	Version     string          `json:"version"`
	Commit      string          `json:"commit,omitempty"`
	BuildDate   string          `json:"build_date,omitempty"`
	Now         time.Time       `json:"now"`
	ActiveTasks int             `json:"active_tasks"`
	Tasks       []task.Snapshot `json:"tasks"`
}

func (d *Daemon) handleStatz(w http.ResponseWriter, r *http.Request) {
	page := statzPage{
		Version:     d.opts.Version,
		Commit:      d.opts.Commit,
		BuildDate:   d.opts.BuildDate,
		Now:         time.Now(),
		ActiveTasks: d.engine.ActiveTasks(),
		Tasks:       d.engine.DumpSnapshots(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(page); err != nil {
		d.logger.Warn("failed to encode statz", internallog.Error(err))
	}
}
