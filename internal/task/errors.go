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

package task

import (
	"context"
	"errors"

	"github.com/tombee/relay/internal/flags"
	"github.com/tombee/relay/internal/httprpc"
	"github.com/tombee/relay/internal/subprocess"
)

// Class is the error taxonomy of a failed task step. It decides whether the
// task falls back to the local compiler.
type Class int

const (
	ClassNone Class = iota
	// ClassCompilerNotFound: no usable local compiler.
	ClassCompilerNotFound
	// ClassIncludeScan: the input closure could not be computed.
	ClassIncludeScan
	// ClassBlobUpload: input staging failed after per-hash retries.
	ClassBlobUpload
	// ClassRPCTransport: connection-level failure or HTTP 5xx after retries.
	ClassRPCTransport
	// ClassRPCSemantic: HTTP 4xx or a malformed/rejecting response body.
	ClassRPCSemantic
	// ClassOutputVerify: a downloaded output failed hash or size checks.
	ClassOutputVerify
	// ClassLocalRun: the local subprocess itself could not run.
	ClassLocalRun
	// ClassCancelled: the client went away; not an error.
	ClassCancelled
)

// String names the class for logs and dumps.
func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassCompilerNotFound:
		return "compiler-not-found"
	case ClassIncludeScan:
		return "include-scan"
	case ClassBlobUpload:
		return "blob-upload"
	case ClassRPCTransport:
		return "rpc-transport"
	case ClassRPCSemantic:
		return "rpc-semantic"
	case ClassOutputVerify:
		return "output-verify"
	case ClassLocalRun:
		return "local-run"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Fallback reports whether this class is recoverable by a local build.
func (c Class) Fallback() bool {
	switch c {
	case ClassCompilerNotFound, ClassIncludeScan, ClassBlobUpload,
		ClassRPCTransport, ClassOutputVerify:
		return true
	default:
		return false
	}
}

// errOutputVerify marks a hash or size mismatch on a downloaded output.
var errOutputVerify = errors.New("task: output verification failed")

// stageError carries the class a stage assigned to its failure.
type stageError struct {
	class Class
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// classified tags err with a class for later classification.
func classified(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &stageError{class: class, err: err}
}

// classify maps an error from a stage to its taxonomy class.
func classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var se *stageError
	if errors.As(err, &se) {
		return se.class
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, subprocess.ErrCompilerNotFound):
		return ClassCompilerNotFound
	case errors.Is(err, flags.ErrUnsupported):
		// Not a failure of the remote path as such, but only a local run
		// can satisfy the request.
		return ClassIncludeScan
	case errors.Is(err, errOutputVerify):
		return ClassOutputVerify
	case errors.Is(err, httprpc.ErrTransport):
		return ClassRPCTransport
	default:
		var httpErr *httprpc.HTTPError
		if errors.As(err, &httpErr) {
			if httpErr.Retryable() {
				return ClassRPCTransport
			}
			return ClassRPCSemantic
		}
		return ClassRPCSemantic
	}
}
