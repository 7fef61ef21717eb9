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

package blobstage

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Log is the append-only record of hashes known Present on the remote side,
// used to pre-seed the stage map after a daemon restart.
//
// The format is one hex hash per line. A truncated final line (crash during
// append) is ignored on load.
type Log struct {
	mu     sync.Mutex
	f      *os.File
	hashes []string
}

// OpenLog opens or creates the upload log at path and reads the recorded
// hashes.
func OpenLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("blobstage: failed to open upload log: %w", err)
	}

	l := &Log{f: f}
	scanner := bufio.NewScanner(f)
	var offset int64
	for scanner.Scan() {
		line := scanner.Text()
		hash := strings.TrimSpace(line)
		if hash == "" || !validHash(hash) {
			// Stop at the first corrupt record; everything after it is
			// suspect.
			break
		}
		l.hashes = append(l.hashes, hash)
		offset += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("blobstage: failed to read upload log: %w", err)
	}

	// Truncate past the last good record so appends continue cleanly.
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("blobstage: failed to truncate upload log: %w", err)
	}
	if _, err := f.Seek(offset, 0); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// Hashes returns the recorded hashes.
func (l *Log) Hashes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.hashes...)
}

// Append records one hash.
func (l *Log) Append(hash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintln(l.f, hash); err != nil {
		return err
	}
	l.hashes = append(l.hashes, hash)
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

func validHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
