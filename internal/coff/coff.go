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

// Package coff rewrites the timestamp field of COFF object files.
//
// Remote-built objects carry the remote machine's clock; incremental-link
// tooling on Windows compares that stamp against local files and would
// treat the fresh object as stale. Only bare COFF objects are touched;
// archives and PDBs are left alone.
package coff

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Known IMAGE_FILE_MACHINE values for object files the daemon handles.
var knownMachines = map[uint16]bool{
	0x014c: true, // i386
	0x8664: true, // amd64
	0xaa64: true, // arm64
	0x01c4: true, // armnt
}

// timestampOffset is the byte offset of TimeDateStamp in the COFF header.
const timestampOffset = 4

// IsObjectPath reports whether the file name looks like an object file.
func IsObjectPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".obj", ".o":
		return true
	}
	return false
}

// RewriteTimestamp sets the COFF header timestamp of path to now. Files
// that are not recognisable COFF objects are left untouched without error.
func RewriteTimestamp(path string, now time.Time) error {
	if !IsObjectPath(path) {
		return nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("coff: failed to open %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, 8)
	n, err := f.ReadAt(header, 0)
	if err != nil || n < len(header) {
		// Too short to be a COFF object.
		return nil
	}

	machine := binary.LittleEndian.Uint16(header[0:2])
	if !knownMachines[machine] {
		return nil
	}

	var stamp [4]byte
	binary.LittleEndian.PutUint32(stamp[:], uint32(now.Unix()))
	if _, err := f.WriteAt(stamp[:], timestampOffset); err != nil {
		return fmt.Errorf("coff: failed to rewrite timestamp of %s: %w", path, err)
	}
	return nil
}

// Timestamp reads the COFF header timestamp, for tests and diagnostics.
func Timestamp(path string) (time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()

	header := make([]byte, 8)
	if _, err := f.ReadAt(header, 0); err != nil {
		return time.Time{}, err
	}
	secs := binary.LittleEndian.Uint32(header[timestampOffset : timestampOffset+4])
	return time.Unix(int64(secs), 0), nil
}
