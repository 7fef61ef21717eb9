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

package compilerinfo

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// The disk format is a stream of length-prefixed entry records in protobuf
// wire encoding. Entries whose compiler binary changed since the probe are
// dropped at load time.

func marshalEntry(key, path string, info *Info) []byte {
	var m []byte
	m = appendStr(m, 1, key)
	m = appendStr(m, 2, path)
	m = appendStr(m, 3, info.Name)
	m = appendStr(m, 4, info.Version)
	m = appendStr(m, 5, info.Target)
	for _, d := range info.SystemIncludePaths {
		m = appendStr(m, 6, d)
	}
	m = appendStr(m, 7, info.PredefinedMacros)
	for _, s := range info.Subprograms {
		m = appendStr(m, 8, s)
	}
	if info.IsCross {
		m = protowire.AppendTag(m, 9, protowire.VarintType)
		m = protowire.AppendVarint(m, 1)
	}
	m = appendStr(m, 10, info.BinaryHash)
	m = appendInt(m, 11, info.BinarySize)
	m = appendInt(m, 12, info.BinaryMtimeNs)
	m = appendInt(m, 13, info.ProbedAt.UnixNano())

	var rec []byte
	rec = protowire.AppendVarint(rec, uint64(len(m)))
	return append(rec, m...)
}

func unmarshalEntry(b []byte) (key, path string, info *Info, err error) {
	info = &Info{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", nil, fmt.Errorf("compilerinfo: corrupt entry tag")
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", "", nil, fmt.Errorf("compilerinfo: corrupt entry bytes")
			}
			switch num {
			case 1:
				key = string(v)
			case 2:
				path = string(v)
			case 3:
				info.Name = string(v)
			case 4:
				info.Version = string(v)
			case 5:
				info.Target = string(v)
			case 6:
				info.SystemIncludePaths = append(info.SystemIncludePaths, string(v))
			case 7:
				info.PredefinedMacros = string(v)
			case 8:
				info.Subprograms = append(info.Subprograms, string(v))
			case 10:
				info.BinaryHash = string(v)
			}
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", "", nil, fmt.Errorf("compilerinfo: corrupt entry varint")
			}
			switch num {
			case 9:
				info.IsCross = v != 0
			case 11:
				info.BinarySize = int64(v)
			case 12:
				info.BinaryMtimeNs = int64(v)
			case 13:
				info.ProbedAt = time.Unix(0, int64(v))
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", "", nil, fmt.Errorf("compilerinfo: corrupt entry field")
			}
			b = b[n:]
		}
	}
	return key, path, info, nil
}

func appendStr(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// Save writes all cache entries to path, atomically.
func (c *Cache) Save(path string) error {
	c.mu.RLock()
	var buf []byte
	for p, keys := range c.keysByPath {
		for _, key := range keys {
			if info, ok := c.entries[key]; ok {
				buf = append(buf, marshalEntry(key, p, info)...)
			}
		}
	}
	c.mu.RUnlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0600); err != nil {
		return fmt.Errorf("compilerinfo: failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("compilerinfo: failed to commit %s: %w", path, err)
	}
	return nil
}

// Load seeds the cache from a previously saved file. Missing files are not
// an error. Entries whose binary stat no longer matches are skipped, as is
// a truncated trailing record from a crashed save.
func (c *Cache) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("compilerinfo: failed to read %s: %w", path, err)
	}

	loaded := 0
	for len(data) > 0 {
		size, n := protowire.ConsumeVarint(data)
		if n < 0 || uint64(len(data)-n) < size {
			break
		}
		rec := data[n : n+int(size)]
		data = data[n+int(size):]

		key, compilerPath, info, err := unmarshalEntry(rec)
		if err != nil || key == "" || compilerPath == "" {
			continue
		}
		if !c.stillValid(compilerPath, info) {
			continue
		}
		c.publish(key, compilerPath, info)
		loaded++
	}
	if loaded > 0 {
		c.logger.Info("compiler info cache loaded", slog.Int("entries", loaded))
	}
	return nil
}
