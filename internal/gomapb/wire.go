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
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when a message body cannot be decoded.
var ErrMalformed = errors.New("gomapb: malformed message")

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// fieldFunc consumes one decoded field. Bytes passed to it alias the input
// buffer and must be copied before retention.
type fieldFunc func(num protowire.Number, typ protowire.Type, v []byte) error

// walkFields decodes the wire stream and dispatches each field. Unknown
// fields are skipped for forward compatibility.
func walkFields(b []byte, f fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrMalformed
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrMalformed
			}
			if err := f(num, typ, b[:n]); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ErrMalformed
			}
			if err := f(num, typ, v); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ErrMalformed
			}
			b = b[n:]
		}
	}
	return nil
}

func decodeVarint(v []byte) int64 {
	u, _ := protowire.ConsumeVarint(v)
	return int64(u)
}

// Marshal encodes a CommandSpec.
func (m *CommandSpec) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Name)
	b = appendString(b, 2, m.Version)
	b = appendString(b, 3, m.Target)
	b = appendString(b, 4, m.BinaryHash)
	b = appendString(b, 5, m.LocalCompilerPath)
	return b
}

// Unmarshal decodes a CommandSpec.
func (m *CommandSpec) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			m.Name = string(v)
		case 2:
			m.Version = string(v)
		case 3:
			m.Target = string(v)
		case 4:
			m.BinaryHash = string(v)
		case 5:
			m.LocalCompilerPath = string(v)
		}
		return nil
	})
}

// Marshal encodes a RequesterInfo.
func (m *RequesterInfo) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.CompilerProxyID)
	b = appendVarint(b, 2, int64(m.APIVersion))
	b = appendString(b, 3, m.Username)
	b = appendVarint(b, 4, int64(m.PID))
	return b
}

// Unmarshal decodes a RequesterInfo.
func (m *RequesterInfo) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			m.CompilerProxyID = string(v)
		case 2:
			m.APIVersion = int32(decodeVarint(v))
		case 3:
			m.Username = string(v)
		case 4:
			m.PID = int32(decodeVarint(v))
		}
		return nil
	})
}

// Marshal encodes an Input.
func (m *Input) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Filename)
	b = appendString(b, 2, m.HashKey)
	b = appendVarint(b, 3, m.Size)
	return b
}

// Unmarshal decodes an Input.
func (m *Input) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			m.Filename = string(v)
		case 2:
			m.HashKey = string(v)
		case 3:
			m.Size = decodeVarint(v)
		}
		return nil
	})
}

// Marshal encodes a SubprogramSpec.
func (m *SubprogramSpec) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Path)
	b = appendString(b, 2, m.BinaryHash)
	return b
}

// Unmarshal decodes a SubprogramSpec.
func (m *SubprogramSpec) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			m.Path = string(v)
		case 2:
			m.BinaryHash = string(v)
		}
		return nil
	})
}

// Marshal encodes an ExecReq.
func (m *ExecReq) Marshal() []byte {
	var b []byte
	if m.CommandSpec != nil {
		b = appendMessage(b, 1, m.CommandSpec.Marshal())
	}
	for _, s := range m.Arg {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	for _, s := range m.Env {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	b = appendString(b, 4, m.Cwd)
	for _, in := range m.Input {
		b = appendMessage(b, 5, in.Marshal())
	}
	if m.RequesterInfo != nil {
		b = appendMessage(b, 6, m.RequesterInfo.Marshal())
	}
	for _, sp := range m.Subprogram {
		b = appendMessage(b, 7, sp.Marshal())
	}
	b = appendString(b, 8, m.TraceID)
	return b
}

// Unmarshal decodes an ExecReq.
func (m *ExecReq) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			cs := &CommandSpec{}
			if err := cs.Unmarshal(v); err != nil {
				return err
			}
			m.CommandSpec = cs
		case 2:
			m.Arg = append(m.Arg, string(v))
		case 3:
			m.Env = append(m.Env, string(v))
		case 4:
			m.Cwd = string(v)
		case 5:
			in := &Input{}
			if err := in.Unmarshal(v); err != nil {
				return err
			}
			m.Input = append(m.Input, in)
		case 6:
			ri := &RequesterInfo{}
			if err := ri.Unmarshal(v); err != nil {
				return err
			}
			m.RequesterInfo = ri
		case 7:
			sp := &SubprogramSpec{}
			if err := sp.Unmarshal(v); err != nil {
				return err
			}
			m.Subprogram = append(m.Subprogram, sp)
		case 8:
			m.TraceID = string(v)
		}
		return nil
	})
}

// Marshal encodes an Output.
func (m *Output) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Filename)
	b = appendString(b, 2, m.HashKey)
	b = appendVarint(b, 3, m.Size)
	b = appendBytes(b, 4, m.Content)
	b = appendBool(b, 5, m.IsExecutable)
	return b
}

// Unmarshal decodes an Output.
func (m *Output) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			m.Filename = string(v)
		case 2:
			m.HashKey = string(v)
		case 3:
			m.Size = decodeVarint(v)
		case 4:
			m.Content = append([]byte(nil), v...)
		case 5:
			m.IsExecutable = decodeVarint(v) != 0
		}
		return nil
	})
}

// Marshal encodes an ExecResp.
func (m *ExecResp) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, int64(m.Error))
	b = appendVarint(b, 2, int64(m.ExitStatus))
	b = appendBytes(b, 3, m.Stdout)
	b = appendBytes(b, 4, m.Stderr)
	for _, out := range m.Output {
		b = appendMessage(b, 5, out.Marshal())
	}
	for _, s := range m.ErrorMessage {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	for _, s := range m.MissingInput {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

// Unmarshal decodes an ExecResp.
func (m *ExecResp) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			m.Error = ExecError(decodeVarint(v))
		case 2:
			m.ExitStatus = int32(decodeVarint(v))
		case 3:
			m.Stdout = append([]byte(nil), v...)
		case 4:
			m.Stderr = append([]byte(nil), v...)
		case 5:
			out := &Output{}
			if err := out.Unmarshal(v); err != nil {
				return err
			}
			m.Output = append(m.Output, out)
		case 6:
			m.ErrorMessage = append(m.ErrorMessage, string(v))
		case 7:
			m.MissingInput = append(m.MissingInput, string(v))
		}
		return nil
	})
}

// Marshal encodes a StoreFileReq.
func (m *StoreFileReq) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.HashKey)
	b = appendVarint(b, 2, m.Size)
	b = appendBytes(b, 3, m.Content)
	return b
}

// Unmarshal decodes a StoreFileReq.
func (m *StoreFileReq) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			m.HashKey = string(v)
		case 2:
			m.Size = decodeVarint(v)
		case 3:
			m.Content = append([]byte(nil), v...)
		}
		return nil
	})
}

// Marshal encodes a StoreFileResp.
func (m *StoreFileResp) Marshal() []byte {
	return appendString(nil, 1, m.HashKey)
}

// Marshal encodes a LookupFileReq.
func (m *LookupFileReq) Marshal() []byte {
	return appendString(nil, 1, m.HashKey)
}

// Unmarshal decodes a LookupFileReq.
func (m *LookupFileReq) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == 1 {
			m.HashKey = string(v)
		}
		return nil
	})
}

// Marshal encodes a LookupFileResp.
func (m *LookupFileResp) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.HashKey)
	b = appendVarint(b, 2, m.Size)
	b = appendBytes(b, 3, m.Content)
	return b
}

// Unmarshal decodes a LookupFileResp.
func (m *LookupFileResp) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			m.HashKey = string(v)
		case 2:
			m.Size = decodeVarint(v)
		case 3:
			m.Content = append([]byte(nil), v...)
		}
		return nil
	})
}

// Unmarshal decodes a StoreFileResp.
func (m *StoreFileResp) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == 1 {
			m.HashKey = string(v)
		}
		return nil
	})
}
