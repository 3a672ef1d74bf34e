//
// Copyright 2024-2026 Detourbox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package manifest

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strings"
	"unicode/utf16"

	"github.com/detourbox/detourbox/policy"
)

//
// Encoder: the decoder's mirror image. The production manifest always
// arrives from the controller; this half exists for round-trip tests and
// for the manifest-gen tool.
//

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u8(v uint8) {
	e.buf.WriteByte(v)
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) str(s string) {
	units := utf16.Encode([]rune(s))
	e.u32(uint32(len(units)))
	for _, u := range units {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], u)
		e.buf.Write(b[:])
	}
}

// Encode serializes a State into the controller payload form.
func Encode(s *State) []byte {
	e := &encoder{}

	e.u32(TagDebugFlag)
	if s.DebugFlag {
		e.u32(1)
	} else {
		e.u32(0)
	}

	e.u32(TagInjectionTimeout)
	e.u32(s.InjectionTimeoutMinutes)

	e.u32(TagBreakawayList)
	e.u32(uint32(len(s.Breakaways)))
	for _, b := range s.Breakaways {
		e.str(b.ImageName)
		e.str(b.RequiredArgs)
		var fl uint8
		if b.ArgsIgnoreCase {
			fl |= 0x1
		}
		e.u8(fl)
	}

	e.u32(TagTranslateList)
	tuples := s.Translations.Tuples()
	e.u32(uint32(len(tuples)))
	for _, t := range tuples {
		e.str(t.From)
		e.str(t.To)
	}

	e.u32(TagInternalErrorFile)
	e.str(s.InternalErrorFile)

	e.u32(TagFlags)
	e.u32(uint32(s.Flags))

	e.u32(TagExtraFlags)
	e.u32(s.ExtraFlags)

	e.u32(TagPipId)
	e.u64(s.PipID)

	e.u32(TagReport)
	if !s.Report.Present {
		e.u32(0)
	} else {
		e.u32(1)
		if s.Report.IsHandle {
			e.u32(1)
			e.u64(s.Report.Handle)
		} else {
			e.u32(0)
			e.str(s.Report.Path)
		}
	}

	e.u32(TagDllBlock)
	e.str(s.Dll32)
	e.str(s.Dll64)

	e.u32(TagShim)
	shim := s.Shim
	if shim == nil {
		shim = &emptyShim
	}
	if shim.ShimAllProcesses {
		e.u32(1)
	} else {
		e.u32(0)
	}
	e.str(shim.ShimPath)
	e.str(shim.PluginDll32)
	e.str(shim.PluginDll64)
	e.u32(uint32(len(shim.Matches)))
	for _, m := range shim.Matches {
		e.str(m.ImageName)
		e.str(m.Args)
	}

	root := s.Root
	if root == nil {
		root = policy.NewRoot()
	}
	e.record(root)

	return e.buf.Bytes()
}

func (e *encoder) record(r *policy.Record) {
	e.u32(TagRecord)
	e.u32(uint32(r.ConePolicy))
	e.u32(uint32(r.NodePolicy))
	if r.HasUsn {
		e.u8(1)
		e.u64(r.ExpectedUsn)
	} else {
		e.u8(0)
	}
	e.u32(r.BucketCount)
	e.u32(uint32(r.ChildCount()))

	e.str(r.PartialPathAtom)

	// Deterministic child order keeps encodings byte-stable.
	var children []*policy.Record
	r.VisitChildren(func(c *policy.Record) {
		children = append(children, c)
	})
	sort.Slice(children, func(i, j int) bool {
		return strings.ToLower(children[i].PartialPathAtom) <
			strings.ToLower(children[j].PartialPathAtom)
	})
	for _, c := range children {
		e.record(c)
	}
}
