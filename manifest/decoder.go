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
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/detourbox/detourbox/domain"
	"github.com/detourbox/detourbox/policy"
)

// Record magic tags. Every fixed record of the payload self-identifies
// with one of these before its body.
const (
	TagDebugFlag         uint32 = 0xDB010001
	TagInjectionTimeout  uint32 = 0xDB010002
	TagBreakawayList     uint32 = 0xDB010003
	TagTranslateList     uint32 = 0xDB010004
	TagInternalErrorFile uint32 = 0xDB010005
	TagFlags             uint32 = 0xDB010006
	TagExtraFlags        uint32 = 0xDB010007
	TagPipId             uint32 = 0xDB010008
	TagReport            uint32 = 0xDB010009
	TagDllBlock          uint32 = 0xDB01000A
	TagShim              uint32 = 0xDB01000B
	TagRecord            uint32 = 0xDB01000C
)

// MagicError is a decode failure caused by a record magic mismatch. Code()
// yields the distinguished numeric tag written into the internal-error
// file before attachment is failed.
type MagicError struct {
	Expected uint32
	Got      uint32
	Offset   int
}

func (e *MagicError) Error() string {
	return fmt.Sprintf(
		"manifest magic mismatch at offset %d: expected 0x%08X, got 0x%08X",
		e.Offset, e.Expected, e.Got)
}

// Code is the value reported through the internal-error protocol.
func (e *MagicError) Code() uint32 {
	return e.Expected
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

func (d *decoder) readU8() (uint8, error) {
	if d.remaining() < 1 {
		return 0, errors.Errorf("payload truncated at offset %d", d.off)
	}
	v := d.buf[d.off]
	d.off++
	return v, nil
}

func (d *decoder) readU32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, errors.Errorf("payload truncated at offset %d", d.off)
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) readU64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, errors.Errorf("payload truncated at offset %d", d.off)
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

// readString reads a u32 code-unit count followed by UTF-16LE units.
func (d *decoder) readString() (string, error) {
	n, err := d.readU32()
	if err != nil {
		return "", err
	}
	if d.remaining() < int(n)*2 {
		return "", errors.Errorf("string truncated at offset %d", d.off)
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(d.buf[d.off:])
		d.off += 2
	}
	return string(utf16.Decode(units)), nil
}

func (d *decoder) expectTag(tag uint32) error {
	at := d.off
	got, err := d.readU32()
	if err != nil {
		return err
	}
	if got != tag {
		return &MagicError{Expected: tag, Got: got, Offset: at}
	}
	return nil
}

// Decode parses the controller's binary manifest payload into the
// process-wide state. The record sequence is fixed; any magic mismatch
// aborts with a MagicError whose code is surfaced through the
// internal-error protocol.
func Decode(blob []byte) (*State, error) {
	d := &decoder{buf: blob}
	s := &State{}

	// 1. Debug flag.
	if err := d.expectTag(TagDebugFlag); err != nil {
		return nil, err
	}
	debug, err := d.readU32()
	if err != nil {
		return nil, errors.Wrap(err, "debug flag")
	}
	s.DebugFlag = debug != 0

	// 2. Injection timeout (minutes, floored).
	if err := d.expectTag(TagInjectionTimeout); err != nil {
		return nil, err
	}
	timeout, err := d.readU32()
	if err != nil {
		return nil, errors.Wrap(err, "injection timeout")
	}
	if timeout < MinInjectionTimeoutMinutes {
		timeout = MinInjectionTimeoutMinutes
	}
	s.InjectionTimeoutMinutes = timeout

	// 3. Breakaway child processes.
	if err := d.expectTag(TagBreakawayList); err != nil {
		return nil, err
	}
	nBreakaway, err := d.readU32()
	if err != nil {
		return nil, errors.Wrap(err, "breakaway count")
	}
	for i := uint32(0); i < nBreakaway; i++ {
		name, err := d.readString()
		if err != nil {
			return nil, errors.Wrapf(err, "breakaway %d name", i)
		}
		args, err := d.readString()
		if err != nil {
			return nil, errors.Wrapf(err, "breakaway %d args", i)
		}
		fl, err := d.readU8()
		if err != nil {
			return nil, errors.Wrapf(err, "breakaway %d flags", i)
		}
		s.Breakaways = append(s.Breakaways, domain.BreakawayDescriptor{
			ImageName:      name,
			RequiredArgs:   args,
			ArgsIgnoreCase: fl&0x1 != 0,
		})
	}

	// 4. Translation tuples.
	if err := d.expectTag(TagTranslateList); err != nil {
		return nil, err
	}
	nTrans, err := d.readU32()
	if err != nil {
		return nil, errors.Wrap(err, "translation count")
	}
	tuples := make([]TranslateTuple, 0, nTrans)
	for i := uint32(0); i < nTrans; i++ {
		from, err := d.readString()
		if err != nil {
			return nil, errors.Wrapf(err, "translation %d from", i)
		}
		to, err := d.readString()
		if err != nil {
			return nil, errors.Wrapf(err, "translation %d to", i)
		}
		tuples = append(tuples, TranslateTuple{From: from, To: to})
	}
	s.Translations = NewTranslateTable(tuples)

	// 5. Internal-error notification file.
	if err := d.expectTag(TagInternalErrorFile); err != nil {
		return nil, err
	}
	if s.InternalErrorFile, err = d.readString(); err != nil {
		return nil, errors.Wrap(err, "internal error file")
	}

	// 6/7. Flag words.
	if err := d.expectTag(TagFlags); err != nil {
		return nil, err
	}
	fl, err := d.readU32()
	if err != nil {
		return nil, errors.Wrap(err, "flags")
	}
	s.Flags = Flags(fl)

	if err := d.expectTag(TagExtraFlags); err != nil {
		return nil, err
	}
	if s.ExtraFlags, err = d.readU32(); err != nil {
		return nil, errors.Wrap(err, "extra flags")
	}

	// 8. Pip identifier.
	if err := d.expectTag(TagPipId); err != nil {
		return nil, err
	}
	if s.PipID, err = d.readU64(); err != nil {
		return nil, errors.Wrap(err, "pip id")
	}

	// 9. Report descriptor.
	if err := d.expectTag(TagReport); err != nil {
		return nil, err
	}
	present, err := d.readU32()
	if err != nil {
		return nil, errors.Wrap(err, "report present")
	}
	if present != 0 {
		s.Report.Present = true
		isHandle, err := d.readU32()
		if err != nil {
			return nil, errors.Wrap(err, "report isHandle")
		}
		if isHandle != 0 {
			s.Report.IsHandle = true
			if s.Report.Handle, err = d.readU64(); err != nil {
				return nil, errors.Wrap(err, "report handle")
			}
		} else {
			if s.Report.Path, err = d.readString(); err != nil {
				return nil, errors.Wrap(err, "report path")
			}
		}
	}

	// 10. DLL block.
	if err := d.expectTag(TagDllBlock); err != nil {
		return nil, err
	}
	if s.Dll32, err = d.readString(); err != nil {
		return nil, errors.Wrap(err, "dll32")
	}
	if s.Dll64, err = d.readString(); err != nil {
		return nil, errors.Wrap(err, "dll64")
	}

	// 11. Substitute-process shim.
	if err := d.expectTag(TagShim); err != nil {
		return nil, err
	}
	shimAll, err := d.readU32()
	if err != nil {
		return nil, errors.Wrap(err, "shim all")
	}
	shim := &domain.ShimSettings{ShimAllProcesses: shimAll != 0}
	if shim.ShimPath, err = d.readString(); err != nil {
		return nil, errors.Wrap(err, "shim path")
	}
	if shim.PluginDll32, err = d.readString(); err != nil {
		return nil, errors.Wrap(err, "shim plugin32")
	}
	if shim.PluginDll64, err = d.readString(); err != nil {
		return nil, errors.Wrap(err, "shim plugin64")
	}
	nMatch, err := d.readU32()
	if err != nil {
		return nil, errors.Wrap(err, "shim match count")
	}
	for i := uint32(0); i < nMatch; i++ {
		name, err := d.readString()
		if err != nil {
			return nil, errors.Wrapf(err, "shim match %d name", i)
		}
		args, err := d.readString()
		if err != nil {
			return nil, errors.Wrapf(err, "shim match %d args", i)
		}
		shim.Matches = append(shim.Matches, domain.ShimMatch{
			ImageName: name,
			Args:      args,
		})
	}
	s.Shim = shim

	// 12. Policy tree root: the remainder of the payload.
	root, err := d.readRecord()
	if err != nil {
		return nil, err
	}
	if root.PartialPathAtom != "" {
		return nil, errors.New("root record must carry an empty atom")
	}
	s.Root = root

	logrus.Debugf(
		"Manifest decoded: pip 0x%X, flags 0x%X, %d breakaways, %d translations",
		s.PipID, uint32(s.Flags), len(s.Breakaways), nTrans)

	return s, nil
}

// readRecord parses one policy record and, recursively, its children
// (encoded depth-first).
func (d *decoder) readRecord() (*policy.Record, error) {
	if err := d.expectTag(TagRecord); err != nil {
		return nil, err
	}

	cone, err := d.readU32()
	if err != nil {
		return nil, errors.Wrap(err, "record cone policy")
	}
	node, err := d.readU32()
	if err != nil {
		return nil, errors.Wrap(err, "record node policy")
	}
	hasUsn, err := d.readU8()
	if err != nil {
		return nil, errors.Wrap(err, "record usn presence")
	}
	var usn uint64
	if hasUsn != 0 {
		if usn, err = d.readU64(); err != nil {
			return nil, errors.Wrap(err, "record usn")
		}
	}
	bucketCount, err := d.readU32()
	if err != nil {
		return nil, errors.Wrap(err, "record bucket count")
	}
	childCount, err := d.readU32()
	if err != nil {
		return nil, errors.Wrap(err, "record child count")
	}
	atom, err := d.readString()
	if err != nil {
		return nil, errors.Wrap(err, "record atom")
	}

	rec := policy.NewRecord(atom, policy.Flags(node), policy.Flags(cone))
	rec.BucketCount = bucketCount
	if hasUsn != 0 {
		rec.SetUsn(usn)
	}

	seen := make(map[string]bool, childCount)
	for i := uint32(0); i < childCount; i++ {
		child, err := d.readRecord()
		if err != nil {
			return nil, err
		}
		if child.PartialPathAtom == "" {
			return nil, errors.New("non-root record with empty atom")
		}
		folded := strings.ToLower(child.PartialPathAtom)
		if seen[folded] {
			return nil, errors.Errorf(
				"sibling records collide on atom %q", child.PartialPathAtom)
		}
		seen[folded] = true
		rec.AddChild(child)
	}

	return rec, nil
}
