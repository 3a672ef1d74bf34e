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

package winpath

import (
	"errors"
	"strings"
)

// PathType classifies the prefix form of a canonical path. The original
// prefix class must survive round-trips: NT-only API consumers require the
// `\??\` form while Win32 consumers require it stripped.
type PathType int

const (
	// Null represents an unparseable / absent path.
	Null PathType = iota

	// Win32 is a plain drive-rooted or UNC path ("C:\x", "\\srv\share\x").
	Win32

	// Win32Nt is an NT-prefixed path ("\??\C:\x" or "\\?\C:\x").
	Win32Nt

	// LocalDevice is a device-prefixed path ("\\.\pipe\x", "\\.\C:\x").
	LocalDevice
)

func (t PathType) String() string {
	switch t {
	case Win32:
		return "Win32"
	case Win32Nt:
		return "Win32Nt"
	case LocalDevice:
		return "LocalDevice"
	}
	return "Null"
}

const (
	ntPrefix1     = `\??\`
	ntPrefix2     = `\\?\`
	devicePrefix  = `\\.\`
	uncPrefix     = `\\`
	separator     = '\\'
	separatorsStr = `\/`
)

var (
	// ErrUnparseablePath is returned when the raw string cannot be
	// interpreted as any path form at all.
	ErrUnparseablePath = errors.New("path not parseable")

	// ErrRelativePath is returned when an absolute form is required but the
	// input is relative and no base was supplied.
	ErrRelativePath = errors.New("path is not rooted")
)

// Path is an immutable canonical path value: a prefix class plus an
// absolute, separator-normalized path string. Comparison is always
// case-insensitive (ordinal fold, matching NTFS name semantics).
type Path struct {
	typ       PathType
	s         string
	prefixLen int
}

// Type returns the prefix class.
func (p Path) Type() PathType { return p.typ }

// String returns the full canonical string, prefix included.
func (p Path) String() string { return p.s }

// IsNull tells whether the value holds no path.
func (p Path) IsNull() bool { return p.typ == Null }

// PrefixLength returns the length of the `\??\`-style prefix, if any.
func (p Path) PrefixLength() int { return p.prefixLen }

// WithoutPrefix returns the path string with the NT/device prefix removed.
func (p Path) WithoutPrefix() string { return p.s[p.prefixLen:] }

// Equal compares type and case-folded content.
func (p Path) Equal(o Path) bool {
	return p.typ == o.typ && strings.EqualFold(p.s, o.s)
}

// EqualString compares the canonical string (prefix excluded) against s,
// case-insensitively.
func (p Path) EqualString(s string) bool {
	return strings.EqualFold(p.WithoutPrefix(), s)
}

// RootLength returns the length of the rooted portion of the string,
// prefix included: "C:\" for drive paths, "\\server\share\" for UNC.
func (p Path) RootLength() int {
	body := p.s[p.prefixLen:]

	// Drive-letter root.
	if len(body) >= 2 && body[1] == ':' {
		if len(body) >= 3 && body[2] == separator {
			return p.prefixLen + 3
		}
		return p.prefixLen + 2
	}

	// UNC root: server + share.
	if strings.HasPrefix(body, uncPrefix) {
		idx := 2
		seps := 0
		for ; idx < len(body); idx++ {
			if body[idx] == separator {
				seps++
				if seps == 2 {
					return p.prefixLen + idx + 1
				}
			}
		}
		return p.prefixLen + idx
	}

	if len(body) > 0 && body[0] == separator {
		return p.prefixLen + 1
	}
	return p.prefixLen
}

// Extend appends one atom, inserting a separator when needed.
func (p Path) Extend(atom string) Path {
	if atom == "" {
		return p
	}
	s := p.s
	if !strings.HasSuffix(s, string(separator)) {
		s += string(separator)
	}
	return Path{typ: p.typ, s: s + atom, prefixLen: p.prefixLen}
}

// LastComponent returns the slice after the final separator.
func (p Path) LastComponent() string {
	idx := strings.LastIndexByte(p.s, separator)
	if idx < 0 || idx < p.RootLength()-1 {
		return p.s[p.RootLength():]
	}
	return p.s[idx+1:]
}

// RemoveLastComponent returns a new value with the final atom dropped.
// Removing past the root yields the root itself.
func (p Path) RemoveLastComponent() Path {
	root := p.RootLength()
	idx := strings.LastIndexByte(p.s, separator)
	if idx < root {
		return Path{typ: p.typ, s: p.s[:root], prefixLen: p.prefixLen}
	}
	return Path{typ: p.typ, s: p.s[:idx], prefixLen: p.prefixLen}
}

// Atoms decomposes the path into its components after the root. A drive
// path contributes its "C:" atom first so that policy trees can anchor
// records per volume.
func (p Path) Atoms() []string {
	body := p.s[p.prefixLen:]
	var atoms []string

	if len(body) >= 2 && body[1] == ':' {
		atoms = append(atoms, body[:2])
		body = body[2:]
	}
	for _, a := range strings.FieldsFunc(body, isSeparator) {
		if a != "" {
			atoms = append(atoms, a)
		}
	}
	return atoms
}

func isSeparator(r rune) bool {
	return r == '\\' || r == '/'
}

// Canonicalize normalizes a raw rooted path string. The prefix class is
// detected and preserved; `.` / `..` are collapsed for Win32 and
// LocalDevice forms, never for Win32Nt forms (NT callers pass the string
// through verbatim, dots included).
func Canonicalize(raw string) (Path, error) {
	return CanonicalizeFrom("", raw)
}

// CanonicalizeFrom is Canonicalize with a base directory for relative
// inputs. An empty base rejects relative inputs.
func CanonicalizeFrom(base string, raw string) (Path, error) {
	if raw == "" {
		return Path{}, ErrUnparseablePath
	}
	if strings.IndexByte(raw, 0) >= 0 {
		return Path{}, ErrUnparseablePath
	}

	typ := Win32
	prefix := ""
	body := raw

	switch {
	case strings.HasPrefix(raw, ntPrefix1):
		typ, prefix, body = Win32Nt, raw[:4], raw[4:]
	case strings.HasPrefix(raw, ntPrefix2):
		typ, prefix, body = Win32Nt, raw[:4], raw[4:]
	case strings.HasPrefix(raw, devicePrefix):
		typ, prefix, body = LocalDevice, raw[:4], raw[4:]
	}

	if typ == Win32Nt {
		// NT form: preserved verbatim past the prefix.
		if body == "" {
			return Path{}, ErrUnparseablePath
		}
		return Path{typ: typ, s: prefix + body, prefixLen: len(prefix)}, nil
	}

	if typ == Win32 && !isRooted(body) {
		if base == "" {
			return Path{}, ErrRelativePath
		}
		if !strings.HasSuffix(base, string(separator)) {
			base += string(separator)
		}
		body = base + body
	}

	collapsed, err := collapse(body)
	if err != nil {
		return Path{}, err
	}
	return Path{typ: typ, s: prefix + collapsed, prefixLen: len(prefix)}, nil
}

func isRooted(s string) bool {
	if len(s) >= 3 && s[1] == ':' && isSeparator(rune(s[2])) {
		return true
	}
	return strings.HasPrefix(s, uncPrefix)
}

// collapse normalizes separators and resolves `.` / `..` atoms. `..` never
// climbs above the root.
func collapse(body string) (string, error) {
	if body == "" {
		return "", ErrUnparseablePath
	}

	var head string
	rest := body

	switch {
	case len(body) >= 2 && body[1] == ':':
		head = body[:2]
		rest = body[2:]
	case strings.HasPrefix(body, uncPrefix):
		// Keep "\\server\share" as the head.
		trimmed := strings.TrimLeft(body, separatorsStr)
		parts := strings.FieldsFunc(trimmed, isSeparator)
		if len(parts) < 1 {
			return "", ErrUnparseablePath
		}
		n := 2
		if len(parts) < 2 {
			n = len(parts)
		}
		head = uncPrefix + strings.Join(parts[:n], string(separator))
		rest = ""
		for _, p := range parts[n:] {
			rest += string(separator) + p
		}
	}

	var out []string
	for _, a := range strings.FieldsFunc(rest, isSeparator) {
		switch a {
		case "", ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, a)
		}
	}

	s := head + string(separator) + strings.Join(out, string(separator))
	if len(out) == 0 {
		s = head + string(separator)
	}
	return s, nil
}

//
// Special device paths that are never subject to policy: named pipes, the
// null device, console devices and bare drive-device forms. The detour
// prologue rejects these before any classification happens.
//
func IsSpecialDeviceOrPipe(raw string) bool {
	l := strings.ToLower(raw)

	if strings.HasPrefix(l, `\\.\pipe\`) || strings.HasPrefix(l, `\??\pipe\`) {
		return true
	}
	switch strings.TrimSuffix(lastAtomLower(l), ":") {
	case "nul", "con", "aux", "prn", "conin$", "conout$":
		return true
	}
	// Bare drive-device form: "\\.\C:" with nothing after the colon.
	if strings.HasPrefix(l, devicePrefix) && len(l) == 6 && l[5] == ':' {
		return true
	}
	return false
}

func lastAtomLower(l string) string {
	idx := strings.LastIndexAny(l, separatorsStr)
	return l[idx+1:]
}

// HasNamedStream tells whether the path carries an NTFS named-stream
// suffix ("file.txt:stream"). Translation never rewrites these.
func HasNamedStream(p Path) bool {
	body := p.WithoutPrefix()
	if len(body) >= 2 && body[1] == ':' {
		body = body[2:]
	}
	return strings.IndexByte(body, ':') >= 0
}
