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

package policy

import "strings"

// Flags is the per-node policy bit set.
type Flags uint32

const (
	FlagNone Flags = 0

	AllowRead              Flags = 1 << 0
	AllowReadIfNonexistent Flags = 1 << 1
	AllowWrite             Flags = 1 << 2
	AllowSymlinkCreation   Flags = 1 << 3
	AllowCreateDirectory   Flags = 1 << 4

	ReportAccess              Flags = 1 << 5
	ReportAccessIfExistent    Flags = 1 << 6
	ReportAccessIfNonexistent Flags = 1 << 7
	ReportDirectoryEnumeration Flags = 1 << 8

	OverrideTimestamps            Flags = 1 << 9
	EnableFullReparsePointParsing Flags = 1 << 10
	TreatDirectorySymlinkAsDirectory Flags = 1 << 11
	IndicateUntracked             Flags = 1 << 12

	// AllowAll is the usual scope shorthand for fully trusted subtrees.
	AllowAll = AllowRead | AllowReadIfNonexistent | AllowWrite |
		AllowSymlinkCreation | AllowCreateDirectory
)

// Has tells whether every bit of f2 is set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// HasAny tells whether any bit of f2 is set.
func (f Flags) HasAny(f2 Flags) bool {
	return f&f2 != 0
}

//
// Record is one node of the manifest policy tree. The tree is a trie over
// case-folded path atoms: the root carries an empty atom, every other
// record a non-empty one, and no two siblings fold to the same atom.
//
// NodePolicy applies exactly at the record's own path; ConePolicy applies
// to everything underneath it for which no deeper record exists.
//
type Record struct {
	PartialPathAtom string
	NodePolicy      Flags
	ConePolicy      Flags
	ExpectedUsn     uint64
	HasUsn          bool

	// BucketCount preserves the manifest's declared child-table sizing;
	// lookup itself is served by the folded-atom map below.
	BucketCount uint32

	children map[string]*Record
}

// NewRecord builds a standalone record (decoder and tests).
func NewRecord(atom string, nodePolicy, conePolicy Flags) *Record {
	return &Record{
		PartialPathAtom: atom,
		NodePolicy:      nodePolicy,
		ConePolicy:      conePolicy,
	}
}

// NewRoot builds an empty-atom root record.
func NewRoot() *Record {
	return NewRecord("", FlagNone, FlagNone)
}

// SetUsn attaches an expected USN to the record.
func (r *Record) SetUsn(usn uint64) {
	r.ExpectedUsn = usn
	r.HasUsn = true
}

// AddChild links a child record; replaces any sibling folding to the same
// atom (decoder input guarantees uniqueness).
func (r *Record) AddChild(c *Record) *Record {
	if r.children == nil {
		r.children = make(map[string]*Record)
	}
	r.children[strings.ToLower(c.PartialPathAtom)] = c
	return c
}

// FindChild looks up a child by case-insensitive atom.
func (r *Record) FindChild(atom string) *Record {
	if r.children == nil {
		return nil
	}
	return r.children[strings.ToLower(atom)]
}

// ChildCount returns the number of linked children.
func (r *Record) ChildCount() int {
	return len(r.children)
}

// VisitChildren invokes fn for every child (encoder, diagnostics).
func (r *Record) VisitChildren(fn func(*Record)) {
	for _, c := range r.children {
		fn(c)
	}
}
