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

import "github.com/detourbox/detourbox/winpath"

//
// Cursor is a resumable pointer into the policy tree: the deepest record
// matching a searched path, its depth, and the chain of ancestor cursors
// that led there. Truncated means the tree ran out before the path did, in
// which case the record's cone policy governs every remaining component.
//
// Cursors are immutable once returned; the parent chain is strictly a
// chain (never cyclic), so plain garbage-collected references serve the
// shared-ownership requirement.
//
type Cursor struct {
	record    *Record
	level     int
	parent    *Cursor
	truncated bool
}

// RootCursor seats a cursor on the tree root.
func RootCursor(root *Record) *Cursor {
	return &Cursor{record: root}
}

// Record returns the record the cursor points at.
func (c *Cursor) Record() *Record { return c.record }

// Level returns the cursor's depth, start-cursor levels included.
func (c *Cursor) Level() int { return c.level }

// Parent returns the ancestor cursor, nil at the root.
func (c *Cursor) Parent() *Cursor { return c.parent }

// Truncated tells whether the searched path outran the tree.
func (c *Cursor) Truncated() bool { return c.truncated }

// Policy returns the governing flags: the node policy when the cursor sits
// exactly on the searched path, the cone policy when truncated.
func (c *Cursor) Policy() Flags {
	if c.truncated {
		return c.record.ConePolicy
	}
	return c.record.NodePolicy
}

// ConePolicy returns the cone flags regardless of truncation.
func (c *Cursor) Cone() Flags {
	return c.record.ConePolicy
}

// ExpectedUsn returns the record's expected USN; none when truncated.
func (c *Cursor) ExpectedUsn() (uint64, bool) {
	if c.truncated || !c.record.HasUsn {
		return 0, false
	}
	return c.record.ExpectedUsn, true
}

// Find walks atoms from the cursor, descending while a case-insensitive
// child match exists. A truncated cursor absorbs any further search: once
// the tree has run out, every deeper component is governed by the same
// cone, so the cursor itself is the answer.
func (c *Cursor) Find(atoms []string) *Cursor {
	if c.truncated {
		return c
	}

	cur := c
	for i, atom := range atoms {
		child := cur.record.FindChild(atom)
		if child == nil {
			return &Cursor{
				record:    cur.record,
				level:     cur.level + (len(atoms) - i),
				parent:    cur.parent,
				truncated: true,
			}
		}
		cur = &Cursor{
			record: child,
			level:  cur.level + 1,
			parent: cur,
		}
	}
	return cur
}

// FindPath is Find over a canonical path's atoms.
func (c *Cursor) FindPath(p winpath.Path) *Cursor {
	return c.Find(p.Atoms())
}

// SubpathCursor resolves the policy of one directory entry beneath the
// cursor (per-entry checks during enumeration).
func (c *Cursor) SubpathCursor(atom string) *Cursor {
	return c.Find([]string{atom})
}

// SameRecord compares two cursors for search equivalence.
func (c *Cursor) SameRecord(o *Cursor) bool {
	return c.record == o.record && c.truncated == o.truncated
}
