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
	"sort"
	"strings"

	"github.com/detourbox/detourbox/winpath"
)

// TranslateTuple is one directory-translation pair. Both sides are stored
// lowercased; from/to form a bijection for the manifest's lifetime.
type TranslateTuple struct {
	From string
	To   string
}

// TranslateTable rewrites path prefixes per the manifest's translation
// list: longest matching From wins, and each tuple fires at most once per
// path so that cyclic tuple sets cannot loop.
type TranslateTable struct {
	tuples []TranslateTuple
}

// NewTranslateTable lowercases and orders the tuples (From length
// descending, so the longest prefix is tried first).
func NewTranslateTable(tuples []TranslateTuple) *TranslateTable {
	t := &TranslateTable{tuples: make([]TranslateTuple, len(tuples))}
	for i, tp := range tuples {
		t.tuples[i] = TranslateTuple{
			From: strings.ToLower(tp.From),
			To:   strings.ToLower(tp.To),
		}
	}
	sort.SliceStable(t.tuples, func(i, j int) bool {
		return len(t.tuples[i].From) > len(t.tuples[j].From)
	})
	return t
}

// Empty tells whether there is nothing to rewrite.
func (t *TranslateTable) Empty() bool {
	return t == nil || len(t.tuples) == 0
}

// Tuples exposes the ordered working set (diagnostics, encoder).
func (t *TranslateTable) Tuples() []TranslateTuple {
	if t == nil {
		return nil
	}
	return t.tuples
}

// Translate rewrites a prefixless path body. Device and named-stream paths
// are returned untouched by TranslatePath; this level assumes a plain body.
func (t *TranslateTable) Translate(body string) string {
	if t.Empty() {
		return body
	}

	fired := make([]bool, len(t.tuples))
	for {
		matched := false
		lower := strings.ToLower(body)

		for i, tp := range t.tuples {
			if fired[i] {
				continue
			}
			if n, ok := prefixMatch(lower, tp.From); ok {
				body = tp.To + body[n:]
				fired[i] = true
				matched = true
				break
			}
		}
		if !matched {
			return body
		}
	}
}

// prefixMatch matches From against the lowered body. A From carrying a
// trailing separator also matches the bare directory form, so that
// "d:\tmp" translates under a "d:\tmp\" tuple.
func prefixMatch(lower string, from string) (int, bool) {
	if strings.HasPrefix(lower, from) {
		// Component boundary: the match must end at a separator, at the
		// end of the body, or the From itself ends with one.
		if len(lower) == len(from) ||
			strings.HasSuffix(from, `\`) ||
			lower[len(from)] == '\\' {
			return len(from), true
		}
		return 0, false
	}
	if strings.HasSuffix(from, `\`) && lower == from[:len(from)-1] {
		return len(lower), true
	}
	return 0, false
}

// TranslatePath applies the table to a canonical path, restoring the
// original `\??\` / `\\?\` prefix afterwards. Device paths and paths with
// named streams are never rewritten.
func (t *TranslateTable) TranslatePath(p winpath.Path) winpath.Path {
	if t.Empty() || p.IsNull() {
		return p
	}
	if p.Type() == winpath.LocalDevice || winpath.HasNamedStream(p) {
		return p
	}

	body := p.WithoutPrefix()
	rewritten := t.Translate(body)
	if rewritten == body {
		return p
	}

	restored := p.String()[:p.PrefixLength()] + rewritten
	out, err := winpath.Canonicalize(restored)
	if err != nil {
		return p
	}
	return out
}
