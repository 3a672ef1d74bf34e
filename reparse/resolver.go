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

package reparse

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/detourbox/detourbox/domain"
	"github.com/detourbox/detourbox/winpath"
)

// HopEnforcer runs one reparse hop through the caller's access-check and
// reporting pipeline. A non-zero return denies the whole resolution.
type HopEnforcer func(hop winpath.Path, target string) domain.Win32Error

// HopFilter decides whether a prefix level participates in resolution
// (policy scoping and translation filtering).
type HopFilter func(hop winpath.Path) bool

//
// Resolver walks a path and exposes every symlink / mount-point hop as a
// distinct, policy-checked access instead of letting the kernel resolve
// the chain silently. Resolutions are cached; the cache is invalidated by
// the detour layer whenever a contributing path is written, renamed, or
// deleted.
//
type Resolver struct {
	ios   domain.IOServiceIface
	cache *Cache
}

// NewResolver builds a resolver over the given I/O service.
func NewResolver(ios domain.IOServiceIface) *Resolver {
	return &Resolver{
		ios:   ios,
		cache: NewCache(),
	}
}

// Cache exposes the resolution cache (invalidation hooks, stats).
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// IsReparsePoint classifies one path, cache-first.
func (r *Resolver) IsReparsePoint(path string) bool {
	if isRep, _, ok := r.cache.LookupTarget(path); ok {
		return isRep
	}

	attrs, werr := r.ios.GetFileAttributes(path)
	isRep := werr == domain.ErrorSuccess &&
		attrs&domain.FileAttributeReparsePoint != 0

	target := ""
	if isRep {
		if t, terr := r.ios.ReadReparseTarget(path); terr == domain.ErrorSuccess {
			target = t
		} else {
			isRep = false
		}
	}
	r.cache.StoreTarget(path, isRep, target)
	return isRep
}

func (r *Resolver) targetOf(path string) (string, bool) {
	if isRep, target, ok := r.cache.LookupTarget(path); ok {
		return target, isRep && target != ""
	}
	if !r.IsReparsePoint(path) {
		return "", false
	}
	_, target, _ := r.cache.LookupTarget(path)
	return target, target != ""
}

// maxHops bounds pathological chains independently of cycle detection.
const maxHops = 64

//
// Resolve walks the path, splicing in every reparse target it encounters
// and invoking the enforcer per hop. With preserveLast set the final atom
// is left unresolved (open-the-symlink-itself semantics). The returned
// path is fully resolved; the resolution chain is cached.
//
// Cycles terminate the walk with a warning; the chain up to the
// recurrence stays valid and the working path is returned as-is.
//
func (r *Resolver) Resolve(
	p winpath.Path,
	preserveLast bool,
	filter HopFilter,
	enforce HopEnforcer) (winpath.Path, domain.Win32Error) {

	// Replaying a cached chain still enforces every hop: caching spares
	// the syscalls, never the policy checks or reports.
	if chain, ok := r.cache.LookupChain(p.WithoutPrefix(), preserveLast); ok {
		for _, e := range chain {
			if e.Class != Intermediate {
				continue
			}
			hop, err := winpath.Canonicalize(e.Path)
			if err != nil {
				continue
			}
			target, _ := r.targetOf(e.Path)
			if werr := enforce(hop, target); werr != domain.ErrorSuccess {
				return p, werr
			}
		}
		final := chain[len(chain)-1]
		resolved, err := winpath.Canonicalize(final.Path)
		if err != nil {
			return p, domain.ErrorSuccess
		}
		return rePrefix(p, resolved), domain.ErrorSuccess
	}

	working := toWin32(p)
	visited := map[string]bool{}
	var chain []ChainEntry

	for hops := 0; ; hops++ {
		if hops > maxHops {
			logrus.Warnf("Reparse chain on %s exceeds %d hops; stopping",
				p.String(), maxHops)
			break
		}

		hop, target, found := r.firstReparseHop(working, preserveLast, filter)
		if !found {
			break
		}

		folded := strings.ToLower(hop.WithoutPrefix())
		if visited[folded] {
			logrus.Warnf("Reparse-point cycle detected at %s; "+
				"chain truncated", hop.String())
			break
		}
		visited[folded] = true
		chain = append(chain, ChainEntry{
			Path:  hop.WithoutPrefix(),
			Class: Intermediate,
		})

		if werr := enforce(hop, target); werr != domain.ErrorSuccess {
			return p, werr
		}

		next, ok := r.splice(working, hop, target)
		if !ok {
			logrus.Warnf("Cannot splice reparse target %q into %s; "+
				"falling through to the real API", target, working.String())
			break
		}
		working = next
	}

	chain = append(chain, ChainEntry{
		Path:  working.WithoutPrefix(),
		Class: FullyResolved,
	})
	r.cache.StoreChain(p.WithoutPrefix(), preserveLast, chain)

	return rePrefix(p, working), domain.ErrorSuccess
}

// firstReparseHop scans prefix levels (and the final atom unless
// preserved) for the first reparse point.
func (r *Resolver) firstReparseHop(
	working winpath.Path,
	preserveLast bool,
	filter HopFilter) (winpath.Path, string, bool) {

	atoms := working.Atoms()
	if len(atoms) == 0 {
		return winpath.Path{}, "", false
	}

	last := len(atoms)
	if preserveLast {
		last--
	}

	// Level 0 is the volume anchor ("C:"), never a reparse point itself.
	partial, err := winpath.Canonicalize(atoms[0] + `\`)
	if err != nil {
		return winpath.Path{}, "", false
	}
	for i := 1; i < last; i++ {
		partial = partial.Extend(atoms[i])
		if filter != nil && !filter(partial) {
			continue
		}
		if target, ok := r.targetOf(partial.WithoutPrefix()); ok {
			return partial, target, true
		}
	}
	return winpath.Path{}, "", false
}

// splice replaces the hop prefix of working with the reparse target and
// renormalizes. Rooted targets restart from their own root; relative
// targets are resolved against the hop's parent.
func (r *Resolver) splice(
	working winpath.Path,
	hop winpath.Path,
	target string) (winpath.Path, bool) {

	remainder := strings.TrimPrefix(
		strings.ToLower(working.WithoutPrefix()),
		strings.ToLower(hop.WithoutPrefix()))
	// Recover original casing of the remainder.
	remainder = working.WithoutPrefix()[len(working.WithoutPrefix())-len(remainder):]

	target = strings.TrimPrefix(target, `\??\`)
	target = strings.TrimPrefix(target, `\\?\`)

	var combined string
	if isRootedTarget(target) {
		combined = target + remainder
	} else {
		combined = hop.RemoveLastComponent().WithoutPrefix() +
			`\` + target + remainder
	}

	out, err := winpath.Canonicalize(combined)
	if err != nil {
		return winpath.Path{}, false
	}
	return out, true
}

func isRootedTarget(t string) bool {
	return (len(t) >= 2 && t[1] == ':') || strings.HasPrefix(t, `\\`)
}

// toWin32 strips an NT prefix for resolution purposes.
func toWin32(p winpath.Path) winpath.Path {
	if p.Type() != winpath.Win32Nt {
		return p
	}
	out, err := winpath.Canonicalize(p.WithoutPrefix())
	if err != nil {
		return p
	}
	return out
}

// rePrefix restores the original prefix class on the resolved path.
func rePrefix(orig winpath.Path, resolved winpath.Path) winpath.Path {
	if orig.Type() != winpath.Win32Nt {
		return resolved
	}
	out, err := winpath.Canonicalize(
		orig.String()[:orig.PrefixLength()] + resolved.WithoutPrefix())
	if err != nil {
		return resolved
	}
	return out
}
