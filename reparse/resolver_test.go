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

package reparse_test

import (
	"testing"

	"github.com/detourbox/detourbox/domain"
	"github.com/detourbox/detourbox/reparse"
	"github.com/detourbox/detourbox/sysio"
	"github.com/detourbox/detourbox/winpath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPath(t *testing.T, s string) winpath.Path {
	p, err := winpath.Canonicalize(s)
	require.NoError(t, err)
	return p
}

func collectHops() (*[]string, reparse.HopEnforcer) {
	hops := &[]string{}
	return hops, func(hop winpath.Path, target string) domain.Win32Error {
		*hops = append(*hops, hop.WithoutPrefix())
		return domain.ErrorSuccess
	}
}

func TestResolveNoReparse(t *testing.T) {

	ios := sysio.NewIOService(domain.IOMemFileService)
	require.NoError(t, ios.WriteFile(`C:\src\a.txt`, []byte("x")))

	r := reparse.NewResolver(ios)
	hops, enforce := collectHops()

	resolved, werr := r.Resolve(
		mustPath(t, `C:\src\a.txt`), false, nil, enforce)
	assert.Equal(t, domain.ErrorSuccess, werr)
	assert.Equal(t, `C:\src\a.txt`, resolved.String())
	assert.Empty(t, *hops)
}

func TestResolveChain(t *testing.T) {

	ios := sysio.NewIOService(domain.IOMemFileService)
	require.NoError(t, ios.WriteFile(`C:\final\f.txt`, []byte("x")))
	ios.SetReparsePoint(`C:\a\link`, `C:\mid\link2`, false)
	ios.SetReparsePoint(`C:\mid\link2`, `C:\final\f.txt`, false)

	r := reparse.NewResolver(ios)
	hops, enforce := collectHops()

	resolved, werr := r.Resolve(
		mustPath(t, `C:\a\link`), false, nil, enforce)
	assert.Equal(t, domain.ErrorSuccess, werr)
	assert.Equal(t, `C:\final\f.txt`, resolved.String())
	assert.Equal(t, []string{`C:\a\link`, `C:\mid\link2`}, *hops)
}

func TestResolveDirectoryJunctionWithRemainder(t *testing.T) {

	ios := sysio.NewIOService(domain.IOMemFileService)
	require.NoError(t, ios.WriteFile(`C:\real\sub\f.txt`, []byte("x")))
	ios.SetReparsePoint(`C:\mnt`, `C:\real`, true)

	r := reparse.NewResolver(ios)
	hops, enforce := collectHops()

	resolved, werr := r.Resolve(
		mustPath(t, `C:\mnt\sub\f.txt`), false, nil, enforce)
	assert.Equal(t, domain.ErrorSuccess, werr)
	assert.Equal(t, `C:\real\sub\f.txt`, resolved.String())
	assert.Equal(t, []string{`C:\mnt`}, *hops)
}

func TestResolveRelativeTarget(t *testing.T) {

	ios := sysio.NewIOService(domain.IOMemFileService)
	require.NoError(t, ios.WriteFile(`C:\base\real\f.txt`, []byte("x")))
	ios.SetReparsePoint(`C:\base\lnk`, `real`, true)

	r := reparse.NewResolver(ios)
	_, enforce := collectHops()

	resolved, werr := r.Resolve(
		mustPath(t, `C:\base\lnk\f.txt`), false, nil, enforce)
	assert.Equal(t, domain.ErrorSuccess, werr)
	assert.Equal(t, `C:\base\real\f.txt`, resolved.String())
}

func TestPreserveLastReparsePoint(t *testing.T) {

	ios := sysio.NewIOService(domain.IOMemFileService)
	require.NoError(t, ios.WriteFile(`C:\t\f.txt`, []byte("x")))
	ios.SetReparsePoint(`C:\a\link`, `C:\t\f.txt`, false)

	r := reparse.NewResolver(ios)
	hops, enforce := collectHops()

	// Open-the-symlink-itself semantics: the final atom stays put.
	resolved, werr := r.Resolve(
		mustPath(t, `C:\a\link`), true, nil, enforce)
	assert.Equal(t, domain.ErrorSuccess, werr)
	assert.Equal(t, `C:\a\link`, resolved.String())
	assert.Empty(t, *hops)
}

// A cyclic chain terminates and stays valid up to the recurrence.
func TestResolveCycle(t *testing.T) {

	ios := sysio.NewIOService(domain.IOMemFileService)
	ios.SetReparsePoint(`C:\x\one`, `C:\y\two`, false)
	ios.SetReparsePoint(`C:\y\two`, `C:\x\one`, false)

	r := reparse.NewResolver(ios)
	hops, enforce := collectHops()

	resolved, werr := r.Resolve(
		mustPath(t, `C:\x\one`), false, nil, enforce)
	assert.Equal(t, domain.ErrorSuccess, werr)
	assert.Equal(t, []string{`C:\x\one`, `C:\y\two`}, *hops)
	// The walk stops on the recurrence of C:\x\one.
	assert.Equal(t, `C:\x\one`, resolved.String())
}

func TestEnforcerDenialStopsResolution(t *testing.T) {

	ios := sysio.NewIOService(domain.IOMemFileService)
	require.NoError(t, ios.WriteFile(`C:\final\f.txt`, []byte("x")))
	ios.SetReparsePoint(`C:\a\link`, `C:\mid\link2`, false)
	ios.SetReparsePoint(`C:\mid\link2`, `C:\final\f.txt`, false)

	r := reparse.NewResolver(ios)

	var seen []string
	enforce := func(hop winpath.Path, target string) domain.Win32Error {
		seen = append(seen, hop.WithoutPrefix())
		if hop.EqualString(`C:\mid\link2`) {
			return domain.ErrorAccessDenied
		}
		return domain.ErrorSuccess
	}

	_, werr := r.Resolve(mustPath(t, `C:\a\link`), false, nil, enforce)
	assert.Equal(t, domain.ErrorAccessDenied, werr)
	assert.Equal(t, []string{`C:\a\link`, `C:\mid\link2`}, seen)
}

func TestHopFilterSkipsLevels(t *testing.T) {

	ios := sysio.NewIOService(domain.IOMemFileService)
	require.NoError(t, ios.WriteFile(`C:\real\f.txt`, []byte("x")))
	ios.SetReparsePoint(`C:\skipme`, `C:\real`, true)

	r := reparse.NewResolver(ios)
	hops, enforce := collectHops()

	filter := func(hop winpath.Path) bool {
		return !hop.EqualString(`C:\skipme`)
	}

	resolved, werr := r.Resolve(
		mustPath(t, `C:\skipme\f.txt`), false, filter, enforce)
	assert.Equal(t, domain.ErrorSuccess, werr)
	assert.Equal(t, `C:\skipme\f.txt`, resolved.String())
	assert.Empty(t, *hops)
}

// Cached chains replay their hop enforcement but spare the probing; the
// cache drops entries when a contributor is invalidated.
func TestChainCaching(t *testing.T) {

	ios := sysio.NewIOService(domain.IOMemFileService)
	require.NoError(t, ios.WriteFile(`C:\final\f.txt`, []byte("x")))
	ios.SetReparsePoint(`C:\a\link`, `C:\final\f.txt`, false)

	r := reparse.NewResolver(ios)
	hops, enforce := collectHops()

	_, werr := r.Resolve(mustPath(t, `C:\a\link`), false, nil, enforce)
	require.Equal(t, domain.ErrorSuccess, werr)

	// Second resolution hits the chain cache, still enforcing the hop.
	resolved, werr := r.Resolve(mustPath(t, `C:\a\link`), false, nil, enforce)
	assert.Equal(t, domain.ErrorSuccess, werr)
	assert.Equal(t, `C:\final\f.txt`, resolved.String())
	assert.Equal(t, []string{`C:\a\link`, `C:\a\link`}, *hops)

	hits, _ := r.Cache().Stats()
	assert.NotZero(t, hits)

	// Retargeting the link after invalidation is observed.
	ios.SetReparsePoint(`C:\a\link`, `C:\other\g.txt`, false)
	require.NoError(t, ios.WriteFile(`C:\other\g.txt`, []byte("y")))
	r.Cache().Invalidate(`C:\a\link`)

	resolved, werr = r.Resolve(mustPath(t, `C:\a\link`), false, nil, enforce)
	assert.Equal(t, domain.ErrorSuccess, werr)
	assert.Equal(t, `C:\other\g.txt`, resolved.String())
}

func TestNtPrefixRoundTrip(t *testing.T) {

	ios := sysio.NewIOService(domain.IOMemFileService)
	require.NoError(t, ios.WriteFile(`C:\real\f.txt`, []byte("x")))
	ios.SetReparsePoint(`C:\mnt`, `C:\real`, true)

	r := reparse.NewResolver(ios)
	_, enforce := collectHops()

	resolved, werr := r.Resolve(
		mustPath(t, `\??\C:\mnt\f.txt`), false, nil, enforce)
	assert.Equal(t, domain.ErrorSuccess, werr)
	assert.Equal(t, winpath.Win32Nt, resolved.Type())
	assert.Equal(t, `\??\C:\real\f.txt`, resolved.String())
}
