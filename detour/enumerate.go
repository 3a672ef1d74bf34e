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

package detour

import (
	"github.com/detourbox/detourbox/domain"
	"github.com/detourbox/detourbox/manifest"
	"github.com/detourbox/detourbox/policy"
	"github.com/detourbox/detourbox/state"
	"github.com/detourbox/detourbox/sysio"
	"github.com/detourbox/detourbox/winpath"
)

// enumerationCheck classifies the directory side of an enumeration.
// Directory opens are always allowed; what varies is reporting, driven by
// the ReportDirectoryEnumeration policy bit.
func (s *Service) enumerationCheck(cur *policy.Cursor) domain.AccessCheckResult {

	check := domain.AccessCheckResult{
		Access:   domain.AccessEnumerate,
		Action:   domain.ActionAllow,
		Level:    domain.ReportIgnore,
		Validity: domain.PathValid,
	}
	if cur.Policy().Has(policy.ReportDirectoryEnumeration) ||
		cur.Cone().Has(policy.ReportDirectoryEnumeration) {
		check.Level = domain.ReportExplicit
	} else if s.engine.ReportAnyAccess {
		check.Level = domain.ReportAlways
	}
	return check
}

// reportFindEntry runs one enumerated entry through its sub-policy as an
// enumeration probe.
func (s *Service) reportFindEntry(
	operation string,
	correlateWith *domain.FileOperationContext,
	dirCursor *policy.Cursor,
	dirPath winpath.Path,
	entry domain.FindEntry) {

	subCursor := dirCursor.SubpathCursor(entry.Name)
	entryPath := dirPath.Extend(entry.Name)

	readCtx := domain.FileReadContext{
		Existence:       domain.Existent,
		OpenedDirectory: entry.Attributes&domain.FileAttributeDirectory != 0,
	}
	check := s.engine.CheckRead(subCursor, &readCtx, policy.KindEnumerationProbe)

	// Enumerated entries under a reported directory stay visible to the
	// controller even when their own policy would not report them.
	if check.Level == domain.ReportIgnore &&
		(dirCursor.Policy().Has(policy.ReportDirectoryEnumeration) ||
			dirCursor.Cone().Has(policy.ReportDirectoryEnumeration)) {
		check.Level = domain.ReportAlways
	}

	op := domain.NewFileOperationContext(operation, 0, 0, 0, 0, entryPath.String())
	if correlateWith != nil {
		op.Correlate(correlateWith)
	}

	pr := &policyResult{raw: entryPath.String(), path: entryPath, cursor: subCursor}
	s.report(&op, pr, check, domain.Existent, domain.ErrorSuccess, "")
}

// splitFindPattern separates a find expression into directory and filter.
func (s *Service) splitFindPattern(
	pattern string) (winpath.Path, string, bool) {

	p, err := winpath.CanonicalizeFrom(s.currentDirectory(), pattern)
	if err != nil {
		return winpath.Path{}, "", false
	}
	return p.RemoveLastComponent(), p.LastComponent(), true
}

//
// FindFirstFileExW detour. The directory is accessed as an enumeration;
// the filter rides along on the report. Every produced entry is checked
// under its own sub-policy as an enumeration probe.
//
func (s *Service) FindFirstFileExW(
	g *Guard,
	pattern string) (domain.Handle, domain.FindEntry, domain.Win32Error) {

	if !g.Enter() {
		dir, filter, ok := s.splitFindPattern(pattern)
		if !ok {
			return domain.InvalidHandle, domain.FindEntry{},
				domain.ErrorInvalidName
		}
		return s.ios.FindFirst(dir.WithoutPrefix(), filter)
	}
	defer g.Leave()

	if pattern == "" || winpath.IsSpecialDeviceOrPipe(pattern) {
		return domain.InvalidHandle, domain.FindEntry{},
			domain.ErrorInvalidName
	}

	op := domain.NewFileOperationContext(
		"FindFirstFileEx", 0, 0, 0, 0, pattern)

	dir, filter, ok := s.splitFindPattern(pattern)
	if !ok {
		res := domain.FindEntry{}
		s.reportIndeterminate(&op, domain.ErrorInvalidName)
		return domain.InvalidHandle, res, domain.ErrorInvalidName
	}

	prDir := s.seatPolicy(dir.String())
	if prDir.indeterminate || prDir.untracked {
		return s.ios.FindFirst(dir.WithoutPrefix(), filter)
	}

	// Non-wildcard filters are literal probes of the target; genuine
	// wildcards are enumerations of the directory.
	wildcard := sysio.IsWildcardPattern(filter)
	if !wildcard {
		s.probeFindLiteral(&op, prDir, filter)
	}

	enumCheck := s.enumerationCheck(prDir.cursor)
	if !wildcard {
		enumCheck.Level = domain.ReportIgnore
	}

	h, first, werr := s.ios.FindFirst(dir.WithoutPrefix(), filter)

	s.report(&op, prDir, enumCheck, domain.Existent, werr, filter)

	if werr != domain.ErrorSuccess {
		return domain.InvalidHandle, domain.FindEntry{}, werr
	}

	s.hos.Register(h, &state.HandleOverlay{
		Cursor:              prDir.cursor,
		Check:               enumCheck,
		Type:                state.HandleFind,
		Path:                dir,
		Pattern:             filter,
		EnumerationReported: true,
	})

	s.reportFindEntry("FindFirstFileEx", &op, prDir.cursor, dir, first)
	return h, first, werr
}

// probeFindLiteral reports the literal-lookup flavor of FindFirstFile.
func (s *Service) probeFindLiteral(
	op *domain.FileOperationContext, prDir *policyResult, name string) {

	target := prDir.path.Extend(name)
	pr := s.seatPolicy(target.String())
	if pr.indeterminate || pr.untracked {
		return
	}

	existence, attrs := s.existence(pr.path.WithoutPrefix())
	readCtx := domain.FileReadContext{
		Existence: existence,
		OpenedDirectory: existence == domain.Existent &&
			attrs&domain.FileAttributeDirectory != 0,
	}
	check := s.engine.CheckRead(pr.cursor, &readCtx, policy.KindProbe)
	s.report(op, pr, check, existence, domain.ErrorSuccess, "")
}

//
// FindNextFileW detour: the Find overlay carries the directory policy, so
// continuation entries report exactly like the first one.
//
func (s *Service) FindNextFileW(
	g *Guard, h domain.Handle) (domain.FindEntry, domain.Win32Error) {

	if !g.Enter() {
		return s.ios.FindNext(h)
	}
	defer g.Leave()

	entry, werr := s.ios.FindNext(h)
	if werr != domain.ErrorSuccess {
		return entry, werr
	}

	if overlay, ok := s.hos.Lookup(h); ok && overlay.Type == state.HandleFind {
		s.reportFindEntry("FindNextFile", nil, overlay.Cursor,
			overlay.Path, entry)
	}
	return entry, werr
}

//
// FindClose detour: retire strictly before the real close.
//
func (s *Service) FindClose(g *Guard, h domain.Handle) domain.Win32Error {

	if !g.Enter() {
		return s.ios.FindClose(h)
	}
	defer g.Leave()

	s.hos.Retire(h)
	return s.ios.FindClose(h)
}

//
// NtQueryDirectoryFile / ZwQueryDirectoryFile detours: enumeration through
// a directory handle opened earlier. The enumeration report is emitted
// once per handle; every matched entry is an enumeration probe.
//
func (s *Service) NtQueryDirectoryFile(
	g *Guard,
	h domain.Handle,
	filter string) ([]domain.FindEntry, domain.NtStatus) {

	return s.ntQueryDirectoryCommon(g, h, filter, "NtQueryDirectoryFile")
}

func (s *Service) ZwQueryDirectoryFile(
	g *Guard,
	h domain.Handle,
	filter string) ([]domain.FindEntry, domain.NtStatus) {

	if !s.mst.Flags.Has(manifest.MonitorZwCreateOpenQueryFile) {
		overlay, ok := s.hos.Lookup(h)
		if !ok {
			return nil, domain.StatusInvalidParameter
		}
		entries, werr := s.ios.ListDirectory(overlay.Path.WithoutPrefix())
		return filterEntries(entries, filter), ntStatusFromWin32(werr)
	}
	return s.ntQueryDirectoryCommon(g, h, filter, "ZwQueryDirectoryFile")
}

func (s *Service) ntQueryDirectoryCommon(
	g *Guard,
	h domain.Handle,
	filter string,
	operation string) ([]domain.FindEntry, domain.NtStatus) {

	overlay, ok := s.hos.Lookup(h)
	if !ok {
		return nil, domain.StatusInvalidParameter
	}

	passthrough := !g.Enter()
	if !passthrough {
		defer g.Leave()
	}

	entries, werr := s.ios.ListDirectory(overlay.Path.WithoutPrefix())
	if werr != domain.ErrorSuccess {
		return nil, ntStatusFromWin32(werr)
	}
	matched := filterEntries(entries, filter)
	if passthrough {
		return matched, domain.StatusSuccess
	}

	if !s.hos.MarkEnumerationReported(h) {
		op := domain.NewFileOperationContext(
			operation, 0, 0, 0, 0, overlay.Path.String())
		pr := &policyResult{
			raw:    overlay.Path.String(),
			path:   overlay.Path,
			cursor: overlay.Cursor,
		}
		s.report(&op, pr, s.enumerationCheck(overlay.Cursor),
			domain.Existent, domain.ErrorSuccess, filter)
	}

	for _, e := range matched {
		s.reportFindEntry(operation, nil, overlay.Cursor, overlay.Path, e)
	}

	if len(matched) == 0 {
		return nil, domain.StatusNoMoreFiles
	}
	return matched, domain.StatusSuccess
}

func filterEntries(entries []domain.FindEntry, filter string) []domain.FindEntry {
	if filter == "" || filter == "*" {
		return entries
	}
	var out []domain.FindEntry
	for _, e := range entries {
		if sysio.MatchPattern(filter, e.Name) {
			out = append(out, e)
		}
	}
	return out
}
