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
	"github.com/detourbox/detourbox/state"
	"github.com/detourbox/detourbox/winpath"
)

// MoveFileEx flag bits the sandbox reasons about.
const (
	MoveFileReplaceExisting uint32 = 0x1
	MoveFileCopyAllowed     uint32 = 0x2
)

//
// MoveFileExW / MoveFileWithProgressW detours. A rename needs delete on
// the source and create-always on the destination; a directory source
// additionally needs the same pair for everything underneath it — that
// tree walk is the only way the controller learns about the dependency
// change of every moved file.
//
func (s *Service) MoveFileExW(
	g *Guard, src string, dst string, flags uint32) domain.Win32Error {

	return s.MoveFileWithProgressW(g, src, dst, flags)
}

func (s *Service) MoveFileWithProgressW(
	g *Guard, src string, dst string, flags uint32) domain.Win32Error {

	if !g.Enter() {
		return s.ios.MoveFile(src, dst, flags&MoveFileReplaceExisting != 0)
	}
	defer g.Leave()

	opSrc := domain.NewFileOperationContext(
		"MoveFileWithProgress_Source", 0, 0, 0, 0, src)
	opDst := domain.NewFileOperationContext(
		"MoveFileWithProgress_Dest", 0, 0, 0, 0, dst)
	opDst.Correlate(&opSrc)

	prSrc := s.seatPolicy(src)
	prDst := s.seatPolicy(dst)
	if prSrc.indeterminate || prDst.indeterminate {
		werr := s.ios.MoveFile(src, dst, flags&MoveFileReplaceExisting != 0)
		s.reportIndeterminate(&opSrc, werr)
		return werr
	}
	if prSrc.untracked && prDst.untracked {
		return s.ios.MoveFile(prSrc.path.WithoutPrefix(),
			prDst.path.WithoutPrefix(), flags&MoveFileReplaceExisting != 0)
	}

	srcExistence, srcAttrs := s.existence(prSrc.path.WithoutPrefix())
	dstExistence, _ := s.existence(prDst.path.WithoutPrefix())

	srcCheck := s.engine.CheckWrite(prSrc.cursor,
		prSrc.path.WithoutPrefix(), srcExistence == domain.Existent)
	srcCheck.Access = domain.AccessDelete
	if srcCheck.Denied() {
		s.report(&opSrc, prSrc, srcCheck, srcExistence,
			srcCheck.DenialError(), "")
		return srcCheck.DenialError()
	}

	dstCheck := s.engine.CheckWrite(prDst.cursor,
		prDst.path.WithoutPrefix(), dstExistence == domain.Existent)
	if dstCheck.Denied() {
		s.report(&opDst, prDst, dstCheck, dstExistence,
			dstCheck.DenialError(), "")
		return dstCheck.DenialError()
	}

	// Directory source: validate the whole subtree before the real rename
	// (reparse points are treated as leaves, never descended into).
	isDir := srcExistence == domain.Existent &&
		srcAttrs&domain.FileAttributeDirectory != 0 &&
		srcAttrs&domain.FileAttributeReparsePoint == 0
	if isDir {
		if werr := s.validateMoveDirectory(
			&opSrc, &opDst, prSrc.path, prDst.path); werr != domain.ErrorSuccess {
			return werr
		}
	}

	werr := s.ios.MoveFile(prSrc.path.WithoutPrefix(),
		prDst.path.WithoutPrefix(), flags&MoveFileReplaceExisting != 0)

	s.report(&opSrc, prSrc, srcCheck, srcExistence, werr, "")
	s.report(&opDst, prDst, dstCheck, dstExistence, werr, "")
	s.invalidateResolutions(prSrc.path, prDst.path)
	return werr
}

// validateMoveDirectory re-runs the source-delete / dest-create pair for
// every file and directory under the moved tree.
func (s *Service) validateMoveDirectory(
	opSrc *domain.FileOperationContext,
	opDst *domain.FileOperationContext,
	srcDir winpath.Path,
	dstDir winpath.Path) domain.Win32Error {

	entries, werr := s.ios.ListDirectory(srcDir.WithoutPrefix())
	if werr != domain.ErrorSuccess {
		return domain.ErrorSuccess // nothing to validate; real API decides
	}

	for _, e := range entries {
		srcSub := srcDir.Extend(e.Name)
		dstSub := dstDir.Extend(e.Name)

		prSub := s.seatPolicy(srcSub.String())
		prDstSub := s.seatPolicy(dstSub.String())
		if prSub.indeterminate || prDstSub.indeterminate {
			continue
		}

		subSrcOp := domain.NewFileOperationContext(
			"MoveFileWithProgress_Source", 0, 0, 0, 0, srcSub.String())
		subSrcOp.Correlate(opSrc)
		subDstOp := domain.NewFileOperationContext(
			"MoveFileWithProgress_Dest", 0, 0, 0, 0, dstSub.String())
		subDstOp.Correlate(&subSrcOp)

		srcCheck := s.engine.CheckWrite(prSub.cursor,
			prSub.path.WithoutPrefix(), true)
		srcCheck.Access = domain.AccessDelete
		s.report(&subSrcOp, prSub, srcCheck, domain.Existent,
			srcCheck.DenialError(), "")
		if srcCheck.Denied() {
			return srcCheck.DenialError()
		}

		dstCheck := s.engine.CheckWrite(prDstSub.cursor,
			prDstSub.path.WithoutPrefix(), false)
		s.report(&subDstOp, prDstSub, dstCheck, domain.Nonexistent,
			dstCheck.DenialError(), "")
		if dstCheck.Denied() {
			return dstCheck.DenialError()
		}

		// Recurse into plain subdirectories; reparse points move as
		// opaque leaves.
		if e.Attributes&domain.FileAttributeDirectory != 0 &&
			e.Attributes&domain.FileAttributeReparsePoint == 0 {
			if werr := s.validateMoveDirectory(
				opSrc, opDst, srcSub, dstSub); werr != domain.ErrorSuccess {
				return werr
			}
		}
	}
	return domain.ErrorSuccess
}

//
// CreateHardLinkW detour: a link is a write on the destination only.
//
func (s *Service) CreateHardLinkW(
	g *Guard, dst string, src string) domain.Win32Error {

	if !g.Enter() {
		return s.ios.CreateHardLink(dst, src)
	}
	defer g.Leave()

	op := domain.NewFileOperationContext(
		"CreateHardLink_Dest", 0, 0, 0, 0, dst)

	pr := s.seatPolicy(dst)
	if pr.indeterminate {
		werr := s.ios.CreateHardLink(dst, src)
		s.reportIndeterminate(&op, werr)
		return werr
	}
	if pr.untracked {
		return s.ios.CreateHardLink(pr.path.WithoutPrefix(), src)
	}

	existence, _ := s.existence(pr.path.WithoutPrefix())

	check := s.engine.CheckWrite(pr.cursor,
		pr.path.WithoutPrefix(), existence == domain.Existent)
	if check.Denied() {
		s.report(&op, pr, check, existence, check.DenialError(), "")
		return check.DenialError()
	}

	prSrc := s.seatPolicy(src)
	srcPath := src
	if !prSrc.indeterminate {
		srcPath = prSrc.path.WithoutPrefix()
	}

	werr := s.ios.CreateHardLink(pr.path.WithoutPrefix(), srcPath)
	s.report(&op, pr, check, existence, werr, "")
	s.invalidateResolutions(pr.path)
	return werr
}

//
// CreateSymbolicLinkW detour: creating a reparse point is a write gated on
// its own policy bit, and it invalidates any cached resolution through the
// link path.
//
func (s *Service) CreateSymbolicLinkW(
	g *Guard, link string, target string, isDirectory bool) domain.Win32Error {

	if !g.Enter() {
		return s.ios.CreateSymbolicLink(link, target, isDirectory)
	}
	defer g.Leave()

	op := domain.NewFileOperationContext(
		"CreateSymbolicLink", 0, 0, 0, 0, link)

	pr := s.seatPolicy(link)
	if pr.indeterminate {
		werr := s.ios.CreateSymbolicLink(link, target, isDirectory)
		s.reportIndeterminate(&op, werr)
		return werr
	}
	if pr.untracked {
		return s.ios.CreateSymbolicLink(
			pr.path.WithoutPrefix(), target, isDirectory)
	}

	check := s.engine.CheckSymlinkCreation(pr.cursor, pr.path.WithoutPrefix())
	if check.Denied() {
		s.report(&op, pr, check, domain.Nonexistent, check.DenialError(), "")
		return check.DenialError()
	}

	werr := s.ios.CreateSymbolicLink(
		pr.path.WithoutPrefix(), target, isDirectory)
	s.report(&op, pr, check, domain.Nonexistent, werr, target)
	s.invalidateResolutions(pr.path)
	return werr
}

//
// SetFileInformationByHandle detours: rename and disposition classes,
// keyed off the handle's overlay.
//

func (s *Service) SetRenameInformationByHandle(
	g *Guard,
	h domain.Handle,
	dst string,
	replaceExisting bool) domain.Win32Error {

	overlay, ok := s.hos.Lookup(h)
	if !ok {
		return domain.ErrorInvalidHandle
	}

	flags := uint32(0)
	if replaceExisting {
		flags |= MoveFileReplaceExisting
	}
	return s.MoveFileWithProgressW(g, overlay.Path.String(), dst, flags)
}

func (s *Service) SetDispositionInformationByHandle(
	g *Guard,
	h domain.Handle,
	deleteFile bool) domain.Win32Error {

	if !g.Enter() {
		return domain.ErrorSuccess
	}
	defer g.Leave()

	overlay, ok := s.hos.Lookup(h)
	if !ok {
		return domain.ErrorInvalidHandle
	}
	if !deleteFile {
		return domain.ErrorSuccess
	}

	op := domain.NewFileOperationContext(
		"SetFileDispositionInformation", 0, 0, 0, 0, overlay.Path.String())

	pr := &policyResult{
		raw:    overlay.Path.String(),
		path:   overlay.Path,
		cursor: overlay.Cursor,
	}

	check := s.engine.CheckWrite(pr.cursor, pr.path.WithoutPrefix(), true)
	check.Access = domain.AccessDelete
	if check.Denied() {
		s.report(&op, pr, check, domain.Existent, check.DenialError(), "")
		return check.DenialError()
	}

	s.report(&op, pr, check, domain.Existent, domain.ErrorSuccess, "")
	s.invalidateResolutions(pr.path)

	if overlay.Type == state.HandleFile {
		// The delete is applied eagerly through the I/O service, not
		// deferred to the handle's last close.
		s.ios.DeleteFile(pr.path.WithoutPrefix())
	}
	return domain.ErrorSuccess
}
