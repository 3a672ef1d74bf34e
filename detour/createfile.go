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
	"github.com/sirupsen/logrus"

	"github.com/detourbox/detourbox/domain"
	"github.com/detourbox/detourbox/manifest"
	"github.com/detourbox/detourbox/policy"
	"github.com/detourbox/detourbox/state"
	"github.com/detourbox/detourbox/winpath"
)

// opChangedReadWriteToRead names the synthetic operation reported when a
// read-write open is downgraded to read-only.
const opChangedReadWriteToRead = "ChangedReadWriteToReadAccess"

//
// CreateFileW detour.
//
func (s *Service) CreateFileW(
	g *Guard,
	path string,
	desiredAccess uint32,
	shareMode uint32,
	disposition uint32,
	flagsAndAttrs uint32) (domain.Handle, domain.Win32Error) {

	if !g.Enter() {
		res := s.ios.CreateFile(
			path, desiredAccess, shareMode, disposition, flagsAndAttrs)
		return res.Handle, res.Error
	}
	defer g.Leave()

	op := domain.NewFileOperationContext(
		"CreateFile", desiredAccess, shareMode, disposition,
		flagsAndAttrs, path)

	h, werr, _ := s.createFileCommon(&op, path, desiredAccess, shareMode,
		disposition, flagsAndAttrs)
	return h, werr
}

//
// NtCreateFile / NtOpenFile detours and their Zw aliases. Dispositions and
// options are mapped onto the Win32 vocabulary, then the shared open logic
// runs; errors return as NTSTATUS.
//
func (s *Service) NtCreateFile(
	g *Guard,
	path string,
	desiredAccess uint32,
	shareMode uint32,
	ntDisposition uint32,
	createOptions uint32) (domain.Handle, domain.NtStatus) {

	return s.ntCreateCommon(g, "NtCreateFile", manifest.MonitorNtCreateFile,
		path, desiredAccess, shareMode, ntDisposition, createOptions)
}

func (s *Service) ZwCreateFile(
	g *Guard,
	path string,
	desiredAccess uint32,
	shareMode uint32,
	ntDisposition uint32,
	createOptions uint32) (domain.Handle, domain.NtStatus) {

	return s.ntCreateCommon(g, "ZwCreateFile",
		manifest.MonitorZwCreateOpenQueryFile,
		path, desiredAccess, shareMode, ntDisposition, createOptions)
}

func (s *Service) NtOpenFile(
	g *Guard,
	path string,
	desiredAccess uint32,
	shareMode uint32,
	createOptions uint32) (domain.Handle, domain.NtStatus) {

	return s.ntCreateCommon(g, "NtOpenFile", manifest.MonitorNtCreateFile,
		path, desiredAccess, shareMode, domain.NtFileOpen, createOptions)
}

func (s *Service) ZwOpenFile(
	g *Guard,
	path string,
	desiredAccess uint32,
	shareMode uint32,
	createOptions uint32) (domain.Handle, domain.NtStatus) {

	return s.ntCreateCommon(g, "ZwOpenFile",
		manifest.MonitorZwCreateOpenQueryFile,
		path, desiredAccess, shareMode, domain.NtFileOpen, createOptions)
}

func (s *Service) ntCreateCommon(
	g *Guard,
	operation string,
	gate manifest.Flags,
	path string,
	desiredAccess uint32,
	shareMode uint32,
	ntDisposition uint32,
	createOptions uint32) (domain.Handle, domain.NtStatus) {

	disposition := domain.MapNtDisposition(ntDisposition)

	var flagsAndAttrs uint32
	if createOptions&domain.NtFileDeleteOnClose != 0 {
		flagsAndAttrs |= domain.FileFlagDeleteOnClose
	}
	if createOptions&domain.NtFileOpenReparsePoint != 0 {
		flagsAndAttrs |= domain.FileFlagOpenReparsePoint
	}

	passthrough := !g.Enter()
	if !passthrough {
		defer g.Leave()
		passthrough = !s.mst.Flags.Has(gate)
	}
	if passthrough {
		res := s.ios.CreateFile(
			path, desiredAccess, shareMode, disposition, flagsAndAttrs)
		return res.Handle, ntStatusFromWin32(res.Error)
	}

	op := domain.NewFileOperationContext(
		operation, desiredAccess, shareMode, disposition,
		flagsAndAttrs, path)

	h, werr, check := s.createFileCommon(&op, path, desiredAccess,
		shareMode, disposition, flagsAndAttrs)

	if check != nil && check.Denied() {
		return h, check.DenialStatus()
	}
	return h, ntStatusFromWin32(werr)
}

func ntStatusFromWin32(e domain.Win32Error) domain.NtStatus {
	switch e {
	case domain.ErrorSuccess, domain.ErrorAlreadyExists:
		return domain.StatusSuccess
	case domain.ErrorFileNotFound:
		return domain.StatusObjectNameNotFound
	case domain.ErrorPathNotFound:
		return domain.StatusObjectPathNotFound
	case domain.ErrorInvalidName:
		return domain.StatusObjectNameInvalid
	case domain.ErrorAccessDenied:
		return domain.StatusAccessDenied
	case domain.ErrorNoMoreFiles:
		return domain.StatusNoMoreFiles
	default:
		return domain.StatusInvalidParameter
	}
}

//
// createFileCommon is the shared create/open flow: write pre-check (with
// the optional downgrade-to-read rewrite), real open, read/probe check
// combined with the write verdict, handle registration.
//
func (s *Service) createFileCommon(
	op *domain.FileOperationContext,
	path string,
	desiredAccess uint32,
	shareMode uint32,
	disposition uint32,
	flagsAndAttrs uint32) (domain.Handle, domain.Win32Error, *domain.AccessCheckResult) {

	// Special device paths are never subject to policy.
	if path == "" || winpath.IsSpecialDeviceOrPipe(path) {
		res := s.ios.CreateFile(
			path, desiredAccess, shareMode, disposition, flagsAndAttrs)
		return res.Handle, res.Error, nil
	}

	pr := s.seatPolicy(path)
	if pr.indeterminate {
		res := s.ios.CreateFile(
			path, desiredAccess, shareMode, disposition, flagsAndAttrs)
		s.reportIndeterminate(op, res.Error)
		return res.Handle, res.Error, nil
	}
	if pr.untracked {
		res := s.ios.CreateFile(pr.path.WithoutPrefix(),
			desiredAccess, shareMode, disposition, flagsAndAttrs)
		return res.Handle, res.Error, nil
	}

	if s.wantsFullResolve(pr) {
		preserveLast := flagsAndAttrs&domain.FileFlagOpenReparsePoint != 0
		if werr := s.resolveReparse(op, pr, preserveLast); werr != domain.ErrorSuccess {
			denied := domain.AccessCheckResult{
				Access:   domain.AccessLookup,
				Action:   domain.ActionDeny,
				Validity: domain.PathValid,
			}
			return domain.InvalidHandle, werr, &denied
		}
	}

	wantsWrite := domain.WantsWriteAccess(desiredAccess) ||
		domain.DispositionImpliesWrite(disposition) ||
		flagsAndAttrs&domain.FileFlagDeleteOnClose != 0

	existenceBefore, attrsBefore := s.existence(pr.path.WithoutPrefix())

	var writeCheck domain.AccessCheckResult
	haveWriteCheck := false

	if wantsWrite {
		writeCheck = s.engine.CheckWrite(pr.cursor,
			pr.path.WithoutPrefix(), existenceBefore == domain.Existent)
		haveWriteCheck = true

		if writeCheck.Denied() {
			downgrade := s.mst.Flags.Has(manifest.ForceReadOnlyForRequestedReadWrite) &&
				domain.WantsReadAccess(desiredAccess) &&
				existenceBefore == domain.Existent &&
				pr.cursor.Policy().Has(policy.AllowRead)

			if !downgrade {
				s.report(op, pr, writeCheck, existenceBefore,
					writeCheck.DenialError(), "")
				return domain.InvalidHandle, writeCheck.DenialError(), &writeCheck
			}

			// Rewrite the open to read-only and tell the controller.
			desiredAccess &^= domain.GenericAll | domain.GenericWrite |
				domain.DeleteAccess | domain.FileWriteData |
				domain.FileAppendData | domain.FileWriteAttributes |
				domain.FileWriteEa
			desiredAccess |= domain.GenericRead
			disposition = domain.OpenExisting
			wantsWrite = false
			haveWriteCheck = false

			logrus.Debugf("Downgraded write open of %s to read", path)
			downgradeOp := domain.NewFileOperationContext(
				opChangedReadWriteToRead, desiredAccess, shareMode,
				disposition, flagsAndAttrs, path)
			downgradeOp.CorrelationID = op.ID
			s.report(&downgradeOp, pr, domain.AccessCheckResult{
				Access:   domain.AccessRead,
				Action:   domain.ActionWarn,
				Level:    domain.ReportAlways,
				Validity: domain.PathValid,
			}, existenceBefore, domain.ErrorSuccess, "")
		}
	}

	// Hardlink-based caches need cross-process delete-ability: force the
	// share bits unless compatibility mode suppresses it.
	share := shareMode
	if !s.mst.Flags.Has(manifest.DoNotForceShareReadDelete) {
		share |= domain.FileShareRead | domain.FileShareDelete
	}

	res := s.ios.CreateFile(pr.path.WithoutPrefix(),
		desiredAccess, share, disposition, flagsAndAttrs)

	readCtx := s.readContext(&res, disposition, existenceBefore, attrsBefore)

	kind := policy.KindProbe
	if domain.WantsReadAccess(desiredAccess) {
		kind = policy.KindRead
	}
	check := s.engine.CheckRead(pr.cursor, &readCtx, kind)
	if haveWriteCheck {
		check = check.Combine(writeCheck)
	}

	if check.Denied() {
		if res.Handle != domain.InvalidHandle {
			s.ios.CloseHandle(res.Handle)
		}
		s.report(op, pr, check, readCtx.Existence, check.DenialError(), "")
		return domain.InvalidHandle, check.DenialError(), &check
	}

	s.report(op, pr, check, readCtx.Existence, res.Error, "")

	if res.Handle != domain.InvalidHandle {
		htype := state.HandleFile
		if readCtx.OpenedDirectory {
			htype = state.HandleDirectory
		}
		s.hos.Register(res.Handle, &state.HandleOverlay{
			Cursor: pr.cursor,
			Check:  check,
			Type:   htype,
			Path:   pr.path,
		})

		if wantsWrite {
			// Any successful write-class open can introduce or retarget a
			// reparse point; cached resolutions through it are stale.
			s.invalidateResolutions(pr.path)
		}
	}

	return res.Handle, res.Error, &check
}

// readContext infers what the open proved about the target.
func (s *Service) readContext(
	res *domain.OpenResult,
	disposition uint32,
	existenceBefore domain.FileExistence,
	attrsBefore uint32) domain.FileReadContext {

	ctx := domain.FileReadContext{}

	if res.Error == domain.ErrorSuccess ||
		res.Error == domain.ErrorAlreadyExists {
		// The open succeeded; whether the file predated it follows from
		// the disposition semantics.
		switch disposition {
		case domain.CreateNew:
			ctx.Existence = domain.Nonexistent
		case domain.CreateAlways, domain.OpenAlways:
			if res.Error == domain.ErrorAlreadyExists {
				ctx.Existence = domain.Existent
			} else {
				ctx.Existence = existenceBefore
			}
		default:
			ctx.Existence = domain.Existent
		}
	} else {
		ctx.Existence = domain.InferExistenceFromError(res.Error)
	}

	attrs := res.Attributes
	if attrs == domain.InvalidFileAttributes {
		attrs = attrsBefore
	}
	if attrs != domain.InvalidFileAttributes {
		ctx.OpenedDirectory = attrs&domain.FileAttributeDirectory != 0
		if !ctx.OpenedDirectory &&
			attrs&domain.FileAttributeReparsePoint != 0 &&
			s.mst.Flags.Has(manifest.EnableFullReparsePointResolving) {
			// Directory symlinks act as directories when the manifest
			// says so.
			if s.directorySymlinkAsDirectory() {
				ctx.OpenedDirectory = true
			}
		}
	}
	return ctx
}

func (s *Service) directorySymlinkAsDirectory() bool {
	root := s.mst.RootCursor()
	return root.Policy().Has(policy.TreatDirectorySymlinkAsDirectory) ||
		root.Cone().Has(policy.TreatDirectorySymlinkAsDirectory)
}

//
// CloseHandle detour: retire the overlay strictly before the real close so
// the table never holds a handle value the kernel could reassign.
//
func (s *Service) CloseHandle(g *Guard, h domain.Handle) domain.Win32Error {

	if !g.Enter() {
		return s.ios.CloseHandle(h)
	}
	defer g.Leave()

	s.hos.Retire(h)
	return s.ios.CloseHandle(h)
}

//
// GetFileAttributesW detour: a pure probe.
//
func (s *Service) GetFileAttributesW(
	g *Guard, path string) (uint32, domain.Win32Error) {

	if !g.Enter() {
		return s.ios.GetFileAttributes(path)
	}
	defer g.Leave()

	if path == "" || winpath.IsSpecialDeviceOrPipe(path) {
		return s.ios.GetFileAttributes(path)
	}

	op := domain.NewFileOperationContext(
		"GetFileAttributes", 0, 0, 0, 0, path)

	pr := s.seatPolicy(path)
	if pr.indeterminate || pr.untracked {
		return s.ios.GetFileAttributes(path)
	}

	attrs, werr := s.ios.GetFileAttributes(pr.path.WithoutPrefix())

	ctx := domain.FileReadContext{
		Existence: domain.InferExistenceFromError(werr),
		OpenedDirectory: werr == domain.ErrorSuccess &&
			attrs&domain.FileAttributeDirectory != 0,
	}
	check := s.engine.CheckRead(pr.cursor, &ctx, policy.KindProbe)

	if check.Denied() {
		s.report(&op, pr, check, ctx.Existence, check.DenialError(), "")
		return domain.InvalidFileAttributes, check.DenialError()
	}

	s.report(&op, pr, check, ctx.Existence, werr, "")
	return attrs, werr
}
