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
	"github.com/detourbox/detourbox/policy"
	"github.com/detourbox/detourbox/winpath"
)

//
// DeleteFileW detour. A delete is a write on an existing file; when the
// write is denied the operation is re-examined as a safe probe — a delete
// of a non-existent target would have failed anyway, so only the probe is
// reported and the real error stands.
//
func (s *Service) DeleteFileW(g *Guard, path string) domain.Win32Error {

	if !g.Enter() {
		return s.ios.DeleteFile(path)
	}
	defer g.Leave()

	if path == "" || winpath.IsSpecialDeviceOrPipe(path) {
		return s.ios.DeleteFile(path)
	}

	op := domain.NewFileOperationContext("DeleteFile", 0, 0, 0, 0, path)

	pr := s.seatPolicy(path)
	if pr.indeterminate {
		werr := s.ios.DeleteFile(path)
		s.reportIndeterminate(&op, werr)
		return werr
	}
	if pr.untracked {
		return s.ios.DeleteFile(pr.path.WithoutPrefix())
	}

	if s.wantsFullResolve(pr) {
		// Deleting the link itself, never the target.
		if werr := s.resolveReparse(&op, pr, true); werr != domain.ErrorSuccess {
			return werr
		}
	}

	existence, _ := s.existence(pr.path.WithoutPrefix())

	writeCheck := s.engine.CheckWrite(pr.cursor,
		pr.path.WithoutPrefix(), existence == domain.Existent)
	writeCheck.Access = domain.AccessWrite

	if !writeCheck.Denied() {
		werr := s.ios.DeleteFile(pr.path.WithoutPrefix())
		s.report(&op, pr, writeCheck, existence, werr, "")
		s.invalidateResolutions(pr.path)
		return werr
	}

	if existence != domain.Existent {
		// Would have failed regardless; report the probe, let the real
		// error through.
		readCtx := domain.FileReadContext{Existence: existence}
		probeCheck := s.engine.CheckRead(pr.cursor, &readCtx, policy.KindProbe)
		werr := s.ios.DeleteFile(pr.path.WithoutPrefix())
		s.report(&op, pr, probeCheck, existence, werr, "")
		return werr
	}

	s.report(&op, pr, writeCheck, existence, writeCheck.DenialError(), "")
	return writeCheck.DenialError()
}

//
// CreateDirectoryW detour: existence probe first, write only when the
// directory would actually be created.
//
func (s *Service) CreateDirectoryW(g *Guard, path string) domain.Win32Error {

	if !g.Enter() {
		return s.ios.CreateDirectory(path)
	}
	defer g.Leave()

	if path == "" || winpath.IsSpecialDeviceOrPipe(path) {
		return s.ios.CreateDirectory(path)
	}

	op := domain.NewFileOperationContext("CreateDirectory", 0, 0, 0, 0, path)

	pr := s.seatPolicy(path)
	if pr.indeterminate {
		werr := s.ios.CreateDirectory(path)
		s.reportIndeterminate(&op, werr)
		return werr
	}
	if pr.untracked {
		return s.ios.CreateDirectory(pr.path.WithoutPrefix())
	}

	existence, attrs := s.existence(pr.path.WithoutPrefix())

	if existence == domain.Existent {
		readCtx := domain.FileReadContext{
			Existence:       domain.Existent,
			OpenedDirectory: attrs&domain.FileAttributeDirectory != 0,
		}
		probeCheck := s.engine.CheckRead(pr.cursor, &readCtx, policy.KindProbe)
		werr := s.ios.CreateDirectory(pr.path.WithoutPrefix())
		s.report(&op, pr, probeCheck, existence, werr, "")
		return werr
	}

	writeCheck := s.engine.CheckCreateDirectory(
		pr.cursor, pr.path.WithoutPrefix())
	if writeCheck.Denied() {
		s.report(&op, pr, writeCheck, existence, writeCheck.DenialError(), "")
		return writeCheck.DenialError()
	}

	werr := s.ios.CreateDirectory(pr.path.WithoutPrefix())
	s.report(&op, pr, writeCheck, existence, werr, "")
	s.invalidateResolutions(pr.path)
	return werr
}

//
// RemoveDirectoryW detour: the delete-of-a-directory analogue of
// DeleteFileW, including the denial-to-probe downgrade.
//
func (s *Service) RemoveDirectoryW(g *Guard, path string) domain.Win32Error {

	if !g.Enter() {
		return s.ios.RemoveDirectory(path)
	}
	defer g.Leave()

	if path == "" || winpath.IsSpecialDeviceOrPipe(path) {
		return s.ios.RemoveDirectory(path)
	}

	op := domain.NewFileOperationContext("RemoveDirectory", 0, 0, 0, 0, path)

	pr := s.seatPolicy(path)
	if pr.indeterminate {
		werr := s.ios.RemoveDirectory(path)
		s.reportIndeterminate(&op, werr)
		return werr
	}
	if pr.untracked {
		return s.ios.RemoveDirectory(pr.path.WithoutPrefix())
	}

	existence, _ := s.existence(pr.path.WithoutPrefix())

	writeCheck := s.engine.CheckWrite(pr.cursor,
		pr.path.WithoutPrefix(), existence == domain.Existent)

	if !writeCheck.Denied() {
		werr := s.ios.RemoveDirectory(pr.path.WithoutPrefix())
		s.report(&op, pr, writeCheck, existence, werr, "")
		s.invalidateResolutions(pr.path)
		return werr
	}

	if existence != domain.Existent {
		readCtx := domain.FileReadContext{Existence: existence}
		probeCheck := s.engine.CheckRead(pr.cursor, &readCtx, policy.KindProbe)
		werr := s.ios.RemoveDirectory(pr.path.WithoutPrefix())
		s.report(&op, pr, probeCheck, existence, werr, "")
		return werr
	}

	s.report(&op, pr, writeCheck, existence, writeCheck.DenialError(), "")
	return writeCheck.DenialError()
}
