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
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/detourbox/detourbox/domain"
	"github.com/detourbox/detourbox/manifest"
	"github.com/detourbox/detourbox/policy"
	"github.com/detourbox/detourbox/shim"
)

// The detoured-launch primitive occasionally reports
// ERROR_INVALID_FUNCTION while the child's import tables settle; the
// launch is retried a bounded number of times.
const createDetouredRetries = 5

// retryDelay is a variable so tests need not sleep for real.
var retryDelay = time.Second

//
// CreateProcessW detour. Decision ladder: breakaway descriptor match →
// substitute-process shim → policy-checked detoured launch.
//
func (s *Service) CreateProcessW(
	g *Guard,
	launch *domain.ProcessLaunch) (*domain.ProcessInfo, domain.Win32Error) {

	if !g.Enter() {
		return s.prs.CreateProcess(launch)
	}
	defer g.Leave()

	exists := func(p string) bool {
		_, werr := s.ios.GetFileAttributes(p)
		return werr == domain.ErrorSuccess
	}
	image, args := shim.ExtractImagePath(
		launch.ApplicationName, launch.CommandLine, exists)

	// 1. Breakaway children escape the job object and run uninstrumented.
	if b := s.mst.MatchBreakaway(shim.ImageName(image), launch.CommandLine); b != nil {
		logrus.Infof("Breakaway launch of %s", image)
		breakaway := *launch
		breakaway.CreationFlags |= domain.CreateBreakawayFromJob
		breakaway.InheritHandles = false

		info, werr := s.prs.CreateProcess(&breakaway)
		s.reportProcessLaunch(info, image, werr)
		return info, werr
	}

	// 2. Substitute-process shim.
	if s.shim != nil && s.shim.Configured() {
		envBlock := strings.Join(launch.Environment, "\x00")
		doShim, finalArgs := s.shim.ShouldShim(
			image, args, envBlock, launch.WorkingDir)
		if doShim {
			shimmed := *launch
			shimmed.ApplicationName = s.shim.ShimPath()
			shimmed.CommandLine = shim.BuildCommandLine(image, finalArgs)

			info, werr := s.prs.CreateProcess(&shimmed)
			s.reportProcessLaunch(info, s.shim.ShimPath(), werr)
			return info, werr
		}
	}

	// 3. Policy-checked detoured launch: the image itself is a read.
	if denied, werr := s.checkProcessImage(image); denied {
		return nil, werr
	}

	if !s.mst.Flags.Has(manifest.MonitorChildProcesses) {
		info, werr := s.prs.CreateProcess(launch)
		s.reportProcessLaunch(info, image, werr)
		return info, werr
	}

	var info *domain.ProcessInfo
	var werr domain.Win32Error
	for attempt := 0; ; attempt++ {
		info, werr = s.prs.CreateDetouredProcess(launch)
		if werr != domain.ErrorInvalidFunction ||
			attempt >= createDetouredRetries {
			break
		}
		logrus.Warnf("Detoured launch of %s failed with "+
			"ERROR_INVALID_FUNCTION; retry %d", image, attempt+1)
		time.Sleep(retryDelay)
	}

	s.reportProcessLaunch(info, image, werr)
	return info, werr
}

// checkProcessImage classifies the image read, resolving reparse points
// the same way an open of the image would.
func (s *Service) checkProcessImage(image string) (bool, domain.Win32Error) {

	if image == "" {
		return false, domain.ErrorSuccess
	}

	op := domain.NewFileOperationContext(
		"CreateProcess", domain.GenericRead, 0, domain.OpenExisting, 0, image)

	pr := s.seatPolicy(image)
	if pr.indeterminate || pr.untracked {
		return false, domain.ErrorSuccess
	}

	if s.wantsFullResolve(pr) {
		if werr := s.resolveReparse(&op, pr, false); werr != domain.ErrorSuccess {
			return true, werr
		}
	}

	existence, _ := s.existence(pr.path.WithoutPrefix())
	readCtx := domain.FileReadContext{Existence: existence}
	check := s.engine.CheckRead(pr.cursor, &readCtx, policy.KindRead)

	if check.Denied() {
		s.report(&op, pr, check, existence, check.DenialError(), "")
		return true, check.DenialError()
	}

	s.report(&op, pr, check, existence, domain.ErrorSuccess, "")
	return false, domain.ErrorSuccess
}

func (s *Service) reportProcessLaunch(
	info *domain.ProcessInfo, image string, werr domain.Win32Error) {

	if werr != domain.ErrorSuccess || info == nil {
		return
	}
	if !s.mst.Flags.Has(manifest.LogProcessData) &&
		!s.mst.Flags.Has(manifest.MonitorChildProcesses) {
		return
	}

	s.rps.ReportProcess(&domain.ProcessReport{
		Operation: "Process",
		Pid:       info.Pid,
		ParentPid: uint32(os.Getpid()),
		PipID:     s.mst.PipID,
		ImagePath: image,
	})
}

// ReportProcessExit emits the lifecycle record for this process' detach.
func (s *Service) ReportProcessExit(exitCode uint32) {
	s.rps.ReportProcess(&domain.ProcessReport{
		Operation: "ProcessExit",
		Pid:       uint32(os.Getpid()),
		PipID:     s.mst.PipID,
		ExitCode:  exitCode,
	})
}
