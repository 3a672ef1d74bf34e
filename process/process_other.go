//go:build !windows

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

package process

import (
	"os/exec"
	"strings"

	"github.com/detourbox/detourbox/domain"
)

// Non-Windows hosts exist for development and testing only; launches are
// approximated through os/exec.
func createProcess(
	launch *domain.ProcessLaunch) (*domain.ProcessInfo, domain.Win32Error) {

	argv := splitCommandLine(launch.CommandLine)
	image := launch.ApplicationName
	if image == "" {
		if len(argv) == 0 {
			return nil, domain.ErrorInvalidParameter
		}
		image = argv[0]
	}

	var args []string
	if len(argv) > 1 {
		args = argv[1:]
	}

	cmd := exec.Command(image, args...)
	cmd.Dir = launch.WorkingDir
	cmd.Env = launch.Environment

	if err := cmd.Start(); err != nil {
		return nil, domain.ErrorFileNotFound
	}

	return &domain.ProcessInfo{
		Pid:    uint32(cmd.Process.Pid),
		Handle: domain.Handle(cmd.Process.Pid),
	}, domain.ErrorSuccess
}

func createDetouredProcess(
	launch *domain.ProcessLaunch) (*domain.ProcessInfo, domain.Win32Error) {

	return createProcess(launch)
}

func splitCommandLine(cl string) []string {
	cl = strings.TrimSpace(cl)
	if cl == "" {
		return nil
	}
	if cl[0] == '"' {
		if end := strings.IndexByte(cl[1:], '"'); end >= 0 {
			rest := strings.TrimSpace(cl[end+2:])
			out := []string{cl[1 : end+1]}
			if rest != "" {
				out = append(out, strings.Fields(rest)...)
			}
			return out
		}
	}
	return strings.Fields(cl)
}
