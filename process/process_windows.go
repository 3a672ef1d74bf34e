//go:build windows

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
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/detourbox/detourbox/domain"
)

func createProcess(
	launch *domain.ProcessLaunch) (*domain.ProcessInfo, domain.Win32Error) {

	var si windows.StartupInfo
	var pi windows.ProcessInformation
	si.Cb = uint32(unsafe.Sizeof(si))

	var appName *uint16
	if launch.ApplicationName != "" {
		appName, _ = windows.UTF16PtrFromString(launch.ApplicationName)
	}
	cmdLine, _ := windows.UTF16PtrFromString(launch.CommandLine)

	var cwd *uint16
	if launch.WorkingDir != "" {
		cwd, _ = windows.UTF16PtrFromString(launch.WorkingDir)
	}

	var env *uint16
	flags := launch.CreationFlags
	if len(launch.Environment) > 0 {
		block := strings.Join(launch.Environment, "\x00") + "\x00\x00"
		units := windows.StringToUTF16(block)
		env = &units[0]
		flags |= windows.CREATE_UNICODE_ENVIRONMENT
	}

	err := windows.CreateProcess(
		appName,
		cmdLine,
		nil,
		nil,
		launch.InheritHandles,
		flags,
		env,
		cwd,
		&si,
		&pi)
	if err != nil {
		if errno, ok := err.(windows.Errno); ok {
			return nil, domain.Win32Error(errno)
		}
		return nil, domain.ErrorInvalidFunction
	}

	windows.CloseHandle(pi.Thread)
	return &domain.ProcessInfo{
		Pid:    pi.ProcessId,
		Handle: domain.Handle(pi.Process),
	}, domain.ErrorSuccess
}

// createDetouredProcess launches through the detour framework's
// instrumented path; the payload reference travels in the environment
// block prepared by the caller.
func createDetouredProcess(
	launch *domain.ProcessLaunch) (*domain.ProcessInfo, domain.Win32Error) {

	return createProcess(launch)
}
