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

package domain

// Process creation flags the sandbox reasons about.
const (
	CreateBreakawayFromJob uint32 = 0x01000000
	CreateSuspended        uint32 = 0x00000004
)

// ProcessLaunch is the parameter block of an intercepted CreateProcess.
type ProcessLaunch struct {
	ApplicationName string
	CommandLine     string
	WorkingDir      string
	Environment     []string
	CreationFlags   uint32
	InheritHandles  bool
}

// ProcessInfo identifies a launched child.
type ProcessInfo struct {
	Pid    uint32
	Handle Handle
}

//
// ProcessServiceIface performs the real process launches on behalf of the
// create-process detour. CreateDetouredProcess arranges for the child to
// receive the manifest payload and the interceptor library; CreateProcess
// launches without instrumentation (breakaway and shim children).
//
type ProcessServiceIface interface {
	CreateProcess(launch *ProcessLaunch) (*ProcessInfo, Win32Error)
	CreateDetouredProcess(launch *ProcessLaunch) (*ProcessInfo, Win32Error)
}

// BreakawayDescriptor names a child process allowed to escape the sandbox's
// job-object containment.
type BreakawayDescriptor struct {
	ImageName      string
	RequiredArgs   string
	ArgsIgnoreCase bool
}

// ShimMatch names a process image (and optional args substring) that the
// substitute-process shim applies to.
type ShimMatch struct {
	ImageName string
	Args      string
}

// ShimSettings is the substitute-process configuration from the manifest.
type ShimSettings struct {
	ShimAllProcesses bool
	ShimPath         string
	PluginDll32     string
	PluginDll64     string
	Matches          []ShimMatch
}

// Configured tells whether shimming is in play at all.
func (s *ShimSettings) Configured() bool {
	return s != nil && s.ShimPath != ""
}
