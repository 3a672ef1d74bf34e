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

import "fmt"

// Win32Error is a Win32 last-error value. Detour handlers traffic in these
// instead of Go errors so that nothing but a numeric code ever crosses back
// into the intercepted caller's frame.
type Win32Error uint32

const (
	ErrorSuccess          Win32Error = 0
	ErrorInvalidFunction  Win32Error = 1
	ErrorFileNotFound     Win32Error = 2
	ErrorPathNotFound     Win32Error = 3
	ErrorAccessDenied     Win32Error = 5
	ErrorInvalidHandle    Win32Error = 6
	ErrorNotSameDevice    Win32Error = 17
	ErrorNoMoreFiles      Win32Error = 18
	ErrorSharingViolation Win32Error = 32
	ErrorFileExists       Win32Error = 80
	ErrorInvalidParameter Win32Error = 87
	ErrorInvalidName      Win32Error = 123
	ErrorDirNotEmpty      Win32Error = 145
	ErrorAlreadyExists    Win32Error = 183
	ErrorNotAReparsePoint Win32Error = 4390
)

func (e Win32Error) Succeeded() bool {
	return e == ErrorSuccess
}

func (e Win32Error) Error() string {
	return fmt.Sprintf("win32 error %d", uint32(e))
}

// NtStatus is an NTSTATUS value for the Nt/Zw API surface.
type NtStatus uint32

const (
	StatusSuccess             NtStatus = 0x00000000
	StatusNoMoreFiles         NtStatus = 0x80000006
	StatusObjectNameInvalid   NtStatus = 0xC0000033
	StatusObjectNameNotFound  NtStatus = 0xC0000034
	StatusObjectPathNotFound  NtStatus = 0xC000003A
	StatusAccessDenied        NtStatus = 0xC0000022
	StatusDeletePending       NtStatus = 0xC0000056
	StatusNotAReparsePoint    NtStatus = 0xC0000275
	StatusInvalidParameter    NtStatus = 0xC000000D
	StatusObjectPathSyntaxBad NtStatus = 0xC000003B
)

func (s NtStatus) Succeeded() bool {
	return s < 0x80000000
}

func (s NtStatus) Error() string {
	return fmt.Sprintf("ntstatus 0x%08X", uint32(s))
}

// Win32 maps common NTSTATUS values to their Win32 last-error equivalents.
func (s NtStatus) Win32() Win32Error {
	switch s {
	case StatusSuccess:
		return ErrorSuccess
	case StatusObjectNameNotFound:
		return ErrorFileNotFound
	case StatusObjectPathNotFound:
		return ErrorPathNotFound
	case StatusObjectNameInvalid, StatusObjectPathSyntaxBad:
		return ErrorInvalidName
	case StatusAccessDenied, StatusDeletePending:
		return ErrorAccessDenied
	case StatusNoMoreFiles:
		return ErrorNoMoreFiles
	case StatusNotAReparsePoint:
		return ErrorNotAReparsePoint
	default:
		return ErrorInvalidParameter
	}
}
