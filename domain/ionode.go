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

// Handle is an opaque kernel file/find handle value.
type Handle uint64

// InvalidHandle mirrors INVALID_HANDLE_VALUE.
const InvalidHandle Handle = ^Handle(0)

type IOServiceType = int

const (
	Unknown         IOServiceType = iota
	IOOsFileService               // production / regular purposes
	IOMemFileService              // unit-testing purposes
)

// FindEntry is one entry produced by a directory enumeration.
type FindEntry struct {
	Name       string
	Attributes uint32
}

// OpenResult carries everything the detour layer needs to know about a real
// open: the handle, the opened object's attributes, and the last-error the
// caller must observe.
type OpenResult struct {
	Handle     Handle
	Attributes uint32
	Error      Win32Error
}

//
// IOServiceIface abstracts the real file-system API surface the sandbox
// wraps. The production service talks to the host volume; the mem-backed
// service reproduces the same semantics over an in-memory volume so that
// detour handlers can be unit-tested (same split as an os-file vs mem-file
// I/O node).
//
// Every method returns Win32 error values, never Go errors: the results are
// handed back verbatim to the intercepted caller.
//
type IOServiceIface interface {
	GetServiceType() IOServiceType

	// CreateFile performs the real open/create and reports the opened
	// object's attributes alongside (InvalidFileAttributes on failure).
	CreateFile(
		path string,
		desiredAccess uint32,
		shareMode uint32,
		disposition uint32,
		flagsAndAttrs uint32) OpenResult

	CloseHandle(h Handle) Win32Error

	DeleteFile(path string) Win32Error
	CreateDirectory(path string) Win32Error
	RemoveDirectory(path string) Win32Error
	MoveFile(src string, dst string, replaceExisting bool) Win32Error
	CreateHardLink(dst string, src string) Win32Error
	CreateSymbolicLink(link string, target string, isDirectory bool) Win32Error

	// GetFileAttributes is the probe primitive: existence, directory bit,
	// reparse-point bit, or a distinguishing error.
	GetFileAttributes(path string) (uint32, Win32Error)

	// ReadReparseTarget returns the substitute name of a reparse point.
	ReadReparseTarget(path string) (string, Win32Error)

	// ReadUsn returns the update-sequence-number journal entry for a path,
	// if the volume maintains one.
	ReadUsn(path string) (uint64, bool)

	// Directory enumeration, find-handle style.
	FindFirst(dir string, pattern string) (Handle, FindEntry, Win32Error)
	FindNext(h Handle) (FindEntry, Win32Error)
	FindClose(h Handle) Win32Error

	// ListDirectory returns every entry at once (rename tree validation).
	ListDirectory(path string) ([]FindEntry, Win32Error)
}
