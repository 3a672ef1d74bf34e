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

import "sync/atomic"

// Win32 desired-access bits consumed by the access classifier. Only the
// bits the sandbox reasons about are spelled out.
const (
	GenericRead    uint32 = 0x80000000
	GenericWrite   uint32 = 0x40000000
	GenericExecute uint32 = 0x20000000
	GenericAll     uint32 = 0x10000000

	DeleteAccess        uint32 = 0x00010000
	FileReadData        uint32 = 0x00000001
	FileWriteData       uint32 = 0x00000002
	FileAppendData      uint32 = 0x00000004
	FileWriteEa         uint32 = 0x00000010
	FileExecute         uint32 = 0x00000020
	FileWriteAttributes uint32 = 0x00000100
)

// Win32 share-mode bits.
const (
	FileShareRead   uint32 = 0x1
	FileShareWrite  uint32 = 0x2
	FileShareDelete uint32 = 0x4
)

// Win32 creation dispositions.
const (
	CreateNew        uint32 = 1
	CreateAlways     uint32 = 2
	OpenExisting     uint32 = 3
	OpenAlways       uint32 = 4
	TruncateExisting uint32 = 5
)

// NT create dispositions.
const (
	NtFileSupersede   uint32 = 0
	NtFileOpen        uint32 = 1
	NtFileCreate      uint32 = 2
	NtFileOpenIf      uint32 = 3
	NtFileOverwrite   uint32 = 4
	NtFileOverwriteIf uint32 = 5
)

// NT create options the sandbox reasons about.
const (
	NtFileDirectoryFile    uint32 = 0x00000001
	NtFileNonDirectoryFile uint32 = 0x00000040
	NtFileDeleteOnClose    uint32 = 0x00001000
	NtFileOpenReparsePoint uint32 = 0x00200000
)

// File attribute bits and flags.
const (
	FileAttributeDirectory    uint32 = 0x00000010
	FileAttributeNormal       uint32 = 0x00000080
	FileAttributeReparsePoint uint32 = 0x00000400
	InvalidFileAttributes     uint32 = 0xFFFFFFFF

	FileFlagBackupSemantics  uint32 = 0x02000000
	FileFlagOpenReparsePoint uint32 = 0x00200000
	FileFlagDeleteOnClose    uint32 = 0x04000000
)

// MapNtDisposition translates an NT create disposition into the Win32
// disposition the access classifier is written against.
func MapNtDisposition(ntDisposition uint32) uint32 {
	switch ntDisposition {
	case NtFileCreate:
		return CreateNew
	case NtFileOpen:
		return OpenExisting
	case NtFileOpenIf:
		return OpenAlways
	case NtFileOverwriteIf:
		return CreateAlways
	case NtFileOverwrite, NtFileSupersede:
		return TruncateExisting
	}
	return OpenExisting
}

// WantsWriteAccess tells whether a desired-access mask demands write.
func WantsWriteAccess(desiredAccess uint32) bool {
	return desiredAccess&(GenericAll|GenericWrite|DeleteAccess|
		FileWriteData|FileWriteAttributes|FileWriteEa|FileAppendData) != 0
}

// WantsReadAccess tells whether a desired-access mask demands data read.
func WantsReadAccess(desiredAccess uint32) bool {
	return desiredAccess&(GenericRead|GenericAll|FileReadData) != 0
}

// WantsProbeOnlyAccess tells whether an open is a pure metadata probe.
func WantsProbeOnlyAccess(desiredAccess uint32) bool {
	return !WantsReadAccess(desiredAccess) && !WantsWriteAccess(desiredAccess)
}

// DispositionImpliesWrite tells whether a (Win32) creation disposition can
// mutate the target regardless of the access mask.
func DispositionImpliesWrite(disposition uint32) bool {
	switch disposition {
	case CreateAlways, TruncateExisting:
		return true
	}
	return false
}

// opIdCounter feeds FileOperationContext.ID; one sequence per process.
var opIdCounter uint64

// FileOperationContext carries the parameters of one intercepted call
// through the classification pipeline.
type FileOperationContext struct {
	Operation           string
	DesiredAccess       uint32
	ShareMode           uint32
	CreationDisposition uint32
	FlagsAndAttributes  uint32
	OpenedAttributes    uint32
	RawPath             string
	ID                  uint64
	CorrelationID       uint64
}

// NoCorrelation marks a context that is not paired with another one.
const NoCorrelation uint64 = 0

// NewFileOperationContext stamps a fresh operation id.
func NewFileOperationContext(
	operation string,
	desiredAccess uint32,
	shareMode uint32,
	disposition uint32,
	flagsAndAttrs uint32,
	rawPath string) FileOperationContext {

	return FileOperationContext{
		Operation:           operation,
		DesiredAccess:       desiredAccess,
		ShareMode:           shareMode,
		CreationDisposition: disposition,
		FlagsAndAttributes:  flagsAndAttrs,
		RawPath:             rawPath,
		ID:                  atomic.AddUint64(&opIdCounter, 1),
		CorrelationID:       NoCorrelation,
	}
}

// Correlate stamps a destination context with the id of its source context
// (move/link pairs).
func (c *FileOperationContext) Correlate(src *FileOperationContext) {
	c.CorrelationID = src.ID
}

// FileReadContext captures what is known about the target at check time.
type FileReadContext struct {
	Existence       FileExistence
	OpenedDirectory bool
}

// InferExistenceFromError derives existence from the error of a real API
// probe or open attempt.
func InferExistenceFromError(err Win32Error) FileExistence {
	switch err {
	case ErrorSuccess, ErrorAlreadyExists, ErrorFileExists, ErrorSharingViolation:
		return Existent
	case ErrorFileNotFound, ErrorPathNotFound:
		return Nonexistent
	case ErrorInvalidName, ErrorInvalidParameter:
		return InvalidPath
	}
	return Existent
}

// InferExistenceFromStatus is InferExistenceFromError for the NT surface.
func InferExistenceFromStatus(st NtStatus) FileExistence {
	return InferExistenceFromError(st.Win32())
}
