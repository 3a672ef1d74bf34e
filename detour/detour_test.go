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

package detour_test

import (
	"testing"

	"github.com/detourbox/detourbox/detour"
	"github.com/detourbox/detourbox/domain"
	"github.com/detourbox/detourbox/manifest"
	"github.com/detourbox/detourbox/mocks"
	"github.com/detourbox/detourbox/policy"
	"github.com/detourbox/detourbox/shim"
	"github.com/detourbox/detourbox/state"
	"github.com/detourbox/detourbox/sysio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//
// Test harness: mem-backed volume, recording report sink, fake process
// launcher, one detour service wired the way main wires production.
//

type harness struct {
	mst *manifest.State
	ios *sysio.FileService
	rec *mocks.ReportRecorder
	prl *mocks.ProcessLauncher
	hos *state.HandleOverlayService
	svc *detour.Service
}

const defaultFlags = manifest.FailUnexpectedFileAccesses |
	manifest.ReportUnexpectedFileAccesses |
	manifest.MonitorChildProcesses |
	manifest.MonitorNtCreateFile

func newHarness(root *policy.Record, flags manifest.Flags) *harness {

	h := &harness{
		mst: &manifest.State{
			Flags:        flags,
			Translations: manifest.NewTranslateTable(nil),
			PipID:        0x99,
			Root:         root,
			Shim:         &domain.ShimSettings{},
		},
		ios: sysio.NewIOService(domain.IOMemFileService),
		rec: mocks.NewReportRecorder(),
		prl: mocks.NewProcessLauncher(),
		hos: state.NewHandleOverlayService(false),
	}

	h.svc = detour.NewService()
	h.svc.Setup(h.mst, h.ios, h.rec, h.prl, h.hos,
		shim.NewService(h.mst.Shim, nil), `C:\`)
	h.svc.Arm()
	return h
}

// addScope seats flags (node and cone) at a path in the policy tree.
func addScope(root *policy.Record, atoms []string, flags policy.Flags) {
	cur := root
	for i, a := range atoms {
		next := cur.FindChild(a)
		if next == nil {
			next = cur.AddChild(policy.NewRecord(a, policy.FlagNone, policy.FlagNone))
		}
		if i == len(atoms)-1 {
			next.NodePolicy = flags
			next.ConePolicy = flags
		}
		cur = next
	}
}

func guard() *detour.Guard {
	return &detour.Guard{}
}

// Read of an allowed path.
func TestReadAllowed(t *testing.T) {

	root := policy.NewRoot()
	addScope(root, []string{"C:", "src"},
		policy.AllowRead|policy.ReportAccessIfExistent)

	h := newHarness(root, defaultFlags)
	require.NoError(t, h.ios.WriteFile(`C:\src\a.txt`, []byte("x")))

	hdl, werr := h.svc.CreateFileW(guard(), `C:\src\a.txt`,
		domain.GenericRead, domain.FileShareRead, domain.OpenExisting, 0)

	assert.Equal(t, domain.ErrorSuccess, werr)
	assert.NotEqual(t, domain.InvalidHandle, hdl)

	reports := h.rec.Accesses()
	require.Len(t, reports, 1)
	assert.Equal(t, "CreateFile", reports[0].Operation)
	assert.Equal(t, `C:\src\a.txt`, reports[0].Path)
	assert.Equal(t, domain.AccessRead, reports[0].Access)
	assert.Equal(t, domain.ActionAllow, reports[0].Action)
	assert.Equal(t, domain.Existent, reports[0].Existence)
	assert.Equal(t, uint64(0x99), reports[0].PipID)
}

// Write denied in a read-only subtree.
func TestWriteDenied(t *testing.T) {

	root := policy.NewRoot()
	addScope(root, []string{"C:", "src"},
		policy.AllowRead|policy.ReportAccessIfExistent)

	h := newHarness(root, defaultFlags)
	require.NoError(t, h.ios.WriteFile(`C:\src\a.txt`, []byte("x")))

	hdl, werr := h.svc.CreateFileW(guard(), `C:\src\a.txt`,
		domain.GenericWrite, 0, domain.CreateAlways, 0)

	assert.Equal(t, domain.InvalidHandle, hdl)
	assert.Equal(t, domain.ErrorAccessDenied, werr)

	reports := h.rec.Accesses()
	require.Len(t, reports, 1)
	assert.Equal(t, domain.ActionDeny, reports[0].Action)
	assert.Equal(t, domain.StatusDenied, reports[0].Status)
	assert.Equal(t, domain.AccessWrite, reports[0].Access)

	// No handle overlay was registered for the denied open.
	assert.Equal(t, 0, h.hos.Size())
}

// Delete of a non-existent file in a writable subtree.
func TestDeleteNonexistentAllowed(t *testing.T) {

	root := policy.NewRoot()
	addScope(root, []string{"C:", "out"},
		policy.AllowWrite|policy.ReportAccess)

	h := newHarness(root, defaultFlags)
	require.NoError(t, h.ios.MkdirAll(`C:\out`))

	werr := h.svc.DeleteFileW(guard(), `C:\out\gone.txt`)
	assert.Equal(t, domain.ErrorFileNotFound, werr)

	reports := h.rec.Accesses()
	require.Len(t, reports, 1)
	assert.Equal(t, "DeleteFile", reports[0].Operation)
	assert.Equal(t, domain.AccessWrite, reports[0].Access)
	assert.Equal(t, domain.ActionAllow, reports[0].Action)
	assert.Equal(t, domain.Nonexistent, reports[0].Existence)
	assert.Equal(t, domain.ErrorFileNotFound, reports[0].Error)
}

// Write-then-probe consistency: a denied delete of an existing file emits
// exactly one Write report; of a missing file at most one Probe report.
func TestDeleteDenialReportShape(t *testing.T) {

	root := policy.NewRoot()
	addScope(root, []string{"C:", "src"},
		policy.AllowRead|policy.ReportAccessIfExistent|
			policy.ReportAccessIfNonexistent)

	h := newHarness(root, defaultFlags)
	require.NoError(t, h.ios.WriteFile(`C:\src\a.txt`, []byte("x")))

	// Existing file: one Write denial.
	werr := h.svc.DeleteFileW(guard(), `C:\src\a.txt`)
	assert.Equal(t, domain.ErrorAccessDenied, werr)
	reports := h.rec.Accesses()
	require.Len(t, reports, 1)
	assert.Equal(t, domain.AccessWrite, reports[0].Access)
	assert.Equal(t, domain.StatusDenied, reports[0].Status)

	// The file survived.
	_, aerr := h.ios.GetFileAttributes(`C:\src\a.txt`)
	assert.Equal(t, domain.ErrorSuccess, aerr)

	// Missing file: the denial downgrades to a probe of the absence.
	h.rec.Reset()
	werr = h.svc.DeleteFileW(guard(), `C:\src\gone.txt`)
	assert.Equal(t, domain.ErrorFileNotFound, werr)
	reports = h.rec.Accesses()
	require.Len(t, reports, 1)
	assert.Equal(t, domain.AccessProbe, reports[0].Access)
	assert.Equal(t, domain.Nonexistent, reports[0].Existence)
}

// Rename inside a writable subtree emits a correlated
// source/destination report pair.
func TestMoveFileCorrelation(t *testing.T) {

	root := policy.NewRoot()
	addScope(root, []string{"C:", "out"},
		policy.AllowWrite|policy.ReportAccess)

	h := newHarness(root, defaultFlags)
	require.NoError(t, h.ios.WriteFile(`C:\out\a.txt`, []byte("x")))

	werr := h.svc.MoveFileExW(guard(),
		`C:\out\a.txt`, `C:\out\b.txt`, detour.MoveFileCopyAllowed)
	assert.Equal(t, domain.ErrorSuccess, werr)

	src := h.rec.ByOperation("MoveFileWithProgress_Source")
	dst := h.rec.ByOperation("MoveFileWithProgress_Dest")
	require.Len(t, src, 1)
	require.Len(t, dst, 1)

	assert.Equal(t, domain.AccessDelete, src[0].Access)
	assert.Equal(t, domain.ActionAllow, src[0].Action)
	assert.Equal(t, `C:\out\a.txt`, src[0].Path)

	assert.Equal(t, domain.AccessWrite, dst[0].Access)
	assert.Equal(t, `C:\out\b.txt`, dst[0].Path)
	assert.Equal(t, src[0].ID, dst[0].CorrelationID)

	_, aerr := h.ios.GetFileAttributes(`C:\out\b.txt`)
	assert.Equal(t, domain.ErrorSuccess, aerr)
}

// Directory rename validates the whole subtree; the walk reports precede
// the real rename's pair.
func TestMoveDirectoryReportOrdering(t *testing.T) {

	root := policy.NewRoot()
	addScope(root, []string{"C:", "out"},
		policy.AllowWrite|policy.ReportAccess)

	h := newHarness(root, defaultFlags)
	require.NoError(t, h.ios.WriteFile(`C:\out\dir\f1.txt`, []byte("1")))
	require.NoError(t, h.ios.WriteFile(`C:\out\dir\sub\f2.txt`, []byte("2")))

	werr := h.svc.MoveFileExW(guard(), `C:\out\dir`, `C:\out\dir2`, 0)
	assert.Equal(t, domain.ErrorSuccess, werr)

	src := h.rec.ByOperation("MoveFileWithProgress_Source")
	// Tree entries (f1, sub, sub\f2) plus the top-level pair.
	require.Len(t, src, 4)

	// The top-level source report carries the real call's outcome and is
	// emitted last.
	assert.Equal(t, `C:\out\dir`, src[len(src)-1].Path)

	// Denied subtree entry blocks the rename before the real call.
	h.rec.Reset()
	require.NoError(t, h.ios.WriteFile(`C:\out\dir2\locked\f.txt`, []byte("x")))
	addScope(root, []string{"C:", "out", "dir2", "locked"},
		policy.AllowRead|policy.ReportAccessIfExistent)

	werr = h.svc.MoveFileExW(guard(), `C:\out\dir2`, `C:\out\dir3`, 0)
	assert.Equal(t, domain.ErrorAccessDenied, werr)
	_, aerr := h.ios.GetFileAttributes(`C:\out\dir2`)
	assert.Equal(t, domain.ErrorSuccess, aerr, "rename must not have run")
}

// Symlink chain under full reparse resolution; the chain is
// reported hop by hop and denied at the first hop outside any allowed or
// parse-declared scope.
func TestSymlinkChainResolutionDenied(t *testing.T) {

	root := policy.NewRoot()
	addScope(root, []string{"C:", "final"},
		policy.AllowRead|policy.ReportAccessIfExistent)
	addScope(root, []string{"C:", "a"},
		policy.EnableFullReparsePointParsing)

	h := newHarness(root, defaultFlags)
	require.NoError(t, h.ios.WriteFile(`C:\final\f.txt`, []byte("x")))
	h.ios.SetReparsePoint(`C:\a\link`, `C:\mid\link2`, false)
	h.ios.SetReparsePoint(`C:\mid\link2`, `C:\final\f.txt`, false)

	hdl, werr := h.svc.CreateFileW(guard(), `C:\a\link`,
		domain.GenericRead, 0, domain.OpenExisting, 0)

	assert.Equal(t, domain.InvalidHandle, hdl)
	assert.Equal(t, domain.ErrorAccessDenied, werr)

	reports := h.rec.Accesses()
	require.Len(t, reports, 3)

	assert.Equal(t, "ReparsePointTarget", reports[0].Operation)
	assert.Equal(t, `C:\a\link`, reports[0].Path)
	assert.Equal(t, `C:\mid\link2`, reports[0].Filter)

	assert.Equal(t, "ReparsePointTarget", reports[1].Operation)
	assert.Equal(t, `C:\mid\link2`, reports[1].Path)

	assert.Equal(t, "CreateFile", reports[2].Operation)
	assert.Equal(t, `C:\mid\link2`, reports[2].Path)
	assert.Equal(t, domain.ActionDeny, reports[2].Action)
}

// The happy-path variant: a chain entirely inside allowed scopes resolves
// and the final open lands on the target.
func TestSymlinkChainResolutionAllowed(t *testing.T) {

	root := policy.NewRoot()
	addScope(root, []string{"C:", "final"},
		policy.AllowRead|policy.ReportAccessIfExistent)
	addScope(root, []string{"C:", "a"},
		policy.EnableFullReparsePointParsing)

	h := newHarness(root, defaultFlags)
	require.NoError(t, h.ios.WriteFile(`C:\final\f.txt`, []byte("x")))
	h.ios.SetReparsePoint(`C:\a\link`, `C:\final\f.txt`, false)

	hdl, werr := h.svc.CreateFileW(guard(), `C:\a\link`,
		domain.GenericRead, 0, domain.OpenExisting, 0)

	assert.Equal(t, domain.ErrorSuccess, werr)
	assert.NotEqual(t, domain.InvalidHandle, hdl)

	reports := h.rec.Accesses()
	require.Len(t, reports, 2)
	assert.Equal(t, "ReparsePointTarget", reports[0].Operation)
	assert.Equal(t, `C:\a\link`, reports[0].Path)

	// The final read is classified and reported on the resolved target.
	assert.Equal(t, "CreateFile", reports[1].Operation)
	assert.Equal(t, `C:\final\f.txt`, reports[1].Path)
	assert.Equal(t, domain.ActionAllow, reports[1].Action)
}

// Enumeration reports the directory with its filter, then
// each entry as an enumeration probe.
func TestEnumeration(t *testing.T) {

	root := policy.NewRoot()
	addScope(root, []string{"C:", "src"},
		policy.AllowRead|policy.ReportDirectoryEnumeration)

	h := newHarness(root, defaultFlags)
	require.NoError(t, h.ios.WriteFile(`C:\src\a.cpp`, []byte("x")))
	require.NoError(t, h.ios.WriteFile(`C:\src\b.h`, []byte("y")))

	hdl, first, werr := h.svc.FindFirstFileExW(guard(), `C:\src\*.cpp`)
	require.Equal(t, domain.ErrorSuccess, werr)
	assert.Equal(t, "a.cpp", first.Name)

	reports := h.rec.Accesses()
	require.Len(t, reports, 2)

	assert.Equal(t, "FindFirstFileEx", reports[0].Operation)
	assert.Equal(t, `C:\src`, reports[0].Path)
	assert.Equal(t, domain.AccessEnumerate, reports[0].Access)
	assert.Equal(t, "*.cpp", reports[0].Filter)

	assert.Equal(t, domain.AccessEnumerationProbe, reports[1].Access)
	assert.Equal(t, `C:\src\a.cpp`, reports[1].Path)
	assert.Equal(t, domain.Existent, reports[1].Existence)

	// FindNext exhausts and FindClose retires the overlay.
	_, werr = h.svc.FindNextFileW(guard(), hdl)
	assert.Equal(t, domain.ErrorNoMoreFiles, werr)
	assert.Equal(t, 1, h.hos.Size())
	assert.Equal(t, domain.ErrorSuccess, h.svc.FindClose(guard(), hdl))
	assert.Equal(t, 0, h.hos.Size())
}

// Downgrade-to-read: a denied read-write open is rewritten to read-only
// when the global flag allows it, with the synthetic report emitted.
func TestDowngradeToRead(t *testing.T) {

	root := policy.NewRoot()
	addScope(root, []string{"C:", "src"},
		policy.AllowRead|policy.ReportAccessIfExistent)

	h := newHarness(root,
		defaultFlags|manifest.ForceReadOnlyForRequestedReadWrite)
	require.NoError(t, h.ios.WriteFile(`C:\src\a.txt`, []byte("x")))

	hdl, werr := h.svc.CreateFileW(guard(), `C:\src\a.txt`,
		domain.GenericRead|domain.GenericWrite, 0, domain.OpenExisting, 0)

	assert.Equal(t, domain.ErrorSuccess, werr)
	assert.NotEqual(t, domain.InvalidHandle, hdl)

	synthetic := h.rec.ByOperation("ChangedReadWriteToReadAccess")
	require.Len(t, synthetic, 1)

	finals := h.rec.ByOperation("CreateFile")
	require.Len(t, finals, 1)
	assert.Equal(t, domain.ActionAllow, finals[0].Action)
}

// Untracked scopes pass through without checks or reports.
func TestUntrackedScope(t *testing.T) {

	root := policy.NewRoot()
	addScope(root, []string{"C:", "tmp"}, policy.IndicateUntracked)

	h := newHarness(root, defaultFlags)
	require.NoError(t, h.ios.MkdirAll(`C:\tmp`))

	hdl, werr := h.svc.CreateFileW(guard(), `C:\tmp\scratch.txt`,
		domain.GenericWrite, 0, domain.CreateAlways, 0)

	assert.Equal(t, domain.ErrorSuccess, werr)
	assert.NotEqual(t, domain.InvalidHandle, hdl)
	assert.Empty(t, h.rec.Accesses())
	assert.Equal(t, 0, h.hos.Size())
}

// NT surface: dispositions map onto the Win32 vocabulary and denials
// surface as NTSTATUS.
func TestNtCreateFile(t *testing.T) {

	root := policy.NewRoot()
	addScope(root, []string{"C:", "src"},
		policy.AllowRead|policy.AllowReadIfNonexistent|
			policy.ReportAccessIfExistent)

	h := newHarness(root, defaultFlags)
	require.NoError(t, h.ios.WriteFile(`C:\src\a.txt`, []byte("x")))

	// FILE_OPEN of an existing file succeeds.
	hdl, st := h.svc.NtCreateFile(guard(), `\??\C:\src\a.txt`,
		domain.GenericRead, 0, domain.NtFileOpen, 0)
	assert.Equal(t, domain.StatusSuccess, st)
	assert.NotEqual(t, domain.InvalidHandle, hdl)

	// FILE_OVERWRITE_IF demands write and is denied.
	hdl, st = h.svc.NtCreateFile(guard(), `\??\C:\src\a.txt`,
		domain.GenericWrite, 0, domain.NtFileOverwriteIf, 0)
	assert.Equal(t, domain.InvalidHandle, hdl)
	assert.Equal(t, domain.StatusAccessDenied, st)

	// Missing file under FILE_OPEN.
	_, st = h.svc.NtOpenFile(guard(), `\??\C:\src\gone.txt`,
		domain.GenericRead, 0, 0)
	assert.Equal(t, domain.StatusObjectNameNotFound, st)
}

// A successful open registers a File overlay carrying the opened path;
// CloseHandle retires it.
func TestCloseHandleRetiresOverlay(t *testing.T) {

	root := policy.NewRoot()
	addScope(root, []string{"C:", "src"},
		policy.AllowRead|policy.ReportAccessIfExistent)

	h := newHarness(root, defaultFlags)
	require.NoError(t, h.ios.WriteFile(`C:\src\a.txt`, []byte("x")))

	hdl, werr := h.svc.CreateFileW(guard(), `C:\src\a.txt`,
		domain.GenericRead, 0, domain.OpenExisting, 0)
	require.Equal(t, domain.ErrorSuccess, werr)
	require.Equal(t, 1, h.hos.Size())

	overlay, ok := h.hos.Lookup(hdl)
	require.True(t, ok)
	assert.Equal(t, state.HandleFile, overlay.Type)
	assert.Equal(t, `C:\src\a.txt`, overlay.Path.String())

	assert.Equal(t, domain.ErrorSuccess, h.svc.CloseHandle(guard(), hdl))
	assert.Equal(t, 0, h.hos.Size())
}

// Re-entrancy: a guard already held means pass-through, no classification.
func TestReentrancyPassthrough(t *testing.T) {

	root := policy.NewRoot()
	h := newHarness(root, defaultFlags)
	require.NoError(t, h.ios.WriteFile(`C:\x\f.txt`, []byte("x")))

	g := guard()
	require.True(t, g.Enter())

	hdl, werr := h.svc.CreateFileW(g, `C:\x\f.txt`,
		domain.GenericRead, 0, domain.OpenExisting, 0)
	assert.Equal(t, domain.ErrorSuccess, werr)
	assert.NotEqual(t, domain.InvalidHandle, hdl)
	assert.Empty(t, h.rec.Accesses())
	assert.Equal(t, 0, h.hos.Size())
}

// The A-variant find APIs and the encryption family stay un-detoured.
func TestPassthroughSurface(t *testing.T) {

	root := policy.NewRoot()
	h := newHarness(root, defaultFlags)

	assert.True(t, h.svc.Attached("CreateFileW"))
	assert.True(t, h.svc.Attached("NtCreateFile"))
	assert.True(t, h.svc.Attached("CreateProcessW"))
	assert.False(t, h.svc.Attached("FindFirstFileA"))
	assert.False(t, h.svc.Attached("FindNextFileA"))
	assert.False(t, h.svc.Attached("EncryptFileW"))
	assert.False(t, h.svc.Attached("GetTempFileNameW"))
}

// Symlink creation rides on its own policy bit and invalidates cached
// resolutions through the link.
func TestCreateSymbolicLink(t *testing.T) {

	root := policy.NewRoot()
	addScope(root, []string{"C:", "out"},
		policy.AllowWrite|policy.AllowSymlinkCreation|policy.ReportAccess)
	addScope(root, []string{"C:", "src"},
		policy.AllowRead|policy.ReportAccessIfExistent)

	h := newHarness(root, defaultFlags)
	require.NoError(t, h.ios.MkdirAll(`C:\out`))
	require.NoError(t, h.ios.WriteFile(`C:\src\real.txt`, []byte("x")))

	werr := h.svc.CreateSymbolicLinkW(guard(),
		`C:\out\lnk`, `C:\src\real.txt`, false)
	assert.Equal(t, domain.ErrorSuccess, werr)

	reports := h.rec.ByOperation("CreateSymbolicLink")
	require.Len(t, reports, 1)
	assert.Equal(t, domain.AccessWrite, reports[0].Access)
	assert.Equal(t, `C:\src\real.txt`, reports[0].Filter)

	// Read-only scopes refuse reparse creation.
	werr = h.svc.CreateSymbolicLinkW(guard(),
		`C:\src\lnk2`, `C:\out`, true)
	assert.Equal(t, domain.ErrorAccessDenied, werr)
}

// CreateDirectory: probe when present, write when created.
func TestCreateDirectory(t *testing.T) {

	root := policy.NewRoot()
	addScope(root, []string{"C:", "out"},
		policy.AllowWrite|policy.AllowCreateDirectory|policy.ReportAccess)

	h := newHarness(root,
		defaultFlags|manifest.ExplicitlyReportDirectoryProbes)
	require.NoError(t, h.ios.MkdirAll(`C:\out`))

	werr := h.svc.CreateDirectoryW(guard(), `C:\out\fresh`)
	assert.Equal(t, domain.ErrorSuccess, werr)
	reports := h.rec.Accesses()
	require.Len(t, reports, 1)
	assert.Equal(t, domain.AccessWrite, reports[0].Access)
	assert.Equal(t, domain.Nonexistent, reports[0].Existence)

	// Second attempt probes the existing directory.
	h.rec.Reset()
	werr = h.svc.CreateDirectoryW(guard(), `C:\out\fresh`)
	assert.Equal(t, domain.ErrorAlreadyExists, werr)
	reports = h.rec.Accesses()
	require.Len(t, reports, 1)
	assert.Equal(t, domain.AccessProbe, reports[0].Access)
	assert.Equal(t, domain.Existent, reports[0].Existence)
}
