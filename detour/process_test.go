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
	"testing"
	"time"

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

func procHarness(
	t *testing.T,
	flags manifest.Flags,
	breakaways []domain.BreakawayDescriptor,
	shimCfg *domain.ShimSettings) (*Service, *sysio.FileService,
	*mocks.ProcessLauncher, *mocks.ReportRecorder) {

	root := policy.NewRoot()
	tools := policy.NewRecord("tools",
		policy.AllowRead|policy.ReportAccessIfExistent,
		policy.AllowRead|policy.ReportAccessIfExistent)
	drive := root.AddChild(policy.NewRecord("C:", policy.FlagNone, policy.FlagNone))
	drive.AddChild(tools)

	if shimCfg == nil {
		shimCfg = &domain.ShimSettings{}
	}

	mst := &manifest.State{
		Flags:        flags,
		Translations: manifest.NewTranslateTable(nil),
		PipID:        7,
		Root:         root,
		Breakaways:   breakaways,
		Shim:         shimCfg,
	}

	ios := sysio.NewIOService(domain.IOMemFileService)
	require.NoError(t, ios.WriteFile(`C:\tools\cl.exe`, []byte("MZ")))

	rec := mocks.NewReportRecorder()
	prl := mocks.NewProcessLauncher()

	svc := NewService()
	svc.Setup(mst, ios, rec, prl,
		state.NewHandleOverlayService(false),
		shim.NewService(shimCfg, nil), `C:\`)
	svc.Arm()
	return svc, ios, prl, rec
}

func TestCreateProcessDetoured(t *testing.T) {

	svc, _, prl, rec := procHarness(t,
		manifest.MonitorChildProcesses|manifest.ReportUnexpectedFileAccesses,
		nil, nil)

	info, werr := svc.CreateProcessW(&Guard{}, &domain.ProcessLaunch{
		CommandLine: `"C:\tools\cl.exe" /c x.cpp`,
	})
	require.Equal(t, domain.ErrorSuccess, werr)
	require.NotNil(t, info)

	launches := prl.Launches()
	require.Len(t, launches, 1)
	assert.True(t, launches[0].Detoured)

	// The image read was classified and reported.
	images := rec.ByOperation("CreateProcess")
	require.Len(t, images, 1)
	assert.Equal(t, `C:\tools\cl.exe`, images[0].Path)

	procs := rec.Processes()
	require.Len(t, procs, 1)
	assert.Equal(t, "Process", procs[0].Operation)
	assert.Equal(t, info.Pid, procs[0].Pid)
}

func TestCreateProcessImageDenied(t *testing.T) {

	svc, ios, prl, rec := procHarness(t,
		manifest.MonitorChildProcesses|
			manifest.FailUnexpectedFileAccesses|
			manifest.ReportUnexpectedFileAccesses,
		nil, nil)

	require.NoError(t, ios.WriteFile(`C:\outside\evil.exe`, []byte("MZ")))

	info, werr := svc.CreateProcessW(&Guard{}, &domain.ProcessLaunch{
		CommandLine: `"C:\outside\evil.exe"`,
	})
	assert.Nil(t, info)
	assert.Equal(t, domain.ErrorAccessDenied, werr)
	assert.Empty(t, prl.Launches())

	denials := rec.ByOperation("CreateProcess")
	require.Len(t, denials, 1)
	assert.Equal(t, domain.StatusDenied, denials[0].Status)
}

func TestCreateProcessBreakaway(t *testing.T) {

	svc, _, prl, _ := procHarness(t,
		manifest.MonitorChildProcesses|manifest.LogProcessData,
		[]domain.BreakawayDescriptor{
			{ImageName: "mspdbsrv.exe"},
		}, nil)

	launch := &domain.ProcessLaunch{
		CommandLine:    `"C:\tools\mspdbsrv.exe" -start`,
		InheritHandles: true,
	}
	_, werr := svc.CreateProcessW(&Guard{}, launch)
	require.Equal(t, domain.ErrorSuccess, werr)

	launches := prl.Launches()
	require.Len(t, launches, 1)
	assert.False(t, launches[0].Detoured)
	assert.NotZero(t,
		launches[0].Launch.CreationFlags&domain.CreateBreakawayFromJob)
	assert.False(t, launches[0].Launch.InheritHandles)
}

func TestCreateProcessShimmed(t *testing.T) {

	svc, _, prl, _ := procHarness(t,
		manifest.MonitorChildProcesses,
		nil,
		&domain.ShimSettings{
			ShimPath: `C:\bx\shim.exe`,
			Matches:  []domain.ShimMatch{{ImageName: "cl.exe"}},
		})

	_, werr := svc.CreateProcessW(&Guard{}, &domain.ProcessLaunch{
		CommandLine: `"C:\tools\cl.exe" /c x.cpp`,
	})
	require.Equal(t, domain.ErrorSuccess, werr)

	launches := prl.Launches()
	require.Len(t, launches, 1)
	assert.False(t, launches[0].Detoured)
	assert.Equal(t, `C:\bx\shim.exe`, launches[0].Launch.ApplicationName)
	assert.Equal(t, `"C:\tools\cl.exe" /c x.cpp`,
		launches[0].Launch.CommandLine)
}

// ERROR_INVALID_FUNCTION from the detoured-launch primitive is retried.
func TestCreateProcessRetry(t *testing.T) {

	svc, _, prl, _ := procHarness(t,
		manifest.MonitorChildProcesses, nil, nil)

	prevDelay := retryDelay
	retryDelay = time.Millisecond
	defer func() { retryDelay = prevDelay }()

	prl.FailuresBeforeSuccess = 2

	info, werr := svc.CreateProcessW(&Guard{}, &domain.ProcessLaunch{
		CommandLine: `"C:\tools\cl.exe"`,
	})
	assert.Equal(t, domain.ErrorSuccess, werr)
	require.NotNil(t, info)

	launches := prl.Launches()
	require.Len(t, launches, 1)
	assert.True(t, launches[0].Detoured)
}

func TestProcessExitReport(t *testing.T) {

	svc, _, _, rec := procHarness(t,
		manifest.MonitorChildProcesses, nil, nil)

	svc.ReportProcessExit(3)
	procs := rec.Processes()
	require.Len(t, procs, 1)
	assert.Equal(t, "ProcessExit", procs[0].Operation)
	assert.Equal(t, uint32(3), procs[0].ExitCode)
}
