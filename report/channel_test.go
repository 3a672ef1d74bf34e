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

package report_test

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/detourbox/detourbox/domain"
	"github.com/detourbox/detourbox/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct {
	failAfter int
	writes    int
}

func (f *failingSink) Write(p []byte) (int, error) {
	f.writes++
	if f.writes > f.failAfter {
		return 0, assert.AnError
	}
	return len(p), nil
}

func TestFileAccessFraming(t *testing.T) {

	var buf bytes.Buffer
	svc := report.NewService(&report.Config{Sink: &buf, PipID: 0xBEEF})

	svc.ReportFileAccess(&domain.AccessReport{
		ID:            7,
		CorrelationID: 3,
		PipID:         0xBEEF,
		Operation:     "CreateFile",
		Status:        domain.StatusAllowed,
		Action:        domain.ActionAllow,
		Level:         domain.ReportExplicit,
		Access:        domain.AccessRead,
		Error:         domain.ErrorSuccess,
		Usn:           42,
		Path:          `C:\src\a.txt`,
	})

	line := strings.TrimSuffix(buf.String(), "\n")
	fields := strings.Split(line, "|")
	require.Len(t, fields, 12)
	assert.Equal(t, "7", fields[0])
	assert.Equal(t, "3", fields[1])
	assert.Equal(t, "48879", fields[2])
	assert.Equal(t, "CreateFile", fields[3])
	assert.Equal(t, "Allowed", fields[4])
	assert.Equal(t, "Allow", fields[5])
	assert.Equal(t, "ReportExplicit", fields[6])
	assert.Equal(t, "1", fields[7])
	assert.Equal(t, "0", fields[8])
	assert.Equal(t, "42", fields[9])
	assert.Equal(t, `C:\src\a.txt`, fields[10])
	assert.Equal(t, "", fields[11])
}

func TestProcessFraming(t *testing.T) {

	var buf bytes.Buffer
	svc := report.NewService(&report.Config{Sink: &buf, PipID: 1})

	svc.ReportProcess(&domain.ProcessReport{
		Operation: "Process",
		Pid:       100,
		ParentPid: 90,
		PipID:     1,
		SessionID: svc.SessionID(),
		ImagePath: `C:\tools\cl.exe`,
	})

	assert.Contains(t, buf.String(), "|Process|100|90|")
	assert.Contains(t, buf.String(), `C:\tools\cl.exe`)
}

func TestCountersAndAtomicFraming(t *testing.T) {

	var buf bytes.Buffer
	svc := report.NewService(&report.Config{Sink: &buf, PipID: 1})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				svc.ReportFileAccess(&domain.AccessReport{
					Operation: "CreateFile",
					Status:    domain.StatusDenied,
					Path:      `C:\x`,
				})
			}
		}()
	}
	wg.Wait()

	c := svc.Counters()
	assert.Equal(t, uint64(400), c.Emitted)
	assert.Equal(t, uint64(400), c.Denied)

	// Each record is one intact line.
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 400)
	for _, l := range lines {
		assert.Len(t, strings.Split(l, "|"), 12)
	}
}

func TestFailureThresholdTeardown(t *testing.T) {

	fatal := false
	svc := report.NewService(&report.Config{
		Sink:             &failingSink{failAfter: 0},
		FailureThreshold: 3,
		OnFatal:          func() { fatal = true },
	})

	for i := 0; i < 2; i++ {
		svc.ReportFileAccess(&domain.AccessReport{Operation: "CreateFile"})
	}
	assert.False(t, fatal)

	svc.ReportFileAccess(&domain.AccessReport{Operation: "CreateFile"})
	assert.True(t, fatal)
	assert.Equal(t, uint64(3), svc.Counters().WriteErrors)
}
