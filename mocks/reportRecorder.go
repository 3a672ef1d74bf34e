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

package mocks

import (
	"sync"

	"github.com/detourbox/detourbox/domain"
)

// ReportRecorder is an in-memory report service for unit tests: it stores
// every record in emission order.
type ReportRecorder struct {
	mu        sync.Mutex
	accesses  []domain.AccessReport
	processes []domain.ProcessReport
	denied    uint64
}

var _ domain.ReportServiceIface = (*ReportRecorder)(nil)

func NewReportRecorder() *ReportRecorder {
	return &ReportRecorder{}
}

func (r *ReportRecorder) ReportFileAccess(rec *domain.AccessReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accesses = append(r.accesses, *rec)
	if rec.Status == domain.StatusDenied {
		r.denied++
	}
}

func (r *ReportRecorder) ReportProcess(rec *domain.ProcessReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes = append(r.processes, *rec)
}

func (r *ReportRecorder) Counters() domain.ReportCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.ReportCounters{
		Emitted: uint64(len(r.accesses) + len(r.processes)),
		Denied:  r.denied,
	}
}

func (r *ReportRecorder) Shutdown() {}

// Accesses returns a copy of the recorded access reports.
func (r *ReportRecorder) Accesses() []domain.AccessReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AccessReport, len(r.accesses))
	copy(out, r.accesses)
	return out
}

// Processes returns a copy of the recorded process reports.
func (r *ReportRecorder) Processes() []domain.ProcessReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ProcessReport, len(r.processes))
	copy(out, r.processes)
	return out
}

// Reset clears the recording between test cases.
func (r *ReportRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accesses = nil
	r.processes = nil
	r.denied = 0
}

// ByOperation filters access reports by operation name.
func (r *ReportRecorder) ByOperation(op string) []domain.AccessReport {
	var out []domain.AccessReport
	for _, a := range r.Accesses() {
		if a.Operation == op {
			out = append(out, a)
		}
	}
	return out
}
