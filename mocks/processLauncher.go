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

// LaunchRecord captures one process launch request.
type LaunchRecord struct {
	Launch   domain.ProcessLaunch
	Detoured bool
}

// ProcessLauncher is an in-memory process service for unit tests. Errors
// can be scripted per-call through FailuresBeforeSuccess.
type ProcessLauncher struct {
	mu       sync.Mutex
	launches []LaunchRecord
	nextPid  uint32

	// FailuresBeforeSuccess makes CreateDetouredProcess fail with
	// ERROR_INVALID_FUNCTION that many times before succeeding.
	FailuresBeforeSuccess int
}

var _ domain.ProcessServiceIface = (*ProcessLauncher)(nil)

func NewProcessLauncher() *ProcessLauncher {
	return &ProcessLauncher{nextPid: 1000}
}

func (p *ProcessLauncher) CreateProcess(
	launch *domain.ProcessLaunch) (*domain.ProcessInfo, domain.Win32Error) {

	p.mu.Lock()
	defer p.mu.Unlock()
	p.launches = append(p.launches, LaunchRecord{Launch: *launch})
	p.nextPid++
	return &domain.ProcessInfo{
		Pid:    p.nextPid,
		Handle: domain.Handle(p.nextPid),
	}, domain.ErrorSuccess
}

func (p *ProcessLauncher) CreateDetouredProcess(
	launch *domain.ProcessLaunch) (*domain.ProcessInfo, domain.Win32Error) {

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailuresBeforeSuccess > 0 {
		p.FailuresBeforeSuccess--
		return nil, domain.ErrorInvalidFunction
	}

	p.launches = append(p.launches, LaunchRecord{Launch: *launch, Detoured: true})
	p.nextPid++
	return &domain.ProcessInfo{
		Pid:    p.nextPid,
		Handle: domain.Handle(p.nextPid),
	}, domain.ErrorSuccess
}

// Launches returns a copy of the recorded launches.
func (p *ProcessLauncher) Launches() []LaunchRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]LaunchRecord, len(p.launches))
	copy(out, p.launches)
	return out
}
