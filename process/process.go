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
	"github.com/detourbox/detourbox/domain"
)

// ManifestEnvVar hands the manifest payload location to detoured children.
const ManifestEnvVar = "DETOURBOX_MANIFEST"

// Ensure the service satisfies the domain contract.
var _ domain.ProcessServiceIface = (*Service)(nil)

//
// Service performs the real process launches for the create-process
// detour. CreateProcess launches uninstrumented children (breakaway and
// shim targets); CreateDetouredProcess arranges for the child to inherit
// the manifest payload and the interceptor, so the whole process tree
// stays observed.
//
type Service struct {
	// manifestRef is what children receive through ManifestEnvVar.
	manifestRef string
}

// NewService wires the manifest reference propagated to children.
func NewService(manifestRef string) *Service {
	return &Service{manifestRef: manifestRef}
}

func (s *Service) CreateProcess(
	launch *domain.ProcessLaunch) (*domain.ProcessInfo, domain.Win32Error) {

	return createProcess(launch)
}

func (s *Service) CreateDetouredProcess(
	launch *domain.ProcessLaunch) (*domain.ProcessInfo, domain.Win32Error) {

	instrumented := *launch
	instrumented.Environment = append(
		append([]string{}, launch.Environment...),
		ManifestEnvVar+"="+s.manifestRef)

	return createDetouredProcess(&instrumented)
}
