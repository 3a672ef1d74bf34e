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

package manifest

import (
	"github.com/detourbox/detourbox/domain"
	"github.com/detourbox/detourbox/policy"
)

// Flags is the manifest's process-wide flag word.
type Flags uint32

const (
	FailUnexpectedFileAccesses         Flags = 1 << 0
	ReportFileAccesses                 Flags = 1 << 1
	ReportUnexpectedFileAccesses       Flags = 1 << 2
	ExplicitlyReportDirectoryProbes    Flags = 1 << 3
	ForceReadOnlyForRequestedReadWrite Flags = 1 << 4
	IgnoreReparsePoints                Flags = 1 << 5
	EnableFullReparsePointResolving    Flags = 1 << 6
	MonitorChildProcesses              Flags = 1 << 7
	MonitorNtCreateFile                Flags = 1 << 8
	MonitorZwCreateOpenQueryFile       Flags = 1 << 9
	UseExtraThreadToDrainNtClose       Flags = 1 << 10
	DoNotForceShareReadDelete          Flags = 1 << 11
	LogProcessData                     Flags = 1 << 12
	NormalizeReadTimestamps            Flags = 1 << 13
)

func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// ReportDescriptor names the report sink: either a pre-opened handle
// inherited from the controller, or a path the sandbox must open itself.
type ReportDescriptor struct {
	Present  bool
	IsHandle bool
	Handle   uint64
	Path     string
}

// MinInjectionTimeoutMinutes is the floor the decoder enforces.
const MinInjectionTimeoutMinutes = 10

//
// State is the process-wide manifest state. It is built once during attach,
// on a single thread, and is immutable from the moment detours are armed;
// everything here may be read without locks afterwards.
//
type State struct {
	DebugFlag               bool
	InjectionTimeoutMinutes uint32
	Breakaways              []domain.BreakawayDescriptor
	Translations            *TranslateTable
	InternalErrorFile       string
	Flags                   Flags
	ExtraFlags              uint32
	PipID                   uint64
	Report                  ReportDescriptor
	Dll32                   string
	Dll64                   string
	Shim                    *domain.ShimSettings
	Root                    *policy.Record
}

// RootCursor seats a policy search on the manifest tree.
func (s *State) RootCursor() *policy.Cursor {
	return policy.RootCursor(s.Root)
}

// Engine builds the access-check engine configured by the global flags.
func (s *State) Engine(probe func(string) domain.PathValidity) *policy.Engine {
	e := policy.NewEngine()
	e.FailUnexpectedAccesses = s.Flags.Has(FailUnexpectedFileAccesses)
	e.ReportAnyAccess = s.Flags.Has(ReportFileAccesses)
	e.ReportUnexpectedAccesses = s.Flags.Has(ReportUnexpectedFileAccesses)
	e.ExplicitDirectoryProbes = s.Flags.Has(ExplicitlyReportDirectoryProbes)
	if probe != nil {
		e.ProbeValidity = probe
	}
	return e
}

// MatchBreakaway finds the first breakaway descriptor matching an image
// name and command line, if any.
func (s *State) MatchBreakaway(imageName string, args string) *domain.BreakawayDescriptor {
	for i := range s.Breakaways {
		b := &s.Breakaways[i]
		if !equalFold(b.ImageName, imageName) {
			continue
		}
		if b.RequiredArgs == "" {
			return b
		}
		if containsMaybeFold(args, b.RequiredArgs, b.ArgsIgnoreCase) {
			return b
		}
	}
	return nil
}
