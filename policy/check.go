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

package policy

import (
	"github.com/sirupsen/logrus"

	"github.com/detourbox/detourbox/domain"
)

// ReadKind discriminates the flavors of read-class access checks.
type ReadKind int

const (
	KindRead ReadKind = iota
	KindProbe
	KindEnumerate
	KindEnumerationProbe
	KindLookup
)

func (k ReadKind) Access() domain.RequestedAccess {
	switch k {
	case KindRead:
		return domain.AccessRead
	case KindProbe:
		return domain.AccessProbe
	case KindEnumerate:
		return domain.AccessEnumerate
	case KindEnumerationProbe:
		return domain.AccessEnumerationProbe
	default:
		return domain.AccessLookup
	}
}

//
// Engine computes access-check verdicts for policy cursors. The globals
// mirror the manifest's process-wide flags; ProbeValidity is the syscall
// probe used to qualify denied writes (ERROR_PATH_NOT_FOUND vs
// ERROR_INVALID_NAME vs reachable-but-absent).
//
type Engine struct {
	FailUnexpectedAccesses   bool
	ReportAnyAccess          bool
	ReportUnexpectedAccesses bool
	ExplicitDirectoryProbes  bool

	ProbeValidity func(path string) domain.PathValidity
}

// NewEngine builds an engine with denial probing disabled (tests override).
func NewEngine() *Engine {
	return &Engine{
		ReportUnexpectedAccesses: true,
		ProbeValidity: func(string) domain.PathValidity {
			return domain.PathValid
		},
	}
}

// effective report bits: the unconditional ReportAccess flag implies both
// conditional variants.
func reportIfExistent(f Flags) bool {
	return f.HasAny(ReportAccess | ReportAccessIfExistent)
}

func reportIfNonexistent(f Flags) bool {
	return f.HasAny(ReportAccess | ReportAccessIfNonexistent)
}

// CheckRead classifies a read-class access.
//
// Directory opens are always allowed: the controller has no vocabulary for
// declaring a read dependency on a directory as such. An unparseable path
// is allowed through untouched so the real API error stands.
func (e *Engine) CheckRead(
	cur *Cursor,
	readCtx *domain.FileReadContext,
	kind ReadKind) domain.AccessCheckResult {

	access := kind.Access()

	if readCtx.Existence == domain.InvalidPath {
		return domain.AccessCheckResult{
			Access:   access,
			Action:   domain.ActionAllow,
			Level:    domain.ReportIgnore,
			Validity: domain.PathInvalid,
		}
	}

	flags := cur.Policy()
	existent := readCtx.Existence == domain.Existent

	allowed := readCtx.OpenedDirectory ||
		(existent && flags.Has(AllowRead)) ||
		(!existent && flags.Has(AllowReadIfNonexistent))

	action := domain.ActionAllow
	if !allowed {
		// EnumerationProbe never escalates to Deny (legacy behavior the
		// controller depends on).
		if e.FailUnexpectedAccesses && kind != KindEnumerationProbe {
			action = domain.ActionDeny
		} else {
			action = domain.ActionWarn
		}
	}

	level := e.readReportLevel(flags, existent, readCtx.OpenedDirectory)
	if action != domain.ActionAllow && e.ReportUnexpectedAccesses &&
		level < domain.ReportAlways {
		level = domain.ReportAlways
	}

	result := domain.AccessCheckResult{
		Access:   access,
		Action:   action,
		Level:    level,
		Validity: domain.PathValid,
	}

	if result.Denied() {
		logrus.Infof("Read-class access (%v) denied by policy (flags 0x%x)",
			kind.Access(), uint32(flags))
	}

	return result
}

func (e *Engine) readReportLevel(
	flags Flags, existent bool, directory bool) domain.ReportLevel {

	explicit := (e.ExplicitDirectoryProbes || !directory) &&
		((existent && reportIfExistent(flags)) ||
			(!existent && reportIfNonexistent(flags)))

	if explicit {
		return domain.ReportExplicit
	}
	if e.ReportAnyAccess {
		return domain.ReportAlways
	}
	return domain.ReportIgnore
}

// CheckWrite classifies a write-class access. On denial the path is probed
// for validity; an Invalid verdict silently drops the report since the
// write could never have happened and the real error must stand.
func (e *Engine) CheckWrite(
	cur *Cursor,
	path string,
	existent bool) domain.AccessCheckResult {

	return e.checkWriteClass(cur, path, existent, AllowWrite)
}

// CheckCreateDirectory gates directory creation.
func (e *Engine) CheckCreateDirectory(
	cur *Cursor,
	path string) domain.AccessCheckResult {

	return e.checkWriteClass(cur, path, false, AllowCreateDirectory|AllowWrite)
}

// CheckSymlinkCreation gates reparse-point creation.
func (e *Engine) CheckSymlinkCreation(
	cur *Cursor,
	path string) domain.AccessCheckResult {

	return e.checkWriteClass(cur, path, false, AllowSymlinkCreation|AllowWrite)
}

func (e *Engine) checkWriteClass(
	cur *Cursor,
	path string,
	existent bool,
	allowBits Flags) domain.AccessCheckResult {

	flags := cur.Policy()
	allowed := flags.HasAny(allowBits)

	result := domain.AccessCheckResult{
		Access:   domain.AccessWrite,
		Action:   domain.ActionAllow,
		Level:    e.writeReportLevel(flags, existent, domain.ActionAllow),
		Validity: domain.PathValid,
	}
	if allowed {
		return result
	}

	if e.FailUnexpectedAccesses {
		result.Action = domain.ActionDeny
	} else {
		result.Action = domain.ActionWarn
	}
	result.Validity = e.ProbeValidity(path)
	result.Level = e.writeReportLevel(flags, existent, result.Action)

	if result.Validity == domain.PathInvalid {
		// The path could never have been written; drop the report and let
		// the real error propagate.
		result.Level = domain.ReportIgnore
	}

	if result.Denied() {
		logrus.Infof("Write access denied by policy on %s (validity %v)",
			path, result.Validity)
	}

	return result
}

func (e *Engine) writeReportLevel(
	flags Flags, existent bool, action domain.AccessAction) domain.ReportLevel {

	if (existent && reportIfExistent(flags)) ||
		(!existent && reportIfNonexistent(flags)) {
		return domain.ReportExplicit
	}
	if e.ReportAnyAccess {
		return domain.ReportAlways
	}
	if action != domain.ActionAllow && e.ReportUnexpectedAccesses {
		return domain.ReportAlways
	}
	return domain.ReportIgnore
}
