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
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"

	"github.com/detourbox/detourbox/domain"
	"github.com/detourbox/detourbox/manifest"
	"github.com/detourbox/detourbox/policy"
	"github.com/detourbox/detourbox/reparse"
	"github.com/detourbox/detourbox/shim"
	"github.com/detourbox/detourbox/state"
	"github.com/detourbox/detourbox/winpath"
)

//
// Guard is the per-thread re-entrancy latch. The interception layer hands
// each intercepted thread its own guard; a detour that ends up re-entering
// the sandboxed surface (canonicalization probing through CreateFile, for
// instance) sees the latch held and falls through to the real API.
//
type Guard struct {
	depth int
}

// Enter takes the latch; false means the thread is already inside a detour
// and the caller must pass through (and must not Leave).
func (g *Guard) Enter() bool {
	if g == nil {
		return true
	}
	if g.depth > 0 {
		return false
	}
	g.depth = 1
	return true
}

// Leave releases the latch.
func (g *Guard) Leave() {
	if g == nil {
		return
	}
	if g.depth > 0 {
		g.depth--
	}
}

//
// The detoured API surface. Export names map to descriptors; a name with
// no entry (the A-variant find APIs, the encryption and temp-file
// families) passes through untouched, preserving the legacy non-detoured
// behavior.
//
type apiDescriptor struct {
	Name    string
	Enabled bool
}

var detouredApis = []string{
	"CreateFileW",
	"NtCreateFile",
	"NtOpenFile",
	"ZwCreateFile",
	"ZwOpenFile",
	"CloseHandle",
	"DeleteFileW",
	"CreateDirectoryW",
	"RemoveDirectoryW",
	"MoveFileExW",
	"MoveFileWithProgressW",
	"CreateHardLinkW",
	"CreateSymbolicLinkW",
	"SetFileInformationByHandle",
	"GetFileAttributesW",
	"FindFirstFileExW",
	"FindNextFileW",
	"FindClose",
	"NtQueryDirectoryFile",
	"ZwQueryDirectoryFile",
	"CreateProcessW",
}

//
// Service orchestrates the per-API detour handlers: canonicalize,
// translate, seat policy, resolve reparse chains, check, call the real
// API, keep the handle table, report.
//
type Service struct {
	mst      *manifest.State
	engine   *policy.Engine
	ios      domain.IOServiceIface
	rps      domain.ReportServiceIface
	prs      domain.ProcessServiceIface
	hos      *state.HandleOverlayService
	resolver *reparse.Resolver
	shim     *shim.Service

	// API-name registry; immutable once armed.
	registry *iradix.Tree

	// Current directory for resolving relative paths.
	cwdMu sync.RWMutex
	cwd   string

	armed bool
}

// NewService allocates an unarmed detour service.
func NewService() *Service {
	return &Service{}
}

// Setup wires the collaborating services. Must complete, single-threaded,
// before Arm() publishes the service.
func (s *Service) Setup(
	mst *manifest.State,
	ios domain.IOServiceIface,
	rps domain.ReportServiceIface,
	prs domain.ProcessServiceIface,
	hos *state.HandleOverlayService,
	shimSvc *shim.Service,
	cwd string) {

	s.mst = mst
	s.ios = ios
	s.rps = rps
	s.prs = prs
	s.hos = hos
	s.shim = shimSvc
	s.cwd = cwd
	s.resolver = reparse.NewResolver(ios)
	s.engine = mst.Engine(s.probeValidity)

	tree := iradix.New()
	for _, name := range detouredApis {
		tree, _, _ = tree.Insert(
			[]byte(name), &apiDescriptor{Name: name, Enabled: true})
	}
	s.registry = tree
}

// Arm publishes the service; the manifest state is frozen from here on.
func (s *Service) Arm() {
	s.armed = true
	logrus.Infof("Detours armed: %d APIs, pip 0x%X",
		len(detouredApis), s.mst.PipID)
}

// Attached tells whether an export name is part of the detoured surface.
func (s *Service) Attached(name string) bool {
	if s.registry == nil {
		return false
	}
	v, ok := s.registry.Get([]byte(name))
	return ok && v.(*apiDescriptor).Enabled
}

// Resolver exposes the reparse resolver (cache invalidation, stats).
func (s *Service) Resolver() *reparse.Resolver {
	return s.resolver
}

// SetCurrentDirectory tracks the intercepted process' working directory.
func (s *Service) SetCurrentDirectory(cwd string) {
	s.cwdMu.Lock()
	s.cwd = cwd
	s.cwdMu.Unlock()
}

func (s *Service) currentDirectory() string {
	s.cwdMu.RLock()
	defer s.cwdMu.RUnlock()
	return s.cwd
}

//
// policyResult is the shared prologue product: the canonicalized and
// translated path seated in the policy tree. Indeterminate means the path
// could not be canonicalized; such operations are allowed through with
// report-only semantics so an over-eager denial cannot break the tool.
//
type policyResult struct {
	raw           string
	path          winpath.Path
	cursor        *policy.Cursor
	indeterminate bool
	untracked     bool
}

// seatPolicy runs canonicalize → translate → tree search.
func (s *Service) seatPolicy(raw string) *policyResult {

	pr := &policyResult{raw: raw}

	p, err := winpath.CanonicalizeFrom(s.currentDirectory(), raw)
	if err != nil {
		logrus.Debugf("Cannot canonicalize %q: %v", raw, err)
		pr.indeterminate = true
		return pr
	}

	pr.path = s.mst.Translations.TranslatePath(p)
	pr.cursor = s.mst.RootCursor().FindPath(pr.path)
	pr.untracked = pr.cursor.Policy().Has(policy.IndicateUntracked)
	return pr
}

// reseat re-runs the tree search after reparse resolution moved the path.
func (s *Service) reseat(pr *policyResult, resolved winpath.Path) {
	pr.path = s.mst.Translations.TranslatePath(resolved)
	pr.cursor = s.mst.RootCursor().FindPath(pr.path)
	pr.untracked = pr.cursor.Policy().Has(policy.IndicateUntracked)
}

// probeValidity qualifies a path for denial-error selection.
func (s *Service) probeValidity(path string) domain.PathValidity {
	_, werr := s.ios.GetFileAttributes(path)
	switch werr {
	case domain.ErrorPathNotFound:
		return domain.PathComponentNotFound
	case domain.ErrorInvalidName, domain.ErrorInvalidParameter:
		return domain.PathInvalid
	default:
		return domain.PathValid
	}
}

// existence probes current existence for check inputs and report fields.
func (s *Service) existence(path string) (domain.FileExistence, uint32) {
	attrs, werr := s.ios.GetFileAttributes(path)
	switch werr {
	case domain.ErrorSuccess:
		return domain.Existent, attrs
	case domain.ErrorFileNotFound, domain.ErrorPathNotFound:
		return domain.Nonexistent, domain.InvalidFileAttributes
	case domain.ErrorInvalidName:
		return domain.InvalidPath, domain.InvalidFileAttributes
	}
	return domain.Existent, domain.InvalidFileAttributes
}

//
// Reporting.
//

func (s *Service) statusFor(check *domain.AccessCheckResult) domain.FileAccessStatus {
	if check.Denied() {
		return domain.StatusDenied
	}
	return domain.StatusAllowed
}

// report emits one access record when the verdict asks for one.
func (s *Service) report(
	op *domain.FileOperationContext,
	pr *policyResult,
	check domain.AccessCheckResult,
	existence domain.FileExistence,
	realError domain.Win32Error,
	filter string) {

	if !check.ShouldReport() {
		return
	}

	var usn uint64
	if expected, ok := pr.cursor.ExpectedUsn(); ok {
		usn = expected
	} else if u, ok := s.ios.ReadUsn(pr.path.WithoutPrefix()); ok {
		usn = u
	}

	s.rps.ReportFileAccess(&domain.AccessReport{
		ID:            op.ID,
		CorrelationID: op.CorrelationID,
		PipID:         s.mst.PipID,
		Operation:     op.Operation,
		Status:        s.statusFor(&check),
		Action:        check.Action,
		Level:         check.Level,
		Access:        check.Access,
		Error:         realError,
		Usn:           usn,
		Path:          pr.path.WithoutPrefix(),
		Existence:     existence,
		Filter:        filter,
	})
}

// reportIndeterminate records an access whose policy could not be decided.
func (s *Service) reportIndeterminate(
	op *domain.FileOperationContext, realError domain.Win32Error) {

	s.rps.ReportFileAccess(&domain.AccessReport{
		ID:        op.ID,
		PipID:     s.mst.PipID,
		Operation: op.Operation,
		Status:    domain.StatusCannotDeterminePolicy,
		Action:    domain.ActionWarn,
		Level:     domain.ReportAlways,
		Error:     realError,
		Path:      op.RawPath,
	})
}

//
// Reparse resolution plumbing.
//

// wantsFullResolve decides whether the prefix of this path is subject to
// full reparse-point resolution.
func (s *Service) wantsFullResolve(pr *policyResult) bool {
	if s.mst.Flags.Has(manifest.IgnoreReparsePoints) {
		return false
	}
	if s.mst.Flags.Has(manifest.EnableFullReparsePointResolving) {
		return true
	}
	return pr.cursor.Policy().Has(policy.EnableFullReparsePointParsing) ||
		pr.cursor.Cone().Has(policy.EnableFullReparsePointParsing)
}

// hopFilter skips hops the translation table already redirects; once
// resolution has started, every remaining level of the chain is
// processed, wherever its target lands.
func (s *Service) hopFilter(hop winpath.Path) bool {
	return s.mst.Translations.TranslatePath(hop).Equal(hop)
}

// resolveReparse walks the chain, reporting every hop as a distinct
// ReparsePointTarget access, then re-seats the policy on the resolved
// path. Hops inside an EnableFullReparsePointParsing scope are exempt
// from denial (the scope declaration vouches for traversing them); hops
// outside it run through the read-check engine and can deny the whole
// operation.
func (s *Service) resolveReparse(
	op *domain.FileOperationContext,
	pr *policyResult,
	preserveLast bool) domain.Win32Error {

	enforce := func(hop winpath.Path, target string) domain.Win32Error {
		hopPr := &policyResult{raw: hop.String(), path: hop}
		hopPr.cursor = s.mst.RootCursor().FindPath(hop)

		inScope := s.mst.Flags.Has(manifest.EnableFullReparsePointResolving) ||
			hopPr.cursor.Policy().Has(policy.EnableFullReparsePointParsing) ||
			hopPr.cursor.Cone().Has(policy.EnableFullReparsePointParsing)

		hopCheck := domain.AccessCheckResult{
			Access:   domain.AccessLookup,
			Action:   domain.ActionAllow,
			Level:    domain.ReportAlways,
			Validity: domain.PathValid,
		}

		hopOp := domain.NewFileOperationContext(
			"ReparsePointTarget", 0, 0, 0, 0, hop.String())
		hopOp.CorrelationID = op.ID
		s.report(&hopOp, hopPr, hopCheck, domain.Existent,
			domain.ErrorSuccess, target)

		if inScope {
			return domain.ErrorSuccess
		}

		readCtx := domain.FileReadContext{Existence: domain.Existent}
		check := s.engine.CheckRead(hopPr.cursor, &readCtx, policy.KindLookup)
		if check.Denied() {
			denyOp := *op
			denyOp.RawPath = hop.String()
			s.report(&denyOp, hopPr, check, domain.Existent,
				check.DenialError(), "")
			return check.DenialError()
		}
		return domain.ErrorSuccess
	}

	resolved, werr := s.resolver.Resolve(
		pr.path, preserveLast, s.hopFilter, enforce)
	if werr != domain.ErrorSuccess {
		return werr
	}

	if !resolved.Equal(pr.path) {
		s.reseat(pr, resolved)
	}
	return domain.ErrorSuccess
}

// invalidateResolutions drops cached chains after a mutation of path.
func (s *Service) invalidateResolutions(paths ...winpath.Path) {
	for _, p := range paths {
		if !p.IsNull() {
			s.resolver.Cache().Invalidate(p.WithoutPrefix())
		}
	}
}
