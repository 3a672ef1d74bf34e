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

package state

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/detourbox/detourbox/domain"
	"github.com/detourbox/detourbox/policy"
	"github.com/detourbox/detourbox/winpath"
)

// HandleType classifies what kind of object an overlay tracks.
type HandleType int

const (
	HandleFile HandleType = iota
	HandleDirectory
	HandleFind
)

func (t HandleType) String() string {
	switch t {
	case HandleFile:
		return "File"
	case HandleDirectory:
		return "Directory"
	case HandleFind:
		return "Find"
	}
	return "Unknown"
}

//
// HandleOverlay is the sandbox's per-handle metadata: the policy cursor and
// verdict that admitted the open, plus enumeration bookkeeping for Find and
// directory handles. Overlays are created on successful opens and retired
// in the close detour.
//
type HandleOverlay struct {
	Cursor  *policy.Cursor
	Check   domain.AccessCheckResult
	Type    HandleType
	Path    winpath.Path
	Pattern string

	// EnumerationReported dedupes the directory-enumeration report across
	// FindNext calls on the same handle.
	EnumerationReported bool
}

//
// HandleOverlayService maps kernel handle values to overlays.
//
// Handle values are aggressively reused by the kernel, so the lifecycle
// discipline is load-bearing: Register must run only after the real open
// succeeded, and Retire must run before the real close, so the table never
// holds a handle the kernel might concurrently reassign.
//
type HandleOverlayService struct {
	sync.RWMutex

	// Map to store the association between kernel handle values and their
	// corresponding overlay structure.
	table map[domain.Handle]*HandleOverlay

	// Optional background drain of retired handles (close-path latency).
	retireCh chan domain.Handle
	wg       sync.WaitGroup
}

// NewHandleOverlayService constructs the table. With backgroundDrain set,
// a dedicated goroutine drains a retirement queue until Shutdown; Retire
// removes entries synchronously and does not feed that queue.
func NewHandleOverlayService(backgroundDrain bool) *HandleOverlayService {

	hos := &HandleOverlayService{
		table: make(map[domain.Handle]*HandleOverlay),
	}

	if backgroundDrain {
		hos.retireCh = make(chan domain.Handle, 512)
		hos.wg.Add(1)
		go hos.drainLoop()
	}

	return hos
}

func (hos *HandleOverlayService) drainLoop() {
	defer hos.wg.Done()

	for h := range hos.retireCh {
		hos.remove(h)
	}
}

// Register associates an overlay with a freshly opened handle.
func (hos *HandleOverlayService) Register(
	h domain.Handle, overlay *HandleOverlay) {

	if h == domain.InvalidHandle || h == 0 {
		return
	}

	hos.Lock()
	if _, ok := hos.table[h]; ok {
		// The kernel reused a value we failed to retire; the old overlay
		// is unreachable garbage at this point.
		logrus.Warnf("Handle overlay collision on handle 0x%x; replacing", h)
	}
	hos.table[h] = overlay
	hos.Unlock()
}

// Lookup returns the overlay registered for a handle, if any.
func (hos *HandleOverlayService) Lookup(
	h domain.Handle) (*HandleOverlay, bool) {

	hos.RLock()
	o, ok := hos.table[h]
	hos.RUnlock()
	return o, ok
}

// Retire removes the association; idempotent. Must be invoked before the
// real close so the table never refers to a reassignable handle value.
func (hos *HandleOverlayService) Retire(h domain.Handle) {
	if hos.retireCh != nil {
		// Remove synchronously (the safety contract); the drain queue is
		// not used on this path.
		hos.remove(h)
		return
	}
	hos.remove(h)
}

func (hos *HandleOverlayService) remove(h domain.Handle) {
	hos.Lock()
	delete(hos.table, h)
	hos.Unlock()
}

// MarkEnumerationReported flips the enumeration-report bit; returns the
// previous value so the caller can report exactly once per handle.
func (hos *HandleOverlayService) MarkEnumerationReported(
	h domain.Handle) bool {

	hos.Lock()
	defer hos.Unlock()

	o, ok := hos.table[h]
	if !ok {
		return true
	}
	prev := o.EnumerationReported
	o.EnumerationReported = true
	return prev
}

// Size returns the live overlay count (diagnostics / tests).
func (hos *HandleOverlayService) Size() int {
	hos.RLock()
	defer hos.RUnlock()
	return len(hos.table)
}

// Shutdown stops the background drain, if one is running.
func (hos *HandleOverlayService) Shutdown() {
	if hos.retireCh != nil {
		close(hos.retireCh)
		hos.wg.Wait()
		hos.retireCh = nil
	}
}
