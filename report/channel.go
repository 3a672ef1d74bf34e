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

package report

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/detourbox/detourbox/domain"
)

// DefaultFailureThreshold is how many sink write failures are tolerated
// before the channel declares the sandbox broken.
const DefaultFailureThreshold = 16

// Ensure the service satisfies the domain contract.
var _ domain.ReportServiceIface = (*Service)(nil)

//
// Service streams access and process records to the controller over a
// byte-oriented sink (inherited handle, named pipe, or file). Records are
// framed atomically: one line per record, written in a single sink call
// under the emit lock. Reports for one operation are emitted in source
// order by construction (the detours write before returning); ordering
// across threads is unspecified and consumers pair records through the
// correlation-id field.
//
type Service struct {
	mu   sync.Mutex
	sink io.Writer

	pipID     uint64
	sessionID string

	emitted     uint64
	denied      uint64
	writeErrors uint64

	failureThreshold uint64
	internalErrors   *InternalErrorFile
	onFatal          func()

	closer io.Closer
}

// Config parameterizes the channel.
type Config struct {
	Sink             io.Writer
	PipID            uint64
	InternalErrors   *InternalErrorFile
	FailureThreshold uint64

	// OnFatal tears the process down once the failure threshold is
	// crossed. Tests substitute a recorder.
	OnFatal func()
}

// NewService constructs the channel. The session id identifies this
// sandboxed process instance in lifecycle records.
func NewService(cfg *Config) *Service {

	svc := &Service{
		sink:             cfg.Sink,
		pipID:            cfg.PipID,
		sessionID:        uuid.New().String(),
		failureThreshold: cfg.FailureThreshold,
		internalErrors:   cfg.InternalErrors,
		onFatal:          cfg.OnFatal,
	}
	if svc.failureThreshold == 0 {
		svc.failureThreshold = DefaultFailureThreshold
	}
	if c, ok := cfg.Sink.(io.Closer); ok {
		svc.closer = c
	}
	return svc
}

// SessionID returns the per-process instance id.
func (s *Service) SessionID() string {
	return s.sessionID
}

// ReportFileAccess emits one access record.
func (s *Service) ReportFileAccess(rec *domain.AccessReport) {

	line := fmt.Sprintf("%d|%d|%d|%s|%s|%s|%s|%d|%d|%d|%s|%s\n",
		rec.ID,
		rec.CorrelationID,
		rec.PipID,
		rec.Operation,
		rec.Status,
		rec.Action,
		rec.Level,
		uint8(rec.Access),
		uint32(rec.Error),
		rec.Usn,
		rec.Path,
		rec.Filter)

	atomic.AddUint64(&s.emitted, 1)
	if rec.Status == domain.StatusDenied {
		atomic.AddUint64(&s.denied, 1)
	}

	s.write(line)
}

// ReportProcess emits one process lifecycle record.
func (s *Service) ReportProcess(rec *domain.ProcessReport) {

	sessionID := rec.SessionID
	if sessionID == "" {
		sessionID = s.sessionID
	}

	line := fmt.Sprintf("0|0|%d|%s|%d|%d|%s|%s|%d\n",
		rec.PipID,
		rec.Operation,
		rec.Pid,
		rec.ParentPid,
		sessionID,
		rec.ImagePath,
		rec.ExitCode)

	atomic.AddUint64(&s.emitted, 1)
	s.write(line)
}

func (s *Service) write(line string) {

	s.mu.Lock()
	var err error
	if s.sink == nil {
		err = os.ErrClosed
	} else {
		_, err = io.WriteString(s.sink, line)
	}
	s.mu.Unlock()

	if err == nil {
		return
	}

	failures := atomic.AddUint64(&s.writeErrors, 1)
	logrus.Errorf("Report sink write failed (%v), failure %d of %d",
		err, failures, s.failureThreshold)

	if failures >= s.failureThreshold {
		if s.internalErrors != nil {
			s.internalErrors.Write(InternalErrorReportChannel)
		}
		if s.onFatal != nil {
			s.onFatal()
		}
	}
}

// Counters returns a snapshot of the channel counters.
func (s *Service) Counters() domain.ReportCounters {
	return domain.ReportCounters{
		Emitted:     atomic.LoadUint64(&s.emitted),
		Denied:      atomic.LoadUint64(&s.denied),
		WriteErrors: atomic.LoadUint64(&s.writeErrors),
	}
}

// Shutdown closes the sink if the service owns one.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer != nil {
		s.closer.Close()
		s.closer = nil
	}
	s.sink = nil
}
