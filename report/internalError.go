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
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Distinguished internal-error codes. Manifest decode failures write the
// mismatched record's magic instead.
const (
	InternalErrorReportChannel uint32 = 0xDE70E001
	InternalErrorResolver      uint32 = 0xDE70E002
)

//
// InternalErrorFile is the pre-agreed side channel for conditions the
// report stream itself cannot carry (manifest decode failures, report
// channel teardown). The controller polls the file after the process
// exits.
//
type InternalErrorFile struct {
	mu   sync.Mutex
	path string
}

// NewInternalErrorFile binds the notification path from the manifest; an
// empty path disables the channel.
func NewInternalErrorFile(path string) *InternalErrorFile {
	return &InternalErrorFile{path: path}
}

// Write appends one distinguished numeric tag. Failures are logged and
// swallowed: this channel is itself the last resort.
func (f *InternalErrorFile) Write(code uint32) {
	if f == nil || f.path == "" {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(
		f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logrus.Errorf("Cannot open internal-error file %s: %v", f.path, err)
		return
	}
	defer file.Close()

	if _, err := fmt.Fprintf(file, "%d\n", code); err != nil {
		logrus.Errorf("Cannot write internal-error file %s: %v", f.path, err)
	}
}
