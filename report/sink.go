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
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/detourbox/detourbox/manifest"
)

// OpenSink materializes the manifest's report descriptor: a pre-opened
// handle inherited from the controller, a named pipe, or a plain file
// opened for append.
func OpenSink(desc *manifest.ReportDescriptor) (io.Writer, error) {

	if !desc.Present {
		return nil, errors.New("manifest carries no report descriptor")
	}

	if desc.IsHandle {
		f := os.NewFile(uintptr(desc.Handle), "detourbox-report")
		if f == nil {
			return nil, errors.Errorf(
				"report handle 0x%x is not usable", desc.Handle)
		}
		return f, nil
	}

	if strings.HasPrefix(strings.ToLower(desc.Path), `\\.\pipe\`) {
		return dialPipe(desc.Path)
	}

	f, err := os.OpenFile(
		desc.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening report file %s", desc.Path)
	}
	return f, nil
}
