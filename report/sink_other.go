//go:build !windows

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

	"github.com/pkg/errors"
)

func dialPipe(path string) (io.Writer, error) {
	return nil, errors.Errorf(
		"named pipe sink %s requires a Windows host", path)
}
