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
	"strings"

	"github.com/detourbox/detourbox/domain"
)

var emptyShim = domain.ShimSettings{}

func equalFold(a, b string) bool {
	return strings.EqualFold(a, b)
}

func containsMaybeFold(haystack, needle string, fold bool) bool {
	if fold {
		return strings.Contains(
			strings.ToLower(haystack), strings.ToLower(needle))
	}
	return strings.Contains(haystack, needle)
}
