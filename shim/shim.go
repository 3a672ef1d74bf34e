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

package shim

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/detourbox/detourbox/domain"
)

//
// Plugin is the substitute-process decision plugin: a DLL exporting
// CommandMatches. The sandbox tolerates the undecorated, stdcall and
// underscore-stdcall decorations of the export; the plugin may hand back a
// rewritten argument string which the sandbox must adopt (and free, on the
// native side).
//
type Plugin interface {
	CommandMatches(command, args, envBlock, cwd string) (match bool, modifiedArgs string, rewritten bool)
}

//
// Service decides whether a child launch is replaced by the configured
// substitute shim, and builds the forwarded command line when it is.
//
type Service struct {
	cfg    *domain.ShimSettings
	plugin Plugin
}

// NewService wires the manifest's shim settings and an optional plugin.
func NewService(cfg *domain.ShimSettings, plugin Plugin) *Service {
	return &Service{cfg: cfg, plugin: plugin}
}

// Configured tells whether shimming is in play at all.
func (s *Service) Configured() bool {
	return s.cfg.Configured()
}

// ShimPath returns the substitute binary.
func (s *Service) ShimPath() string {
	return s.cfg.ShimPath
}

//
// ShouldShim computes the substitution decision for one child launch.
//
// The vote starts from the static match list (an empty list votes false,
// leaving shim-all in charge); a plugin, when present, casts the vote
// instead. The vote is XOR'd with shim-all-processes: with shim-all off a
// true vote means substitute, with shim-all on it means leave alone.
//
// The returned args are the plugin's rewrite when one was produced,
// otherwise the original args.
//
func (s *Service) ShouldShim(
	image, args, envBlock, cwd string) (bool, string) {

	if !s.cfg.Configured() {
		return false, args
	}

	vote := false
	finalArgs := args

	if s.plugin != nil {
		match, modified, rewritten := s.plugin.CommandMatches(
			image, args, envBlock, cwd)
		vote = match
		if rewritten {
			finalArgs = modified
		}
	} else {
		vote = s.matchList(image, args)
	}

	decision := vote != s.cfg.ShimAllProcesses
	if decision {
		logrus.Debugf("Substituting shim for %s", image)
	}
	return decision, finalArgs
}

func (s *Service) matchList(image, args string) bool {
	leaf := ImageName(image)
	for _, m := range s.cfg.Matches {
		if !strings.EqualFold(m.ImageName, leaf) &&
			!strings.EqualFold(m.ImageName, image) {
			continue
		}
		if m.Args == "" || strings.Contains(args, m.Args) {
			return true
		}
	}
	return false
}

// BuildCommandLine forwards the original launch to the shim:
// `"<image>" <args>`.
func BuildCommandLine(image, args string) string {
	if args == "" {
		return `"` + image + `"`
	}
	return `"` + image + `" ` + args
}

// ImageName extracts the leaf image name from a path.
func ImageName(image string) string {
	idx := strings.LastIndexAny(image, `\/`)
	return image[idx+1:]
}

//
// ExtractImagePath determines the launched image from CreateProcess
// parameters: the application-name parameter when present, otherwise the
// command line's leading quoted token, otherwise progressively longer
// whitespace-delimited prefixes until one names an existing file — the
// caller supplies the existence probe. The remainder is the argument
// string.
//
func ExtractImagePath(
	applicationName string,
	commandLine string,
	exists func(string) bool) (image string, args string) {

	if applicationName != "" {
		return applicationName, commandLine
	}

	cl := strings.TrimLeft(commandLine, " \t")
	if cl == "" {
		return "", ""
	}

	if cl[0] == '"' {
		end := strings.IndexByte(cl[1:], '"')
		if end < 0 {
			return cl[1:], ""
		}
		return cl[1 : end+1], strings.TrimLeft(cl[end+2:], " \t")
	}

	// Unquoted: try successively longer whitespace-delimited prefixes,
	// "C:\Program Files\tool.exe args" style.
	fields := strings.Fields(cl)
	if exists != nil {
		candidate := ""
		for i, f := range fields {
			if candidate == "" {
				candidate = f
			} else {
				candidate += " " + f
			}
			if exists(candidate) || exists(candidate+".exe") {
				return candidate, strings.Join(fields[i+1:], " ")
			}
		}
	}
	return fields[0], strings.Join(fields[1:], " ")
}
