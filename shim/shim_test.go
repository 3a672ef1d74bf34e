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

package shim_test

import (
	"testing"

	"github.com/detourbox/detourbox/domain"
	"github.com/detourbox/detourbox/shim"
	"github.com/stretchr/testify/assert"
)

type fakePlugin struct {
	match     bool
	rewrite   string
	rewritten bool
	gotCmd    string
	gotArgs   string
}

func (p *fakePlugin) CommandMatches(
	command, args, env, cwd string) (bool, string, bool) {
	p.gotCmd, p.gotArgs = command, args
	return p.match, p.rewrite, p.rewritten
}

func TestShouldShimMatchList(t *testing.T) {

	tests := []struct {
		name  string
		cfg   domain.ShimSettings
		image string
		args  string
		want  bool
	}{
		{
			name: "empty list, shim-all on",
			cfg: domain.ShimSettings{
				ShimAllProcesses: true, ShimPath: `C:\shim.exe`},
			image: `C:\tools\cl.exe`,
			want:  true,
		},
		{
			name: "empty list, shim-all off",
			cfg: domain.ShimSettings{
				ShimPath: `C:\shim.exe`},
			image: `C:\tools\cl.exe`,
			want:  false,
		},
		{
			name: "list hit, shim-all off substitutes",
			cfg: domain.ShimSettings{
				ShimPath: `C:\shim.exe`,
				Matches:  []domain.ShimMatch{{ImageName: "cl.exe"}}},
			image: `C:\tools\CL.EXE`,
			want:  true,
		},
		{
			name: "list hit, shim-all on exempts",
			cfg: domain.ShimSettings{
				ShimAllProcesses: true,
				ShimPath:         `C:\shim.exe`,
				Matches:          []domain.ShimMatch{{ImageName: "cl.exe"}}},
			image: `C:\tools\cl.exe`,
			want:  false,
		},
		{
			name: "args substring required",
			cfg: domain.ShimSettings{
				ShimPath: `C:\shim.exe`,
				Matches: []domain.ShimMatch{
					{ImageName: "cl.exe", Args: "/analyze"}}},
			image: `C:\tools\cl.exe`,
			args:  "cl.exe /c main.cpp",
			want:  false,
		},
		{
			name: "args substring hit",
			cfg: domain.ShimSettings{
				ShimPath: `C:\shim.exe`,
				Matches: []domain.ShimMatch{
					{ImageName: "cl.exe", Args: "/analyze"}}},
			image: `C:\tools\cl.exe`,
			args:  "cl.exe /analyze main.cpp",
			want:  true,
		},
		{
			name:  "unconfigured never shims",
			cfg:   domain.ShimSettings{ShimAllProcesses: true},
			image: `C:\tools\cl.exe`,
			want:  false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := shim.NewService(&tc.cfg, nil)
			got, _ := svc.ShouldShim(tc.image, tc.args, "", `C:\`)
			assert.Equal(t, tc.want, got)
		})
	}
}

// The plugin's vote is XOR'd with shim-all-processes.
func TestShouldShimPluginVote(t *testing.T) {

	tests := []struct {
		name    string
		shimAll bool
		vote    bool
		want    bool
	}{
		{"all off, plugin true -> shim", false, true, true},
		{"all off, plugin false -> skip", false, false, false},
		{"all on, plugin true -> skip", true, true, false},
		{"all on, plugin false -> shim", true, false, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &domain.ShimSettings{
				ShimAllProcesses: tc.shimAll,
				ShimPath:         `C:\shim.exe`,
			}
			svc := shim.NewService(cfg, &fakePlugin{match: tc.vote})
			got, _ := svc.ShouldShim(`C:\t\x.exe`, "x", "", `C:\`)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPluginRewritesArgs(t *testing.T) {

	cfg := &domain.ShimSettings{ShimPath: `C:\shim.exe`}
	p := &fakePlugin{match: true, rewrite: "--patched", rewritten: true}
	svc := shim.NewService(cfg, p)

	doShim, args := svc.ShouldShim(`C:\t\x.exe`, "--orig", "", `C:\`)
	assert.True(t, doShim)
	assert.Equal(t, "--patched", args)
	assert.Equal(t, `C:\t\x.exe`, p.gotCmd)
	assert.Equal(t, "--orig", p.gotArgs)
}

func TestBuildCommandLine(t *testing.T) {

	assert.Equal(t, `"C:\t\x.exe" -a -b`,
		shim.BuildCommandLine(`C:\t\x.exe`, "-a -b"))
	assert.Equal(t, `"C:\t\x.exe"`,
		shim.BuildCommandLine(`C:\t\x.exe`, ""))
}

func TestExtractImagePath(t *testing.T) {

	exists := func(p string) bool {
		return p == `C:\Program Files\tool.exe` || p == `C:\bin\cl.exe`
	}

	tests := []struct {
		name      string
		appName   string
		cmdline   string
		wantImage string
		wantArgs  string
	}{
		{
			name:      "application name wins",
			appName:   `C:\bin\cl.exe`,
			cmdline:   `cl /c x.cpp`,
			wantImage: `C:\bin\cl.exe`,
			wantArgs:  `cl /c x.cpp`,
		},
		{
			name:      "leading quoted token",
			cmdline:   `"C:\Program Files\tool.exe" -v input`,
			wantImage: `C:\Program Files\tool.exe`,
			wantArgs:  `-v input`,
		},
		{
			name:      "whitespace fallback with spaces in path",
			cmdline:   `C:\Program Files\tool.exe -v`,
			wantImage: `C:\Program Files\tool.exe`,
			wantArgs:  `-v`,
		},
		{
			name:      "plain token",
			cmdline:   `C:\bin\cl.exe /c x.cpp`,
			wantImage: `C:\bin\cl.exe`,
			wantArgs:  `/c x.cpp`,
		},
		{
			name:      "unresolvable takes first token",
			cmdline:   `unknown.exe -x`,
			wantImage: `unknown.exe`,
			wantArgs:  `-x`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			image, args := shim.ExtractImagePath(tc.appName, tc.cmdline, exists)
			assert.Equal(t, tc.wantImage, image)
			assert.Equal(t, tc.wantArgs, args)
		})
	}
}

func TestImageName(t *testing.T) {
	assert.Equal(t, "cl.exe", shim.ImageName(`C:\tools\cl.exe`))
	assert.Equal(t, "cl.exe", shim.ImageName("cl.exe"))
}
