//go:build windows

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
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
)

// The stdcall-decorated export names carry the argument byte count:
// 6 pointer-sized arguments.
var pluginExportNames = []string{
	"CommandMatches",
	fmt.Sprintf("CommandMatches@%d", 6*unsafe.Sizeof(uintptr(0))),
	fmt.Sprintf("_CommandMatches@%d", 6*unsafe.Sizeof(uintptr(0))),
}

type dllPlugin struct {
	proc *windows.Proc
	dll  *windows.DLL
}

// LoadPlugin loads the shim decision plugin, tolerating the three export
// decoration styles. A missing or unloadable plugin is not fatal: the
// static match list governs instead.
func LoadPlugin(path string) Plugin {
	if path == "" {
		return nil
	}

	dll, err := windows.LoadDLL(path)
	if err != nil {
		logrus.Errorf("Cannot load shim plugin %s: %v", path, err)
		return nil
	}

	for _, name := range pluginExportNames {
		if proc, err := dll.FindProc(name); err == nil {
			return &dllPlugin{proc: proc, dll: dll}
		}
	}

	logrus.Errorf("Shim plugin %s exports no CommandMatches variant", path)
	dll.Release()
	return nil
}

func (p *dllPlugin) CommandMatches(
	command, args, envBlock, cwd string) (bool, string, bool) {

	cmdPtr, _ := windows.UTF16PtrFromString(command)
	argPtr, _ := windows.UTF16PtrFromString(args)
	envPtr, _ := windows.UTF16PtrFromString(envBlock)
	cwdPtr, _ := windows.UTF16PtrFromString(cwd)

	var modified *uint16

	ret, _, _ := p.proc.Call(
		uintptr(unsafe.Pointer(cmdPtr)),
		uintptr(unsafe.Pointer(argPtr)),
		uintptr(unsafe.Pointer(envPtr)),
		uintptr(unsafe.Pointer(cwdPtr)),
		uintptr(unsafe.Pointer(&modified)),
		uintptr(0), // log callback unsupported from Go
	)

	if modified == nil {
		return ret != 0, "", false
	}

	// The plugin allocated the rewrite on the default process heap; adopt
	// it and free the native buffer.
	rewritten := windows.UTF16PtrToString(modified)
	if heap, _, _ := procGetProcessHeap.Call(); heap != 0 {
		procHeapFree.Call(heap, 0, uintptr(unsafe.Pointer(modified)))
	}
	return ret != 0, rewritten, true
}

var (
	kernel32           = windows.NewLazySystemDLL("kernel32.dll")
	procGetProcessHeap = kernel32.NewProc("GetProcessHeap")
	procHeapFree       = kernel32.NewProc("HeapFree")
)
