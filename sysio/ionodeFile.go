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

package sysio

import (
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/detourbox/detourbox/domain"
)

// Ensure the file service satisfies the domain contract.
var _ domain.IOServiceIface = (*FileService)(nil)

//
// FileService implements the real-API surface over an afero file system:
// OsFs for production use, MemMapFs for unit testing. The mem-backed
// variant additionally models the NTFS features afero has no vocabulary
// for — reparse points and USN journal entries — through side tables, so
// the full classification pipeline can be exercised hermetically.
//
type FileService struct {
	fsType domain.IOServiceType
	appFs  afero.Fs

	mu       sync.RWMutex
	reparse  map[string]string // folded path -> substitute name
	usn      map[string]uint64 // folded path -> journal entry
	nextHdl  uint64
	handles  map[domain.Handle]*openNode
}

type openNode struct {
	path    string
	find    []domain.FindEntry // remaining find entries
	isFind  bool
}

// NewIOService constructs the production or mem-backed service.
func NewIOService(t domain.IOServiceType) *FileService {

	var fs = &FileService{
		reparse: make(map[string]string),
		usn:     make(map[string]uint64),
		handles: make(map[domain.Handle]*openNode),
	}

	if t == domain.IOMemFileService {
		fs.appFs = afero.NewMemMapFs()
		fs.fsType = domain.IOMemFileService
	} else {
		fs.appFs = afero.NewOsFs()
		fs.fsType = domain.IOOsFileService
	}

	return fs
}

func (s *FileService) GetServiceType() domain.IOServiceType {
	return s.fsType
}

// fsPath maps a Windows path onto the backing afero namespace.
func fsPath(p string) string {
	p = strings.TrimPrefix(p, `\??\`)
	p = strings.TrimPrefix(p, `\\?\`)
	p = strings.TrimPrefix(p, `\\.\`)
	return "/" + strings.ReplaceAll(p, `\`, "/")
}

func fold(p string) string {
	return strings.ToLower(p)
}

func parentOf(p string) string {
	idx := strings.LastIndexByte(p, '\\')
	if idx <= 0 {
		return p
	}
	return p[:idx]
}

func hasInvalidPathChars(p string) bool {
	return strings.ContainsAny(p, `<>|"`)
}

func (s *FileService) allocHandle(n *openNode) domain.Handle {
	h := domain.Handle(atomic.AddUint64(&s.nextHdl, 1) + 0x100)
	s.mu.Lock()
	s.handles[h] = n
	s.mu.Unlock()
	return h
}

func (s *FileService) node(h domain.Handle) (*openNode, bool) {
	s.mu.RLock()
	n, ok := s.handles[h]
	s.mu.RUnlock()
	return n, ok
}

//
// Probe primitives.
//

func (s *FileService) GetFileAttributes(path string) (uint32, domain.Win32Error) {

	if hasInvalidPathChars(strings.TrimPrefix(fsPath(path), "/")) {
		return domain.InvalidFileAttributes, domain.ErrorInvalidName
	}

	var attrs uint32

	s.mu.RLock()
	_, isReparse := s.reparse[fold(path)]
	s.mu.RUnlock()
	if isReparse {
		attrs |= domain.FileAttributeReparsePoint
	}

	fi, err := s.appFs.Stat(fsPath(path))
	if err != nil {
		if isReparse {
			// A dangling reparse point still exists as a name.
			return attrs | domain.FileAttributeNormal, domain.ErrorSuccess
		}
		if os.IsNotExist(err) {
			// Distinguish missing file from missing path component.
			if _, perr := s.appFs.Stat(fsPath(parentOf(path))); perr != nil {
				return domain.InvalidFileAttributes, domain.ErrorPathNotFound
			}
			return domain.InvalidFileAttributes, domain.ErrorFileNotFound
		}
		return domain.InvalidFileAttributes, domain.ErrorAccessDenied
	}

	if fi.IsDir() {
		attrs |= domain.FileAttributeDirectory
	}
	if attrs == 0 {
		attrs = domain.FileAttributeNormal
	}
	return attrs, domain.ErrorSuccess
}

func (s *FileService) ReadReparseTarget(path string) (string, domain.Win32Error) {
	s.mu.RLock()
	target, ok := s.reparse[fold(path)]
	s.mu.RUnlock()
	if !ok {
		return "", domain.ErrorNotAReparsePoint
	}
	return target, domain.ErrorSuccess
}

func (s *FileService) ReadUsn(path string) (uint64, bool) {
	s.mu.RLock()
	usn, ok := s.usn[fold(path)]
	s.mu.RUnlock()
	return usn, ok
}

//
// Open / create.
//

func (s *FileService) CreateFile(
	path string,
	desiredAccess uint32,
	shareMode uint32,
	disposition uint32,
	flagsAndAttrs uint32) domain.OpenResult {

	failed := func(e domain.Win32Error) domain.OpenResult {
		return domain.OpenResult{
			Handle:     domain.InvalidHandle,
			Attributes: domain.InvalidFileAttributes,
			Error:      e,
		}
	}

	attrs, aerr := s.GetFileAttributes(path)
	if aerr == domain.ErrorInvalidName {
		return failed(domain.ErrorInvalidName)
	}
	exists := aerr == domain.ErrorSuccess

	if !exists && aerr == domain.ErrorPathNotFound {
		return failed(domain.ErrorPathNotFound)
	}

	var lastError domain.Win32Error

	switch disposition {
	case domain.CreateNew:
		if exists {
			return failed(domain.ErrorFileExists)
		}
	case domain.OpenExisting:
		if !exists {
			return failed(domain.ErrorFileNotFound)
		}
	case domain.TruncateExisting:
		if !exists {
			return failed(domain.ErrorFileNotFound)
		}
	case domain.CreateAlways, domain.OpenAlways:
		if exists {
			lastError = domain.ErrorAlreadyExists
		}
	}

	if exists && attrs&domain.FileAttributeDirectory != 0 {
		// Directory open (backup semantics assumed for the mem volume).
		n := &openNode{path: path}
		return domain.OpenResult{
			Handle:     s.allocHandle(n),
			Attributes: attrs,
			Error:      lastError,
		}
	}

	mutates := disposition == domain.CreateNew ||
		disposition == domain.CreateAlways ||
		disposition == domain.TruncateExisting ||
		(!exists && disposition == domain.OpenAlways)

	if mutates {
		f, err := s.appFs.OpenFile(
			fsPath(path), os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
		if err != nil {
			logrus.Debugf("Error creating file %v: %v", path, err)
			return failed(domain.ErrorAccessDenied)
		}
		f.Close()
		attrs = domain.FileAttributeNormal
	}

	n := &openNode{path: path}
	return domain.OpenResult{
		Handle:     s.allocHandle(n),
		Attributes: attrs,
		Error:      lastError,
	}
}

func (s *FileService) CloseHandle(h domain.Handle) domain.Win32Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handles[h]; !ok {
		return domain.ErrorInvalidHandle
	}
	delete(s.handles, h)
	return domain.ErrorSuccess
}

//
// Mutations.
//

func (s *FileService) DeleteFile(path string) domain.Win32Error {

	attrs, aerr := s.GetFileAttributes(path)
	if aerr != domain.ErrorSuccess {
		return aerr
	}
	if attrs&domain.FileAttributeDirectory != 0 {
		return domain.ErrorAccessDenied
	}

	if attrs&domain.FileAttributeReparsePoint != 0 {
		s.mu.Lock()
		delete(s.reparse, fold(path))
		s.mu.Unlock()
		// A dangling link has no backing node to remove.
		if _, err := s.appFs.Stat(fsPath(path)); err != nil {
			return domain.ErrorSuccess
		}
	}

	if err := s.appFs.Remove(fsPath(path)); err != nil {
		return domain.ErrorAccessDenied
	}
	return domain.ErrorSuccess
}

func (s *FileService) CreateDirectory(path string) domain.Win32Error {

	if _, aerr := s.GetFileAttributes(path); aerr == domain.ErrorSuccess {
		return domain.ErrorAlreadyExists
	}
	if _, perr := s.appFs.Stat(fsPath(parentOf(path))); perr != nil {
		return domain.ErrorPathNotFound
	}
	if err := s.appFs.Mkdir(fsPath(path), 0755); err != nil {
		return domain.ErrorAccessDenied
	}
	return domain.ErrorSuccess
}

func (s *FileService) RemoveDirectory(path string) domain.Win32Error {

	attrs, aerr := s.GetFileAttributes(path)
	if aerr != domain.ErrorSuccess {
		return aerr
	}
	if attrs&domain.FileAttributeDirectory == 0 {
		return domain.ErrorInvalidParameter
	}

	entries, _ := afero.ReadDir(s.appFs, fsPath(path))
	if len(entries) > 0 {
		return domain.ErrorDirNotEmpty
	}
	if err := s.appFs.Remove(fsPath(path)); err != nil {
		return domain.ErrorAccessDenied
	}

	s.mu.Lock()
	delete(s.reparse, fold(path))
	s.mu.Unlock()
	return domain.ErrorSuccess
}

func (s *FileService) MoveFile(
	src string, dst string, replaceExisting bool) domain.Win32Error {

	if _, aerr := s.GetFileAttributes(src); aerr != domain.ErrorSuccess {
		return aerr
	}
	if _, aerr := s.GetFileAttributes(dst); aerr == domain.ErrorSuccess {
		if !replaceExisting {
			return domain.ErrorAlreadyExists
		}
		s.appFs.Remove(fsPath(dst))
	}
	if _, perr := s.appFs.Stat(fsPath(parentOf(dst))); perr != nil {
		return domain.ErrorPathNotFound
	}

	if err := s.appFs.Rename(fsPath(src), fsPath(dst)); err != nil {
		return domain.ErrorAccessDenied
	}

	// Reparse registration follows the name.
	s.mu.Lock()
	if target, ok := s.reparse[fold(src)]; ok {
		delete(s.reparse, fold(src))
		s.reparse[fold(dst)] = target
	}
	s.mu.Unlock()
	return domain.ErrorSuccess
}

func (s *FileService) CreateHardLink(dst string, src string) domain.Win32Error {

	attrs, aerr := s.GetFileAttributes(src)
	if aerr != domain.ErrorSuccess {
		return aerr
	}
	if attrs&domain.FileAttributeDirectory != 0 {
		return domain.ErrorAccessDenied
	}
	if _, aerr := s.GetFileAttributes(dst); aerr == domain.ErrorSuccess {
		return domain.ErrorAlreadyExists
	}

	data, err := afero.ReadFile(s.appFs, fsPath(src))
	if err != nil {
		return domain.ErrorAccessDenied
	}
	if err := afero.WriteFile(s.appFs, fsPath(dst), data, 0644); err != nil {
		return domain.ErrorPathNotFound
	}
	return domain.ErrorSuccess
}

func (s *FileService) CreateSymbolicLink(
	link string, target string, isDirectory bool) domain.Win32Error {

	if _, aerr := s.GetFileAttributes(link); aerr == domain.ErrorSuccess {
		return domain.ErrorAlreadyExists
	}
	if _, perr := s.appFs.Stat(fsPath(parentOf(link))); perr != nil {
		return domain.ErrorPathNotFound
	}

	s.SetReparsePoint(link, target, isDirectory)
	return domain.ErrorSuccess
}

//
// Enumeration.
//

func (s *FileService) entryFor(dir, name string, isDir bool) domain.FindEntry {
	var attrs uint32
	if isDir {
		attrs |= domain.FileAttributeDirectory
	}
	s.mu.RLock()
	if _, ok := s.reparse[fold(dir+`\`+name)]; ok {
		attrs |= domain.FileAttributeReparsePoint
	}
	s.mu.RUnlock()
	if attrs == 0 {
		attrs = domain.FileAttributeNormal
	}
	return domain.FindEntry{Name: name, Attributes: attrs}
}

func (s *FileService) ListDirectory(
	path string) ([]domain.FindEntry, domain.Win32Error) {

	attrs, aerr := s.GetFileAttributes(path)
	if aerr != domain.ErrorSuccess {
		return nil, aerr
	}
	if attrs&domain.FileAttributeDirectory == 0 {
		return nil, domain.ErrorInvalidParameter
	}

	infos, err := afero.ReadDir(s.appFs, fsPath(path))
	if err != nil {
		return nil, domain.ErrorAccessDenied
	}

	entries := make([]domain.FindEntry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, s.entryFor(path, fi.Name(), fi.IsDir()))
	}
	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, domain.ErrorSuccess
}

func (s *FileService) FindFirst(
	dir string, pattern string) (domain.Handle, domain.FindEntry, domain.Win32Error) {

	entries, aerr := s.ListDirectory(dir)
	if aerr != domain.ErrorSuccess {
		return domain.InvalidHandle, domain.FindEntry{}, aerr
	}

	var matched []domain.FindEntry
	for _, e := range entries {
		if MatchPattern(pattern, e.Name) {
			matched = append(matched, e)
		}
	}
	if len(matched) == 0 {
		return domain.InvalidHandle, domain.FindEntry{}, domain.ErrorFileNotFound
	}

	n := &openNode{path: dir, find: matched[1:], isFind: true}
	return s.allocHandle(n), matched[0], domain.ErrorSuccess
}

func (s *FileService) FindNext(
	h domain.Handle) (domain.FindEntry, domain.Win32Error) {

	n, ok := s.node(h)
	if !ok || !n.isFind {
		return domain.FindEntry{}, domain.ErrorInvalidHandle
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(n.find) == 0 {
		return domain.FindEntry{}, domain.ErrorNoMoreFiles
	}
	e := n.find[0]
	n.find = n.find[1:]
	return e, domain.ErrorSuccess
}

func (s *FileService) FindClose(h domain.Handle) domain.Win32Error {
	return s.CloseHandle(h)
}

//
// Test-volume construction (mem-backed service).
//

// WriteFile places file content on the volume, creating parents.
func (s *FileService) WriteFile(path string, data []byte) error {
	if err := s.appFs.MkdirAll(fsPath(parentOf(path)), 0755); err != nil {
		return err
	}
	return afero.WriteFile(s.appFs, fsPath(path), data, 0644)
}

// MkdirAll creates a directory chain.
func (s *FileService) MkdirAll(path string) error {
	return s.appFs.MkdirAll(fsPath(path), 0755)
}

// SetReparsePoint registers path as a symlink/junction to target. With
// asDirectory set a backing directory node is created as well.
func (s *FileService) SetReparsePoint(path, target string, asDirectory bool) {
	if asDirectory {
		s.appFs.MkdirAll(fsPath(path), 0755)
	} else {
		s.appFs.MkdirAll(fsPath(parentOf(path)), 0755)
		afero.WriteFile(s.appFs, fsPath(path), nil, 0644)
	}
	s.mu.Lock()
	s.reparse[fold(path)] = target
	s.mu.Unlock()
}

// SetUsn attaches a journal entry to a path.
func (s *FileService) SetUsn(path string, usn uint64) {
	s.mu.Lock()
	s.usn[fold(path)] = usn
	s.mu.Unlock()
}

// RemoveAllIOnodes clears the volume (mem service, between test cases).
func (s *FileService) RemoveAllIOnodes() error {
	s.mu.Lock()
	s.reparse = make(map[string]string)
	s.usn = make(map[string]uint64)
	s.handles = make(map[domain.Handle]*openNode)
	s.mu.Unlock()
	return s.appFs.RemoveAll("/")
}

//
// MatchPattern implements FindFirstFile-style wildcard matching: `*` spans
// any run, `?` one character; comparison is case-insensitive.
//
func MatchPattern(pattern, name string) bool {
	if pattern == "" || pattern == "*" || pattern == "*.*" {
		return true
	}
	return matchFold(strings.ToLower(pattern), strings.ToLower(name))
}

func matchFold(p, s string) bool {
	for len(p) > 0 {
		switch p[0] {
		case '*':
			for i := 0; i <= len(s); i++ {
				if matchFold(p[1:], s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			p, s = p[1:], s[1:]
		default:
			if len(s) == 0 || p[0] != s[0] {
				return false
			}
			p, s = p[1:], s[1:]
		}
	}
	return len(s) == 0
}

// IsWildcardPattern tells whether a find filter is a literal name or a
// genuine wildcard expression.
func IsWildcardPattern(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}
