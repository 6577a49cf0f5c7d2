// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memspace

import (
	"fmt"
	"io"
	"io/fs"
	"sync"

	"github.com/aclements/go-elfload/loader"
)

// FS is an in-memory loader.FileSystem.
type FS struct {
	mu        sync.Mutex
	files     map[string]*fileData
	nextVnode loader.VnodeID
	open      int
	readFault *fault
	statFault error
	reads     int
}

type fileData struct {
	vnode loader.VnodeID
	data  []byte
}

// NewFS returns an empty file system.
func NewFS() *FS {
	return &FS{files: make(map[string]*fileData), nextVnode: 1}
}

// Add creates or replaces the file at path and returns its vnode.
func (m *FS) Add(path string, data []byte) loader.VnodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[path]; ok {
		f.data = data
		return f.vnode
	}
	f := &fileData{vnode: m.nextVnode, data: data}
	m.nextVnode++
	m.files[path] = f
	return f.vnode
}

// Link makes newPath name the same file as path.
func (m *FS) Link(path, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[path]
	if !ok {
		return &fs.PathError{Op: "link", Path: path, Err: fs.ErrNotExist}
	}
	m.files[newPath] = f
	return nil
}

// OpenFiles returns the number of files opened and not yet closed.
func (m *FS) OpenFiles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Reads returns the number of ReadAt calls made on files of m.
func (m *FS) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// FailReadAfter makes the read after the next skip reads fail with err.
// A nil err means ErrInjected.
func (m *FS) FailReadAfter(skip int, err error) {
	if err == nil {
		err = ErrInjected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readFault = &fault{skip, err}
}

// FailStat makes every Stat call fail with err, or succeed if err is
// nil.
func (m *FS) FailStat(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statFault = err
}

func (m *FS) Open(path string) (loader.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	m.open++
	return &file{fs: m, data: f, path: path}, nil
}

type file struct {
	fs     *FS
	data   *fileData
	path   string
	closed bool
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	m := f.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.closed {
		return 0, fs.ErrClosed
	}
	m.reads++
	if rf := m.readFault; rf != nil {
		if rf.skip > 0 {
			rf.skip--
		} else {
			m.readFault = nil
			return 0, rf.err
		}
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= int64(len(f.data.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *file) Stat() (loader.FileStat, error) {
	m := f.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statFault != nil {
		return loader.FileStat{}, m.statFault
	}
	return loader.FileStat{Size: int64(len(f.data.data)), Vnode: f.data.vnode}, nil
}

func (f *file) Close() error {
	m := f.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.closed {
		return fs.ErrClosed
	}
	f.closed = true
	m.open--
	return nil
}
