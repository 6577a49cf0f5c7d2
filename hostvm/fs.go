// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package hostvm

import (
	"os"

	"github.com/aclements/go-elfload/loader"
	"golang.org/x/sys/unix"
)

// FS is the host file system. Paths are host paths.
type FS struct{}

func (FS) Open(path string) (loader.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &File{f}, nil
}

// A File is an open host file. It exposes its descriptor so Space can
// map it directly.
type File struct {
	*os.File
}

// Stat identifies f by device and inode.
func (f *File) Stat() (loader.FileStat, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return loader.FileStat{}, &os.PathError{Op: "fstat", Path: f.Name(), Err: err}
	}
	return loader.FileStat{
		Size:  st.Size,
		Vnode: loader.VnodeID(uint64(st.Dev)<<48 ^ uint64(st.Ino)),
	}, nil
}
