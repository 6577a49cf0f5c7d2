// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/aclements/go-elfload/hostvm"
	"github.com/aclements/go-elfload/loader"
)

// hostSpaces maps images into this process. Kernel and user images
// share the one host address space.
func hostSpaces(pageSize uint64) (loader.FileSystem, loader.AddressSpace, loader.AddressSpace, error) {
	s := hostvm.New()
	if s.PageSize() != pageSize {
		return nil, nil, nil, fmt.Errorf("host page size %#x differs from image page size %#x; use -sim", s.PageSize(), pageSize)
	}
	return hostvm.FS{}, s, s, nil
}
