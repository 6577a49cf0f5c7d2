// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package main

import (
	"errors"

	"github.com/aclements/go-elfload/loader"
)

func hostSpaces(pageSize uint64) (loader.FileSystem, loader.AddressSpace, loader.AddressSpace, error) {
	return nil, nil, nil, errors.New("host address spaces are only supported on Linux; use -sim")
}
