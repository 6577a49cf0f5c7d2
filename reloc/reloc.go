// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package reloc implements loader.RelocationApplier for the supported
// architectures.
package reloc

import (
	"fmt"

	"github.com/aclements/go-elfload/arch"
	"github.com/aclements/go-elfload/loader"
)

// ForArch returns the relocation applier for a.
func ForArch(a *arch.Arch) (loader.RelocationApplier, error) {
	switch a.GoArch {
	case "amd64":
		return AMD64{}, nil
	case "386":
		return I386{}, nil
	case "arm64":
		return ARM64{}, nil
	}
	return nil, fmt.Errorf("%w: no relocation support for %s", loader.ErrBadValue, a)
}

// site is the target of one relocation.
type site struct {
	img  *loader.Image
	addr uint64 // run-time address P
}

func newSite(img *loader.Image, r loader.Reloc) site {
	return site{img, r.Offset + img.Delta()}
}

func (s site) bytes(size uint64) ([]byte, error) {
	return s.img.Memory(s.addr, size)
}

func (s site) put32(v uint32) error {
	b, err := s.bytes(4)
	if err != nil {
		return err
	}
	s.img.Layout().PutUint32(b, v)
	return nil
}

func (s site) put64(v uint64) error {
	b, err := s.bytes(8)
	if err != nil {
		return err
	}
	s.img.Layout().PutUint64(b, v)
	return nil
}

// read32 returns the implicit addend of a REL entry.
func (s site) read32() (int64, error) {
	b, err := s.bytes(4)
	if err != nil {
		return 0, err
	}
	return int64(s.img.Layout().Int32(b)), nil
}

func unsupported(name string, i int) error {
	return fmt.Errorf("%w: relocation %d: unsupported type %s", loader.ErrBadData, i, name)
}

// fits32 reports whether v fits in a signed 32-bit field.
func fits32(v int64) bool {
	return v == int64(int32(v))
}

// applyAll applies every entry of t with fn.
func applyAll(t *loader.Table, fn func(i int, r loader.Reloc) error) error {
	for i := 0; i < t.Len(); i++ {
		if err := fn(i, t.Entry(i)); err != nil {
			return err
		}
	}
	return nil
}
