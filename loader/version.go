// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"fmt"
	"math/bits"

	"k8s.io/klog/v2"
)

// Version index encodings.
const (
	verNdxLocal      = 0
	verNdxGlobal     = 1
	verNdxInitial    = 2
	verNdxFlagHidden = 0x8000

	verDefCurrent  = 1
	verNeedCurrent = 1

	verFlgBase = 0x1
	verFlgWeak = 0x2

	verdefSize  = 20
	verdauxSize = 8
	verneedSize = 16
	vernauxSize = 16
)

func verNdx(x uint16) uint16 { return x &^ verNdxFlagHidden }

// A VersionInfo names a symbol version. FileName is set for versions
// an image requires from another image.
type VersionInfo struct {
	Hash     uint32
	Name     string
	FileName string
}

func (v VersionInfo) String() string {
	if v.FileName != "" {
		return fmt.Sprintf("%s (%s)", v.Name, v.FileName)
	}
	return v.Name
}

type verdef struct {
	version, flags, ndx, cnt uint16
	hash, aux, next          uint32
}

type verneed struct {
	version, cnt    uint16
	file, aux, next uint32
}

type vernaux struct {
	hash         uint32
	flags, other uint16
	name, next   uint32
}

// sub returns b[off:off+n], or nil if that is out of range.
func sub(b []byte, off, n uint64) []byte {
	end, carry := bits.Add64(off, n, 0)
	if carry != 0 || end > uint64(len(b)) {
		return nil
	}
	return b[off:end]
}

// walkVerdef calls fn with the offset and contents of each version
// definition of img. Entries are chained by relative offsets, so the
// walk is bounded both by DT_VERDEFNUM and by the table size.
func (img *Image) walkVerdef(fn func(off uint64, vd *verdef) error) error {
	l := img.Layout()
	limit := img.verdefNum
	if n := uint64(len(img.verdef)) / verdefSize; limit == 0 || limit > n {
		limit = n
	}
	off := uint64(0)
	for i := uint64(0); i < limit; i++ {
		b := sub(img.verdef, off, verdefSize)
		if b == nil {
			return badData("version definition %d at offset %#x out of range", i, off)
		}
		vd := verdef{
			version: l.Uint16(b), flags: l.Uint16(b[2:]), ndx: l.Uint16(b[4:]), cnt: l.Uint16(b[6:]),
			hash: l.Uint32(b[8:]), aux: l.Uint32(b[12:]), next: l.Uint32(b[16:]),
		}
		if err := fn(off, &vd); err != nil {
			return err
		}
		if vd.next == 0 {
			break
		}
		off += uint64(vd.next)
	}
	return nil
}

// verdefName returns the name of the version defined at off.
func (img *Image) verdefName(off uint64, vd *verdef) (string, error) {
	b := sub(img.verdef, off+uint64(vd.aux), verdauxSize)
	if b == nil {
		return "", badData("version definition aux at offset %#x out of range", off+uint64(vd.aux))
	}
	name, ok := img.strtab.str(img.Layout().Uint32(b))
	if !ok {
		return "", badData("version definition name out of range")
	}
	return name, nil
}

// walkVerneed calls fn for each required version of img, along with
// the file it is required from.
func (img *Image) walkVerneed(fn func(vn *verneed, file string, va *vernaux) error) error {
	l := img.Layout()
	limit := img.verneedNum
	if n := uint64(len(img.verneed)) / verneedSize; limit == 0 || limit > n {
		limit = n
	}
	off := uint64(0)
	for i := uint64(0); i < limit; i++ {
		b := sub(img.verneed, off, verneedSize)
		if b == nil {
			return badData("version requirement %d at offset %#x out of range", i, off)
		}
		vn := verneed{
			version: l.Uint16(b), cnt: l.Uint16(b[2:]),
			file: l.Uint32(b[4:]), aux: l.Uint32(b[8:]), next: l.Uint32(b[12:]),
		}
		file, ok := img.strtab.str(vn.file)
		if !ok {
			return badData("version requirement %d file name out of range", i)
		}
		aoff := off + uint64(vn.aux)
		for j := uint16(0); j < vn.cnt; j++ {
			ab := sub(img.verneed, aoff, vernauxSize)
			if ab == nil {
				return badData("version requirement %d aux %d at offset %#x out of range", i, j, aoff)
			}
			va := vernaux{
				hash: l.Uint32(ab), flags: l.Uint16(ab[4:]), other: l.Uint16(ab[6:]),
				name: l.Uint32(ab[8:]), next: l.Uint32(ab[12:]),
			}
			if err := fn(&vn, file, &va); err != nil {
				return err
			}
			if va.next == 0 {
				break
			}
			aoff += uint64(va.next)
		}
		if vn.cnt == 0 {
			// Still check the revision of entries without aux records.
			if err := fn(&vn, file, nil); err != nil {
				return err
			}
		}
		if vn.next == 0 {
			break
		}
		off += uint64(vn.next)
	}
	return nil
}

// initVersionInfos builds img.versions from the version definition and
// requirement tables. A first pass validates revisions and finds the
// largest index so the table can be sized before it is filled.
func (img *Image) initVersionInfos() error {
	if img.verdef == nil && img.verneed == nil {
		return nil
	}
	var maxIndex uint16
	err := img.walkVerdef(func(off uint64, vd *verdef) error {
		if vd.version != verDefCurrent {
			return fmt.Errorf("%w: version definition revision %d", ErrBadValue, vd.version)
		}
		maxIndex = max(maxIndex, verNdx(vd.ndx))
		return nil
	})
	if err != nil {
		return err
	}
	err = img.walkVerneed(func(vn *verneed, file string, va *vernaux) error {
		if vn.version != verNeedCurrent {
			return fmt.Errorf("%w: version requirement revision %d", ErrBadValue, vn.version)
		}
		if va != nil {
			maxIndex = max(maxIndex, verNdx(va.other))
		}
		return nil
	})
	if err != nil {
		return err
	}

	versions := make([]VersionInfo, int(maxIndex)+1)
	err = img.walkVerdef(func(off uint64, vd *verdef) error {
		name, err := img.verdefName(off, vd)
		if err != nil {
			return err
		}
		versions[verNdx(vd.ndx)] = VersionInfo{Hash: vd.hash, Name: name}
		return nil
	})
	if err != nil {
		return err
	}
	err = img.walkVerneed(func(vn *verneed, file string, va *vernaux) error {
		if va == nil {
			return nil
		}
		name, ok := img.strtab.str(va.name)
		if !ok {
			return badData("required version name out of range")
		}
		versions[verNdx(va.other)] = VersionInfo{Hash: va.hash, Name: name, FileName: file}
		return nil
	})
	if err != nil {
		return err
	}
	img.versions = versions
	return nil
}

// symbolVersion returns the raw version entry of symbol i. ok is false
// if img has no version symbol table.
func (img *Image) symbolVersion(i uint32) (v uint16, ok bool) {
	b := sub(img.versyms, 2*uint64(i), 2)
	if b == nil {
		return 0, false
	}
	return img.Layout().Uint16(b), true
}

// version returns the version with index idx.
func (img *Image) version(idx uint16) (*VersionInfo, bool) {
	if int(idx) >= len(img.versions) {
		return nil, false
	}
	return &img.versions[idx], true
}

// checkNeededVersions verifies that every version img requires is
// defined by resolve. Weak requirements only warn.
func checkNeededVersions(img, resolve *Image) error {
	return img.walkVerneed(func(vn *verneed, file string, va *vernaux) error {
		if va == nil {
			return nil
		}
		name, ok := img.strtab.str(va.name)
		if !ok {
			return badData("required version name out of range")
		}
		return assertDefinedVersion(img, resolve, VersionInfo{Hash: va.hash, Name: name, FileName: file}, va.flags&verFlgWeak != 0)
	})
}

func assertDefinedVersion(img, resolve *Image, need VersionInfo, weak bool) error {
	if resolve.verdef == nil {
		klog.V(1).Infof("%s: no version information available (required by %s)", resolve.name, img.name)
		return nil
	}
	found := false
	err := resolve.walkVerdef(func(off uint64, vd *verdef) error {
		if found || vd.flags&verFlgBase != 0 || vd.hash != need.Hash {
			return nil
		}
		name, err := resolve.verdefName(off, vd)
		if err != nil {
			return err
		}
		found = name == need.Name
		return nil
	})
	if err != nil || found {
		return err
	}
	if weak {
		klog.V(1).Infof("%s: weak version %s not found (required by %s)", resolve.name, need, img.name)
		return nil
	}
	return fmt.Errorf("%w: version %s not found in %s (required by %s)", ErrMissingSymbol, need, resolve.name, img.name)
}
