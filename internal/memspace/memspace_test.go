// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memspace

import (
	"errors"
	"io"
	"io/fs"
	"testing"

	"github.com/aclements/go-elfload/loader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = 0x1000

func TestPlacement(t *testing.T) {
	s := New(0x10000, page)

	a, err := s.CreateAnonymous("a", loader.AnyAddress, 0, 2*page, loader.ProtRead)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000), a.Base)
	assert.Equal(t, uint64(2*page), a.Size)

	// The next mapping leaves a guard page.
	b, err := s.CreateAnonymous("b", loader.RandomizedBase, 0, page, loader.ProtRead)
	require.NoError(t, err)
	assert.Equal(t, a.Base+a.Size+page, b.Base)

	_, err = s.CreateAnonymous("c", loader.ExactAddress, a.Base+page, page, loader.ProtRead)
	assert.Error(t, err, "exact mapping over an existing area")
	_, err = s.CreateAnonymous("c", loader.ExactAddress, 0x100, page, loader.ProtRead)
	assert.Error(t, err, "unaligned exact mapping")
	_, err = s.CreateAnonymous("c", loader.AnyAddress, 0, 0x10, loader.ProtRead)
	assert.Error(t, err, "partial page")

	c, err := s.CreateAnonymous("c", loader.ExactAddress, 0x100000, page, loader.ProtRead)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x100000), c.Base)
	assert.Equal(t, 3, s.Areas())
}

func TestReservation(t *testing.T) {
	s := New(0x10000, page)
	base, err := s.ReserveRange(3*page-1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Reservations())

	// Exact mappings may go inside a reservation; others avoid it.
	in, err := s.CreateAnonymous("in", loader.ExactAddress, base+page, page, loader.ProtRead)
	require.NoError(t, err)
	out, err := s.CreateAnonymous("out", loader.AnyAddress, 0, page, loader.ProtRead)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, out.Base, base+3*page)
	assert.Equal(t, base+page, in.Base)

	assert.Error(t, s.UnreserveRange(base, page), "partial unreserve")
	require.NoError(t, s.UnreserveRange(base, 3*page))
	assert.Equal(t, 0, s.Reservations())
}

func TestReservationHint(t *testing.T) {
	s := New(0x10000, page)
	base, err := s.ReserveRange(2*page, 0x400000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x400000), base, "free aligned hint")

	// A taken hint falls back to the allocation pointer.
	again, err := s.ReserveRange(page, 0x400000+page)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000), again)

	unaligned, err := s.ReserveRange(page, 0x500010)
	require.NoError(t, err)
	assert.NotEqual(t, uint64(0x500010), unaligned)
	assert.Zero(t, unaligned%page)

	_, err = s.ReserveRange(0, 0)
	assert.Error(t, err, "empty reservation")
}

func TestTopDown(t *testing.T) {
	s := NewTopDown(0x100000, page)
	a, err := s.CreateAnonymous("a", loader.AnyAddress, 0, 2*page, loader.ProtRead)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x100000-2*page), a.Base)

	// Each mapping goes directly below the last, with no guard page.
	b, err := s.CreateAnonymous("b", loader.RandomizedBase, 0, page, loader.ProtRead)
	require.NoError(t, err)
	assert.Equal(t, a.Base-page, b.Base)
	_, err = s.CreateAnonymous("c", loader.ExactAddress, b.Base+page, page, loader.ProtRead)
	assert.Error(t, err, "the page after b is taken")

	r, err := s.ReserveRange(3*page, 0)
	require.NoError(t, err)
	assert.Equal(t, b.Base-3*page, r)
	c, err := s.CreateAnonymous("c", loader.AnyAddress, 0, page, loader.ProtRead)
	require.NoError(t, err)
	assert.Equal(t, r-page, c.Base, "reservations are skipped")

	// Freed ranges above the pointer are not reused.
	require.NoError(t, s.DeleteArea(a.ID))
	d, err := s.CreateAnonymous("d", loader.AnyAddress, 0, page, loader.ProtRead)
	require.NoError(t, err)
	assert.Equal(t, c.Base-page, d.Base)

	_, err = s.CreateAnonymous("huge", loader.AnyAddress, 0, 0x200000, loader.ProtRead)
	assert.Error(t, err)
}

func TestMemory(t *testing.T) {
	s := New(0x10000, page)
	a, err := s.CreateAnonymous("a", loader.AnyAddress, 0, page, loader.ProtRead|loader.ProtWrite)
	require.NoError(t, err)

	m, err := s.Memory(a.Base+0x10, 4)
	require.NoError(t, err)
	copy(m, "abcd")
	area, ok := s.Area(a.ID)
	require.True(t, ok)
	assert.Equal(t, []byte("abcd"), area.Data[0x10:0x14])

	_, err = s.Memory(a.Base+page-2, 4)
	assert.Error(t, err, "range past the end of the area")
	_, err = s.Memory(a.Base-1, 1)
	assert.Error(t, err, "range before the area")
	m, err = s.Memory(a.Base+page, 0)
	require.NoError(t, err)
	assert.Empty(t, m)

	require.NoError(t, s.SetProtection(a.ID, loader.ProtRead))
	area, _ = s.Area(a.ID)
	assert.Equal(t, loader.ProtRead, area.Prot)

	require.NoError(t, s.DeleteArea(a.ID))
	assert.Error(t, s.DeleteArea(a.ID))
	assert.Error(t, s.SetProtection(a.ID, loader.ProtRead))
	_, err = s.Memory(a.Base, 1)
	assert.Error(t, err)
}

func TestMapFile(t *testing.T) {
	fsys := NewFS()
	data := make([]byte, page+10)
	for i := range data {
		data[i] = byte(i%251) + 1
	}
	fsys.Add("/f", data)
	f, err := fsys.Open("/f")
	require.NoError(t, err)
	defer f.Close()

	s := New(0x10000, page)
	a, err := s.MapFile("f_text", f, page, page, loader.AnyAddress, 0, loader.ProtRead)
	require.NoError(t, err)
	area, _ := s.Area(a.ID)
	assert.Equal(t, data[page:], area.Data[:10])
	assert.Equal(t, make([]byte, page-10), area.Data[10:], "bytes past the end of the file")

	_, err = s.MapFile("bad", f, 10, page, loader.AnyAddress, 0, loader.ProtRead)
	assert.Error(t, err, "unaligned file offset")
}

func TestFaultInjection(t *testing.T) {
	s := New(0x10000, page)
	s.FailAfter(OpCreateAnonymous, 1, nil)
	_, err := s.CreateAnonymous("a", loader.AnyAddress, 0, page, loader.ProtRead)
	require.NoError(t, err)
	_, err = s.CreateAnonymous("b", loader.AnyAddress, 0, page, loader.ProtRead)
	assert.ErrorIs(t, err, ErrInjected)
	_, err = s.CreateAnonymous("c", loader.AnyAddress, 0, page, loader.ProtRead)
	assert.NoError(t, err, "faults fire once")
	assert.Equal(t, 3, s.Calls(OpCreateAnonymous))
	assert.Equal(t, 2, s.Areas())

	custom := errors.New("custom")
	s.FailAfter(OpReserve, 0, custom)
	_, err = s.ReserveRange(page, 0)
	assert.ErrorIs(t, err, custom)
	assert.Equal(t, "create anonymous", OpCreateAnonymous.String())
}

func TestFS(t *testing.T) {
	fsys := NewFS()
	v := fsys.Add("/a", []byte("hello"))
	require.NoError(t, fsys.Link("/a", "/b"))
	assert.Error(t, fsys.Link("/missing", "/c"))

	_, err := fsys.Open("/missing")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	fa, err := fsys.Open("/a")
	require.NoError(t, err)
	fb, err := fsys.Open("/b")
	require.NoError(t, err)
	assert.Equal(t, 2, fsys.OpenFiles())

	sa, err := fa.Stat()
	require.NoError(t, err)
	sb, err := fb.Stat()
	require.NoError(t, err)
	assert.Equal(t, loader.FileStat{Size: 5, Vnode: v}, sa)
	assert.Equal(t, sa, sb)

	buf := make([]byte, 4)
	n, err := fa.ReadAt(buf, 3)
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, io.EOF)
	_, err = fa.ReadAt(buf, 5)
	assert.ErrorIs(t, err, io.EOF)

	fsys.FailReadAfter(0, nil)
	_, err = fa.ReadAt(buf, 0)
	assert.ErrorIs(t, err, ErrInjected)
	n, err = fa.ReadAt(buf, 0)
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, fsys.Reads())

	fsys.FailStat(errors.New("stale"))
	_, err = fb.Stat()
	assert.Error(t, err)
	fsys.FailStat(nil)

	require.NoError(t, fa.Close())
	assert.ErrorIs(t, fa.Close(), fs.ErrClosed)
	_, err = fa.ReadAt(buf, 0)
	assert.ErrorIs(t, err, fs.ErrClosed)
	require.NoError(t, fb.Close())
	assert.Equal(t, 0, fsys.OpenFiles())
}
