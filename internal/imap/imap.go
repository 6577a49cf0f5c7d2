// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package imap implements a map from disjoint address intervals to
// values, used to find the image that owns an address.
//
// An Imap is not safe for concurrent mutation. Readers that must not
// block take a Clone, update it, and publish the clone; the published
// map is then never modified.
package imap

import "fmt"

// An Imap maps non-overlapping address intervals to values. Adjacent
// intervals with equal values are coalesced.
//
// The zero value is an empty map.
type Imap[V comparable] struct {
	tree avlTree[V]
	n    int
}

type avlNode[V comparable] struct {
	key         uint64 // Interval low
	left, right *avlNode[V]
	parent      *avlNode[V]
	heightCache int

	high  uint64
	value V
}

func (n *avlNode[V]) interval() Interval {
	return Interval{n.key, n.high}
}

// An OverlapError reports an Add that would replace existing entries.
type OverlapError struct {
	Key      Interval // interval passed to Add
	Existing Interval // first existing interval it overlaps
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("interval %v overlaps %v", e.Key, e.Existing)
}

// Len returns the number of intervals in m after coalescing.
func (m *Imap[V]) Len() int {
	return m.n
}

// Clone returns an independent copy of m.
func (m *Imap[V]) Clone() *Imap[V] {
	var clone func(n, parent *avlNode[V]) *avlNode[V]
	clone = func(n, parent *avlNode[V]) *avlNode[V] {
		if n == nil {
			return nil
		}
		c := *n
		c.parent = parent
		c.left = clone(n.left, &c)
		c.right = clone(n.right, &c)
		return &c
	}
	return &Imap[V]{tree: avlTree[V]{root: clone(m.tree.root, nil)}, n: m.n}
}

// first returns the first node that overlaps or abuts addr from above.
func (m *Imap[V]) first(addr uint64) *avlNode[V] {
	return m.tree.Search(func(n *avlNode[V]) bool {
		return addr <= n.high
	})
}

// Add maps every address in key to value. Unlike Insert it refuses to
// replace existing entries, returning an *OverlapError instead.
func (m *Imap[V]) Add(key Interval, value V) error {
	if key.Empty() {
		return nil
	}
	for n := m.first(key.Low); n != nil && n.key < key.High; n = n.Next() {
		if n.high > key.Low {
			return &OverlapError{key, n.interval()}
		}
	}
	m.Insert(key, value)
	return nil
}

// carve removes [low, high) from m, trimming or splitting intervals
// that extend past it. It returns the first node at or after high, or
// nil, and whether any address was removed.
func (m *Imap[V]) carve(low, high uint64) (*avlNode[V], bool) {
	removed := false
	n := m.first(low)
	for n != nil && n.key < high {
		if n.high <= low {
			// n only abuts the range.
			n = n.Next()
			continue
		}
		removed = true
		// Fetch the next node in case we delete this node.
		next := n.Next()
		l, h := n.interval().Subtract(Interval{low, high})
		switch lok, hok := !l.Empty(), !h.Empty(); {
		case lok && hok:
			// The range falls in the middle of n. Split n.
			n.high = l.High
			n2 := m.tree.Insert(h.Low)
			n2.high, n2.value = h.High, n.value
			m.n++
			return n2, true
		case lok:
			// n overlaps the low end of the range.
			n.high = l.High
		case hok:
			// n overlaps the high end of the range.
			n.key = h.Low
			return n, true
		default:
			m.tree.Delete(n)
			m.n--
		}
		n = next
	}
	return n, removed
}

// Insert maps every address in key to value, replacing any values
// previously mapped in that range.
func (m *Imap[V]) Insert(key Interval, value V) {
	if key.Empty() {
		return
	}
	low, high := key.Low, key.High
	if n := m.first(low); n != nil && n.key <= low && high <= n.high && n.value == value {
		// Already mapped.
		return
	}
	n, _ := m.carve(low, high)

	// Merge with neighbors that abut the new range.
	var pred *avlNode[V]
	if n != nil {
		pred = n.Prev()
	} else if m.tree.root != nil {
		pred = m.tree.root
		for pred.right != nil {
			pred = pred.right
		}
	}
	if pred != nil && pred.high == low && pred.value == value {
		pred.high = high
		if n != nil && n.key == high && n.value == value {
			pred.high = n.high
			m.tree.Delete(n)
			m.n--
		}
		return
	}
	if n != nil && n.key == high && n.value == value {
		n.key = low
		return
	}

	n = m.tree.Insert(low)
	n.high, n.value = high, value
	m.n++
}

// Delete unmaps every address in key. It reports whether anything was
// mapped there.
func (m *Imap[V]) Delete(key Interval) bool {
	if key.Empty() {
		return false
	}
	_, removed := m.carve(key.Low, key.High)
	return removed
}

// Find returns the value at addr and the interval over which value is
// the same (which may be smaller than the interval originally
// inserted). If no interval contains addr, ok is false.
func (m *Imap[V]) Find(addr uint64) (key Interval, value V, ok bool) {
	n := m.tree.Search(func(n *avlNode[V]) bool {
		return addr < n.high
	})
	if n != nil && n.key <= addr {
		return n.interval(), n.value, true
	}
	var zero V
	return Interval{}, zero, false
}
