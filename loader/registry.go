// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/aclements/go-elfload/internal/imap"
	"k8s.io/klog/v2"
)

// A Registry is the set of loaded images.
//
// Mutations are serialized by a mutex and publish an immutable snapshot.
// LookupAtAddress and Images read only the snapshot and never block, so
// they are safe to call from debugger context.
type Registry struct {
	registrar Registrar

	mu     sync.Mutex
	images map[ImageID]*Image

	snap atomic.Pointer[registrySnapshot]
}

type registrySnapshot struct {
	images []*Image // by ID
	addrs  *imap.Imap[*Image]
}

// NewRegistry returns an empty registry that assigns IDs with r.
func NewRegistry(r Registrar) *Registry {
	reg := &Registry{registrar: r, images: make(map[ImageID]*Image)}
	reg.snap.Store(&registrySnapshot{addrs: new(imap.Imap[*Image])})
	return reg
}

// publish stores a snapshot with added registered and removed gone.
// Only the address map entries of those two images change. r.mu must be
// held.
func (r *Registry) publish(added, removed *Image) error {
	old := r.snap.Load()
	s := &registrySnapshot{images: make([]*Image, 0, len(r.images))}
	for _, img := range r.images {
		s.images = append(s.images, img)
	}
	sort.Slice(s.images, func(i, j int) bool { return s.images[i].id < s.images[j].id })
	s.addrs = old.addrs.Clone()
	// User images live in their own address spaces.
	if removed != nil && removed.kernel {
		for _, m := range removed.mappings {
			s.addrs.Delete(imap.Interval{Low: m.Start, High: m.End()})
		}
	}
	if added != nil && added.kernel {
		for _, m := range added.mappings {
			if err := s.addrs.Add(imap.Interval{Low: m.Start, High: m.End()}, added); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrBadData, added.name, err)
			}
		}
	}
	r.snap.Store(s)
	return nil
}

// Insert registers img, assigns its ID and gives it one reference. img
// becomes visible to lookups only once Insert succeeds.
func (r *Registry) Insert(img *Image) (ImageID, error) {
	id, err := r.registrar.RegisterImage(img.info())
	if err != nil {
		return -1, fmt.Errorf("registering %s: %w", img.name, err)
	}
	if id < 0 {
		return -1, fmt.Errorf("%w: registrar returned ID %d for %s", ErrBadImageID, id, img.name)
	}
	img.id = id
	img.refs.Store(1)

	r.mu.Lock()
	err = r.insertLocked(img)
	r.mu.Unlock()
	if err != nil {
		// The registrar already knows the image under id.
		r.unregister(img)
		img.id = -1
		return -1, err
	}
	return id, nil
}

func (r *Registry) insertLocked(img *Image) error {
	if _, dup := r.images[img.id]; dup {
		return fmt.Errorf("%w: ID %d already registered", ErrBadImageID, img.id)
	}
	r.images[img.id] = img
	if err := r.publish(img, nil); err != nil {
		delete(r.images, img.id)
		return err
	}
	return nil
}

// Remove unregisters the image with the given ID regardless of its
// reference count and returns it.
func (r *Registry) Remove(id ImageID) (*Image, error) {
	r.mu.Lock()
	img, ok := r.images[id]
	if ok {
		delete(r.images, id)
		r.publish(nil, img)
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadImageID, id)
	}
	r.unregister(img)
	return img, nil
}

func (r *Registry) unregister(img *Image) {
	if err := r.registrar.UnregisterImage(img.id); err != nil {
		klog.Warningf("unregistering %s (%d): %v", img.name, img.id, err)
	}
}

// Lookup returns the image with the given ID.
func (r *Registry) Lookup(id ImageID) (*Image, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[id]
	return img, ok
}

// LookupByVnode returns the kernel image backed by v, or nil.
func (r *Registry) LookupByVnode(v VnodeID) *Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupByVnodeLocked(v)
}

func (r *Registry) lookupByVnodeLocked(v VnodeID) *Image {
	for _, img := range r.images {
		if img.kernel && img.file != nil && img.vnode == v {
			return img
		}
	}
	return nil
}

// acquireByVnode is like LookupByVnode but also adds a reference to
// the image under the registry lock.
func (r *Registry) acquireByVnode(v VnodeID) *Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	img := r.lookupByVnodeLocked(v)
	if img != nil {
		img.Acquire()
	}
	return img
}

// release drops a reference to the image with the given ID. If that was
// the last reference the image is removed and returned with last set;
// the caller must then tear it down. kernel selects which kind of image
// id must name.
func (r *Registry) release(id ImageID, kernel bool) (img *Image, last bool, err error) {
	r.mu.Lock()
	img, ok := r.images[id]
	if !ok || img.kernel != kernel {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %d", ErrBadImageID, id)
	}
	if last = img.release(); last {
		delete(r.images, id)
		r.publish(nil, img)
	}
	r.mu.Unlock()
	if last {
		r.unregister(img)
	}
	return img, last, nil
}

// LookupAtAddress returns the kernel image with a mapping containing
// addr, or nil. It takes no locks.
func (r *Registry) LookupAtAddress(addr uint64) *Image {
	s := r.snap.Load()
	_, img, ok := s.addrs.Find(addr)
	if !ok {
		return nil
	}
	return img
}

// Images returns the registered images ordered by ID. It takes no
// locks. The caller must not modify the result.
func (r *Registry) Images() []*Image {
	return r.snap.Load().images
}

// SequentialRegistrar is a Registrar that hands out increasing IDs
// starting at 1.
type SequentialRegistrar struct {
	last atomic.Int32
}

func (s *SequentialRegistrar) RegisterImage(info ImageInfo) (ImageID, error) {
	return ImageID(s.last.Add(1)), nil
}

func (s *SequentialRegistrar) UnregisterImage(id ImageID) error {
	return nil
}
