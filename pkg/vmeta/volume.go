package vmeta

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/vorteil/vstore/pkg/bmap"
	"github.com/vorteil/vstore/pkg/elog"
)

// Sentinel errors for object lookup and space exhaustion.
var (
	ErrNotFound = errors.New("object not found")
	ErrExists   = errors.New("object already exists")
	ErrNoSpace  = errors.New("not enough space")
)

// VolumeArgs collects the parameters for creating or mounting a volume.
type VolumeArgs struct {
	Name      string
	Capacity  uint64
	AllocUnit uint64

	// MinExtent is the smallest extent the volume will accept from the
	// allocator; zero means the allocation unit.
	MinExtent uint64

	// MaxExtent caps the length of any single extent; zero leaves only the
	// allocator's own 2 GiB cap.
	MaxExtent uint64

	Logger elog.Logger
}

// Volume is an in-memory object-to-extents metadata layer over a single
// block allocator. It owns no data path; it tracks which byte ranges of the
// managed address space belong to which named object, and drives every
// allocator operation a real file layer would.
type Volume struct {
	uid  uuid.UUID
	name string
	log  elog.Logger

	alloc     *bmap.Allocator
	minExtent uint64
	maxExtent uint64

	objects map[string]*object
}

type object struct {
	size    uint64
	extents bmap.Extents
	shared  bmap.Extents
}

// ObjectInfo is a point-in-time description of one object.
type ObjectInfo struct {
	Name    string
	Size    uint64
	Extents int
	Shared  uint64
}

// NewVolume creates an empty volume with the whole address range free.
func NewVolume(args *VolumeArgs) (*Volume, error) {
	v, err := newVolume(args, true)
	if err != nil {
		return nil, err
	}
	v.log.Infof("vmeta: created volume %s (%s)", v.name, v.uid)
	return v, nil
}

// Mount rebuilds a volume from external state: the physical regions the
// device hands over become free space, and every live object extent is then
// marked allocated again. The allocator starts fully allocated so anything
// outside the given regions stays unusable.
func Mount(args *VolumeArgs, regions []bmap.Interval, live map[string]bmap.Extents) (*Volume, error) {
	v, err := newVolume(args, false)
	if err != nil {
		return nil, err
	}

	for _, r := range regions {
		v.alloc.MarkFree(r.Offset, r.Length)
	}
	for name, extents := range live {
		obj := &object{}
		for _, e := range extents {
			v.alloc.MarkAllocated(e.Offset, e.Length)
			obj.extents = append(obj.extents, e)
			obj.size += e.Length
		}
		v.objects[name] = obj
	}

	v.log.Infof("vmeta: mounted volume %s with %d objects, %d bytes free",
		v.name, len(live), v.alloc.Available())
	return v, nil
}

func newVolume(args *VolumeArgs, markAsFree bool) (*Volume, error) {

	minExtent := args.MinExtent
	if minExtent == 0 {
		minExtent = args.AllocUnit
	}
	if minExtent < args.AllocUnit || minExtent%args.AllocUnit != 0 {
		return nil, fmt.Errorf("min extent %d incompatible with alloc unit %d",
			minExtent, args.AllocUnit)
	}
	if args.MaxExtent != 0 && (args.MaxExtent < minExtent || args.MaxExtent%minExtent != 0) {
		return nil, fmt.Errorf("max extent %d incompatible with min extent %d",
			args.MaxExtent, minExtent)
	}

	log := args.Logger
	if log == nil {
		log = nopLogger{}
	}

	alloc, err := bmap.New(args.Capacity, args.AllocUnit, bmap.Options{
		MarkAsFree: markAsFree,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	return &Volume{
		uid:       uuid.New(),
		name:      args.Name,
		log:       log,
		alloc:     alloc,
		minExtent: minExtent,
		maxExtent: args.MaxExtent,
		objects:   make(map[string]*object),
	}, nil
}

// UID returns the volume identity.
func (v *Volume) UID() uuid.UUID {
	return v.uid
}

// Name returns the volume name.
func (v *Volume) Name() string {
	return v.name
}

// Allocator exposes the underlying allocator for introspection.
func (v *Volume) Allocator() *bmap.Allocator {
	return v.alloc
}

// Create registers an empty object.
func (v *Volume) Create(name string) error {
	if _, ok := v.objects[name]; ok {
		return fmt.Errorf("create %s: %w", name, ErrExists)
	}
	v.objects[name] = &object{}
	return nil
}

// Exists reports whether an object is registered.
func (v *Volume) Exists(name string) bool {
	_, ok := v.objects[name]
	return ok
}

// Write appends length bytes to an object, claiming extents from the
// allocator. The locality hint points at the end of the object's last extent
// so appends tend to stay contiguous. A short allocation is rolled back and
// reported as ErrNoSpace.
func (v *Volume) Write(name string, length uint64) error {
	obj, ok := v.objects[name]
	if !ok {
		return fmt.Errorf("write %s: %w", name, ErrNotFound)
	}
	return v.extend(name, obj, length)
}

func (v *Volume) extend(name string, obj *object, length uint64) error {
	want := roundUp(length, v.minExtent)
	if want == 0 {
		return nil
	}

	var hint uint64
	if n := len(obj.extents); n > 0 {
		last := obj.extents[n-1]
		hint = last.Offset + last.Length
	}

	allocated, extents := v.alloc.Allocate(want, v.minExtent, v.maxExtent, hint)
	if allocated < want {
		v.alloc.Release(extents)
		return fmt.Errorf("write %s: %d of %d bytes: %w", name, allocated, want, ErrNoSpace)
	}

	obj.extents = append(obj.extents, extents...)
	obj.size += allocated
	return nil
}

// Rewrite replaces an object's content in place. The old extents are
// released before the new allocation so an overwrite never double-allocates;
// the hint steers the allocator back to the object's previous location.
func (v *Volume) Rewrite(name string, length uint64) error {
	obj, ok := v.objects[name]
	if !ok {
		return fmt.Errorf("rewrite %s: %w", name, ErrNotFound)
	}

	var hint uint64
	if len(obj.extents) > 0 {
		hint = obj.extents[0].Offset
	}
	v.alloc.Release(obj.extents)
	obj.extents = nil
	obj.shared = nil
	obj.size = 0

	want := roundUp(length, v.minExtent)
	if want == 0 {
		return nil
	}

	allocated, extents := v.alloc.Allocate(want, v.minExtent, v.maxExtent, hint)
	if allocated < want {
		v.alloc.Release(extents)
		return fmt.Errorf("rewrite %s: %d of %d bytes: %w", name, allocated, want, ErrNoSpace)
	}

	obj.extents = extents
	obj.size = allocated
	return nil
}

// Truncate releases an object's extents but keeps the object.
func (v *Volume) Truncate(name string) error {
	obj, ok := v.objects[name]
	if !ok {
		return fmt.Errorf("truncate %s: %w", name, ErrNotFound)
	}
	v.alloc.Release(obj.extents)
	obj.extents = nil
	obj.shared = nil
	obj.size = 0
	return nil
}

// Remove releases an object's extents and unregisters it.
func (v *Volume) Remove(name string) error {
	obj, ok := v.objects[name]
	if !ok {
		return fmt.Errorf("remove %s: %w", name, ErrNotFound)
	}
	v.alloc.Release(obj.extents)
	delete(v.objects, name)
	return nil
}

// CopyShare copy-marks one granule of an object, identified by its logical
// byte offset. The result is false when the granule has reached the sharing
// limit and must be copied for real instead.
func (v *Volume) CopyShare(name string, offset uint64) (bool, error) {
	obj, ok := v.objects[name]
	if !ok {
		return false, fmt.Errorf("share %s: %w", name, ErrNotFound)
	}
	if offset%v.alloc.MinAllocSize() != 0 {
		return false, fmt.Errorf("share %s: offset %d not aligned on %d",
			name, offset, v.alloc.MinAllocSize())
	}
	if offset >= obj.size {
		return false, fmt.Errorf("share %s: offset %d beyond size %d",
			name, offset, obj.size)
	}

	phys, err := v.mapOffset(obj, offset)
	if err != nil {
		return false, fmt.Errorf("share %s: %v", name, err)
	}
	return v.alloc.CopyMark(phys, &obj.shared), nil
}

func (v *Volume) mapOffset(obj *object, offset uint64) (uint64, error) {
	for _, e := range obj.extents {
		if offset < e.Length {
			return e.Offset + offset, nil
		}
		offset -= e.Length
	}
	return 0, fmt.Errorf("offset beyond extent map")
}

// Stat returns a description of one object.
func (v *Volume) Stat(name string) (ObjectInfo, error) {
	obj, ok := v.objects[name]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", name, ErrNotFound)
	}
	return ObjectInfo{
		Name:    name,
		Size:    obj.size,
		Extents: len(obj.extents),
		Shared:  obj.shared.Bytes(),
	}, nil
}

// Objects returns the registered object names, sorted.
func (v *Volume) Objects() []string {
	names := make([]string, 0, len(v.objects))
	for name := range v.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available returns the bytes the allocator still has free.
func (v *Volume) Available() uint64 {
	return v.alloc.Available()
}

// Used returns the bytes currently claimed from the allocator.
func (v *Volume) Used() uint64 {
	total := v.alloc.Capacity() / v.alloc.MinAllocSize() * v.alloc.MinAllocSize()
	return total - v.alloc.Available()
}

// Fragmentation returns the allocator's fragmentation ratio.
func (v *Volume) Fragmentation() float64 {
	return v.alloc.Fragmentation()
}

func roundUp(a, b uint64) uint64 {
	return (a + b - 1) / b * b
}

type nopLogger struct{}

func (nopLogger) Debugf(format string, x ...interface{}) {}
func (nopLogger) Errorf(format string, x ...interface{}) {}
func (nopLogger) Infof(format string, x ...interface{})  {}
func (nopLogger) Printf(format string, x ...interface{}) {}
func (nopLogger) Warnf(format string, x ...interface{})  {}
func (nopLogger) IsInfoEnabled() bool                    { return false }
func (nopLogger) IsDebugEnabled() bool                   { return false }
