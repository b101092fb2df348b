// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tlab implements the thread-local allocation buffer: a small,
// lock-free cache in front of one per-CPU heap that satisfies small-object
// malloc/free without any lock acquisition in the common case of a thread
// that allocates and frees objects it never hands to another thread.
//
// Grounded on spec.md §4.6 (hoardtlab.h/tlab.h describe the same role in
// the original, but their ThreadLocalAllocationBuffer template body was not
// part of the retrieved source; this is a from-scratch, idiomatic
// construction against the per-CPU heap built in internal/perheap).
package tlab

import (
	"errors"
	"unsafe"

	"code.hybscloud.com/hoardgo/internal/perheap"
	"code.hybscloud.com/hoardgo/internal/sizeclass"
	"code.hybscloud.com/hoardgo/internal/superblock"
)

// ErrTooLarge is returned by Malloc when the request falls above the
// TLAB's cached range; the caller must route to the per-CPU heap's
// big-object path instead (internal/bigobject).
var ErrTooLarge = errors.New("tlab: size exceeds cached range")

// ErrOutOfMemory is returned when the backing per-CPU heap cannot satisfy
// a request at all.
var ErrOutOfMemory = errors.New("tlab: out of memory")

// node is the intrusive structure overlaid on a cached slot's memory.
type node struct {
	next *node
}

type classCache struct {
	head  *node
	count int
}

// Buffer is one thread's allocation buffer, bound to a single per-CPU
// heap. It is not safe for concurrent use — a Buffer belongs to exactly one
// goroutine/OS thread at a time (see internal/threadreg).
type Buffer struct {
	heap              *perheap.Heap
	sizes             sizeclass.Table
	largestSmallClass int
	maxPerClass       int
	maxBytesTotal     uintptr
	cachedBytes       uintptr
	classes           []classCache
}

// New builds a Buffer in front of heap. largestSmall is the largest request
// size the TLAB will cache (requests above it always go straight to heap);
// maxPerClass bounds the cached slot count per size class; maxBytesTotal
// bounds the total bytes cached across all classes.
func New(heap *perheap.Heap, largestSmall uintptr, maxPerClass int, maxBytesTotal uintptr) *Buffer {
	sizes := heap.Sizes()
	lsc := sizes.NumClasses() - 1
	if largestSmall < sizes.MaxBytes(sizes.NumClasses()-1) {
		lsc = sizes.ClassOf(largestSmall)
	}
	return &Buffer{
		heap:              heap,
		sizes:             sizes,
		largestSmallClass: lsc,
		maxPerClass:       maxPerClass,
		maxBytesTotal:     maxBytesTotal,
		classes:           make([]classCache, sizes.NumClasses()),
	}
}

// Malloc returns one slot for a request of sz bytes, popping the local
// cache first and only falling through to the per-CPU heap — a single bin
// lock acquisition — on a cache miss.
func (t *Buffer) Malloc(sz uintptr) (uintptr, error) {
	c := t.sizes.ClassOf(sz)
	if c > t.largestSmallClass {
		return 0, ErrTooLarge
	}

	cc := &t.classes[c]
	if cc.head != nil {
		n := cc.head
		cc.head = n.next
		cc.count--
		t.cachedBytes -= t.sizes.MaxBytes(c)
		return uintptr(unsafe.Pointer(n)), nil
	}

	ptr, ok := t.heap.Malloc(sz)
	if !ok {
		return 0, ErrOutOfMemory
	}
	return ptr, nil
}

// Free caches ptr locally if it belongs to a superblock owned by this
// TLAB's per-CPU heap and its size class is within the cached range,
// flushing that class back to the heap if either cap is exceeded. It
// reports false when the caller must route ptr elsewhere instead (a class
// above the cached range, or a superblock owned by another heap).
func (t *Buffer) Free(ptr uintptr, superblockSize uintptr) (handled bool) {
	sb := superblock.Of(ptr, superblockSize)
	if !sb.IsValid() {
		// Ignored per spec.md §7: a free into a pointer that does not
		// belong to a valid superblock has no further action.
		return true
	}

	sz := sb.ObjectSize()
	c := t.sizes.ClassOf(sz)
	if c > t.largestSmallClass {
		return false
	}
	if sb.Owner() != t.heap.ID() {
		return false
	}

	norm := sb.Normalize(ptr)
	n := (*node)(unsafe.Pointer(norm))
	cc := &t.classes[c]
	n.next = cc.head
	cc.head = n
	cc.count++
	t.cachedBytes += sz

	if cc.count > t.maxPerClass || t.cachedBytes > t.maxBytesTotal {
		t.flushClass(c, superblockSize)
	}
	return true
}

// flushClass empties size class c's cache back to the per-CPU heap. Each
// cached slot is re-resolved to its own superblock (different cached slots
// in the same class can belong to different superblocks), so the whole
// class is flushed together rather than just the triggering slot.
func (t *Buffer) flushClass(c int, superblockSize uintptr) {
	classSize := t.sizes.MaxBytes(c)
	cc := &t.classes[c]
	for cc.head != nil {
		n := cc.head
		cc.head = n.next
		cc.count--
		t.cachedBytes -= classSize

		ptr := uintptr(unsafe.Pointer(n))
		sb := superblock.Of(ptr, superblockSize)
		t.heap.Free(sb, sb.Normalize(ptr))
	}
}

// Clear flushes every cached slot back to the per-CPU heap and drains its
// delayed-free queues. Called on thread exit (internal/threadreg's
// OnThreadExit).
func (t *Buffer) Clear() {
	S := t.heap.SuperblockSize()
	for c := range t.classes {
		t.flushClass(c, S)
	}
	t.heap.DrainAllDelayed()
}

// CachedBytes returns the total bytes currently cached across all size
// classes, for diagnostics.
func (t *Buffer) CachedBytes() uintptr { return t.cachedBytes }
