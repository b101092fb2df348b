// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package perheap implements the per-CPU heap: a fixed-size pool of these
// (see internal/threadreg) each own superblocks across every size class for
// whichever threads are currently mapped to them, maintain per-size-class
// in-use/allocated statistics, and decide when to migrate superblocks to
// the global heap or pull them from it.
//
// Grounded on _examples/original_source/src/include/hoard/hoardmanager.h
// (HoardManager: malloc/free/put/get, the migration threshold check, and
// the locking discipline of one lock per (heap, size-class) bin) and
// hoardheap.h (hoardThresholdFunctionClass's hysteresis formula).
package perheap

import (
	"sync"
	"sync/atomic"

	"code.hybscloud.com/hoardgo/internal/cacheline"
	"code.hybscloud.com/hoardgo/internal/emptiness"
	"code.hybscloud.com/hoardgo/internal/pagesource"
	"code.hybscloud.com/hoardgo/internal/sizeclass"
	"code.hybscloud.com/hoardgo/internal/superblock"
)

// ThresholdFunc decides whether a heap should migrate a superblock of
// representative size r to its parent, given the in-use count u and
// allocated capacity a for that size class after the triggering operation.
type ThresholdFunc func(u, a uint32, r uintptr) bool

// NewThreshold builds the per-CPU heap's migration-threshold function:
// crosses iff E*u < (E-1)*a AND u < a - 2*S/r, where E is the number of
// emptiness classes and S the superblock size. Both conditions must hold:
// the in-use fraction has dropped below (E-1)/E and the slack is at least
// two superblocks' worth of objects, the second guarding against
// oscillation (spec.md §4.4).
func NewThreshold(emptinessClasses int, superblockSize uintptr) ThresholdFunc {
	e := int64(emptinessClasses)
	s := int64(superblockSize)
	return func(u, a uint32, r uintptr) bool {
		if a == 0 || r == 0 {
			return false
		}
		ui, ai := int64(u), int64(a)
		slack := (2 * s) / int64(r)
		return e*ui < (e-1)*ai && ui < ai-slack
	}
}

// AlwaysFalse never triggers migration. The global heap (internal/globalheap)
// uses this: it has no parent to migrate to.
func AlwaysFalse(uint32, uint32, uintptr) bool { return false }

// Parent is whatever a Heap migrates superblocks to and pulls them from:
// either another Heap, or the global heap (which is itself a *Heap with a
// nil Parent — see internal/globalheap).
type Parent interface {
	Put(sb *superblock.Superblock, sz uintptr)
	Get(sz uintptr, requester superblock.OwnerID) *superblock.Superblock
}

type stats struct {
	inUse     uint32
	allocated uint32
}

// bin is one size class's lock, emptiness classifier, and stats counters.
// Different CPUs hammer different bins of the same Heap concurrently, so
// each bin is padded out to its own cache line: without this, adjacent
// bins packed into the bins slice would false-share, and a CPU spinning on
// its own bin's mutex would keep invalidating its neighbor's cache line on
// every store.
type bin struct {
	mu    sync.Mutex
	empty *emptiness.Classifier
	stats stats
	_pad  [cacheline.Size]byte
}

// Heap is one per-CPU heap instance (or, with a nil Parent and
// AlwaysFalse threshold, the global heap).
type Heap struct {
	id        superblock.OwnerID
	sizes     sizeclass.Table
	bins      []bin
	parent    Parent
	source    *pagesource.Source
	threshold ThresholdFunc
	active    atomic.Bool
}

// New builds a Heap identified by id, using sizes for size-class lookup,
// emptinessClasses buckets per bin, source for fresh superblock mappings,
// parent as the heap above it in the hierarchy (nil for the global heap),
// and threshold as its migration predicate.
func New(id superblock.OwnerID, sizes sizeclass.Table, emptinessClasses int, source *pagesource.Source, parent Parent, threshold ThresholdFunc) *Heap {
	bins := make([]bin, sizes.NumClasses())
	for i := range bins {
		bins[i].empty = emptiness.New(emptinessClasses)
	}
	h := &Heap{
		id:        id,
		sizes:     sizes,
		bins:      bins,
		parent:    parent,
		source:    source,
		threshold: threshold,
	}
	return h
}

// ID returns this heap's owner tag.
func (h *Heap) ID() superblock.OwnerID { return h.id }

// Active reports whether any live thread is currently mapped to this heap.
func (h *Heap) Active() bool { return h.active.Load() }

// SetActive updates the active flag (internal/threadreg owns this
// bookkeeping as threads attach/detach).
func (h *Heap) SetActive(active bool) { h.active.Store(active) }

// Stats returns the in-use and allocated counters for size class c.
func (h *Heap) Stats(c int) (inUse, allocated uint32) {
	b := &h.bins[c]
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats.inUse, b.stats.allocated
}

// Malloc allocates an object of size sz, acquiring and releasing only the
// bin lock for sz's size class (spec.md §4.4's fast path), falling back to
// the slow path (pull a superblock from this bin's classifier, the parent,
// or the page source) on a bin miss.
func (h *Heap) Malloc(sz uintptr) (uintptr, bool) {
	c := h.sizes.ClassOf(sz)
	realSize := h.sizes.MaxBytes(c)
	for {
		if ptr, ok := h.mallocFromBin(c); ok {
			return ptr, true
		}
		if !h.acquireSuperblock(c, realSize) {
			return 0, false
		}
	}
}

func (h *Heap) mallocFromBin(c int) (uintptr, bool) {
	b := &h.bins[c]
	b.mu.Lock()
	defer b.mu.Unlock()
	// Opportunistically convert recent cross-thread frees into local
	// capacity before attempting the allocation (spec.md §4.4 step 3).
	if freed := b.empty.DrainDelayedFrees(); freed > 0 {
		b.stats.inUse -= uint32(freed)
	}
	ptr, ok := b.empty.Malloc()
	if ok {
		b.stats.inUse++
	}
	return ptr, ok
}

// acquireSuperblock tries, in order: an empty superblock already sitting in
// this bin, a superblock donated by the parent, or a fresh mapping from the
// page source.
func (h *Heap) acquireSuperblock(c int, realSize uintptr) bool {
	b := &h.bins[c]

	b.mu.Lock()
	sb := b.empty.GetEmpty()
	b.mu.Unlock()

	// A superblock handed back by our own bin's GetEmpty is already
	// reflected in this bin's stats (it was added when first Put here);
	// re-filing it below must not add its slots a second time. Only a
	// superblock newly arriving from the parent or a fresh mapping is
	// uncounted so far.
	alreadyCounted := sb != nil

	if sb == nil && h.parent != nil {
		sb = h.parent.Get(realSize, h.id)
	}
	if sb == nil {
		addr, err := h.source.Map(h.source.SuperblockSize())
		if err != nil {
			return false
		}
		sb = superblock.Init(addr, h.source.SuperblockSize(), realSize)
	}

	sb.SetOwner(h.id)
	b.mu.Lock()
	b.empty.Put(sb)
	if !alreadyCounted {
		b.stats.allocated += sb.TotalSlots()
		b.stats.inUse += sb.TotalSlots() - sb.FreeSlots()
	}
	b.mu.Unlock()
	return true
}

// Free returns ptr (belonging to sb, which the caller — internal/threadreg —
// has already verified is owned by this heap) to its superblock, then
// evaluates the migration threshold.
func (h *Heap) Free(sb *superblock.Superblock, ptr uintptr) {
	sz := sb.ObjectSize()
	c := h.sizes.ClassOf(sz)
	b := &h.bins[c]

	b.mu.Lock()
	b.empty.Free(ptr, h.source.SuperblockSize())
	b.stats.inUse--
	u, a := b.stats.inUse, b.stats.allocated
	b.mu.Unlock()

	if h.threshold(u, a, sz) {
		h.slowPathFree(c, sz)
	}
}

// slowPathFree migrates the emptiest superblock of size class c to the
// parent heap, matching HoardManager::slowPathFree.
func (h *Heap) slowPathFree(c int, sz uintptr) {
	b := &h.bins[c]

	b.mu.Lock()
	sb := b.empty.Get()
	var total, free uint32
	if sb != nil {
		total, free = sb.TotalSlots(), sb.FreeSlots()
		b.stats.allocated -= total
		b.stats.inUse -= total - free
	}
	b.mu.Unlock()

	if sb != nil && h.parent != nil {
		h.parent.Put(sb, sz)
	}
}

// Put receives a superblock from elsewhere (a donating heap's slowPathFree,
// or an initial assignment). If accepting it would immediately cross this
// heap's own migration threshold, it is passed straight up to the parent
// instead of being inserted.
func (h *Heap) Put(sb *superblock.Superblock, sz uintptr) {
	c := h.sizes.ClassOf(sz)
	b := &h.bins[c]

	b.mu.Lock()
	u := b.stats.inUse + (sb.TotalSlots() - sb.FreeSlots())
	a := b.stats.allocated + sb.TotalSlots()
	crosses := h.threshold(u, a, sz)
	if !crosses {
		sb.SetOwner(h.id)
		b.empty.Put(sb)
		b.stats.inUse = u
		b.stats.allocated = a
	}
	b.mu.Unlock()

	if crosses && h.parent != nil {
		h.parent.Put(sb, sz)
	}
}

// Get donates the emptiest available superblock of size class sz to
// requester, adjusting this heap's statistics and the superblock's owner
// tag. Returns nil if this heap has none to spare.
func (h *Heap) Get(sz uintptr, requester superblock.OwnerID) *superblock.Superblock {
	c := h.sizes.ClassOf(sz)
	b := &h.bins[c]

	b.mu.Lock()
	defer b.mu.Unlock()

	sb := b.empty.Get()
	if sb == nil {
		return nil
	}
	total, free := sb.TotalSlots(), sb.FreeSlots()
	b.stats.inUse -= total - free
	b.stats.allocated -= total
	sb.SetOwner(requester)
	return sb
}

// DrainAllDelayed walks every bin, draining cross-thread delayed frees and
// updating in-use statistics accordingly. Used on thread exit (spec.md
// §4.4's "drain on thread exit", via internal/tlab's Clear) and by
// threadreg.Registry.DrainThread; Malloc drains only the bin it allocates
// from, in mallocFromBin.
func (h *Heap) DrainAllDelayed() int {
	total := 0
	for c := range h.bins {
		b := &h.bins[c]
		b.mu.Lock()
		freed := b.empty.DrainDelayedFrees()
		if freed > 0 {
			b.stats.inUse -= uint32(freed)
		}
		b.mu.Unlock()
		total += freed
	}
	return total
}

// ReclaimFrom removes sb from oldOwner's bin for ptr's size class, takes
// ownership of it into h, and frees ptr locally — the optional fast path
// for a cross-thread free into a superblock whose owner has gone inactive
// (spec.md §4.4's "reclaim on cross-thread free").
func (h *Heap) ReclaimFrom(oldOwner *Heap, sb *superblock.Superblock, ptr uintptr) {
	sz := sb.ObjectSize()
	c := h.sizes.ClassOf(sz)

	// Removing sb from the old owner's bin and moving its owner tag both
	// happen under the old bin lock (spec.md §5's lock-ordering rule), so of
	// two threads reclaiming the same superblock only the first finds it
	// there; the other falls back to the delayed-free push below.
	ob := &oldOwner.bins[c]
	ob.mu.Lock()
	removed := ob.empty.RemoveSuperblock(sb)
	claimed := removed && sb.TransferOwner(oldOwner.id, h.id)
	if claimed {
		total, free := sb.TotalSlots(), sb.FreeSlots()
		ob.stats.allocated -= total
		ob.stats.inUse -= total - free
	} else if removed {
		ob.empty.Put(sb)
	}
	ob.mu.Unlock()

	if !claimed {
		sb.PushDelayed(ptr)
		return
	}

	nb := &h.bins[c]
	nb.mu.Lock()
	nb.empty.Put(sb)
	nb.stats.allocated += sb.TotalSlots()
	nb.stats.inUse += sb.TotalSlots() - sb.FreeSlots()
	nb.mu.Unlock()

	h.Free(sb, ptr)
}

// LockBins acquires every bin lock in ascending size-class order, for
// lock_all/unlock_all around a host fork (spec.md §6). Ascending order
// across a fixed number of locks per heap, plus the caller (threadreg)
// always locking heaps in a fixed pool-index order, avoids deadlock.
func (h *Heap) LockBins() {
	for i := range h.bins {
		h.bins[i].mu.Lock()
	}
}

// UnlockBins releases every bin lock, in reverse of LockBins' order.
func (h *Heap) UnlockBins() {
	for i := len(h.bins) - 1; i >= 0; i-- {
		h.bins[i].mu.Unlock()
	}
}

// SuperblockSize returns the superblock size this heap's page source maps.
func (h *Heap) SuperblockSize() uintptr { return h.source.SuperblockSize() }

// Sizes returns the size-class table this heap was built with.
func (h *Heap) Sizes() sizeclass.Table { return h.sizes }
