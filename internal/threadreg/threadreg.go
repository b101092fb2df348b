// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package threadreg implements thread-to-heap assignment and free-path
// routing: the manager-lock-protected mapping tables of spec.md §4.7/§5,
// and the per-free decision between a local free, a cross-thread delayed
// push, or a superblock reclaim.
//
// Grounded on spec.md §4.7 directly. Hoard spreads the equivalent logic
// across redirectfree.h, heapmanager.h, and pthread TLS destructors
// (src/source/unixtls.cpp) that assume a stable OS thread identity Go does
// not expose to user code; see SPEC_FULL.md §6/§7 for the resulting
// REDESIGN FLAG (OnThreadStart/OnThreadExit are explicit calls keyed on an
// opaque Handle, not an OS-intercepted thread id).
package threadreg

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"code.hybscloud.com/hoardgo/internal/bigobject"
	"code.hybscloud.com/hoardgo/internal/diag"
	"code.hybscloud.com/hoardgo/internal/pagesource"
	"code.hybscloud.com/hoardgo/internal/perheap"
	"code.hybscloud.com/hoardgo/internal/sizeclass"
	"code.hybscloud.com/hoardgo/internal/superblock"
	"code.hybscloud.com/hoardgo/internal/tlab"
)

// Handle identifies a registered thread across OnThreadStart/OnThreadExit.
// Go has no stable OS thread id visible to user code, so this is an opaque
// counter minted by OnThreadStart, not a kernel thread id (spec.md's
// tid_to_heap is keyed on real thread ids; HoardGo's equivalent table is
// keyed on this Handle instead).
type Handle uint64

type binding struct {
	heapIndex int
	buf       *tlab.Buffer
}

// Config bundles the construction parameters Registry needs to build each
// per-CPU heap's TLAB.
type Config struct {
	LargestSmall        uintptr
	MaxCachedPerClass   int
	MaxCachedBytesTotal uintptr
}

// Registry owns the fixed pool of per-CPU heaps, the thread-to-heap
// mapping tables, and free-path routing. It is the one process-wide
// component besides the global heap and page source (spec.md §9's
// "AllocatorContext").
type Registry struct {
	cfg    Config
	sizes  sizeclass.Table
	source *pagesource.Source
	global *perheap.Heap
	big    *bigobject.Pool

	heaps []*perheap.Heap

	mgrMu      sync.Mutex
	heapInUse  []int32
	bindings   map[Handle]*binding
	nextHandle atomic.Uint64
}

// New builds a Registry with numHeaps per-CPU heaps, all sharing sizes,
// source, global (the process-wide broker), and big (the big-object
// retention pool).
func New(cfg Config, sizes sizeclass.Table, emptinessClasses int, source *pagesource.Source, global *perheap.Heap, big *bigobject.Pool, numHeaps int) *Registry {
	if numHeaps <= 0 || numHeaps&(numHeaps-1) != 0 {
		panic("threadreg: numHeaps must be a power of two")
	}
	threshold := perheap.NewThreshold(emptinessClasses, source.SuperblockSize())
	heaps := make([]*perheap.Heap, numHeaps)
	for i := range heaps {
		heaps[i] = perheap.New(superblock.OwnerID(i), sizes, emptinessClasses, source, global, threshold)
	}
	return &Registry{
		cfg:       cfg,
		sizes:     sizes,
		source:    source,
		global:    global,
		big:       big,
		heaps:     heaps,
		heapInUse: make([]int32, numHeaps),
		bindings:  make(map[Handle]*binding),
	}
}

// NumHeaps returns the size of the per-CPU heap pool.
func (r *Registry) NumHeaps() int { return len(r.heaps) }

// OnThreadStart assigns the calling thread to a per-CPU heap (preferring
// an unused one; falling back to a random index if all are in use),
// builds its TLAB, and returns the Handle to pass to every subsequent
// Malloc/Free/OnThreadExit call from that thread. Grounded on spec.md
// §4.7's thread-assignment algorithm.
func (r *Registry) OnThreadStart() Handle {
	r.mgrMu.Lock()
	idx := -1
	for i, n := range r.heapInUse {
		if n == 0 {
			idx = i
			break
		}
	}
	if idx == -1 {
		idx = rand.Intn(len(r.heaps))
	}
	r.heapInUse[idx]++
	h := r.heaps[idx]
	h.SetActive(true)
	r.mgrMu.Unlock()

	handle := Handle(r.nextHandle.Add(1))
	buf := tlab.New(h, r.cfg.LargestSmall, r.cfg.MaxCachedPerClass, r.cfg.MaxCachedBytesTotal)

	r.mgrMu.Lock()
	r.bindings[handle] = &binding{heapIndex: idx, buf: buf}
	r.mgrMu.Unlock()

	return handle
}

// OnThreadExit flushes handle's TLAB back to its per-CPU heap, drains that
// heap's delayed-free queues, releases the heap assignment, and marks the
// heap inactive if no other thread remains mapped to it (enabling the
// reclaim fast path for other threads' cross-thread frees).
func (r *Registry) OnThreadExit(handle Handle) {
	r.mgrMu.Lock()
	b, ok := r.bindings[handle]
	if !ok {
		r.mgrMu.Unlock()
		return
	}
	delete(r.bindings, handle)
	r.heapInUse[b.heapIndex]--
	becameInactive := r.heapInUse[b.heapIndex] == 0
	h := r.heaps[b.heapIndex]
	if becameInactive {
		h.SetActive(false)
	}
	r.mgrMu.Unlock()

	b.buf.Clear()
}

func (r *Registry) lookup(handle Handle) *binding {
	r.mgrMu.Lock()
	b := r.bindings[handle]
	r.mgrMu.Unlock()
	return b
}

// Malloc services a request from handle's thread: big objects go straight
// to the retention pool; everything else goes through the thread's TLAB,
// or — if handle was never registered via OnThreadStart — directly against
// the global heap (the REDESIGN FLAG fallback documented in SPEC_FULL.md
// §6 for goroutines that allocate without announcing themselves).
func (r *Registry) Malloc(handle Handle, sz uintptr) (uintptr, bool) {
	if sz > r.cfg.LargestSmall {
		ptr := r.big.Malloc(sz)
		return ptr, ptr != 0
	}

	b := r.lookup(handle)
	if b == nil {
		return r.global.Malloc(sz)
	}
	ptr, err := b.buf.Malloc(sz)
	if err != nil {
		return 0, false
	}
	return ptr, true
}

// Free routes a release of ptr, originating from handle's thread, per
// spec.md §4.7's free-path algorithm: big-object release, local free
// (through the TLAB when the owning heap is the calling thread's own),
// reclaim of an inactive owner's superblock, or a lock-free delayed push
// onto the owning superblock's cross-thread queue.
func (r *Registry) Free(handle Handle, ptr uintptr) {
	if ptr == 0 {
		return
	}

	sb := superblock.Of(ptr, r.source.SuperblockSize())
	if !sb.IsValid() {
		// Not a small-object slot. Try the big-object path; if ptr doesn't
		// carry a valid big-object header either, it isn't a pointer this
		// allocator ever handed out — spec.md §7's InvalidFree, silently
		// dropped but worth a diagnostic trace.
		if _, ok := r.big.Lookup(ptr); !ok {
			diag.InvalidFree(ptr)
			return
		}
		r.big.Free(ptr)
		return
	}

	b := r.lookup(handle)

	if b != nil {
		if b.buf.Free(ptr, r.source.SuperblockSize()) {
			return
		}
	}

	owner := sb.Owner()
	norm := sb.Normalize(ptr)

	if b != nil && owner == r.heaps[b.heapIndex].ID() {
		r.heaps[b.heapIndex].Free(sb, norm)
		return
	}

	if b != nil && int(owner) >= 0 && int(owner) < len(r.heaps) && !r.heaps[owner].Active() {
		r.reclaim(r.heaps[b.heapIndex], sb, norm)
		return
	}

	sb.PushDelayed(norm)
}

// reclaim transfers sb from its current (inactive) owner to newOwner and
// completes the free locally, per spec.md §4.4's "reclaim on cross-thread
// free" and §5's lock-ordering rule (old owner's bin lock, then the new
// owner's — perheap.Heap.ReclaimFrom enforces this order internally).
func (r *Registry) reclaim(newOwner *perheap.Heap, sb *superblock.Superblock, ptr uintptr) {
	owner := sb.Owner()

	if int(owner) < 0 || int(owner) >= len(r.heaps) {
		// Ownership changed again (or it's the global heap) since the
		// caller last read it; fall back to the always-safe delayed path.
		sb.PushDelayed(ptr)
		return
	}
	oldOwner := r.heaps[owner]
	if oldOwner == newOwner {
		newOwner.Free(sb, ptr)
		return
	}
	newOwner.ReclaimFrom(oldOwner, sb, ptr)
}

// DrainThread drains every delayed-free queue of handle's per-CPU heap and
// returns the number of slots reclaimed (0 for an unregistered handle).
func (r *Registry) DrainThread(handle Handle) int {
	b := r.lookup(handle)
	if b == nil {
		return 0
	}
	return r.heaps[b.heapIndex].DrainAllDelayed()
}

// LockAll acquires every per-CPU heap's bin locks plus the global heap's,
// in pool-index order, for use around a host fork (spec.md §6's
// lock_all/unlock_all). The manager lock is taken last since nothing
// downstream of it blocks waiting on a bin lock.
func (r *Registry) LockAll() {
	for _, h := range r.heaps {
		h.LockBins()
	}
	r.global.LockBins()
	r.mgrMu.Lock()
}

// UnlockAll releases everything LockAll acquired, in reverse order.
func (r *Registry) UnlockAll() {
	r.mgrMu.Unlock()
	r.global.UnlockBins()
	for i := len(r.heaps) - 1; i >= 0; i-- {
		r.heaps[i].UnlockBins()
	}
}

// HeapOf returns handle's assigned per-CPU heap, or nil if handle is not
// registered (the caller never called OnThreadStart).
func (r *Registry) HeapOf(handle Handle) *perheap.Heap {
	b := r.lookup(handle)
	if b == nil {
		return nil
	}
	return r.heaps[b.heapIndex]
}
