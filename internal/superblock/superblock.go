// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package superblock implements the self-describing, naturally-aligned
// chunk that holds one size class's worth of fixed-size slots: the
// superblock header, intrusive local free list, reap cursor, and the
// lock-free cross-thread delayed-free queue.
//
// Grounded on _examples/original_source/src/include/hoard/hoardsuperblockheader.h
// and hoardsuperblock.h (header layout, reap/free-list allocation order,
// normalize/getSize fast paths) and
// _examples/original_source/src/include/util/atomicfreelist.h (the
// lock-free delayed-free queue this package adopts instead of Hoard's
// legacy lock-based redirect-free, per spec).
package superblock

import (
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/spin"
)

// OwnerID is a tagged reference to whatever currently owns a superblock: a
// per-CPU heap index, the global heap, or no owner at all. Using a plain
// integer tag (rather than an interface or virtual base class) keeps free
// routing a table lookup, not a dynamic dispatch, per spec.md §9.
type OwnerID int32

const (
	// NoOwner marks a superblock that has not yet been claimed by any heap.
	NoOwner OwnerID = -1
	// GlobalOwner marks a superblock owned by the global heap.
	GlobalOwner OwnerID = -2
)

// headerMagic, XORed with the superblock's own address, detects use of a
// stale or corrupted header the same way Hoard's MAGIC_NUMBER does.
const headerMagic = uintptr(0xcafed00d)

// Alignment is the minimum alignment guaranteed for every returned slot
// pointer and for the header itself, matching max_align_t on the platforms
// this allocator targets.
const Alignment = 16

// freeNode is the intrusive structure overlaid on a freed slot's memory for
// the owner-only local free list. No separate allocation is made for it.
type freeNode struct {
	next *freeNode
}

// delayedNode is the intrusive structure overlaid on a freed slot's memory
// for the lock-free, multi-producer/single-consumer delayed-free queue.
type delayedNode struct {
	next atomic.Pointer[delayedNode]
}

// Superblock is the header placed at the front of a superblockSize-aligned,
// page-source-backed memory range via unsafe.Pointer. It is not managed by
// the Go garbage collector — its lifetime is governed entirely by the heap
// hierarchy (internal/perheap, internal/globalheap) that owns it.
type Superblock struct {
	magic uintptr

	objectSize uintptr
	pow2       bool
	totalSlots uint32

	// start/position: the reap region. start never changes after Init;
	// position is the next never-touched byte, advanced only by the owner.
	start    uintptr
	position uintptr
	reapable uint32

	// freeListHead/freeListLen: the owner-only local free list, intrusive
	// through freed slot memory.
	freeListHead *freeNode
	freeListLen  uint32

	// delayedHead: lock-free MPSC queue of frees from non-owner threads.
	// Push: CAS loop (release on success). Drain: Swap(nil) (acquire),
	// single-consumer (the owner only, during its own malloc/free path).
	delayedHead atomic.Pointer[delayedNode]

	// owner: the current owning heap. The reclaim path moves it with a CAS
	// retry loop (TransferOwner), so a reclaim racing a concurrent transfer
	// never clobbers a newer owner; perheap's bin-locked hand-offs store it
	// directly (SetOwner).
	owner atomic.Int32

	// prev/next: intrusive doubly-linked list pointers within whichever
	// emptiness bucket the owner currently files this superblock under.
	// Mutated only while the owner's bin lock is held, so no atomics.
	prev, next *Superblock
}

// HeaderSize returns the number of bytes the header itself occupies, used
// by callers to compute how much of a mapped superblockSize region is
// available as payload.
func HeaderSize() uintptr {
	return unsafe.Sizeof(Superblock{})
}

func init() {
	if HeaderSize()%Alignment != 0 {
		panic("superblock: header size is not a multiple of Alignment; pad the Superblock struct")
	}
}

// Init places a fresh superblock header at addr (the base of a
// superblockSize-aligned mapping) and carves its payload into slots of
// objectSize bytes. addr must be aligned to superblockSize.
func Init(addr uintptr, superblockSize, objectSize uintptr) *Superblock {
	sb := (*Superblock)(unsafe.Pointer(addr))
	headerSize := HeaderSize()
	start := addr + headerSize
	total := uint32((superblockSize - headerSize) / objectSize)

	*sb = Superblock{
		objectSize: objectSize,
		pow2:       objectSize&(objectSize-1) == 0,
		totalSlots: total,
		start:      start,
		position:   start,
		reapable:   total,
	}
	sb.owner.Store(int32(NoOwner))
	sb.magic = headerMagic ^ addr
	return sb
}

// FromAddr reinterprets an existing, already-initialized superblock header
// at addr without touching its contents.
func FromAddr(addr uintptr) *Superblock {
	return (*Superblock)(unsafe.Pointer(addr))
}

// Of locates the superblock owning ptr by bit-masking to the superblockSize
// boundary: superblock_of(p) = p & ~(S-1). This is constant-time and is the
// operation every free-path routing decision starts from.
func Of(ptr uintptr, superblockSize uintptr) *Superblock {
	base := ptr &^ (superblockSize - 1)
	return FromAddr(base)
}

// IsValid reports whether this header's magic number is intact.
func (sb *Superblock) IsValid() bool {
	return sb != nil && sb.magic == headerMagic^uintptr(unsafe.Pointer(sb))
}

// ObjectSize returns the fixed slot size this superblock was carved for.
func (sb *Superblock) ObjectSize() uintptr { return sb.objectSize }

// TotalSlots returns the total number of slots in this superblock.
func (sb *Superblock) TotalSlots() uint32 { return sb.totalSlots }

// FreeSlots returns the number of slots not currently allocated: the
// never-touched (reapable) slots plus the locally free-listed slots. It
// does not include delayed-free entries that have not yet been drained
// (spec.md §3's "eventually consistent" invariant).
func (sb *Superblock) FreeSlots() uint32 { return sb.reapable + sb.freeListLen }

// InRange reports whether ptr falls within this superblock's payload.
func (sb *Superblock) InRange(ptr uintptr) bool {
	end := sb.start + uintptr(sb.totalSlots)*sb.objectSize
	return ptr >= sb.start && ptr < end
}

// Normalize maps an interior pointer to its slot base.
func (sb *Superblock) Normalize(ptr uintptr) uintptr {
	offset := ptr - sb.start
	if sb.pow2 {
		return ptr - (offset & (sb.objectSize - 1))
	}
	return ptr - (offset % sb.objectSize)
}

// SizeOf returns the usable size remaining from ptr to the end of its slot,
// or 0 if ptr is not in range.
func (sb *Superblock) SizeOf(ptr uintptr) uintptr {
	if !sb.InRange(ptr) {
		return 0
	}
	offset := ptr - sb.start
	if sb.pow2 {
		return sb.objectSize - (offset & (sb.objectSize - 1))
	}
	return sb.objectSize - (offset % sb.objectSize)
}

// Malloc produces one slot, preferring the reap cursor (cache-friendly,
// touches never-used memory) over the free list (reused, possibly cold)
// while reap capacity remains, per spec.md §4.2.
func (sb *Superblock) Malloc() (uintptr, bool) {
	if sb.reapable > 0 {
		ptr := sb.position
		sb.position += sb.objectSize
		sb.reapable--
		return ptr, true
	}
	if sb.freeListHead != nil {
		n := sb.freeListHead
		sb.freeListHead = n.next
		sb.freeListLen--
		return uintptr(unsafe.Pointer(n)), true
	}
	return 0, false
}

// FreeLocal returns ptr (already normalized to its slot base) to this
// superblock's local free list. It reports whether the superblock became
// completely empty as a result, in which case its state is reset to FRESH
// (all slots reapable again) to preserve locality on future reuse, matching
// HoardSuperblockHeaderHelper::free's clear()-on-fully-free behavior.
func (sb *Superblock) FreeLocal(ptr uintptr) (becameEmpty bool) {
	n := (*freeNode)(unsafe.Pointer(ptr))
	n.next = sb.freeListHead
	sb.freeListHead = n
	sb.freeListLen++
	if sb.FreeSlots() == sb.totalSlots {
		sb.resetFresh()
		return true
	}
	return false
}

func (sb *Superblock) resetFresh() {
	sb.freeListHead = nil
	sb.freeListLen = 0
	sb.reapable = sb.totalSlots
	sb.position = sb.start
}

// PushDelayed enqueues ptr (already normalized) onto the lock-free
// cross-thread delayed-free queue. Safe for concurrent callers; the owner
// alone ever drains it.
func (sb *Superblock) PushDelayed(ptr uintptr) {
	node := (*delayedNode)(unsafe.Pointer(ptr))
	var sw spin.Wait
	for {
		old := sb.delayedHead.Load()
		node.next.Store(old)
		if sb.delayedHead.CompareAndSwap(old, node) {
			return
		}
		sw.Once()
	}
}

// HasDelayedFrees is an approximate, relaxed check for the fast path: a
// false negative (items pushed but not yet visible) is acceptable since the
// caller will simply try again on its next allocation from this size class.
func (sb *Superblock) HasDelayedFrees() bool {
	return sb.delayedHead.Load() != nil
}

// DrainDelayed atomically takes the entire delayed-free list and walks it
// onto the local free list, returning the number of slots drained. Must
// only be called by the owner.
func (sb *Superblock) DrainDelayed() int {
	head := sb.delayedHead.Swap(nil)
	count := 0
	for n := head; n != nil; {
		next := n.next.Load()
		sb.FreeLocal(uintptr(unsafe.Pointer(n)))
		count++
		n = next
	}
	return count
}

// Owner returns the current owner tag. Lock-free; a caller about to act on
// a stale read (e.g. threadreg.reclaim) must tolerate TransferOwner later
// reporting that the owner has since moved on.
func (sb *Superblock) Owner() OwnerID { return OwnerID(sb.owner.Load()) }

// SetOwner unconditionally assigns the owner tag. perheap uses it while the
// superblock is out of every bin or under the bin lock of the heap it moves
// into or out of (acquireSuperblock, Put, Get); the reclaim path, which
// acts on a possibly stale Owner() read, uses TransferOwner instead.
func (sb *Superblock) SetOwner(id OwnerID) { sb.owner.Store(int32(id)) }

// TransferOwner moves ownership from old to new via a CAS retry loop,
// spinning with spin.Wait on contention — the same CAS-then-spin.Wait.Once
// shape the teacher's BoundedPool uses around its own contended slot claims
// (_examples/hayabusa-cloud-iobuf/bounded_pool.go). It reports false,
// without making any change, if the owner no longer matches old when the
// loop observes it, since some other transfer already won the race; the
// caller (perheap.Heap.ReclaimFrom) then falls back to the delayed-free
// push instead of taking the superblock.
func (sb *Superblock) TransferOwner(old, newOwner OwnerID) bool {
	var sw spin.Wait
	for {
		cur := sb.owner.Load()
		if cur != int32(old) {
			return false
		}
		if sb.owner.CompareAndSwap(cur, int32(newOwner)) {
			return true
		}
		sw.Once()
	}
}

// Prev/Next/SetPrev/SetNext expose the intrusive bucket-list pointers for
// internal/emptiness. Callers must hold the owning bin's lock.
func (sb *Superblock) Prev() *Superblock      { return sb.prev }
func (sb *Superblock) Next() *Superblock      { return sb.next }
func (sb *Superblock) SetPrev(p *Superblock)  { sb.prev = p }
func (sb *Superblock) SetNext(n *Superblock)  { sb.next = n }

// Addr returns this superblock's own base address, e.g. for re-deriving it
// via Of after being handed across a routing boundary.
func (sb *Superblock) Addr() uintptr { return uintptr(unsafe.Pointer(sb)) }
