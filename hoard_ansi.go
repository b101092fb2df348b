// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// ANSI-conformance wrapper: the outermost layer of the heap hierarchy
// (spec.md §4.8), presenting the classical free-store interface (allocate,
// release, resize, aligned allocation, size query, string duplication)
// over the AllocatorContext built in hoard.go.
//
// Grounded on _examples/original_source/src/Heap-Layers/wrappers/ansiwrapper.h
// (zero-size handling, resize-via-allocate-copy-release, aligned-alloc via
// over-allocate-and-trim) and spec.md §9's instruction to collapse the
// C++ mixin stack (ANSI wrapper, ignore-invalid-free, hybrid small/big,
// ...) into plain structs with a handful of methods per layer, rather than
// inheritance.
package hoard

import (
	"unsafe"

	"code.hybscloud.com/hoardgo/internal/diag"
)

// zeroSizeSentinel is the size HoardGo actually allocates for a
// zero-byte request: a small, uniquely-sized, releasable allocation, per
// spec.md §4.8 ("a valid non-null pointer... or a sentinel of at least
// max_align_t").
const zeroSizeSentinel = AllocAlignment

func copyBytes(dst, src uintptr, n uintptr) {
	if n == 0 {
		return
	}
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n)
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), n)
	copy(d, s)
}

func zeroBytes(ptr uintptr, n uintptr) {
	if n == 0 {
		return
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
	for i := range b {
		b[i] = 0
	}
}

func toPtr(addr uintptr) unsafe.Pointer {
	if addr == 0 {
		return nil
	}
	return unsafe.Pointer(addr)
}

func fromPtr(p unsafe.Pointer) uintptr { return uintptr(p) }

// --- Thread-bound API -------------------------------------------------

// Allocate returns a pointer to at least n bytes, aligned to
// AllocAlignment. A zero-byte request still returns a valid, releasable
// pointer. Returns nil on out-of-memory.
func (t *Thread) Allocate(n uintptr) unsafe.Pointer {
	return toPtr(t.ctx.allocate(t.handle, n))
}

// Release returns p (previously returned by Allocate/AllocateZeroed/
// Resize/AllocateAligned) to the allocator. Release(nil) is a no-op; a
// pointer this context does not recognize is silently ignored (spec.md §7
// InvalidFree).
func (t *Thread) Release(p unsafe.Pointer) {
	t.ctx.freeRaw(t.handle, fromPtr(p))
}

// AllocateZeroed allocates count*size bytes and zeroes them, following
// calloc's overflow-checked multiplication semantics.
func (t *Thread) AllocateZeroed(count, size uintptr) unsafe.Pointer {
	n, ok := mulOverflows(count, size)
	if !ok {
		diag.OutOfMemory(n)
		return nil
	}
	ptr := t.ctx.allocate(t.handle, n)
	if ptr == 0 {
		return nil
	}
	zeroBytes(ptr, n)
	return toPtr(ptr)
}

// Resize reallocates p to n bytes, copying min(old, n) bytes and
// preserving p unchanged when n already equals p's current usable size
// (spec.md §4.8 / §8's round-trip law). p == nil behaves as Allocate(n).
func (t *Thread) Resize(p unsafe.Pointer, n uintptr) unsafe.Pointer {
	return toPtr(t.ctx.resizeRaw(t.handle, fromPtr(p), n))
}

// AllocateAligned returns a pointer to at least n bytes whose address is a
// multiple of alignment (a power of two, at least AllocAlignment).
// Returns nil (and logs UnsupportedAlignment) if alignment is 0 or not a
// power of two.
func (t *Thread) AllocateAligned(alignment, n uintptr) unsafe.Pointer {
	return toPtr(t.ctx.allocateAligned(t.handle, alignment, n))
}

// SizeOf returns the usable size of p (>= the size originally requested),
// or 0 if p is nil or not recognized by this context.
func (t *Thread) SizeOf(p unsafe.Pointer) uintptr {
	return t.ctx.sizeOfRaw(fromPtr(p))
}

// DuplicateString allocates a copy of s (plus a trailing NUL byte) and
// returns a pointer to it, matching strdup's contract.
func (t *Thread) DuplicateString(s string) unsafe.Pointer {
	n := uintptr(len(s)) + 1
	ptr := t.ctx.allocate(t.handle, n)
	if ptr == 0 {
		return nil
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
	copy(b, s)
	b[len(s)] = 0
	return toPtr(ptr)
}

// --- Package-level (unregistered-thread) API ---------------------------
//
// These mirror the Thread methods above but always take the
// unregisteredHandle fallback path: correct from any goroutine, without
// requiring OnThreadStart, at the cost of skipping the TLAB fast path
// (SPEC_FULL.md §6's REDESIGN FLAG resolution).

// Allocate is the unregistered-thread equivalent of (*Thread).Allocate.
func Allocate(n uintptr) unsafe.Pointer {
	return toPtr(defaultContext().allocate(unregisteredHandle, n))
}

// Release is the unregistered-thread equivalent of (*Thread).Release.
func Release(p unsafe.Pointer) {
	defaultContext().freeRaw(unregisteredHandle, fromPtr(p))
}

// AllocateZeroed is the unregistered-thread equivalent of
// (*Thread).AllocateZeroed.
func AllocateZeroed(count, size uintptr) unsafe.Pointer {
	ctx := defaultContext()
	n, ok := mulOverflows(count, size)
	if !ok {
		diag.OutOfMemory(n)
		return nil
	}
	ptr := ctx.allocate(unregisteredHandle, n)
	if ptr == 0 {
		return nil
	}
	zeroBytes(ptr, n)
	return toPtr(ptr)
}

// Resize is the unregistered-thread equivalent of (*Thread).Resize.
func Resize(p unsafe.Pointer, n uintptr) unsafe.Pointer {
	return toPtr(defaultContext().resizeRaw(unregisteredHandle, fromPtr(p), n))
}

// AllocateAligned is the unregistered-thread equivalent of
// (*Thread).AllocateAligned.
func AllocateAligned(alignment, n uintptr) unsafe.Pointer {
	return toPtr(defaultContext().allocateAligned(unregisteredHandle, alignment, n))
}

// SizeOf is the unregistered-thread equivalent of (*Thread).SizeOf; safe
// to call regardless of which Thread (if any) originally allocated p.
func SizeOf(p unsafe.Pointer) uintptr {
	return defaultContext().sizeOfRaw(fromPtr(p))
}

// DuplicateString is the unregistered-thread equivalent of
// (*Thread).DuplicateString.
func DuplicateString(s string) unsafe.Pointer {
	ctx := defaultContext()
	n := uintptr(len(s)) + 1
	ptr := ctx.allocate(unregisteredHandle, n)
	if ptr == 0 {
		return nil
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
	copy(b, s)
	b[len(s)] = 0
	return toPtr(ptr)
}

// --- Shared helpers ------------------------------------------------------

// allocate is mallocRaw plus the zero-size rule: a 0-byte request is
// promoted to zeroSizeSentinel bytes so it still returns a valid,
// releasable, uniquely-sized pointer.
func (ctx *AllocatorContext) allocate(handle handleT, n uintptr) uintptr {
	if n == 0 {
		n = zeroSizeSentinel
	}
	return ctx.mallocRaw(handle, n)
}

// allocateAligned implements spec.md §4.8's aligned-allocation rule:
// over-allocate by `alignment` bytes, trim to the next boundary, and record
// an alignedHeader (hoard_bigobject.go) immediately before the trimmed
// pointer so Release/SizeOf can recover the real underlying block — except
// for alignments already satisfied by ordinary small-object allocation
// (every small-object slot is AllocAlignment-aligned already). Alignments at
// or above the superblock size defer straight to the page source rather
// than the registry, since a block that large would only round-trip
// through the big-object pool anyway.
func (ctx *AllocatorContext) allocateAligned(handle handleT, alignment, n uintptr) uintptr {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		diag.UnsupportedAlignment(alignment)
		return 0
	}
	if alignment <= AllocAlignment {
		return ctx.allocate(handle, n)
	}

	total := n + alignment + alignedHeaderSize
	var base uintptr
	var viaPageSource bool

	if alignment >= ctx.source.SuperblockSize() {
		addr, err := ctx.source.Map(total)
		if err != nil {
			diag.OutOfMemory(n)
			return 0
		}
		base = addr
		viaPageSource = true
	} else {
		base = ctx.mallocRaw(handle, total)
		if base == 0 {
			return 0
		}
	}

	payloadMin := base + alignedHeaderSize
	aligned := (payloadMin + alignment - 1) &^ (alignment - 1)

	h := (*alignedHeader)(unsafe.Pointer(aligned - alignedHeaderSize))
	h.magic = alignedHeaderMagic
	h.base = base
	h.block = total
	h.usable = (base + total) - aligned
	h.viaPageSource = viaPageSource

	return aligned
}

// mulOverflows computes count*size, reporting false if the product
// overflows uintptr (calloc's overflow-checked multiplication).
func mulOverflows(count, size uintptr) (uintptr, bool) {
	if count == 0 || size == 0 {
		return 0, true
	}
	n := count * size
	if n/count != size {
		return 0, false
	}
	return n, true
}
