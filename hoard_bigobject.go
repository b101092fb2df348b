// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hoard

import (
	"unsafe"

	"code.hybscloud.com/hoardgo/internal/superblock"
)

// alignedHeader is placed immediately before every pointer returned by
// allocateAligned's over-allocate-and-trim path (hoard_ansi.go), recording
// enough to recover the true underlying block on Release/SizeOf: the
// returned pointer is rarely the block's own base address, so it can't be
// recognized by the ordinary small/big-object paths. Grounded on the same
// header-before-payload shape as internal/bigobject's header, with its own
// magic so the two are never confused.
type alignedHeader struct {
	magic         uintptr
	base          uintptr // address Release must hand back to its origin
	block         uintptr // size of the underlying allocation at base
	usable        uintptr // bytes available from the returned pointer to the end of block
	viaPageSource bool    // true if base came from the page source directly, not mallocRaw
}

const alignedHeaderMagic = uintptr(0xa11c7ed0)

var alignedHeaderSize = unsafe.Sizeof(alignedHeader{})

// headerAtAligned reinterprets the alignedHeader immediately before ptr.
// Returns nil if the magic number does not validate.
func headerAtAligned(ptr uintptr) *alignedHeader {
	h := (*alignedHeader)(unsafe.Pointer(ptr - alignedHeaderSize))
	if h.magic != alignedHeaderMagic {
		return nil
	}
	return h
}

// smallSizeOf returns the usable size of ptr along the small-object path:
// bitmask ptr to its superblock, validate the header, and return the
// remaining bytes to the end of its slot. Returns 0 if ptr does not
// normalize to a valid superblock (spec.md §7: size_of of an unowned
// pointer is 0).
func (ctx *AllocatorContext) smallSizeOf(ptr uintptr) uintptr {
	sb := superblock.Of(ptr, ctx.source.SuperblockSize())
	if !sb.IsValid() {
		return 0
	}
	return sb.SizeOf(ptr)
}

// resizeRaw implements the ANSI wrapper's resize (§4.8) at the
// AllocatorContext level: allocate a new block of sz bytes, copy
// min(old, sz) bytes from ptr, release ptr. The old size is resolved via
// sizeOfRaw so this works whether ptr came from the small-object or
// big-object path; a pointer this context doesn't recognize (spec.md §7's
// InvalidResize) is treated as a fresh allocation with nothing to copy.
func (ctx *AllocatorContext) resizeRaw(handle handleT, ptr uintptr, sz uintptr) uintptr {
	oldSize := ctx.sizeOfRaw(ptr)
	if ptr != 0 && oldSize == sz {
		return ptr
	}

	newPtr := ctx.mallocRaw(handle, sz)
	if newPtr == 0 {
		return 0
	}

	if ptr != 0 && oldSize > 0 {
		n := oldSize
		if sz < n {
			n = sz
		}
		copyBytes(newPtr, ptr, n)
	}

	ctx.freeRaw(handle, ptr)
	return newPtr
}
