// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package superblock

import (
	"sync"
	"testing"
	"unsafe"
)

// newTestSuperblock backs a superblock with a plain Go byte slice, aligned
// by hand. Fine for unit tests: the slice is heap-allocated and never
// resized, so its address is stable for the test's duration.
func newTestSuperblock(t *testing.T, superblockSize, objectSize uintptr) *Superblock {
	t.Helper()
	buf := make([]byte, superblockSize+superblockSize)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	aligned := (base + superblockSize - 1) &^ (superblockSize - 1)
	return Init(aligned, superblockSize, objectSize)
}

func TestMallocFreeLIFOReuse(t *testing.T) {
	const objectSize = 16
	superblockSize := HeaderSize() + 2*objectSize
	sb := newTestSuperblock(t, superblockSize, objectSize)

	p1, ok := sb.Malloc()
	if !ok {
		t.Fatal("malloc 1 failed")
	}
	p2, ok := sb.Malloc()
	if !ok {
		t.Fatal("malloc 2 failed")
	}
	if _, ok := sb.Malloc(); ok {
		t.Fatal("expected superblock to be exhausted after 2 slots")
	}

	sb.FreeLocal(sb.Normalize(p1))
	p3, ok := sb.Malloc()
	if !ok {
		t.Fatal("malloc 3 failed")
	}
	if p3 != p1 {
		t.Fatalf("expected LIFO free-list reuse: p3=%#x want %#x", p3, p1)
	}

	if becameEmpty := sb.FreeLocal(sb.Normalize(p2)); becameEmpty {
		t.Fatal("superblock should not be empty: p3 still live")
	}
	if becameEmpty := sb.FreeLocal(sb.Normalize(p3)); !becameEmpty {
		t.Fatal("expected superblock to become empty")
	}
	if sb.FreeSlots() != sb.TotalSlots() {
		t.Fatal("expected full reset to FRESH after last free")
	}
}

func TestDelayedFreeDrain(t *testing.T) {
	const objectSize = 16
	const n = 200
	superblockSize := HeaderSize() + n*objectSize
	sb := newTestSuperblock(t, superblockSize, objectSize)

	ptrs := make([]uintptr, n)
	for i := range ptrs {
		p, ok := sb.Malloc()
		if !ok {
			t.Fatalf("malloc %d failed", i)
		}
		ptrs[i] = p
	}

	var wg sync.WaitGroup
	for _, p := range ptrs {
		wg.Add(1)
		go func(p uintptr) {
			defer wg.Done()
			sb.PushDelayed(sb.Normalize(p))
		}(p)
	}
	wg.Wait()

	if !sb.HasDelayedFrees() {
		t.Fatal("expected delayed frees to be visible before drain")
	}
	if drained := sb.DrainDelayed(); drained != n {
		t.Fatalf("drained %d slots, want %d", drained, n)
	}
	if sb.FreeSlots() != sb.TotalSlots() {
		t.Fatal("expected all slots free after drain")
	}
	if sb.HasDelayedFrees() {
		t.Fatal("expected no delayed frees remaining after drain")
	}
}

func TestOfLocatesOwningHeader(t *testing.T) {
	const objectSize = 32
	const superblockSize = uintptr(1 << 16)
	sb := newTestSuperblock(t, superblockSize, objectSize)

	if !sb.IsValid() {
		t.Fatal("expected freshly initialized header to be valid")
	}

	p, ok := sb.Malloc()
	if !ok {
		t.Fatal("malloc failed")
	}
	if got := Of(p, superblockSize); got != sb {
		t.Fatalf("Of(%#x) = %p, want %p", p, got, sb)
	}
	if !sb.InRange(p) {
		t.Fatal("expected allocated pointer to be in range")
	}
	if sb.SizeOf(p) != objectSize {
		t.Fatalf("SizeOf = %d, want %d", sb.SizeOf(p), objectSize)
	}
}

func TestOwnerTag(t *testing.T) {
	const objectSize = 16
	superblockSize := HeaderSize() + 4*objectSize
	sb := newTestSuperblock(t, superblockSize, objectSize)

	if sb.Owner() != NoOwner {
		t.Fatalf("expected NoOwner on init, got %d", sb.Owner())
	}
	sb.SetOwner(GlobalOwner)
	if sb.Owner() != GlobalOwner {
		t.Fatalf("expected GlobalOwner, got %d", sb.Owner())
	}

	if !sb.TransferOwner(GlobalOwner, OwnerID(1)) {
		t.Fatal("expected TransferOwner to succeed from the matching owner")
	}
	if sb.Owner() != OwnerID(1) {
		t.Fatalf("expected owner 1 after transfer, got %d", sb.Owner())
	}
	if sb.TransferOwner(GlobalOwner, OwnerID(2)) {
		t.Fatal("expected TransferOwner to fail against a stale owner")
	}
}
