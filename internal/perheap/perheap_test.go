// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package perheap

import (
	"testing"

	"code.hybscloud.com/hoardgo/internal/pagesource"
	"code.hybscloud.com/hoardgo/internal/sizeclass"
	"code.hybscloud.com/hoardgo/internal/superblock"
)

const testSuperblockSize = 1 << 16

func newTestHeap(t *testing.T, id superblock.OwnerID, parent Parent, threshold ThresholdFunc) *Heap {
	t.Helper()
	sizes := sizeclass.NewGeometric(16, 20, 4096)
	src := pagesource.New(testSuperblockSize)
	return New(id, sizes, 8, src, parent, threshold)
}

func TestMallocFreeRoundTrip(t *testing.T) {
	h := newTestHeap(t, superblock.OwnerID(0), nil, AlwaysFalse)

	p1, ok := h.Malloc(32)
	if !ok {
		t.Fatal("malloc failed")
	}
	p2, ok := h.Malloc(32)
	if !ok {
		t.Fatal("malloc failed")
	}
	if p1 == p2 {
		t.Fatal("expected distinct allocations")
	}

	sb := superblock.Of(p1, testSuperblockSize)
	if sb.Owner() != h.ID() {
		t.Fatalf("expected owner %v, got %v", h.ID(), sb.Owner())
	}

	h.Free(sb, sb.Normalize(p1))

	c := h.sizes.ClassOf(32)
	u, a := h.Stats(c)
	if a == 0 {
		t.Fatal("expected nonzero allocated after malloc")
	}
	if u != 1 {
		t.Fatalf("expected in-use 1 after one free of two allocations, got %d", u)
	}
}

func TestMigrationToParent(t *testing.T) {
	global := newTestHeap(t, superblock.GlobalOwner, nil, AlwaysFalse)
	threshold := NewThreshold(8, testSuperblockSize)
	child := newTestHeap(t, superblock.OwnerID(1), global, threshold)

	const sz = 32
	c := child.sizes.ClassOf(sz)
	realSize := child.sizes.MaxBytes(c)

	// Allocate until the bin holds three superblocks, then free every
	// object. The threshold's slack term (2*S/r objects) is larger than the
	// slot count of two superblocks, so it can only fire once the bin
	// allocated more than two. Each free pushes in-use down and should
	// eventually trip the migration threshold, handing the emptiest
	// superblock to the global heap.
	var ptrs []uintptr
	for {
		ptr, ok := child.Malloc(sz)
		if !ok {
			t.Fatal("malloc failed")
		}
		ptrs = append(ptrs, ptr)
		_, a := child.Stats(c)
		if uintptr(a) > 2*testSuperblockSize/realSize {
			break
		}
	}

	for _, p := range ptrs {
		sb := superblock.Of(p, testSuperblockSize)
		child.Free(sb, sb.Normalize(p))
	}

	_, globalAllocated := global.Stats(c)
	if globalAllocated == 0 {
		t.Fatal("expected an emptied superblock to migrate to the global heap")
	}
}

func TestGetDonatesEmptiestSuperblock(t *testing.T) {
	global := newTestHeap(t, superblock.GlobalOwner, nil, AlwaysFalse)

	const sz = 64
	addr, err := global.source.Map(global.source.SuperblockSize())
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	sb := superblock.Init(addr, global.source.SuperblockSize(), global.sizes.MaxBytes(global.sizes.ClassOf(sz)))
	global.Put(sb, sz)

	got := global.Get(sz, superblock.OwnerID(2))
	if got == nil {
		t.Fatal("expected a donated superblock")
	}
	if got.Owner() != superblock.OwnerID(2) {
		t.Fatalf("expected owner 2, got %v", got.Owner())
	}
}
