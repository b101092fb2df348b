// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tlab

import (
	"testing"

	"code.hybscloud.com/hoardgo/internal/pagesource"
	"code.hybscloud.com/hoardgo/internal/perheap"
	"code.hybscloud.com/hoardgo/internal/sizeclass"
	"code.hybscloud.com/hoardgo/internal/superblock"
)

const testSuperblockSize = 1 << 16

func newTestBuffer(t *testing.T) (*Buffer, *perheap.Heap) {
	t.Helper()
	sizes := sizeclass.NewGeometric(16, 20, 4096)
	src := pagesource.New(testSuperblockSize)
	h := perheap.New(superblock.OwnerID(0), sizes, 8, src, nil, perheap.AlwaysFalse)
	return New(h, 512, 32, 16<<20), h
}

func TestMallocFreeCachesLocally(t *testing.T) {
	buf, _ := newTestBuffer(t)

	p1, err := buf.Malloc(32)
	if err != nil {
		t.Fatalf("malloc: %v", err)
	}
	if !buf.Free(p1, testSuperblockSize) {
		t.Fatal("expected local free to be handled by the TLAB")
	}
	if buf.CachedBytes() == 0 {
		t.Fatal("expected the freed slot to be cached")
	}

	p2, err := buf.Malloc(32)
	if err != nil {
		t.Fatalf("malloc: %v", err)
	}
	if p2 != p1 {
		t.Fatalf("expected cache reuse: p2=%#x want %#x", p2, p1)
	}
}

func TestMallocAboveLargestSmallRejected(t *testing.T) {
	buf, _ := newTestBuffer(t)
	if _, err := buf.Malloc(4096); err != ErrTooLarge {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestFreeForeignOwnerNotHandled(t *testing.T) {
	buf, h := newTestBuffer(t)

	other := perheap.New(superblock.OwnerID(1), h.Sizes(), 8, pagesource.New(testSuperblockSize), nil, perheap.AlwaysFalse)
	ptr, ok := other.Malloc(32)
	if !ok {
		t.Fatal("malloc on other heap failed")
	}

	if buf.Free(ptr, testSuperblockSize) {
		t.Fatal("expected cross-owner free to be rejected by the TLAB")
	}
}

func TestClearFlushesAndDrains(t *testing.T) {
	buf, _ := newTestBuffer(t)

	for i := 0; i < 10; i++ {
		p, err := buf.Malloc(32)
		if err != nil {
			t.Fatalf("malloc: %v", err)
		}
		buf.Free(p, testSuperblockSize)
	}
	if buf.CachedBytes() == 0 {
		t.Fatal("expected some bytes cached before Clear")
	}

	buf.Clear()
	if buf.CachedBytes() != 0 {
		t.Fatalf("expected CachedBytes to be 0 after Clear, got %d", buf.CachedBytes())
	}
}

func TestFlushOnPerClassCapExceeded(t *testing.T) {
	sizes := sizeclass.NewGeometric(16, 20, 4096)
	src := pagesource.New(testSuperblockSize)
	h := perheap.New(superblock.OwnerID(0), sizes, 8, src, nil, perheap.AlwaysFalse)
	buf := New(h, 512, 4, 16<<20) // maxPerClass = 4

	var ptrs []uintptr
	for i := 0; i < 5; i++ {
		p, err := buf.Malloc(32)
		if err != nil {
			t.Fatalf("malloc: %v", err)
		}
		ptrs = append(ptrs, p)
	}
	// The 5th free pushes this class's cached count to 5, over
	// maxPerClass (4), triggering a flush back to the heap.
	for _, p := range ptrs {
		buf.Free(p, testSuperblockSize)
	}

	if buf.CachedBytes() != 0 {
		t.Fatalf("expected flush to empty the cache, got %d bytes cached", buf.CachedBytes())
	}
}
