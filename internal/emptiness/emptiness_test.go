// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package emptiness

import (
	"testing"
	"unsafe"

	"code.hybscloud.com/hoardgo/internal/superblock"
)

// newTestSuperblock mirrors internal/superblock's own test helper: backs a
// superblock with a plain Go byte slice, hand-aligned, stable for the
// test's duration.
func newTestSuperblock(t *testing.T, superblockSize, objectSize uintptr) *superblock.Superblock {
	t.Helper()
	buf := make([]byte, superblockSize+superblockSize)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	aligned := (base + superblockSize - 1) &^ (superblockSize - 1)
	return superblock.Init(aligned, superblockSize, objectSize)
}

func TestFullnessBuckets(t *testing.T) {
	const objectSize = 16
	const classes = 4
	superblockSize := superblock.HeaderSize() + 8*objectSize
	sb := newTestSuperblock(t, superblockSize, objectSize)

	c := New(classes)
	if got := c.Fullness(sb); got != 0 {
		t.Fatalf("fresh superblock fullness = %d, want 0", got)
	}

	for range 8 {
		if _, ok := sb.Malloc(); !ok {
			t.Fatal("malloc failed before superblock should be full")
		}
	}
	if got := c.Fullness(sb); got != classes+1 {
		t.Fatalf("full superblock fullness = %d, want %d", got, classes+1)
	}
}

// E3 at the package level (spec.md §8): fullest-first Malloc should prefer
// a superblock that already has occupied slots over an emptier one.
func TestMallocPrefersFullestFirst(t *testing.T) {
	const objectSize = 16
	superblockSize := superblock.HeaderSize() + 4*objectSize
	emptySB := newTestSuperblock(t, superblockSize, objectSize)
	fullerSB := newTestSuperblock(t, superblockSize, objectSize)

	c := New(4)
	if _, ok := fullerSB.Malloc(); !ok {
		t.Fatal("priming malloc on fullerSB failed")
	}
	c.Put(emptySB)
	c.Put(fullerSB)

	ptr, ok := c.Malloc()
	if !ok {
		t.Fatal("Malloc() failed with two available superblocks")
	}
	if got := superblock.Of(ptr, superblockSize); got != fullerSB {
		t.Fatalf("Malloc() drew from %p, want fullest-first %p", got, fullerSB)
	}
}

func TestGetEmptyOnlyReturnsCompletelyEmpty(t *testing.T) {
	const objectSize = 16
	superblockSize := superblock.HeaderSize() + 4*objectSize
	sb := newTestSuperblock(t, superblockSize, objectSize)

	c := New(4)
	c.Put(sb)

	if got := c.GetEmpty(); got != sb {
		t.Fatalf("GetEmpty() = %p, want %p", got, sb)
	}
	if got := c.GetEmpty(); got != nil {
		t.Fatalf("GetEmpty() on empty classifier = %p, want nil", got)
	}
}

func TestFreeRefilesOnFullnessChange(t *testing.T) {
	const objectSize = 16
	const n = 8
	superblockSize := superblock.HeaderSize() + n*objectSize
	sb := newTestSuperblock(t, superblockSize, objectSize)

	c := New(4)
	ptrs := make([]uintptr, n)
	for i := range ptrs {
		p, ok := sb.Malloc()
		if !ok {
			t.Fatalf("malloc %d failed", i)
		}
		ptrs[i] = p
	}
	c.Put(sb)

	for i := 0; i < n-1; i++ {
		if _, becameEmpty := c.Free(ptrs[i], superblockSize); becameEmpty {
			t.Fatalf("superblock reported empty with one object still live (i=%d)", i)
		}
	}
	freed, becameEmpty := c.Free(ptrs[n-1], superblockSize)
	if freed != sb {
		t.Fatalf("Free returned %p, want %p", freed, sb)
	}
	if !becameEmpty {
		t.Fatal("expected superblock to become empty after last free")
	}
	if got := c.GetEmpty(); got != sb {
		t.Fatalf("expected the now-empty superblock to be filed in bucket 0, GetEmpty() = %p", got)
	}
}

func TestDrainDelayedFreesAcrossBuckets(t *testing.T) {
	const objectSize = 16
	const n = 8
	superblockSize := superblock.HeaderSize() + n*objectSize
	sb := newTestSuperblock(t, superblockSize, objectSize)

	c := New(4)
	ptrs := make([]uintptr, n)
	for i := range ptrs {
		p, ok := sb.Malloc()
		if !ok {
			t.Fatalf("malloc %d failed", i)
		}
		ptrs[i] = p
	}
	c.Put(sb)

	for _, p := range ptrs {
		sb.PushDelayed(sb.Normalize(p))
	}

	drained := c.DrainDelayedFrees()
	if drained != n {
		t.Fatalf("DrainDelayedFrees() = %d, want %d", drained, n)
	}
	if got := c.GetEmpty(); got != sb {
		t.Fatal("expected the fully-drained superblock to be re-filed in bucket 0")
	}
}

func TestRemoveSuperblock(t *testing.T) {
	const objectSize = 16
	superblockSize := superblock.HeaderSize() + 4*objectSize
	sb := newTestSuperblock(t, superblockSize, objectSize)

	c := New(4)
	c.Put(sb)

	if !c.RemoveSuperblock(sb) {
		t.Fatal("RemoveSuperblock() returned false for a filed superblock")
	}
	if c.RemoveSuperblock(sb) {
		t.Fatal("RemoveSuperblock() returned true for an already-removed superblock")
	}
}
