// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package globalheap

import (
	"testing"

	"code.hybscloud.com/hoardgo/internal/pagesource"
	"code.hybscloud.com/hoardgo/internal/sizeclass"
	"code.hybscloud.com/hoardgo/internal/superblock"
)

func TestGlobalHeapNeverMigratesOut(t *testing.T) {
	const superblockSize = 1 << 16
	sizes := sizeclass.NewGeometric(16, 20, 4096)
	src := pagesource.New(superblockSize)
	g := New(sizes, 8, src)

	if g.ID() != superblock.GlobalOwner {
		t.Fatalf("expected GlobalOwner id, got %v", g.ID())
	}

	ptr, ok := g.Malloc(48)
	if !ok {
		t.Fatal("malloc failed")
	}
	sb := superblock.Of(ptr, superblockSize)
	g.Free(sb, sb.Normalize(ptr))

	// A heap with AlwaysFalse threshold and a nil parent must never
	// migrate. If the threshold fired, slowPathFree would still pull the
	// superblock out of the bin (skipping the hand-off, since the parent is
	// nil) and allocated would drop to 0, which the check below catches.
	c := sizes.ClassOf(48)
	if _, a := g.Stats(c); a == 0 {
		t.Fatal("expected the global heap to retain its allocated superblock")
	}
}
