// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package emptiness implements the emptiness classifier: E+2 doubly-linked
// buckets of superblocks, bucketed by how full they are, that drive
// fullest-first allocation and emptiest-first reclaim.
//
// Grounded on _examples/original_source/src/include/hoard/emptyclass.h
// (EmptyClass<SuperblockType, EmptinessClasses>). Not safe for concurrent
// use by itself — every exported method here is called while the owning
// heap's bin lock (internal/perheap, internal/globalheap) is held.
package emptiness

import "code.hybscloud.com/hoardgo/internal/superblock"

// Classifier buckets superblocks of a single size class by fullness. Bucket
// 0 holds completely empty superblocks; bucket classes+1 holds completely
// full ones; the classes in between partition the rest linearly by
// occupied-fraction.
type Classifier struct {
	buckets []*superblock.Superblock
	classes int
}

// New returns a Classifier with the given number of emptiness classes
// (Hoard's EmptinessClasses template parameter; spec.md calls this E).
func New(classes int) *Classifier {
	if classes < 1 {
		panic("emptiness: classes must be >= 1")
	}
	return &Classifier{buckets: make([]*superblock.Superblock, classes+2), classes: classes}
}

// Fullness computes which bucket a superblock currently belongs in:
// completely empty maps to 0; otherwise 1 + floor(classes*(total-free)/total).
func (c *Classifier) Fullness(s *superblock.Superblock) int {
	total := uint64(s.TotalSlots())
	free := uint64(s.FreeSlots())
	if total == free {
		return 0
	}
	return 1 + int(uint64(c.classes)*(total-free)/total)
}

// Put files a superblock under its current fullness bucket, at the head of
// that bucket's list (LIFO, matching Hoard's insertion order).
func (c *Classifier) Put(s *superblock.Superblock) {
	cl := c.Fullness(s)
	s.SetPrev(nil)
	s.SetNext(c.buckets[cl])
	if c.buckets[cl] != nil {
		c.buckets[cl].SetPrev(s)
	}
	c.buckets[cl] = s
}

// unlink removes s from bucket cl's list. s's own prev/next must still
// reflect its current position in that list.
func (c *Classifier) unlink(s *superblock.Superblock, cl int) {
	prev, next := s.Prev(), s.Next()
	if prev != nil {
		prev.SetNext(next)
	}
	if next != nil {
		next.SetPrev(prev)
	}
	if c.buckets[cl] == s {
		c.buckets[cl] = next
	}
	s.SetPrev(nil)
	s.SetNext(nil)
}

func (c *Classifier) transfer(s *superblock.Superblock, oldCl, newCl int) {
	c.unlink(s, oldCl)
	s.SetNext(c.buckets[newCl])
	s.SetPrev(nil)
	if c.buckets[newCl] != nil {
		c.buckets[newCl].SetPrev(s)
	}
	c.buckets[newCl] = s
}

// GetEmpty removes and returns a completely empty superblock, or nil if
// none is available. Used by a heap's malloc slow path to reuse an empty
// superblock it already owns before asking its parent or the page source.
func (c *Classifier) GetEmpty() *superblock.Superblock {
	s := c.buckets[0]
	if s != nil && s.FreeSlots() == s.TotalSlots() {
		c.unlink(s, 0)
		return s
	}
	return nil
}

// Get removes and returns the emptiest available superblock, scanning from
// bucket 0 upward. A superblock is re-homed if its fullness has drifted
// since it was last filed (lazy requeue), matching EmptyClass::get.
func (c *Classifier) Get() *superblock.Superblock {
	for n := 0; n <= c.classes; n++ {
		s := c.buckets[n]
		for s != nil {
			c.unlink(s, n)
			if cl := c.Fullness(s); cl > n {
				c.Put(s)
				s = c.buckets[n]
				continue
			}
			return s
		}
	}
	return nil
}

// Malloc allocates one slot from the fullest non-full superblock available,
// maximizing the chance that some other superblock becomes empty sooner
// (spec.md §4.3's fullest-first policy).
func (c *Classifier) Malloc() (uintptr, bool) {
	for i := c.classes; i >= 0; i-- {
		s := c.buckets[i]
		if s == nil {
			continue
		}
		oldCl := c.Fullness(s)
		ptr, ok := s.Malloc()
		if !ok {
			continue
		}
		if newCl := c.Fullness(s); newCl != oldCl {
			c.transfer(s, oldCl, newCl)
		}
		return ptr, true
	}
	return 0, false
}

// Free returns ptr to its owning superblock (located by bit-masking against
// superblockSize) and re-files that superblock if its fullness changed. It
// reports the superblock freed into and whether it became completely empty.
func (c *Classifier) Free(ptr uintptr, superblockSize uintptr) (freed *superblock.Superblock, becameEmpty bool) {
	s := superblock.Of(ptr, superblockSize)
	oldCl := c.Fullness(s)
	becameEmpty = s.FreeLocal(s.Normalize(ptr))
	if newCl := c.Fullness(s); newCl != oldCl {
		c.transfer(s, oldCl, newCl)
	}
	return s, becameEmpty
}

// RemoveSuperblock unlinks s from whichever bucket currently holds it,
// reporting whether it was found. Used when transferring ownership of a
// superblock to another heap.
func (c *Classifier) RemoveSuperblock(s *superblock.Superblock) bool {
	cl := c.Fullness(s)
	for cur := c.buckets[cl]; cur != nil; cur = cur.Next() {
		if cur == s {
			c.unlink(s, cl)
			return true
		}
	}
	return false
}

// DrainDelayedFrees walks every bucket from fullest to emptiest, draining
// any cross-thread delayed frees pending on each superblock and re-filing
// it if its fullness changed. It returns the total number of slots
// reclaimed, which the caller (internal/perheap, internal/globalheap)
// subtracts from its own in-use counter.
func (c *Classifier) DrainDelayedFrees() int {
	total := 0
	for i := c.classes + 1; i >= 0; i-- {
		s := c.buckets[i]
		for s != nil {
			next := s.Next()
			if s.HasDelayedFrees() {
				oldCl := c.Fullness(s)
				if freed := s.DrainDelayed(); freed > 0 {
					total += freed
					if newCl := c.Fullness(s); newCl != oldCl {
						c.transfer(s, oldCl, newCl)
					}
				}
			}
			s = next
		}
	}
	return total
}
