// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sizeclass implements the compile-time size-class table that maps
// an allocation request to a representative class: a finite, monotone,
// total mapping from request sizes to a small number of classes, as
// required by the allocator's superblock design (one object size per
// superblock).
//
// Two admissible constructions are provided, grounded on
// _examples/original_source/src/include/hoard/geometricsizeclass.h
// (geometric) and hayabusa-cloud-iobuf/buffers.go's power-of-four tier
// table (power-of-two here, generalized to an arbitrary base).
package sizeclass

import "sort"

// Table maps request sizes to a finite set of size classes. The mapping is
// total (every size up to MaxBytes(NumClasses()-1) has a class), monotone
// (class(s) is non-decreasing in s), and round-trips
// (ClassOf(MaxBytes(i)) == i).
type Table interface {
	// ClassOf returns the smallest class whose MaxBytes is >= size.
	// Panics if size exceeds the table's largest class.
	ClassOf(size uintptr) int

	// MaxBytes returns the representative (maximum servable) size for
	// the given class.
	MaxBytes(class int) uintptr

	// NumClasses returns the number of classes in the table.
	NumClasses() int
}

type table struct {
	sizes []uintptr
}

func (t *table) ClassOf(size uintptr) int {
	// Binary search for the first class whose size is >= the request,
	// mirroring GeometricSizeClass::size2class's binary search.
	i := sort.Search(len(t.sizes), func(i int) bool { return t.sizes[i] >= size })
	if i == len(t.sizes) {
		panic("sizeclass: size exceeds largest class")
	}
	return i
}

func (t *table) MaxBytes(class int) uintptr {
	return t.sizes[class]
}

func (t *table) NumClasses() int {
	return len(t.sizes)
}

// NewPowerOfTwo builds a table whose classes are consecutive powers of two
// starting at minAlign (which must itself be a power of two — the
// platform's maximum natural alignment, per spec) and ending at the first
// power of two >= maxObjectSize.
func NewPowerOfTwo(minAlign, maxObjectSize uintptr) Table {
	if minAlign == 0 || minAlign&(minAlign-1) != 0 {
		panic("sizeclass: minAlign must be a power of two")
	}
	var sizes []uintptr
	for sz := minAlign; ; sz <<= 1 {
		sizes = append(sizes, sz)
		if sz >= maxObjectSize {
			break
		}
	}
	return &table{sizes: sizes}
}

// NewGeometric builds a table whose classes grow geometrically by a factor
// of (1 + maxOverheadPercent/100), each rounded down to a multiple of
// alignment, stopping once a class would exceed maxObjectSize. This is the
// Go transliteration of GeometricSizeClass::createTable: repeatedly grow the
// current size by the overhead ratio, round down to alignment, and bump by
// one alignment unit at a time until the growth ratio is restored (rounding
// down can undershoot the target ratio for small sizes).
func NewGeometric(alignment uintptr, maxOverheadPercent int, maxObjectSize uintptr) Table {
	if alignment == 0 {
		panic("sizeclass: alignment must be non-zero")
	}
	base := 1.0 + float64(maxOverheadPercent)/100.0
	var sizes []uintptr
	sz := alignment
	for {
		sizes = append(sizes, sz)
		if sz >= maxObjectSize {
			break
		}
		newSz := uintptr(float64(sz) * base)
		newSz -= newSz % alignment
		for float64(newSz)/float64(sz) < base {
			newSz += alignment
		}
		if newSz <= sz {
			// Guard against a degenerate (zero overhead, tiny alignment)
			// configuration stalling forever.
			newSz = sz + alignment
		}
		sz = newSz
	}
	return &table{sizes: sizes}
}

// Default construction parameters, matching Hoard's own defaults in
// geometricsizeclass.h (20% max internal fragmentation, 16-byte alignment).
const (
	DefaultMaxOverheadPercent = 20
	DefaultAlignment          = 16
)

// DefaultSizeClasses returns the geometric table HoardGo uses unless a
// caller supplies a custom Table via Config, bounded to the small-object
// range (requests above maxSmall route through the big-object path instead
// of a superblock size class).
func DefaultSizeClasses(maxSmall uintptr) Table {
	return NewGeometric(DefaultAlignment, DefaultMaxOverheadPercent, maxSmall)
}
