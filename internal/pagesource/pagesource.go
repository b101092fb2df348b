// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pagesource implements the aligned page source: the only
// component that talks to the operating system. It produces byte ranges
// whose base address is aligned to the superblock size and whose length is
// a positive multiple of the OS page size, per spec.md §4.1.
package pagesource

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrOutOfMemory is returned when the OS cannot satisfy a mapping request.
var ErrOutOfMemory = errors.New("pagesource: out of memory")

// Source produces superblockSize-aligned mappings.
type Source struct {
	superblockSize uintptr
	pageSize       uintptr
}

// New returns a Source that aligns mappings to superblockSize, which must
// be a power of two.
func New(superblockSize uintptr) *Source {
	if superblockSize == 0 || superblockSize&(superblockSize-1) != 0 {
		panic("pagesource: superblockSize must be a power of two")
	}
	return &Source{
		superblockSize: superblockSize,
		pageSize:       uintptr(unix.Getpagesize()),
	}
}

func roundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// Map allocates at least n bytes, rounded up to the page size, with the
// returned base address aligned to the Source's superblock size. It always
// maps one superblock more than needed and returns the unaligned head and
// the leftover tail to the OS, so the range it keeps carries no slack
// (spec.md §4.1).
func (s *Source) Map(n uintptr) (uintptr, error) {
	length := roundUp(n, s.pageSize)
	S := s.superblockSize

	full, err := unix.Mmap(-1, 0, int(length+S),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, ErrOutOfMemory
	}

	base := uintptr(unsafe.Pointer(unsafe.SliceData(full)))
	alignedBase := roundUp(base, S)
	headSlack := alignedBase - base
	tailSlack := uintptr(len(full)) - headSlack - length

	if headSlack > 0 {
		_ = unix.Munmap(full[:headSlack])
	}
	if tailSlack > 0 {
		_ = unix.Munmap(full[headSlack+length:])
	}

	return alignedBase, nil
}

// Unmap releases a range previously returned by Map. n must match the size
// originally requested (it is rounded up to the page size the same way).
func (s *Source) Unmap(ptr uintptr, n uintptr) {
	length := roundUp(n, s.pageSize)
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), length)
	_ = unix.Munmap(b)
}

// PageSize returns the OS page size this Source rounds lengths to.
func (s *Source) PageSize() uintptr {
	return s.pageSize
}

// SuperblockSize returns the alignment this Source guarantees for Map's
// returned base address.
func (s *Source) SuperblockSize() uintptr {
	return s.superblockSize
}
