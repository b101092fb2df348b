// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package diag provides the allocator's only logging surface: a
// package-level, swappable logger reserved for non-hot-path events
// (context initialization, out-of-memory, best-effort invalid-free
// detection). The malloc/free fast paths never call into this package —
// logging on an allocation fast path is itself a correctness and
// performance hazard in an allocator meant to front every allocation in a
// process; only their failure branches (an out-of-memory return, an
// unrecognized pointer passed to free) do.
//
// Grounded on _examples/joeycumines-go-utilpkg/logiface (facade) and
// _examples/joeycumines-go-utilpkg/logiface-stumpy (the zero-allocation
// backend), matching SPEC_FULL.md §2.3's rationale for a facade over a
// hardwired log/slog call.
package diag

import (
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

var current atomic.Pointer[logiface.Logger[*stumpy.Event]]

func defaultLogger() *logiface.Logger[*stumpy.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(),
		stumpy.L.WithLevel(logiface.LevelDisabled),
	)
}

func init() {
	current.Store(defaultLogger())
}

// SetLogger installs l as the package-wide diagnostic logger. Passing nil
// restores the default no-op (LevelDisabled) logger. The root package does
// not re-export this setter, so code outside this module always runs with
// the no-op default.
func SetLogger(l *logiface.Logger[*stumpy.Event]) {
	if l == nil {
		l = defaultLogger()
	}
	current.Store(l)
}

func get() *logiface.Logger[*stumpy.Event] {
	return current.Load()
}

// ContextInit logs the one-time AllocatorContext construction: the
// resolved heap-pool size and configuration it was built with.
func ContextInit(numHeaps int, superblockSize, largestSmall uintptr) {
	get().Info().
		Int(`num_heaps`, numHeaps).
		Int64(`superblock_size`, int64(superblockSize)).
		Int64(`largest_small`, int64(largestSmall)).
		Log(`hoardgo: allocator context initialized`)
}

// OutOfMemory logs a page-source mapping failure surfaced as a nil return
// at the outermost boundary (spec.md §7's OutOfMemory).
func OutOfMemory(requested uintptr) {
	get().Warning().
		Int64(`requested_bytes`, int64(requested)).
		Log(`hoardgo: out of memory`)
}

// InvalidFree logs a best-effort detection of a release() call whose
// pointer does not normalize to any slot of a valid superblock or
// big-object header (spec.md §7's InvalidFree: silently dropped, never
// propagated, but worth a diagnostic trace).
func InvalidFree(ptr uintptr) {
	get().Warning().
		Uint64(`ptr`, uint64(ptr)).
		Log(`hoardgo: ignored invalid free`)
}

// UnsupportedAlignment logs a allocate_aligned() call whose alignment was
// zero or not a power of two (spec.md §7's UnsupportedAlignment).
func UnsupportedAlignment(alignment uintptr) {
	get().Warning().
		Uint64(`alignment`, uint64(alignment)).
		Log(`hoardgo: unsupported alignment requested`)
}
