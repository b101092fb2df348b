// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package hoard implements HoardGo: a scalable, multithreaded, manually
// managed allocator for off-heap memory, following the heap hierarchy of
// Emery Berger's Hoard allocator (per-thread buffers over a fixed pool of
// per-CPU heaps over a single global heap over the OS) rather than
// replacing Go's own garbage-collected heap. Use it when a program needs
// Hoard's scalability and fragmentation properties for memory it manages
// itself — arenas, serving buffers, shared memory for native interop —
// addressed via unsafe.Pointer/uintptr, the same way
// code.hybscloud.com/iobuf supplies pooled off-heap buffers without
// touching make/new.
package hoard

import (
	"math"
	"math/bits"
	"runtime"
	"runtime/debug"
	"unsafe"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/pbnjay/memory"
	"go.uber.org/automaxprocs/maxprocs"

	"code.hybscloud.com/hoardgo/internal/sizeclass"
)

// Config holds every compile-time constant spec.md §6 enumerates, as
// plain Go struct fields with documented defaults. There is no external
// config file format — like the teacher, HoardGo takes configuration as
// Go values.
type Config struct {
	// SuperblockSize is the fixed power-of-two size of every superblock;
	// payload mappings are aligned to this value.
	SuperblockSize uintptr
	// EmptinessBuckets is E, the number of non-empty/non-full emptiness
	// classes per size class (spec.md §3).
	EmptinessBuckets int
	// NumHeaps is the size of the per-CPU heap pool; must be a power of
	// two. Zero selects the GOMAXPROCS-derived default (see
	// defaultNumHeaps).
	NumHeaps int
	// LargestSmall is the largest request size cached by the TLAB and
	// routed through the per-CPU heap's superblock path; larger requests
	// take the big-object retention-pool path.
	LargestSmall uintptr
	// MaxCachedPerClass bounds the number of slots a TLAB may cache per
	// size class.
	MaxCachedPerClass int
	// MaxCachedBytesTotal bounds the total bytes a TLAB may cache across
	// all size classes.
	MaxCachedBytesTotal uintptr
	// BigObjectRetentionPercent bounds retained-but-idle big-object bytes
	// as a fraction of currently-live big-object bytes.
	BigObjectRetentionPercent float64
	// BigObjectRetentionFloorBytes is the minimum retention budget
	// regardless of how few bytes are currently live.
	BigObjectRetentionFloorBytes uintptr
	// Sizes is the size-class table for the small-object range. Nil
	// selects DefaultSizeClasses(LargestSmall).
	Sizes sizeclass.Table
}

// AllocAlignment is the alignment guaranteed for every pointer HoardGo
// returns, matching max_align_t on amd64/arm64 (spec.md §6).
const AllocAlignment = 16

// Default configuration constants (spec.md §6 / SPEC_FULL.md §6), mirrored
// as named constants so callers can reference them when building a custom
// Config.
const (
	DefaultSuperblockSize            = 256 * 1024
	DefaultEmptinessBuckets          = 8
	DefaultLargestSmall              = 32 * 1024
	DefaultMaxCachedPerClass         = 64
	DefaultMaxCachedBytesTotal       = 16 * 1024 * 1024
	DefaultBigObjectRetentionPercent = 0.25
	DefaultBigObjectRetentionFloor   = 1 * 1024 * 1024
)

// DefaultConfig returns the configuration HoardGo uses unless a caller
// supplies their own via NewContext.
func DefaultConfig() Config {
	return Config{
		SuperblockSize:               DefaultSuperblockSize,
		EmptinessBuckets:             DefaultEmptinessBuckets,
		NumHeaps:                     defaultNumHeaps(),
		LargestSmall:                 DefaultLargestSmall,
		MaxCachedPerClass:            DefaultMaxCachedPerClass,
		MaxCachedBytesTotal:          DefaultMaxCachedBytesTotal,
		BigObjectRetentionPercent:    DefaultBigObjectRetentionPercent,
		BigObjectRetentionFloorBytes: bigObjectFloor(),
	}
}

// defaultNumHeaps sizes NUM_HEAPS from the cgroup-aware GOMAXPROCS
// resolution (go.uber.org/automaxprocs), rounded up to a power of two, so
// the per-CPU heap pool tracks the container's real CPU allotment rather
// than a hardcoded 128 (SPEC_FULL.md §2.2).
func defaultNumHeaps() int {
	// maxprocs.Set adjusts runtime.GOMAXPROCS for the process as a side
	// effect (cgroup CPU quota aware); its undo function is discarded
	// because HoardGo wants the adjustment to persist for the process
	// lifetime, the same way any automaxprocs consumer calls Set once at
	// startup and never undoes it.
	_, _ = maxprocs.Set()

	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	p := 1 << bits.Len(uint(n-1))
	if p < 1 {
		p = 1
	}
	return p
}

// setMemLimitFromCgroup applies the process's cgroup memory limit (if any)
// to runtime/debug.SetMemoryLimit via automemlimit, so Go's own GC pacing
// and HoardGo's retention budget (bigObjectFloor, below) agree on the same
// ceiling rather than HoardGo hoarding bytes the runtime considers itself
// out of (SPEC_FULL.md §2.2).
func setMemLimitFromCgroup() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(0.9))
}

// bigObjectFloor picks BIG_OBJECT_RETENTION_FLOOR_BYTES proportionally to
// total system memory (via github.com/pbnjay/memory) when the compile-time
// default would be too large for a constrained host, clamped against
// whatever effective memory limit automemlimit has just applied (read back
// via debug.SetMemoryLimit(-1), which reports without mutating — the
// standard trick for observing the current limit).
func bigObjectFloor() uintptr {
	setMemLimitFromCgroup()

	floor := uintptr(DefaultBigObjectRetentionFloor)

	if total := memory.TotalMemory(); total > 0 {
		// Never let the floor exceed ~1% of total system memory.
		if cap := uintptr(total / 100); cap < floor {
			floor = cap
		}
	}

	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 {
		if cap := uintptr(limit / 100); cap < floor {
			floor = cap
		}
	}

	if floor == 0 {
		floor = 64 * 1024
	}
	return floor
}

// maxAlignT mirrors C's max_align_t: a type whose alignment is the
// platform's maximum natural alignment, used only to verify AllocAlignment
// against unsafe.Alignof (spec.md §4.8).
type maxAlignT struct {
	_ complex128
	_ uint64
}

func init() {
	if unsafe.Alignof(maxAlignT{}) > AllocAlignment {
		panic("hoard: AllocAlignment is smaller than max_align_t on this platform")
	}
}
