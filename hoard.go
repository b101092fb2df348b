// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hoard

import (
	"sync"

	"code.hybscloud.com/hoardgo/internal/bigobject"
	"code.hybscloud.com/hoardgo/internal/diag"
	"code.hybscloud.com/hoardgo/internal/globalheap"
	"code.hybscloud.com/hoardgo/internal/pagesource"
	"code.hybscloud.com/hoardgo/internal/sizeclass"
	"code.hybscloud.com/hoardgo/internal/threadreg"
)

// AllocatorContext is the single process-wide instance of the heap
// hierarchy: one aligned page source, one global heap, one big-object
// retention pool, and the thread registry that owns the per-CPU heap pool
// and free-path routing. Spec.md §9 calls for exactly this: a single
// struct modeling every process-lifetime singleton, constructed eagerly to
// avoid lock-safety problems at first allocation, rather than scattered
// globals.
type AllocatorContext struct {
	cfg      Config
	source   *pagesource.Source
	registry *threadreg.Registry
	big      *bigobject.Pool
}

// NewContext builds a fresh AllocatorContext from cfg, filling in any
// zero-valued fields from DefaultConfig.
func NewContext(cfg Config) *AllocatorContext {
	def := DefaultConfig()
	if cfg.SuperblockSize == 0 {
		cfg.SuperblockSize = def.SuperblockSize
	}
	if cfg.EmptinessBuckets == 0 {
		cfg.EmptinessBuckets = def.EmptinessBuckets
	}
	if cfg.NumHeaps == 0 {
		cfg.NumHeaps = def.NumHeaps
	}
	if cfg.LargestSmall == 0 {
		cfg.LargestSmall = def.LargestSmall
	}
	if cfg.MaxCachedPerClass == 0 {
		cfg.MaxCachedPerClass = def.MaxCachedPerClass
	}
	if cfg.MaxCachedBytesTotal == 0 {
		cfg.MaxCachedBytesTotal = def.MaxCachedBytesTotal
	}
	if cfg.BigObjectRetentionPercent == 0 {
		cfg.BigObjectRetentionPercent = def.BigObjectRetentionPercent
	}
	if cfg.BigObjectRetentionFloorBytes == 0 {
		cfg.BigObjectRetentionFloorBytes = def.BigObjectRetentionFloorBytes
	}
	if cfg.Sizes == nil {
		cfg.Sizes = sizeclass.DefaultSizeClasses(cfg.LargestSmall)
	}

	source := pagesource.New(cfg.SuperblockSize)
	global := globalheap.New(cfg.Sizes, cfg.EmptinessBuckets, source)

	bigSizes := sizeclass.NewGeometric(cfg.LargestSmall, sizeclass.DefaultMaxOverheadPercent, maxBigObjectClass)
	big := bigobject.New(source, bigSizes, cfg.BigObjectRetentionPercent, cfg.BigObjectRetentionFloorBytes)

	registry := threadreg.New(
		threadreg.Config{
			LargestSmall:        cfg.LargestSmall,
			MaxCachedPerClass:   cfg.MaxCachedPerClass,
			MaxCachedBytesTotal: cfg.MaxCachedBytesTotal,
		},
		cfg.Sizes, cfg.EmptinessBuckets, source, global, big, cfg.NumHeaps,
	)

	diag.ContextInit(cfg.NumHeaps, cfg.SuperblockSize, cfg.LargestSmall)

	return &AllocatorContext{
		cfg:      cfg,
		source:   source,
		registry: registry,
		big:      big,
	}
}

// maxBigObjectClass bounds the big-object pool's retention-cache size-class
// table; a single request larger than this still succeeds (pagesource.Map
// has no upper bound), it just bypasses the retention cache entirely —
// mapped and unmapped directly on every call, since the cache's per-class
// free lists assume uniformly sized blocks, an invariant an arbitrarily
// large oversize request would break.
const maxBigObjectClass = 64 * 1024 * 1024

var (
	defaultOnce sync.Once
	defaultCtx  *AllocatorContext
)

// defaultContext returns the package-level, lazily-built default
// AllocatorContext used by every top-level function in this package
// (Allocate, Release, ...). Built once, per spec.md §9.
func defaultContext() *AllocatorContext {
	defaultOnce.Do(func() {
		defaultCtx = NewContext(DefaultConfig())
	})
	return defaultCtx
}

// handleT is the concrete type backing Thread's binding to the thread
// registry; aliased so hoard_bigobject.go doesn't need to import
// internal/threadreg itself.
type handleT = threadreg.Handle

// unregisteredHandle is never assigned by threadreg.Registry.OnThreadStart
// (handles start at 1), so every package-level function below (Allocate,
// Release, ...) that passes it reliably takes the "goroutine never
// registered" fallback path through the global heap — the REDESIGN FLAG
// resolution SPEC_FULL.md §6/§7 documents for Go's lack of a stable
// OS-thread identity.
const unregisteredHandle handleT = 0

// Thread is a goroutine's binding to one per-CPU heap, obtained from
// OnThreadStart. Go has no stable OS-thread identity to hang this off of
// implicitly (unlike Hoard's pthread TLS destructors), so HoardGo makes
// the binding an explicit value the caller holds — the idiomatic Go
// realization of spec.md §4.7's thread-to-heap mapping, in place of a
// hidden, interposed thread-local slot.
type Thread struct {
	ctx    *AllocatorContext
	handle handleT
}

// OnThreadStart registers the calling goroutine with ctx's thread registry,
// assigning it a per-CPU heap and a TLAB. Call Close (or OnThreadExit(t))
// when the goroutine is done allocating. Used directly by callers holding
// their own AllocatorContext (from NewContext); the package-level
// OnThreadStart below is the common case of binding against the default,
// lazily-built context.
func (ctx *AllocatorContext) OnThreadStart() *Thread {
	return &Thread{ctx: ctx, handle: ctx.registry.OnThreadStart()}
}

// OnThreadStart registers the calling goroutine with the default context's
// thread registry, assigning it a per-CPU heap and a TLAB. Call Close (or
// OnThreadExit(t)) when the goroutine is done allocating. Goroutines that
// never call this still allocate correctly through the package-level
// Allocate/Release/... functions; they simply take the slower,
// always-correct path directly against the global heap.
func OnThreadStart() *Thread {
	return defaultContext().OnThreadStart()
}

// OnThreadExit flushes t's TLAB back to its per-CPU heap and releases its
// heap assignment. Equivalent to t.Close().
func OnThreadExit(t *Thread) { t.Close() }

// Close flushes t's TLAB and releases its heap assignment. Safe to call
// at most once.
func (t *Thread) Close() { t.ctx.registry.OnThreadExit(t.handle) }

// mallocRaw is the core allocation path shared by every ANSI-wrapper entry
// point in hoard_ansi.go: route sz bytes through the thread registry,
// returning 0 on OOM.
func (ctx *AllocatorContext) mallocRaw(handle threadreg.Handle, sz uintptr) uintptr {
	ptr, ok := ctx.registry.Malloc(handle, sz)
	if !ok {
		diag.OutOfMemory(sz)
		return 0
	}
	return ptr
}

// freeRaw is the core release path: checks the aligned-block header first
// (allocateAligned's over-allocate-and-trim path returns a pointer neither
// the registry nor the big-object pool can recognize directly), then routes
// everything else through the thread registry's free-path algorithm
// (spec.md §4.7).
func (ctx *AllocatorContext) freeRaw(handle threadreg.Handle, ptr uintptr) {
	if ptr == 0 {
		return
	}
	if h := headerAtAligned(ptr); h != nil {
		if h.viaPageSource {
			ctx.source.Unmap(h.base, h.block)
		} else {
			ctx.registry.Free(handle, h.base)
		}
		return
	}
	ctx.registry.Free(handle, ptr)
}

// sizeOfRaw returns the usable size of ptr: the aligned-block header first,
// then the big-object path (its header sits immediately before ptr with its
// own validity token, indistinguishable from a small-object slot without
// trying both), then the small-object superblock path, or 0 if ptr belongs
// to none of the three.
func (ctx *AllocatorContext) sizeOfRaw(ptr uintptr) uintptr {
	if ptr == 0 {
		return 0
	}
	if h := headerAtAligned(ptr); h != nil {
		return h.usable
	}
	if sz, ok := ctx.big.Lookup(ptr); ok {
		return sz
	}
	return ctx.smallSizeOf(ptr)
}

// LockAll acquires every lock in the default context's heap hierarchy, for
// use immediately before a host fork() (spec.md §6's lock_all).
func LockAll() { defaultContext().registry.LockAll() }

// UnlockAll releases every lock LockAll acquired, immediately after a host
// fork() in the parent (and, per POSIX fork-safety convention, should also
// be called in the child before it resumes allocating).
func UnlockAll() { defaultContext().registry.UnlockAll() }
