// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package globalheap implements the single, process-wide heap that brokers
// superblocks between every per-CPU heap and, ultimately, the page source:
// receiver of migrations donated by per-CPU heaps that cross their
// emptiness threshold, donor to per-CPU heaps that miss locally.
//
// Grounded on _examples/original_source/src/include/hoard/globalheap.h
// (GlobalHeap: a ProcessHeap — itself a HoardManager — whose threshold
// function always returns false because it is "the top"). HoardGo
// reuses internal/perheap's Heap type directly rather than duplicating its
// bin/classifier/statistics machinery, since the global heap differs from a
// per-CPU heap only in its threshold function and the absence of a parent.
package globalheap

import (
	"code.hybscloud.com/hoardgo/internal/pagesource"
	"code.hybscloud.com/hoardgo/internal/perheap"
	"code.hybscloud.com/hoardgo/internal/sizeclass"
	"code.hybscloud.com/hoardgo/internal/superblock"
)

// New builds the global heap: a *perheap.Heap tagged superblock.GlobalOwner,
// with no parent and a threshold function that never triggers migration.
func New(sizes sizeclass.Table, emptinessClasses int, source *pagesource.Source) *perheap.Heap {
	return perheap.New(superblock.GlobalOwner, sizes, emptinessClasses, source, nil, perheap.AlwaysFalse)
}
