// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package diag

import "testing"

func TestDefaultLoggerDoesNotPanic(t *testing.T) {
	ContextInit(128, 256*1024, 32*1024)
	OutOfMemory(1 << 20)
	InvalidFree(0xdeadbeef)
	UnsupportedAlignment(3)
}

func TestSetLoggerRestoresDefaultOnNil(t *testing.T) {
	SetLogger(nil)
	ContextInit(1, 1, 1)
}
