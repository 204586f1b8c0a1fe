// Copyright 2026 The Osmem Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package osmem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// sbrk grows the program break by delta bytes and returns the address where
// the new region begins. The allocator owns the break for the process
// lifetime; delta is always positive and a multiple of mallocAlign.
func sbrk(delta int) (unsafe.Pointer, error) {
	cur, _, _ := unix.Syscall(unix.SYS_BRK, 0, 0, 0)

	// The initial break is wherever the loader left it, not necessarily
	// aligned. Every later call starts from a break this allocator set, so
	// the round-up is a one-time adjustment.
	start := (cur + mallocAlign - 1) &^ (mallocAlign - 1)

	end, _, _ := unix.Syscall(unix.SYS_BRK, start+uintptr(delta), 0, 0)
	if end != start+uintptr(delta) {
		return nil, unix.ENOMEM
	}

	return unsafe.Pointer(start), nil
}
