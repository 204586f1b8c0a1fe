// Copyright 2026 The Osmem Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package osmem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmap returns a fresh page-aligned anonymous readable+writable private
// region of size bytes.
func mmap(size int) (unsafe.Pointer, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	p := unsafe.Pointer(&b[0])
	if uintptr(p)&uintptr(osPageSize-1) != 0 {
		panic("internal error")
	}

	return p, nil
}

// unmap releases a region obtained from mmap.
func unmap(addr unsafe.Pointer, size int) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(size), 0); errno != 0 {
		return errno
	}

	return nil
}
