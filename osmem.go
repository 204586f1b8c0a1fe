// Copyright 2026 The Osmem Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package osmem implements a C-style heap allocator over the program break
// and anonymous kernel mappings.
//
// Small requests live in the break segment: a contiguous byte run
// partitioned into blocks by inline headers, threaded on a circular
// doubly-linked list with a sentinel. Free break blocks are reused best-fit,
// split when oversized and coalesced with their neighbors before every
// search. Large requests get a private anonymous mapping each and are
// returned to the kernel on free.
//
// The allocator is not safe for concurrent use and assumes exclusive
// ownership of the program break for the process lifetime.
package osmem

import (
	"fmt"
	"os"
	"unsafe"
)

const (
	mallocAlign   = 8         // payload alignment, all break block sizes are multiples of it
	preallocSize  = 128 << 10 // one-time break growth on the first heap-bound request
	mmapThreshold = 128 << 10 // break vs. mapping cutover for Malloc and Realloc

	trace = false
)

// Block states. Fresh break memory is zero-filled by the kernel, so
// statusFree must be the zero value.
const (
	statusFree int32 = iota
	statusAlloc
	statusMapped
)

var (
	headerSize = roundup(int(unsafe.Sizeof(block{})), mallocAlign)
	osPageSize = os.Getpagesize()
)

// if n%m != 0 { n += m-n%m }. m must be a power of 2.
func roundup(n, m int) int { return (n + m - 1) &^ (m - 1) }

// block is the inline header at the start of every kernel-acquired region.
// The payload begins headerSize bytes after the header address.
type block struct {
	size   int // payload bytes following the header
	status int32
	prev   *block
	next   *block
}

func (b *block) payload() unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(b)) + uintptr(headerSize))
}

func (b *block) bytes(n int) []byte {
	return unsafe.Slice((*byte)(b.payload()), n)
}

// Allocator allocates and frees memory. Its zero value is ready for use.
//
// The sentinel closing the block ring lives inside the Allocator; every
// other node lives at the start of break or mapped memory.
type Allocator struct {
	head         block // sentinel, never unlinked
	headReady    bool
	preallocDone bool

	allocs int // # of live allocations
	brks   int // # of break extensions
	mmaps  int // # of live mappings
	bytes  int // asked from OS
}

func (a *Allocator) headInit() {
	a.head.size = 0
	a.head.status = statusAlloc // the sentinel must never look reusable
	a.head.prev = &a.head
	a.head.next = &a.head
	a.headReady = true
}

func (a *Allocator) listAddLast(b *block) {
	last := a.head.prev
	last.next = b
	b.prev = last
	b.next = &a.head
	a.head.prev = b
}

func listRemove(b *block) {
	b.prev.next = b.next
	b.next.prev = b.prev
}

func (a *Allocator) brk(delta int) (unsafe.Pointer, error) {
	p, err := sbrk(delta)
	if err != nil {
		return nil, err
	}

	a.brks++
	a.bytes += delta
	return p, nil
}

// mapBlock acquires a fresh mapping for an aligned payload of size bytes and
// links its block at the list tail.
func (a *Allocator) mapBlock(size int) (*block, error) {
	p, err := mmap(headerSize + size)
	if err != nil {
		return nil, err
	}

	a.mmaps++
	a.bytes += headerSize + size
	b := (*block)(p)
	b.size = size
	b.status = statusMapped
	a.listAddLast(b)
	return b, nil
}

// deleteMapped unlinks a mapped block and returns its region to the kernel.
// A failed unmap leaks a mapping that can never be recovered, so it aborts.
func (a *Allocator) deleteMapped(b *block) {
	if b.status != statusMapped {
		return
	}

	listRemove(b)
	a.mmaps--
	a.bytes -= headerSize + b.size
	if err := unmap(unsafe.Pointer(b), headerSize+b.size); err != nil {
		panic("osmem: munmap failed: " + err.Error())
	}
}

// preallocHeap grows the break by preallocSize once per allocator and seeds
// the list with the whole region as a single free block. On failure the
// latch stays unset so a later request may retry.
func (a *Allocator) preallocHeap() error {
	if a.preallocDone {
		return nil
	}

	p, err := a.brk(preallocSize)
	if err != nil {
		return err
	}

	b := (*block)(p)
	b.size = preallocSize - headerSize
	b.status = statusFree
	a.listAddLast(b)
	a.preallocDone = true
	return nil
}

// findBestBlock returns the free block with the smallest payload not below
// size, ties broken by walk order. size must already be aligned.
func (a *Allocator) findBestBlock(size int) *block {
	var best *block
	for it := a.head.next; it != &a.head; it = it.next {
		if it.status == statusFree && it.size >= size {
			if best == nil || it.size < best.size {
				best = it
			}
		}
	}
	return best
}

// splitBlock carves an aligned payload of size bytes out of b and links the
// remainder after it as a free block. The served part, a fresh header and at
// least one payload byte must all fit, or the surplus stays inside b as
// internal fragmentation. b's status is the caller's business.
func splitBlock(b *block, size int) {
	if b.size == size {
		return
	}

	if size+headerSize+1 >= b.size {
		return
	}

	nb := (*block)(unsafe.Pointer(uintptr(unsafe.Pointer(b)) + uintptr(headerSize+size)))
	nb.size = b.size - size - headerSize
	nb.status = statusFree

	b.size = size

	nb.next = b.next
	nb.prev = b
	b.next.prev = nb
	b.next = nb
}

// coalesceBlocks absorbs b2 into b1. Valid only for break blocks whose
// payload run is address-adjacent, which list order guarantees once mapped
// nodes are skipped.
func coalesceBlocks(b1, b2 *block) {
	b1.size += headerSize + b2.size
	listRemove(b2)
}

// coalesceAll merges every run of list-adjacent free break blocks, two at a
// time. Allocated blocks end a run; mapped blocks are skipped without ending
// it, they live outside the break segment.
func (a *Allocator) coalesceAll() {
	var run *block
	for it := a.head.next; it != &a.head; {
		switch it.status {
		case statusAlloc:
			run = nil
			it = it.next
		case statusMapped:
			it = it.next
		default:
			if run == nil {
				run = it
				it = it.next
				continue
			}

			next := it.next
			coalesceBlocks(run, it)
			it = next
		}
	}
}

// findBlock returns the block whose payload starts at p, or nil.
func (a *Allocator) findBlock(p unsafe.Pointer) *block {
	for it := a.head.next; it != &a.head; it = it.next {
		if it.payload() == p {
			return it
		}
	}
	return nil
}

// lastOnHeap returns the break-resident block closest to the break end, or
// nil. Mapped blocks may sit at the list tail, so the backward walk skips
// them instead of trusting head.prev.
func (a *Allocator) lastOnHeap() *block {
	it := a.head.prev
	for it != &a.head && it.status == statusMapped {
		it = it.prev
	}

	if it == &a.head {
		return nil
	}
	return it
}

// growLastBlock extends the break so that b, the last break-resident block,
// can hold size payload bytes. size must be aligned and exceed b.size.
func (a *Allocator) growLastBlock(b *block, size int) error {
	if _, err := a.brk(size - b.size); err != nil {
		return err
	}

	b.size = size
	return nil
}

// heapBlock returns a break-resident block able to hold size payload bytes,
// size already aligned. In order: ensure preallocation, coalesce, reuse the
// best fit (split down to size), extend the last break block if free, grow
// the break by a whole new block. The caller marks the result allocated.
func (a *Allocator) heapBlock(size int) (*block, error) {
	if err := a.preallocHeap(); err != nil {
		return nil, err
	}

	a.coalesceAll()

	if best := a.findBestBlock(size); best != nil {
		splitBlock(best, size)
		return best, nil
	}

	if last := a.lastOnHeap(); last != nil && last.status == statusFree {
		if err := a.growLastBlock(last, size); err != nil {
			return nil, err
		}
		return last, nil
	}

	p, err := a.brk(headerSize + size)
	if err != nil {
		return nil, err
	}

	b := (*block)(p)
	b.size = size
	b.status = statusFree
	a.listAddLast(b)
	return b, nil
}

func copyPayload(dst, src *block, n int) {
	copy(dst.bytes(n), src.bytes(n))
}

// Malloc allocates size bytes and returns the payload address. The memory is
// not initialized. Malloc panics for size < 0 and returns (nil, nil) for
// zero size. A nil pointer with a non-nil error means the kernel refused
// more memory.
func (a *Allocator) Malloc(size int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Malloc(%#x) %p, %v\n", size, r, err)
		}()
	}
	if size < 0 {
		panic("invalid malloc size")
	}

	if size == 0 {
		return nil, nil
	}

	if !a.headReady {
		a.headInit()
	}

	aligned := roundup(size, mallocAlign)
	if aligned+headerSize < mmapThreshold {
		b, err := a.heapBlock(aligned)
		if err != nil {
			return nil, err
		}

		b.status = statusAlloc
		a.allocs++
		return b.payload(), nil
	}

	b, err := a.mapBlock(aligned)
	if err != nil {
		return nil, err
	}

	a.allocs++
	return b.payload(), nil
}

// Free deallocates memory (as in C.free). Nil, foreign and already-free
// pointers are silent no-ops. Break blocks are marked free and left for the
// next allocation to coalesce; mapped blocks are returned to the kernel.
func (a *Allocator) Free(p unsafe.Pointer) {
	if trace {
		fmt.Fprintf(os.Stderr, "Free(%p)\n", p)
	}
	if p == nil {
		return
	}

	if !a.headReady {
		a.headInit()
	}

	b := a.findBlock(p)
	if b == nil || b.status == statusFree {
		return
	}

	a.allocs--
	if b.status == statusMapped {
		a.deleteMapped(b)
		return
	}

	b.status = statusFree
}

// Calloc allocates zeroed memory for nmemb elements of size bytes each. A
// zero argument returns (nil, nil), as does a product whose wrapped, aligned
// value is smaller than nmemb or size; a wrap that lands at or above both
// factors is not detected. The break vs.
// mapping cutover is the page size rather than mmapThreshold: fresh mappings
// arrive zeroed, so mapping wins earlier here.
func (a *Allocator) Calloc(nmemb, size int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Calloc(%#x, %#x) %p, %v\n", nmemb, size, r, err)
		}()
	}
	if nmemb < 0 || size < 0 {
		panic("invalid calloc size")
	}

	if nmemb == 0 || size == 0 {
		return nil, nil
	}

	if !a.headReady {
		a.headInit()
	}

	aligned := roundup(nmemb*size, mallocAlign)
	if aligned < size || aligned < nmemb {
		return nil, nil
	}

	var b *block
	if aligned+headerSize < osPageSize {
		if b, err = a.heapBlock(aligned); err != nil {
			return nil, err
		}

		b.status = statusAlloc
	} else {
		if b, err = a.mapBlock(aligned); err != nil {
			return nil, err
		}
	}

	a.allocs++
	p := b.bytes(aligned)
	for i := range p {
		p[i] = 0
	}
	return b.payload(), nil
}

// shrinkRealloc moves or trims b down to an aligned payload of size bytes.
func (a *Allocator) shrinkRealloc(b *block, size int) (unsafe.Pointer, error) {
	if b.status == statusMapped {
		if size >= mmapThreshold {
			nb, err := a.mapBlock(size)
			if err != nil {
				return nil, err
			}

			copyPayload(nb, b, size)
			a.deleteMapped(b)
			return nb.payload(), nil
		}

		// Below the threshold the block migrates to the break segment.
		hb, err := a.heapBlock(size)
		if err != nil {
			return nil, err
		}

		hb.status = statusAlloc
		copyPayload(hb, b, size)
		a.deleteMapped(b)
		return hb.payload(), nil
	}

	splitBlock(b, size)
	return b.payload(), nil
}

// coalesceForward absorbs free successors into b until it can hold size
// payload bytes, an allocated successor is reached or the ring closes.
// Mapped successors are outside the break segment and are skipped.
func (a *Allocator) coalesceForward(b *block, size int) {
	for it := b.next; it != &a.head; {
		switch it.status {
		case statusFree:
			next := it.next
			coalesceBlocks(b, it)
			if b.size >= size {
				return
			}
			it = next
		case statusMapped:
			it = it.next
		default:
			return
		}
	}
}

// extendRealloc grows b to an aligned payload of size bytes, in place when
// it can.
func (a *Allocator) extendRealloc(b *block, size int) (unsafe.Pointer, error) {
	if b.status == statusMapped {
		// Mappings cannot grow in place.
		nb, err := a.mapBlock(size)
		if err != nil {
			return nil, err
		}

		copyPayload(nb, b, b.size)
		a.deleteMapped(b)
		return nb.payload(), nil
	}

	if size >= mmapThreshold {
		nb, err := a.mapBlock(size)
		if err != nil {
			return nil, err
		}

		copyPayload(nb, b, b.size)
		b.status = statusFree
		return nb.payload(), nil
	}

	if b == a.lastOnHeap() {
		if err := a.growLastBlock(b, size); err != nil {
			return nil, err
		}
		return b.payload(), nil
	}

	oldSize := b.size
	a.coalesceForward(b, size)
	if b.size >= size {
		splitBlock(b, size)
		return b.payload(), nil
	}

	// Still too small, the block moves.
	hb, err := a.heapBlock(size)
	if err != nil {
		return nil, err
	}

	hb.status = statusAlloc
	copyPayload(hb, b, oldSize)
	b.status = statusFree
	return hb.payload(), nil
}

// Realloc changes the payload at p to size bytes, preserving contents up to
// the smaller of the old and new sizes. A nil p acts as Malloc(size); a zero
// size acts as Free(p) and returns nil. A pointer this allocator does not
// own, or one already freed, returns (nil, nil) and no migration happens.
func (a *Allocator) Realloc(p unsafe.Pointer, size int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Realloc(%p, %#x) %p, %v\n", p, size, r, err)
		}()
	}
	if p == nil {
		return a.Malloc(size)
	}

	if size == 0 {
		a.Free(p)
		return nil, nil
	}

	if size < 0 {
		panic("invalid realloc size")
	}

	if !a.headReady {
		a.headInit()
	}

	b := a.findBlock(p)
	if b == nil || b.status == statusFree {
		return nil, nil
	}

	aligned := roundup(size, mallocAlign)
	switch {
	case aligned == b.size:
		return p, nil
	case aligned > b.size:
		return a.extendRealloc(b, aligned)
	default:
		return a.shrinkRealloc(b, aligned)
	}
}

// UsableSize reports the payload capacity of the block p points at, which
// can exceed the size originally requested. Foreign pointers report 0.
func (a *Allocator) UsableSize(p unsafe.Pointer) int {
	if p == nil || !a.headReady {
		return 0
	}

	b := a.findBlock(p)
	if b == nil {
		return 0
	}
	return b.size
}

// Close returns every mapped region to the kernel and resets a to its zero
// value. The break segment cannot be handed back and is abandoned.
//
// It's not necessary to Close the Allocator when exiting a process.
func (a *Allocator) Close() {
	if a.headReady {
		for it := a.head.next; it != &a.head; {
			next := it.next
			if it.status == statusMapped {
				a.deleteMapped(it)
			}
			it = next
		}
	}
	*a = Allocator{}
}
