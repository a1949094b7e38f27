// Package region implements the per-address-space virtual region allocator
// (C3): a buddy allocator over page-index ranges, structurally identical to
// the physical frame allocator in kernel/mem/pmm/buddy but governing a
// virtual range instead of physical memory, and capped relative to the
// amount of physical memory the kernel discovered at boot so a single
// address space cannot fragment its virtual space into an unbounded number
// of tracked blocks.
package region

import (
	"sync"

	"vmkernel/kernel"
	"vmkernel/kernel/mem"
	"vmkernel/kernel/mem/vmm"
)

var (
	errOutOfSpace    = &kernel.Error{Module: "vmm_region", Message: "virtual address space exhausted"}
	errInvalidOrder  = &kernel.Error{Module: "vmm_region", Message: "order exceeds max page order"}
	errNotAllocated  = &kernel.Error{Module: "vmm_region", Message: "page is not owned by this allocator or is not allocated"}
	errBoundExceeded = &kernel.Error{Module: "vmm_region", Message: "tracked block count exceeds the allocator's bound"}
)

// maxBlocksPerPage is the multiplier applied to the physical page count to
// derive the ceiling on how many free blocks a single Allocator may track
// in its buckets at once. A pathological caller that allocates and frees
// single-page blocks in a pattern that never coalesces would otherwise grow
// the allocator's bookkeeping without bound; once the bound is hit further
// allocations fail rather than let metadata balloon past a multiple of
// physical memory.
const maxBlocksPerPage = 16

// Allocator manages the virtual page-index range [base, base+pages) owned
// by a single address space. Unlike the physical allocator, an Allocator's
// bookkeeping (its bucket maps) is logically part of the address space it
// serves: callers are expected to size it once during address space
// construction and never share it across address spaces.
type Allocator struct {
	mu sync.Mutex

	base  vmm.Page
	pages uint64

	bitmap []uint64

	buckets [mem.MaxPageOrder + 1]map[vmm.Page]struct{}

	blockCount uint64
	blockBound uint64
}

// New constructs an Allocator governing a virtual range of pages pages
// starting at base, entirely free. physPages bounds the number of
// concurrently tracked blocks to maxBlocksPerPage*physPages, per the
// allocator's self-imposed metadata ceiling.
func New(base vmm.Page, pages uint64, physPages uint64) *Allocator {
	a := &Allocator{
		base:       base,
		pages:      pages,
		bitmap:     make([]uint64, (pages+63)/64),
		blockBound: physPages * maxBlocksPerPage,
	}
	for i := range a.buckets {
		a.buckets[i] = make(map[vmm.Page]struct{})
	}

	a.InsertFreeCascade(base, pages)
	return a
}

func (a *Allocator) bitIndex(page vmm.Page) (word int, mask uint64) {
	rel := uint64(page - a.base)
	return int(rel / 64), uint64(1) << (63 - (rel % 64))
}

func (a *Allocator) markUsed(page vmm.Page, count uint64) {
	for i := uint64(0); i < count; i++ {
		w, m := a.bitIndex(page + vmm.Page(i))
		a.bitmap[w] |= m
	}
}

func (a *Allocator) markFreeBits(page vmm.Page, count uint64) {
	for i := uint64(0); i < count; i++ {
		w, m := a.bitIndex(page + vmm.Page(i))
		a.bitmap[w] &^= m
	}
}

func (a *Allocator) isUsed(page vmm.Page) bool {
	w, m := a.bitIndex(page)
	return a.bitmap[w]&m != 0
}

func (a *Allocator) contains(page vmm.Page) bool {
	return page >= a.base && uint64(page-a.base) < a.pages
}

func (a *Allocator) insertFree(page vmm.Page, order mem.PageOrder) {
	a.markFreeBits(page, uint64(1)<<order)
	a.buckets[order][page] = struct{}{}
	a.blockCount++
}

func (a *Allocator) removeFree(page vmm.Page, order mem.PageOrder) {
	delete(a.buckets[order], page)
	a.blockCount--
}

func (a *Allocator) hasFree(page vmm.Page, order mem.PageOrder) bool {
	_, ok := a.buckets[order][page]
	return ok
}

// InsertFreeCascade seeds the allocator's free buckets from a contiguous
// run of n pages starting at start, following the same maximal-block
// cascade used by the physical allocator's bootstrap path.
func (a *Allocator) InsertFreeCascade(start vmm.Page, n uint64) {
	for n > 0 {
		order := log2Floor64(n)
		if order > mem.MaxPageOrder {
			order = mem.MaxPageOrder
		}
		blockPages := uint64(1) << order
		a.insertFree(start, order)
		start += vmm.Page(blockPages)
		n -= blockPages
	}
}

func log2Floor64(n uint64) mem.PageOrder {
	var order mem.PageOrder
	for (uint64(1) << (order + 1)) <= n {
		order++
	}
	return order
}

func log2Ceil64(n uint64) mem.PageOrder {
	order := log2Floor64(n)
	if uint64(1)<<order < n {
		order++
	}
	return order
}

// Allocate reserves count contiguous virtual pages and returns the page
// index of the first page. It never installs page table entries for the
// returned range; callers (the address space layer) are responsible for
// mapping the pages to physical frames, lazily or eagerly, once the range
// has been reserved.
func (a *Allocator) Allocate(count uint64) (vmm.Page, *kernel.Error) {
	if count == 0 {
		count = 1
	}
	minOrder := log2Ceil64(count)
	if minOrder > mem.MaxPageOrder {
		return 0, errInvalidOrder
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.blockBound != 0 && a.blockCount >= a.blockBound {
		return 0, errBoundExceeded
	}

	const notFound = mem.MaxPageOrder + 1
	foundOrder := mem.PageOrder(notFound)
	var foundPage vmm.Page
	for order := minOrder; order <= mem.MaxPageOrder && foundOrder == notFound; order++ {
		for page := range a.buckets[order] {
			foundPage, foundOrder = page, order
			break
		}
	}
	if foundOrder == notFound {
		return 0, errOutOfSpace
	}

	a.removeFree(foundPage, foundOrder)
	for order := foundOrder; order > minOrder; order-- {
		half := vmm.Page(uint64(1) << (order - 1))
		a.insertFree(foundPage+half, order-1)
	}

	// The whole 2^minOrder block is the allocation unit (spec §4.2 step 3):
	// mark every page of it used, including any pages beyond count, rather
	// than re-donating the intra-block remainder back to the free buckets.
	// Free mirrors this by returning the same 2^minOrder block, so the two
	// never disagree about how many pages a given allocation actually owns.
	a.markUsed(foundPage, uint64(1)<<minOrder)

	return foundPage, nil
}

// AllocateFixed reserves count contiguous pages starting exactly at page,
// failing if any page in the range is not free. This backs the address
// space layer's allocate_fixed / map_fixed operations, which require a
// caller-chosen virtual address rather than one picked by the allocator.
func (a *Allocator) AllocateFixed(page vmm.Page, count uint64) *kernel.Error {
	if count == 0 {
		count = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.contains(page) || !a.contains(page+vmm.Page(count-1)) {
		return errOutOfSpace
	}

	order, blockStart, ok := a.findCoveringFreeBlock(page, count)
	if !ok {
		return errOutOfSpace
	}

	a.removeFree(blockStart, order)
	blockPages := uint64(1) << order
	// Re-donate everything in the covering block outside [page, page+count)
	// back to the free buckets via cascade, then re-mark the requested
	// range used.
	if lead := uint64(page - blockStart); lead > 0 {
		a.InsertFreeCascade(blockStart, lead)
	}
	if trail := blockPages - uint64(page-blockStart) - count; trail > 0 {
		a.InsertFreeCascade(page+vmm.Page(count), trail)
	}
	a.markUsed(page, count)
	return nil
}

func (a *Allocator) findCoveringFreeBlock(page vmm.Page, count uint64) (mem.PageOrder, vmm.Page, bool) {
	for order := mem.PageOrder(0); order <= mem.MaxPageOrder; order++ {
		blockPages := vmm.Page(uint64(1) << order)
		for blockStart := range a.buckets[order] {
			if page >= blockStart && page+vmm.Page(count) <= blockStart+blockPages {
				return order, blockStart, true
			}
		}
	}
	return 0, 0, false
}

// Free returns count contiguous pages starting at page, merging with the
// buddy block upward for as long as the buddy is itself free and linked in
// the expected bucket, mirroring the physical allocator's merge algorithm.
func (a *Allocator) Free(page vmm.Page, count uint64) *kernel.Error {
	if count == 0 {
		count = 1
	}
	order := log2Ceil64(count)

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.contains(page) || !a.isUsed(page) {
		return errNotAllocated
	}

	// Free the entire 2^order block Allocate reserved for this request, not
	// just the caller's count, so the pages Allocate donated nowhere are
	// freed exactly once instead of appearing both here and in whatever
	// sub-blocks a differently-sized Allocate call would otherwise have
	// split them into.
	a.markFreeBits(page, uint64(1)<<order)
	a.mergeUpward(page, order)
	return nil
}

func (a *Allocator) mergeUpward(page vmm.Page, order mem.PageOrder) {
	for order < mem.MaxPageOrder {
		buddy := a.base + ((page - a.base) ^ vmm.Page(uint64(1)<<order))
		if !a.contains(buddy) || a.isUsed(buddy) {
			break
		}
		if !a.hasFree(buddy, order) {
			break
		}
		a.removeFree(buddy, order)
		if buddy < page {
			page = buddy
		}
		order++
	}
	a.buckets[order][page] = struct{}{}
	a.blockCount++
}
