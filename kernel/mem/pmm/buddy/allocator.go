package buddy

import (
	"sync/atomic"

	"vmkernel/kernel"
	"vmkernel/kernel/mem"
	"vmkernel/kernel/mem/pmm"
)

var (
	errOutOfMemory  = &kernel.Error{Module: "buddy", Message: "out of memory"}
	errInvalidOrder = &kernel.Error{Module: "buddy", Message: "order exceeds max page order"}
	errNotAllocated = &kernel.Error{Module: "buddy", Message: "frame is not owned by any region or is not allocated"}
	errCorruptBucket = &kernel.Error{Module: "buddy", Message: "buddy block missing from expected bucket"}
)

// Allocator is the physical frame buddy allocator (C2). It tracks one or
// more Regions, each covering a disjoint physical range reported by the
// boot memory map, and serves allocation and free requests against
// whichever region can satisfy them.
//
// Regions are visited in list order under their own lock; Allocator itself
// holds no lock of its own since the region list is only ever mutated
// during bootstrap, before any concurrent access is possible.
type Allocator struct {
	regions *Region

	// framesInUse is maintained for diagnostics; it is updated with
	// atomic ops so Stats can be called without taking any region lock.
	framesInUse uint64
	totalFrames uint64
}

// AddRegion links a newly constructed region into the allocator's region
// list. It must only be called during bootstrap before Allocate/Free are
// reachable from more than one goroutine.
func (a *Allocator) AddRegion(r *Region) {
	r.next = a.regions
	a.regions = r
	atomic.AddUint64(&a.totalFrames, uint64(r.pages))
}

// Stats reports the total number of frames managed by the allocator and
// how many are currently allocated.
func (a *Allocator) Stats() (total, inUse uint64) {
	return atomic.LoadUint64(&a.totalFrames), atomic.LoadUint64(&a.framesInUse)
}

// Allocate reserves a contiguous run of count physical frames, honoring the
// requested alignment and boundary constraints, and returns the physical
// address of the first frame.
//
// alignmentPower and boundaryPower are expressed as powers of two in bytes
// (e.g. 13 means the result must be 8KiB-aligned); a boundaryPower of 0
// means no boundary constraint beyond ordinary alignment.
//
// The minimum order searched is ceil(log2(count)): the allocator only ever
// deals in power-of-two blocks, so a request for 3 frames is satisfied from
// a 4-frame block and the whole block, including the fourth frame, stays
// allocated until Free returns it.
func (a *Allocator) Allocate(count uint32, alignmentPower, boundaryPower uint8) (uintptr, *kernel.Error) {
	if count == 0 {
		count = 1
	}
	minOrder := log2Ceil(count)
	if minOrder > mem.MaxPageOrder {
		return 0, errInvalidOrder
	}

	alignFrames := uint32(1)
	if alignmentPower > mem.PageShift {
		alignFrames = uint32(1) << (alignmentPower - mem.PageShift)
	}
	var boundaryFrames uint32
	if boundaryPower > mem.PageShift {
		boundaryFrames = uint32(1) << (boundaryPower - mem.PageShift)
	}

	for r := a.regions; r != nil; r = r.next {
		r.mu.Lock()
		frame, order, ok := r.findAndSplit(minOrder, alignFrames, boundaryFrames, count)
		if ok {
			// The whole 2^minOrder block is the allocation unit (spec
			// §4.2 step 3: "frames_in_use rises by 2^min_order"): mark
			// every page of it used, including any pages beyond count,
			// rather than donating the intra-block remainder back to
			// the free buckets. Free mirrors this by returning the same
			// 2^minOrder block, so the two never disagree about how
			// many frames a given allocation actually owns.
			blockPages := uint32(1) << order
			r.markUsed(frame, blockPages)
			r.mu.Unlock()
			atomic.AddUint64(&a.framesInUse, uint64(blockPages))
			return frame.Address(), nil
		}
		r.mu.Unlock()
	}

	return 0, errOutOfMemory
}

// findAndSplit scans buckets from minOrder upward for a block whose own
// start frame is aligned and whose first count frames honor the boundary
// constraint, splitting it down to minOrder as necessary. A block whose
// start is misaligned is skipped; aligned sub-blocks inside it are not
// searched. It must be called with r.mu held.
func (r *Region) findAndSplit(minOrder mem.PageOrder, alignFrames, boundaryFrames, count uint32) (pmm.Frame, mem.PageOrder, bool) {
	// foundOrder starts at an explicit "not found" sentinel one past the
	// largest searchable order, rather than left as the zero value, so a
	// region with nothing free at all is never mistaken for a hit at
	// order 0.
	const notFound = mem.MaxPageOrder + 1
	foundOrder := mem.PageOrder(notFound)
	var foundFrame pmm.Frame

	for order := minOrder; order <= mem.MaxPageOrder && foundOrder == notFound; order++ {
		for frame := range r.buckets[order] {
			if !frameSatisfies(frame, alignFrames, boundaryFrames, count) {
				continue
			}
			foundFrame, foundOrder = frame, order
			break
		}
	}

	if foundOrder == notFound {
		return 0, 0, false
	}

	r.removeFree(foundFrame, foundOrder)
	// Split the block down to minOrder, reinserting the sibling halves
	// that are not needed back into their own buckets.
	for order := foundOrder; order > minOrder; order-- {
		half := pmm.Frame(uint32(1) << (order - 1))
		r.insertFree(foundFrame+half, order-1)
	}
	return foundFrame, minOrder, true
}

// frameSatisfies reports whether frame is aligned to alignFrames and the
// count frames starting at frame do not cross a boundaryFrames boundary.
// alignFrames and boundaryFrames are already expressed in frame counts.
func frameSatisfies(frame pmm.Frame, alignFrames, boundaryFrames, count uint32) bool {
	if alignFrames > 1 && uint64(frame)%uint64(alignFrames) != 0 {
		return false
	}
	if boundaryFrames > 0 {
		startBoundary := uint64(frame) / uint64(boundaryFrames)
		endBoundary := uint64(frame+pmm.Frame(count-1)) / uint64(boundaryFrames)
		if startBoundary != endBoundary {
			return false
		}
	}
	return true
}

// Free returns count frames starting at the physical address addr to the
// allocator, merging them with their buddy upward for as long as the buddy
// is itself free and linked in the expected bucket.
//
// Free returns errNotAllocated if no region owns addr or if its first frame
// is not marked in-use; it does not panic. It does not check that count
// matches the size of the original allocation.
func (a *Allocator) Free(addr uintptr, count uint32) *kernel.Error {
	if count == 0 {
		count = 1
	}
	order := log2Ceil(count)
	frame := pmm.Frame(addr >> mem.PageShift)

	for r := a.regions; r != nil; r = r.next {
		if !r.Contains(frame) {
			continue
		}

		r.mu.Lock()
		if !r.isUsed(frame) {
			r.mu.Unlock()
			return errNotAllocated
		}

		// Free the entire 2^order block Allocate reserved for this
		// request, not just the caller's count, so the frames Allocate
		// donated nowhere are freed exactly once instead of overlapping
		// with whatever sub-blocks a differently-sized Allocate call
		// would otherwise have split them into.
		blockPages := uint32(1) << order
		r.markFree(frame, blockPages)
		r.mergeUpward(frame, order)
		r.mu.Unlock()

		atomic.AddUint64(&a.framesInUse, ^uint64(blockPages-1))
		return nil
	}

	return errNotAllocated
}

// mergeUpward folds a newly-freed block at (frame, order) into its buddy
// for as long as the buddy is itself free and present at the head of the
// order-k bucket; a buddy that is free in the bitmap but absent from its
// bucket indicates a corrupted allocator state and mergeUpward stops rather
// than silently losing the block. Must be called with r.mu held.
func (r *Region) mergeUpward(frame pmm.Frame, order mem.PageOrder) {
	for order < mem.MaxPageOrder {
		buddy := r.start + ((frame - r.start) ^ pmm.Frame(uint32(1)<<order))
		if !r.Contains(buddy) || r.isUsed(buddy) {
			break
		}
		if !r.hasFree(buddy, order) {
			// The buddy's bitmap bits say free, but it is not the
			// head of an order-sized bucket entry: either it is
			// part of a larger already-merged block (nothing to
			// do), or the bucket metadata has diverged from the
			// bitmap. Either way, merging further here would be
			// unsafe, so we stop and just insert the block we have.
			break
		}

		r.removeFree(buddy, order)
		if buddy < frame {
			frame = buddy
		}
		order++
	}

	r.buckets[order][frame] = struct{}{}
}
