// Package bootstrap implements the first-ever setup of the physical frame
// allocator, the page-table machinery and the kernel's own address space
// from the boot-supplied memory map (C7).
package bootstrap

import (
	"vmkernel/kernel"
	"vmkernel/kernel/hal/multiboot"
	"vmkernel/kernel/kfmt/early"
	"vmkernel/kernel/mem"
	"vmkernel/kernel/mem/pmm"
)

var (
	// earlyAllocator is a rudimentary, order-0-only frame allocator that
	// hands out physical frames one at a time by scanning the boot memory
	// map in address order. It is the only frame source available before
	// Init has built the real buddy allocator's regions, and, being a
	// package-level variable, it is also the frame source the Go runtime
	// itself uses the moment it starts reserving and mapping its own heap
	// (see kernel/goruntime) — well before Kmain ever runs Init. It never
	// frees a frame; once Init builds the buddy allocator's regions,
	// every frame it handed out is replayed and marked reserved in the
	// region bitmaps so the buddy allocator never reissues one.
	earlyAllocator bootMemAllocator

	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
)

// bootMemAllocator hands out physical frames one at a time by scanning the
// boot memory map in address order, tracking only a running index rather
// than a full bitmap.
type bootMemAllocator struct {
	// kernelStartFrame and kernelEndFrame bound the frames occupied by the
	// loaded kernel image; Init uses them to mark those frames reserved
	// once the buddy allocator's regions exist.
	kernelStartFrame pmm.Frame
	kernelEndFrame   pmm.Frame

	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame is the most recently allocated frame.
	lastAllocFrame pmm.Frame

	// nextIndex is the page index the next AllocFrame call resumes from;
	// it is ignored while allocCount is zero.
	nextIndex int64
}

// init records the kernel image's frame range. It leaves the allocation
// state untouched, so frames handed out before Init runs remain counted for
// buildRegions to replay. It does not itself print the memory map; call
// printMemoryMap separately once the terminal is ready to receive it.
func (alloc *bootMemAllocator) init(kernelStart, kernelEnd uintptr) {
	alloc.kernelStartFrame = pmm.Frame(kernelStart >> mem.PageShift)
	alloc.kernelEndFrame = pmm.Frame(kernelEnd >> mem.PageShift)
}

// printMemoryMap logs every region reported by the bootloader and the
// total amount of free memory available to the early allocator.
func (alloc *bootMemAllocator) printMemoryMap() {
	early.Printf("[bootstrap] system memory map:\n")

	var totalFree mem.Size
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		early.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mem.Size(region.Length)
		}
		return true
	})

	early.Printf("[bootstrap] available memory: %dKb\n", uint64(totalFree/mem.Kb))
}

// AllocFrame scans the system memory regions reported by the bootloader and
// reserves the next available free frame. It returns errBootAllocOutOfMemory
// once every available region has been exhausted.
func (alloc *bootMemAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	var (
		foundPageIndex                           int64 = -1
		regionStartPageIndex, regionEndPageIndex int64
	)

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		regionStartPageIndex = int64(((mem.Size(region.PhysAddress) + (mem.PageSize - 1)) &^ (mem.PageSize - 1)) >> mem.PageShift)
		regionEndPageIndex = int64(((mem.Size(region.PhysAddress+region.Length) - (mem.PageSize - 1)) &^ (mem.PageSize - 1)) >> mem.PageShift)

		if alloc.allocCount > 0 && alloc.nextIndex >= regionEndPageIndex {
			return true
		}

		if alloc.allocCount == 0 || alloc.nextIndex < regionStartPageIndex {
			foundPageIndex = regionStartPageIndex
		} else {
			foundPageIndex = alloc.nextIndex + 1
		}
		return false
	})

	if foundPageIndex == -1 {
		return pmm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	alloc.nextIndex = foundPageIndex
	alloc.lastAllocFrame = pmm.Frame(foundPageIndex)

	return alloc.lastAllocFrame, nil
}

// EarlyAllocFrame delegates a frame allocation request to the early
// allocator instance. It is registered as the Go runtime's own memory
// allocator's frame source (kernel/goruntime) rather than referencing
// earlyAllocator.AllocFrame directly, which would confuse the compiler's
// escape analysis into thinking earlyAllocator escapes to heap.
func EarlyAllocFrame() (pmm.Frame, *kernel.Error) {
	return earlyAllocator.AllocFrame()
}
