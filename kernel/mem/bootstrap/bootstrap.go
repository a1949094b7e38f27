package bootstrap

import (
	"vmkernel/kernel"
	"vmkernel/kernel/hal/multiboot"
	"vmkernel/kernel/kfmt/early"
	"vmkernel/kernel/mem"
	"vmkernel/kernel/mem/pmm"
	"vmkernel/kernel/mem/pmm/buddy"
	"vmkernel/kernel/mem/vmm"
	"vmkernel/kernel/mem/vmm/addrspace"
	"vmkernel/kernel/mem/vmm/fault"
	"vmkernel/kernel/mem/vmm/mapping"
)

var (
	physAllocator buddy.Allocator

	// Kernel is the kernel's own address space, wrapping the top-level
	// table the boot assembly already installed. It is the address space
	// every other address space's kernel-half mappings are mirrored from
	// on swap.
	Kernel *addrspace.AddressSpace

	// Faults is the single fault resolver installed for the lifetime of
	// the kernel; SetActiveAddressSpace repoints it whenever a context
	// switch changes the active address space.
	Faults fault.Resolver

	errOutOfMemory = &kernel.Error{Module: "bootstrap", Message: "exhausted physical memory while constructing the kernel address space"}
)

// kernelHeapBase and kernelHeapPages bound the virtual range the kernel's
// own virtual region allocator (C3) governs: a fixed canonical range below
// the temporary-mapping window, rather than one discovered by scanning the
// boot-time page tables for gaps. At the point Init runs, the only page
// table entries installed by the boot assembly are the identity/kernel-image
// mappings and the recursive self-map slot PageDirectoryTable.Init already
// accounts for, so a fixed range is equivalent to a gap scan and far
// simpler; see DESIGN.md.
const (
	kernelHeapBase  = vmm.Page(0xffff800000000000 >> 12)
	kernelHeapPages = uint64(1) << 20 // 4GiB of kernel virtual address space
)

// physFrame allocates a single physical frame from the buddy allocator (C2).
// It is installed as the frame source for every package-level seam upward
// of the buddy allocator once Init has finished constructing regions.
func physFrame() (pmm.Frame, *kernel.Error) {
	addr, err := physAllocator.Allocate(1, mem.PageShift, 0)
	if err != nil {
		return pmm.InvalidFrame, err
	}
	return pmm.Frame(addr >> mem.PageShift), nil
}

func freePhysFrame(f pmm.Frame) {
	_ = physAllocator.Free(f.Address(), 1)
}

// zeroFrame clears a freshly allocated frame's contents through the
// temporary-mapping window before it becomes visible to a mapping's first
// resolver.
func zeroFrame(f pmm.Frame) {
	page, err := vmm.MapTemporary(f, physFrame)
	if err != nil {
		kernel.Panic(err)
	}
	mem.Memset(page.Address(), 0, mem.PageSize)
	if err := vmm.Unmap(page); err != nil {
		kernel.Panic(err)
	}
}

// Init performs the first-ever setup of the page-table primitives (C1), the
// physical frame allocator (C2) and the kernel's own address space (C4),
// and registers the on-demand fault resolver (C6), from the boot-supplied
// physical memory map. It corresponds to the four steps of spec §4.7:
// recursive/fixed-offset table access is already established by the boot
// assembly and accounted for by PageDirectoryTable.Init (step 1); this
// function performs steps 2-4.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	earlyAllocator.init(kernelStart, kernelEnd)
	earlyAllocator.printMemoryMap()

	totalPhysPages, err := buildRegions(kernelStart, kernelEnd)
	if err != nil {
		return err
	}

	vmm.SetFrameAllocator(physFrame)
	addrspace.SetFrameAllocator(physFrame)
	addrspace.SetFrameDeallocator(freePhysFrame)
	mapping.SetFrameAllocator(physFrame)
	mapping.SetFrameDeallocator(freePhysFrame)
	mapping.SetFrameZeroer(zeroFrame)
	fault.SetFrameAllocator(physFrame)
	fault.SetFrameDeallocator(freePhysFrame)
	fault.SetFrameZeroer(zeroFrame)

	if err := vmm.Init(); err != nil {
		return err
	}

	Kernel, err = addrspace.New(vmm.ActivePDTFrame(), kernelHeapBase, kernelHeapPages, totalPhysPages)
	if err != nil {
		return err
	}

	Faults.SetActiveAddressSpace(Kernel)
	Faults.Install()

	total, inUse := physAllocator.Stats()
	early.Printf("[bootstrap] physical frames: %d total, %d reserved\n", total, inUse)
	return nil
}

// buildRegions constructs one buddy.Region per available boot memory
// region, excluding page zero, the frames occupied by the loaded kernel
// image, and any frames already consumed by the early bump allocator
// (replayed by tracking how many of each region's frames it would have
// exhausted, in the same visiting order it used), per spec §4.7 step 2.
func buildRegions(kernelStart, kernelEnd uintptr) (uint64, *kernel.Error) {
	var (
		totalPages     uint64
		remainingEarly = earlyAllocator.allocCount
		firstRegion    = true
		kernelStartF   = pmm.Frame(kernelStart >> mem.PageShift)
		kernelEndF     = pmm.Frame((kernelEnd + mem.PageSize - 1) >> mem.PageShift)
		buildErr       *kernel.Error
	)

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		pageMask := uint64(mem.PageSize - 1)
		start := pmm.Frame(((region.PhysAddress + pageMask) &^ pageMask) >> mem.PageShift)
		end := pmm.Frame(((region.PhysAddress + region.Length) &^ pageMask) >> mem.PageShift) // exclusive, frame-aligned

		if end <= start {
			return true
		}
		pages := uint32(end - start)

		r, err := buddy.NewRegion(start, pages)
		if err != nil {
			buildErr = err
			return false
		}

		excludeEnd := start
		if firstRegion && start == 0 {
			excludeEnd = 1
		}
		firstRegion = false

		// Early-allocator replay: it exhausts each available region's
		// frames before moving to the next, in this same visiting
		// order, so the frames it already consumed from this region
		// are exactly a prefix of length min(remainingEarly, pages).
		if remainingEarly > 0 {
			consumed := remainingEarly
			if consumed > uint64(pages) {
				consumed = uint64(pages)
			}
			if start+pmm.Frame(consumed) > excludeEnd {
				excludeEnd = start + pmm.Frame(consumed)
			}
			remainingEarly -= consumed
		}

		// Exclude the kernel image's own frames if they fall in this
		// region.
		kStart, kEnd := kernelStartF, kernelEndF
		if kStart < start {
			kStart = start
		}
		if kEnd > end {
			kEnd = end
		}

		free := func(a, b pmm.Frame) {
			if b > a {
				r.InsertFreeCascade(a, uint32(b-a))
			}
		}

		switch {
		case kStart < kEnd && kStart >= excludeEnd:
			// Kernel image lies entirely after the already-excluded
			// prefix: two free runs, before and after the image.
			free(excludeEnd, kStart)
			free(kEnd, end)
		case kStart < kEnd:
			// Kernel image overlaps or precedes the excluded prefix
			// (early allocator ran after the image was loaded, so
			// this is the common case); merge the two exclusions.
			if kEnd > excludeEnd {
				excludeEnd = kEnd
			}
			free(excludeEnd, end)
		default:
			free(excludeEnd, end)
		}

		physAllocator.AddRegion(r)
		totalPages += uint64(pages)
		return true
	})

	if buildErr != nil {
		return 0, buildErr
	}
	if totalPages == 0 {
		return 0, errOutOfMemory
	}
	return totalPages, nil
}
