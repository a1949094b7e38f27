package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/cpu"
	"vmkernel/kernel/irq"
	"vmkernel/kernel/kfmt/early"
	"vmkernel/kernel/mem"
	"vmkernel/kernel/mem/pmm"
)

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// faultHandlerFn is invoked for every recoverable/unrecoverable page
	// fault once the low-level exception plumbing below has decoded the
	// faulting address. It defaults to a handler that always treats the
	// fault as unrecoverable; kernel/mem/vmm/fault.Install overrides it
	// with the real on-demand/copy-on-write resolver (C6) once an
	// address space registry exists to consult.
	faultHandlerFn = func(addr uintptr, write bool) bool { return false }

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	panicFn                   = kernel.Panic
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// SetFaultHandler registers the function invoked by the low-level page
// fault exception handler after decoding the faulting address. The
// function should return true if it resolved the fault (in which case
// execution resumes at the faulting instruction) or false if the fault is
// unrecoverable.
func SetFaultHandler(fn func(addr uintptr, write bool) bool) {
	faultHandlerFn = fn
}

// PTE is an opaque handle to a leaf page table entry. It lets packages
// outside vmm (the fault resolver, the address space and shareable mapping
// objects) inspect and resolve on-demand/copy-on-write mappings without
// exposing the unexported pageTableEntry representation.
type PTE struct {
	entry *pageTableEntry
}

// Present reports whether the entry is currently mapped and accessible.
func (p PTE) Present() bool { return p.entry.HasFlags(FlagPresent) }

// OnDemand reports whether the entry was installed via MarkOnDemand and has
// not yet been resolved by a fault.
func (p PTE) OnDemand() bool { return p.entry.isOnDemand() }

// CopyOnWrite reports whether the entry is a read-only mapping that must be
// privately duplicated on the next write.
func (p PTE) CopyOnWrite() bool { return p.entry.HasFlags(FlagCopyOnWrite) }

// Writable reports whether the entry currently permits writes.
func (p PTE) Writable() bool { return p.entry.HasFlags(FlagRW) }

// MappingOwned reports whether the entry's frame belongs to a shareable
// mapping's own reference counting rather than to the address space that
// installed this leaf. Address-space teardown (FlushRange with free set)
// checks this to decide whether to return the frame to C2.
func (p PTE) MappingOwned() bool { return p.entry.HasFlags(FlagMappingOwned) }

// Frame returns the physical frame currently referenced by the entry. Its
// value is meaningless (the on-demand sentinel) if OnDemand is true.
func (p PTE) Frame() pmm.Frame { return p.entry.Frame() }

// MarkOnDemand clears the present bit and installs the on-demand sentinel,
// leaving the entry for a later fault to resolve.
func (p PTE) MarkOnDemand() { p.entry.markOnDemand() }

// Resolve installs frame in the entry with the given flags (FlagPresent is
// added automatically), clears FlagOnDemand, and flushes the TLB entry for
// virtAddr.
func (p PTE) Resolve(virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag) {
	*p.entry = 0
	p.entry.SetFrame(frame)
	p.entry.SetFlags(FlagPresent | flags)
	flushTLBEntryFn(virtAddr)
}

// PTELookup walks the active page tables down to the leaf entry that would
// resolve virtAddr. ok is false only when an intermediate table above the
// leaf level is missing, meaning virtAddr was never touched by Map; in that
// case there is no entry for the fault resolver to inspect at all.
func PTELookup(virtAddr uintptr) (PTE, bool) {
	var (
		leaf *pageTableEntry
		ok   bool
	)

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel < pageLevels-1 && !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 {
			leaf = pte
			ok = true
		}

		return true
	})

	return PTE{entry: leaf}, ok
}

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	faultAddress := uintptr(readCR2Fn())

	// bit 1 of the x86 page-fault error code is set when the fault was
	// caused by a write access.
	if faultHandlerFn(faultAddress, errorCode&0x2 != 0) {
		// Fault recovered; retry the instruction that caused the fault.
		return
	}

	nonRecoverablePageFault(faultAddress, errorCode, frame, regs, nil)
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	early.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case errorCode == 0:
		early.Printf("read from non-present page")
	case errorCode == 1:
		early.Printf("page protection violation (read)")
	case errorCode == 2:
		early.Printf("write to non-present page")
	case errorCode == 3:
		early.Printf("page protection violation (write)")
	case errorCode == 4:
		early.Printf("page-fault in user-mode")
	case errorCode == 8:
		early.Printf("page table has reserved bit set")
	case errorCode == 16:
		early.Printf("instruction fetch")
	default:
		early.Printf("unknown")
	}

	early.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	// TODO: Revisit this when user-mode tasks are implemented
	panicFn(err)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	early.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	early.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	// TODO: Revisit this when user-mode tasks are implemented
	panicFn(nil)
}

// ReservedZeroedFrame is a single physical frame, zeroed once during Init,
// that backs every lazily-allocated zero-fill page until the first write to
// it forces the fault resolver to duplicate it privately. It must never be
// mapped with FlagRW directly.
var ReservedZeroedFrame pmm.Frame

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage Page
	)

	if ReservedZeroedFrame, err = frameAllocator(); err != nil {
		return err
	} else if tempPage, err = mapTemporaryFn(ReservedZeroedFrame, frameAllocator); err != nil {
		return err
	}
	mem.Memset(tempPage.Address(), 0, mem.PageSize)
	unmapFn(tempPage)

	return nil
}

// Init initializes the vmm system and installs paging-related exception
// handlers.
func Init() *kernel.Error {
	if err := reserveZeroedFrame(); err != nil {
		return err
	}

	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}
