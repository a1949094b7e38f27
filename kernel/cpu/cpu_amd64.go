package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// InvalidateTLBRange flushes the TLB entries for the count pages starting at
// virtAddr. Implementations may fall back to a full TLB flush if count
// exceeds a hardware-specific threshold.
func InvalidateTLBRange(virtAddr uintptr, count uint32)

// SyncAfterTableModification issues the memory barrier required after a
// page-table entry has been written with plain stores so that subsequent
// table walks by this CPU observe the update.
func SyncAfterTableModification()

// ReadCR2 returns the faulting linear address recorded by the CPU for the
// most recently delivered page-fault exception.
func ReadCR2() uintptr

// PhysicalToVirtualKernel maps a physical address to the corresponding
// address in the kernel's direct physical map, used by code that must
// access frame contents (e.g. the virtual region allocator's self-hosted
// metadata) without going through the fault resolver.
func PhysicalToVirtualKernel(physAddr uintptr) uintptr
