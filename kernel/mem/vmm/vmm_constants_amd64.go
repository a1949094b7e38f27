package vmm

import "math"

const (
	pageLevels = 4

	// ptePhysPageMask isolates the physical frame address bits of a leaf
	// page table entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// tempMappingAddr is the fixed virtual address used by MapTemporary
	// to gain access to a frame that is not otherwise mapped into the
	// currently active address space (e.g. while editing an inactive
	// address space's tables, or while materializing a copy-on-write
	// page).
	tempMappingAddr = uintptr(0xffffff7ffffff000)

	// onDemandMagic is installed in the physical-frame field of a PTE
	// whose FlagPresent bit is cleared to mark it as an on-demand
	// mapping rather than an unmapped address. The fault resolver (C6)
	// recognises this sentinel and distinguishes it from a genuinely
	// invalid access.
	onDemandMagic = uintptr(0x0000dead00000000)
)

var (
	pdtVirtualAddr  = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))
	pageLevelBits   = [pageLevels]uint8{9, 9, 9, 9}
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

// PageTableEntryFlag describes the architecture-defined and
// software-defined bits of a page table entry.
const (
	FlagPresent PageTableEntryFlag = 1 << iota
	FlagRW
	FlagUserAccessible
	FlagWriteThroughCaching
	FlagDoNotCache
	FlagAccessed
	FlagDirty
	FlagHugePage
	FlagGlobal

	// FlagCopyOnWrite marks a present, read-only mapping whose frame must
	// be privately duplicated on the next write fault.
	FlagCopyOnWrite = 1 << 9

	// FlagOnDemand marks a not-present mapping that the fault resolver
	// should satisfy by consulting the owning mapping descriptor rather
	// than treating it as an invalid access. It occupies a software bit
	// distinct from FlagCopyOnWrite so the two can be combined (an
	// on-demand zero-fill page that will also be copy-on-write once
	// backed).
	FlagOnDemand = 1 << 10

	// FlagZero records, on an anonymous (no shareable mapping) on-demand
	// descriptor, that the fault resolver must zero-fill the frame it
	// allocates on first touch. It is a descriptor-level request rather
	// than a hardware semantic: the fault resolver strips it before
	// installing the resolved leaf entry, the same way FlagOnDemand is
	// cleared by PTE.Resolve.
	FlagZero = 1 << 11

	// FlagMappingOwned marks a present leaf entry whose frame was
	// resolved from a shareable mapping (C5) rather than allocated
	// directly for this address space. Address-space teardown
	// (FlushRange with free set, as used by AddressSpace.Free and
	// Destroy) checks this bit to skip returning the frame to C2: the
	// mapping's own refcounting owns it and frees it on its last release
	// instead.
	FlagMappingOwned = 1 << 52

	FlagNoExecute = 1 << 63
)
