package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mem"
	"vmkernel/kernel/mem/pmm"
)

// ErrInvalidMapping is returned by lookups that walk off a not-present
// entry before reaching the requested page-table level.
var ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

// PageTableEntryFlag is the type of the Flag* constants in
// vmm_constants_amd64.go.
type PageTableEntryFlag uintptr

// pageTableEntry is a single 8-byte slot of a page table.
type pageTableEntry uintptr

// HasFlags returns true if the entry has all of the given flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if the entry has at least one of the given flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags ORs the given flags into the entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags clears the given flags from the entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical frame referenced by this entry.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uintptr(pte) & ptePhysPageMask) >> mem.PageShift)
}

// SetFrame updates the physical frame referenced by this entry, preserving
// its flag bits.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// markOnDemand clears FlagPresent, sets FlagOnDemand and installs the
// on-demand sentinel in the frame field so that a subsequent walk can
// distinguish this entry from one that was never touched.
func (pte *pageTableEntry) markOnDemand() {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | onDemandMagic)
	pte.ClearFlags(FlagPresent)
	pte.SetFlags(FlagOnDemand)
}

// isOnDemand reports whether this entry was previously marked via
// markOnDemand and has not since been resolved.
func (pte pageTableEntry) isOnDemand() bool {
	return !pte.HasFlags(FlagPresent) && pte.HasFlags(FlagOnDemand) && (uintptr(pte)&ptePhysPageMask) == onDemandMagic
}

// pteForAddress walks the active page tables and returns the leaf entry
// mapping virtAddr, or ErrInvalidMapping if any intermediate entry is not
// present.
func pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		entry = pte
		return true
	})

	return entry, err
}
