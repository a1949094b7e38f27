package vmm

import (
	"unsafe"
	"vmkernel/kernel/mem"
)

// ptePtrFn converts a page-table-entry address into a pointer. It is
// indirected through a variable so tests can redirect table walks into a
// plain Go array instead of real (recursively-mapped) memory.
var ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(entryAddr)
}

// pageTableWalker is invoked once per page-table level visited by walk. It
// returns false to abort the walk early (e.g. because the entry is not
// present and there is nothing further to inspect).
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk invokes walkFn for the entry at each of the four page-table levels
// that address virtAddr, using the recursive self-mapping installed at
// pdtVirtualAddr to obtain each level's table address from the previous
// one.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
		ok                               bool
	)

	for level, tableAddr = uint8(0), pdtVirtualAddr; level < pageLevels; level, tableAddr = level+1, entryAddr {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mem.PointerShift)

		if ok = walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr))); !ok {
			return
		}

		entryAddr <<= pageLevelBits[level]
	}
}
