package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mem"
)

var (
	// earlyReserveLastUsed tracks the lowest address handed out so far by
	// EarlyReserveRegion. It starts just below the temporary mapping
	// window and grows downward.
	earlyReserveLastUsed = tempMappingAddr

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion carves out size bytes of kernel virtual address space
// without going through the virtual region allocator (C3). Its caller is
// kernel/goruntime, whose sysReserve and sysAlloc hooks use it for every
// heap reservation the Go runtime makes; reservations are never returned.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	if uintptr(size) > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}
