// Package fault implements the on-demand page fault resolver (C6): the
// function installed via vmm.SetFaultHandler that turns a page fault
// trapped by the CPU into either a freshly-backed page table entry or a
// verdict that the fault is unrecoverable.
package fault

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mem"
	"vmkernel/kernel/mem/pmm"
	"vmkernel/kernel/mem/vmm"
	"vmkernel/kernel/mem/vmm/mapping"
)

var (
	errNoFrameAllocator = &kernel.Error{Module: "vmm_fault", Message: "no frame allocator has been configured"}

	// allocFrameFn, freeFrameFn and zeroFrameFn are package-level seams,
	// following the same pattern as kernel/mem/vmm/mapping and
	// kernel/mem/vmm/addrspace, so tests can substitute fakes without a
	// real physical allocator wired up; kernel/mem/bootstrap installs the
	// real implementations during boot.
	allocFrameFn = func() (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, errNoFrameAllocator }
	freeFrameFn  = func(pmm.Frame) {}
	zeroFrameFn  = func(pmm.Frame) {}
)

// SetFrameAllocator registers the physical frame allocator (C2) used to
// back an anonymous (no shareable mapping) descriptor's first fault.
func SetFrameAllocator(fn func() (pmm.Frame, *kernel.Error)) {
	allocFrameFn = fn
}

// SetFrameDeallocator registers the function used to return a frame
// allocated for an anonymous fault that turned out, on recheck, to no
// longer be needed (the descriptor raced out from under it).
func SetFrameDeallocator(fn func(pmm.Frame)) {
	freeFrameFn = fn
}

// SetFrameZeroer registers the function used to clear a freshly allocated
// anonymous frame before it is installed, honouring a descriptor's
// FlagZero.
func SetFrameZeroer(fn func(pmm.Frame)) {
	zeroFrameFn = fn
}

// AddressSpaceLookup resolves a faulting virtual address to the mapping
// descriptor that governs it. It is satisfied by *addrspace.AddressSpace's
// LookupMapping method; the fault package depends only on this narrow
// interface rather than on the addrspace package directly so it never
// needs to know how address spaces choose or store their descriptors.
type AddressSpaceLookup interface {
	LookupMapping(addr uintptr) (m *mapping.Mapping, off mem.Size, perms vmm.PageTableEntryFlag, ok bool)
}

// Resolver answers page faults for a single currently-active address
// space. The kernel keeps exactly one Resolver installed at a time,
// repointed at whichever address space is active whenever a context switch
// changes it.
type Resolver struct {
	active AddressSpaceLookup
}

// SetActiveAddressSpace repoints the resolver at the address space that
// should answer the next fault. It must be called on every address space
// switch, before the switched-to address space's page table is activated,
// so a fault taken immediately after the switch resolves against the right
// descriptor list.
func (r *Resolver) SetActiveAddressSpace(as AddressSpaceLookup) {
	r.active = as
}

// Install registers the resolver's Handle method as the kernel's page
// fault handler.
func (r *Resolver) Install() {
	vmm.SetFaultHandler(r.Handle)
}

// Handle implements the on-demand/copy-on-write fault resolution algorithm.
// It returns true if the fault was resolved and execution should retry the
// faulting instruction, or false if the fault is unrecoverable and the
// caller should fall through to the kernel panic path.
//
// Steps, mirroring the order the low-level exception entry point expects:
//  1. Look up the leaf page table entry for the faulting address. A
//     missing intermediate table (PTELookup's ok == false) or a present,
//     non-on-demand, non-copy-on-write entry means this fault is not one we
//     can resolve (a genuine protection violation or a stray access).
//  2. Snapshot the faulting address's mapping descriptor (the mapping
//     object, byte offset, and permissions) from the active address space.
//     The snapshot is read under the address space's own lock, so a
//     concurrent change to the descriptor list never produces a torn read;
//     it is looked up again after the frame is resolved and compared with
//     this snapshot before anything is installed.
//  3. If the entry is a copy-on-write entry, and this is a write fault,
//     resolve it by privately duplicating the page (MakePrivate allocates a
//     fresh frame for the mapping's portion, then the old frame's contents
//     are copied into it) and install the private frame with write
//     permission.
//  4. If the entry is a copy-on-write entry and this is a read fault,
//     report the fault as resolved without changing the entry, so the
//     instruction is retried against whatever is installed; this only
//     happens if two threads raced on the same read-before-write fault.
//  5. Otherwise (a plain on-demand entry, never yet touched): if the
//     descriptor has a shareable mapping, resolve it for the snapshot
//     offset (allocating and zero-filling a frame on the mapping's first
//     access, per Mapping.Resolve); if the descriptor is anonymous (no
//     shareable mapping), allocate one frame directly through C2, zeroing
//     it when the descriptor's FlagZero is set. Either way, install the
//     resolved frame with the descriptor's declared permissions.
//  6. Flush the single TLB entry for the faulting page (done by PTE.Resolve)
//     so the retried instruction observes the new mapping.
//  7. Kernel-space faults (addresses with no address-space mapping at all,
//     i.e. ok == false from LookupMapping, but inside kernel ranges) are
//     never resolved here; they always fall through to unrecoverable,
//     since the kernel does not demand-page its own code and data.
func (r *Resolver) Handle(addr uintptr, write bool) bool {
	pte, ok := vmm.PTELookup(addr)
	if !ok {
		return false
	}

	switch {
	case pte.OnDemand():
		return r.resolveOnDemand(pte, addr)
	case pte.CopyOnWrite():
		return r.resolveCopyOnWrite(pte, addr, write)
	default:
		return false
	}
}

// maxResolveRetries bounds the snapshot-recheck-retry loop of step 6: a
// concurrent change to the faulting address's descriptor (e.g. a racing
// Free/AllocateFixed on the same range) invalidates the snapshot taken in
// step 2 and must be retried against the fresh one, but a bound keeps a
// pathologically fast-churning descriptor from wedging the fault handler
// forever.
const maxResolveRetries = 8

func (r *Resolver) resolveOnDemand(pte vmm.PTE, addr uintptr) bool {
	if r.active == nil {
		return false
	}

	m, off, perms, ok := r.active.LookupMapping(addr)
	if !ok {
		// No descriptor at all covers this address; there is nothing
		// for the fault resolver to bind.
		return false
	}
	if m == nil {
		// An anonymous allocation (spec §4.6 step 5): there is no
		// shareable mapping to resolve through, so allocate the backing
		// frame directly.
		return r.resolveAnonymous(pte, addr, perms)
	}

	for attempt := 0; attempt < maxResolveRetries; attempt++ {
		pageOff := off &^ mem.Size(mem.PageSize-1)
		frame, err := m.Resolve(pageOff)
		if err != nil {
			return false
		}

		// Re-take the lookup and compare against the snapshot taken
		// above; a mismatch means the environment raced with us
		// between the snapshot and the resolution, so the frame we
		// just resolved may no longer belong to the address the
		// fault is for. Loop back with the fresh snapshot rather than
		// installing a possibly-stale mapping.
		newM, newOff, newPerms, stillOk := r.active.LookupMapping(addr)
		if !stillOk || newM != m || newOff != off || newPerms != perms {
			if !stillOk || newM == nil {
				return false
			}
			m, off, perms = newM, newOff, newPerms
			continue
		}

		// FlagMappingOwned records that this frame belongs to m's own
		// refcounting rather than to this address space, so the
		// address space's teardown (Free/Destroy) leaves it alone.
		pte.Resolve(addr&^uintptr(mem.PageSize-1), frame, perms|vmm.FlagMappingOwned)
		return true
	}
	return false
}

// resolveAnonymous implements spec §4.6 step 5 for a descriptor with no
// shareable mapping: allocate a single frame through C2, zero-fill it if
// perms carries FlagZero, then re-check (step 6) that the address still
// resolves to the same anonymous descriptor before installing the frame.
// A mismatch (the range was freed, or rebound to a shareable mapping,
// concurrently) frees the just-allocated frame and retries or bails out
// rather than leaking it or installing it against a stale descriptor.
func (r *Resolver) resolveAnonymous(pte vmm.PTE, addr uintptr, perms vmm.PageTableEntryFlag) bool {
	frame, resolvedPerms, ok := r.prepareAnonymousFrame(addr, perms)
	if !ok {
		return false
	}
	pte.Resolve(addr&^uintptr(mem.PageSize-1), frame, resolvedPerms)
	return true
}

// prepareAnonymousFrame performs the allocate/zero/recheck loop behind
// resolveAnonymous without touching a vmm.PTE, so it can be exercised
// without a live page table.
func (r *Resolver) prepareAnonymousFrame(addr uintptr, perms vmm.PageTableEntryFlag) (pmm.Frame, vmm.PageTableEntryFlag, bool) {
	for attempt := 0; attempt < maxResolveRetries; attempt++ {
		frame, err := allocFrameFn()
		if err != nil {
			return pmm.InvalidFrame, 0, false
		}
		if perms&vmm.FlagZero != 0 {
			zeroFrameFn(frame)
		}

		newM, _, newPerms, stillOk := r.active.LookupMapping(addr)
		if !stillOk || newM != nil {
			// The range stopped being a bare anonymous reservation
			// (freed, or rebound to a shareable mapping) while the
			// frame above was being prepared; it was never installed,
			// so return it instead of leaking it, and treat the fault
			// as unrecoverable here — the retried instruction will
			// fault again and resolve against whatever now covers addr.
			freeFrameFn(frame)
			return pmm.InvalidFrame, 0, false
		}
		if newPerms != perms {
			// Only the declared permissions changed underneath us (e.g.
			// a racing ChangePermissions); return the frame and retry
			// with the fresh permissions, so a newly requested FlagZero
			// is honoured by the next allocation.
			freeFrameFn(frame)
			perms = newPerms
			continue
		}

		return frame, perms &^ vmm.FlagZero, true
	}
	return pmm.InvalidFrame, 0, false
}

func (r *Resolver) resolveCopyOnWrite(pte vmm.PTE, addr uintptr, write bool) bool {
	if !write {
		// A concurrent reader raced a writer that already resolved this
		// entry; just retry against whatever is already installed.
		return true
	}
	if r.active == nil {
		return false
	}
	m, off, perms, ok := r.active.LookupMapping(addr)
	if !ok || m == nil {
		return false
	}

	pageOff := off &^ mem.Size(mem.PageSize-1)
	newFrame, err := m.MakePrivate(pageOff)
	if err != nil {
		return false
	}

	mem.Memcopy(pte.Frame().Address(), newFrame.Address(), mem.PageSize)
	pte.Resolve(addr&^uintptr(mem.PageSize-1), newFrame, perms|vmm.FlagRW)
	return true
}
