// Package addrspace implements the address space object (C4): the
// per-process owner of a top-level page table, a virtual region allocator,
// and the list of mapping descriptors that record what each reserved
// virtual range is backed by.
package addrspace

import (
	"sync"

	"vmkernel/kernel"
	"vmkernel/kernel/mem"
	"vmkernel/kernel/mem/pmm"
	"vmkernel/kernel/mem/vmm"
	"vmkernel/kernel/mem/vmm/mapping"
	"vmkernel/kernel/mem/vmm/region"
)

var (
	errNoSuchMapping    = &kernel.Error{Module: "addr_space", Message: "no mapping descriptor covers the supplied address"}
	errRangeNotOwned    = &kernel.Error{Module: "addr_space", Message: "the address range is not owned by this address space"}
	allocFrameFn        = func() (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, errNoFrameAllocator }
	freeFrameFn         = func(pmm.Frame) {}
	errNoFrameAllocator = &kernel.Error{Module: "addr_space", Message: "no frame allocator has been configured"}
)

// SetFrameAllocator registers the physical frame allocator used to back new
// page table levels and eagerly-mapped pages. It must be called once during
// boot before any AddressSpace is constructed.
func SetFrameAllocator(fn func() (pmm.Frame, *kernel.Error)) {
	allocFrameFn = fn
}

// SetFrameDeallocator registers the function used to return frames owned by
// an address space (as opposed to frames owned by a shareable mapping) to
// C2 during Free and Destroy.
func SetFrameDeallocator(fn func(pmm.Frame)) {
	freeFrameFn = fn
}

// descriptor records what a reserved virtual range is backed by: either a
// shareable mapping object (C5) at some byte offset, or no mapping (m ==
// nil): an anonymous Allocate range whose frames the fault resolver
// allocates on first touch, or a MapAny/MapFixed range mapped eagerly.
type descriptor struct {
	base  vmm.Page
	pages uint64
	m     *mapping.Mapping
	off   mem.Size
	perms vmm.PageTableEntryFlag
}

func (d *descriptor) contains(page vmm.Page) bool {
	return page >= d.base && uint64(page-d.base) < d.pages
}

// AddressSpace owns a top-level page table, the virtual region allocator
// governing its user-space range, and the mapping descriptors that describe
// every range currently reserved within it.
//
// Lock order, most to least coarse: mappings (the descriptor list) before
// the region allocator's own lock, matching the rest of the kernel's
// convention of acquiring broader-scope locks before narrower ones.
type AddressSpace struct {
	mu sync.Mutex

	pdt    vmm.PageDirectoryTable
	region *region.Allocator

	descriptors []*descriptor
}

// New constructs an address space whose top-level table lives at pdtFrame
// and whose user-space virtual range is [base, base+pages). physPages
// bounds the region allocator's metadata per kernel/mem/vmm/region's
// self-imposed ceiling.
func New(pdtFrame pmm.Frame, base vmm.Page, pages uint64, physPages uint64) (*AddressSpace, *kernel.Error) {
	as := &AddressSpace{
		region: region.New(base, pages, physPages),
	}
	if err := as.pdt.Init(pdtFrame, allocFrameFn); err != nil {
		return nil, err
	}
	return as, nil
}

// Swap activates this address space's page table, replacing whatever was
// previously active.
func (as *AddressSpace) Swap() {
	as.pdt.Activate()
}

// Allocate reserves count pages anywhere in the address space's virtual
// range and binds them to m starting at byte offset off, installing
// on-demand page table entries for each page rather than populating them
// eagerly.
func (as *AddressSpace) Allocate(count uint64, m *mapping.Mapping, off mem.Size, perms vmm.PageTableEntryFlag) (vmm.Page, *kernel.Error) {
	page, err := as.region.Allocate(count)
	if err != nil {
		return 0, err
	}
	if err := as.installOnDemand(page, count, perms); err != nil {
		return 0, err
	}

	as.mu.Lock()
	as.insertMapping(&descriptor{base: page, pages: count, m: m, off: off, perms: perms})
	as.mu.Unlock()

	if m != nil {
		m.Retain()
	}
	return page, nil
}

// AllocateFixed behaves like Allocate but requires the reservation to start
// exactly at page, failing if any part of the range is already reserved.
func (as *AddressSpace) AllocateFixed(page vmm.Page, count uint64, m *mapping.Mapping, off mem.Size, perms vmm.PageTableEntryFlag) *kernel.Error {
	if err := as.region.AllocateFixed(page, count); err != nil {
		return err
	}
	if err := as.installOnDemand(page, count, perms); err != nil {
		return err
	}

	as.mu.Lock()
	as.insertMapping(&descriptor{base: page, pages: count, m: m, off: off, perms: perms})
	as.mu.Unlock()

	if m != nil {
		m.Retain()
	}
	return nil
}

func (as *AddressSpace) installOnDemand(base vmm.Page, count uint64, perms vmm.PageTableEntryFlag) *kernel.Error {
	for i := uint64(0); i < count; i++ {
		page := base + vmm.Page(i)
		if err := as.pdt.Map(page, vmm.ReservedZeroedFrame, perms&^vmm.FlagRW, allocFrameFn); err != nil {
			return err
		}
		pte, ok := vmm.PTELookup(page.Address())
		if !ok {
			return errNoSuchMapping
		}
		pte.MarkOnDemand()
	}
	return nil
}

// Free releases count pages starting at page back to the region allocator,
// tearing down their page table entries and releasing the backing mapping
// object's reference if the freed range was bound to one.
//
// Frames owned directly by this address space (an anonymous descriptor's
// resolved pages) are returned to C2; frames owned by a shareable mapping
// are left alone, since the mapping's own reference counting frees them
// independently of any one address space that bound it.
func (as *AddressSpace) Free(page vmm.Page, count uint64) *kernel.Error {
	as.mu.Lock()
	d := as.lookupLocked(page)
	if d == nil || d.base != page || d.pages != count {
		as.mu.Unlock()
		return errRangeNotOwned
	}
	as.removeMappingLocked(d)
	as.mu.Unlock()

	if err := as.pdt.FlushRange(page, count, true, d.m == nil, freeFrameFn); err != nil {
		return err
	}
	if d.m != nil {
		d.m.Release()
	}

	return as.region.Free(page, count)
}

// Destroy tears down every virtual range this address space owns: it
// releases every descriptor's shareable-mapping reference (if any), returns
// every other leaf's physical frame to C2, and finally frees the top-level
// table frame itself. The caller must have already swapped to a different
// address space; Destroy never touches the currently active table.
func (as *AddressSpace) Destroy() *kernel.Error {
	as.mu.Lock()
	descriptors := as.descriptors
	as.descriptors = nil
	as.mu.Unlock()

	for _, d := range descriptors {
		if err := as.pdt.FlushRange(d.base, d.pages, true, d.m == nil, freeFrameFn); err != nil {
			return err
		}
		if d.m != nil {
			d.m.Release()
		}
	}

	freeFrameFn(as.pdt.Frame())
	return nil
}

// MapAny behaves like Allocate but installs eager, directly-backed
// mappings to the caller-provided frames instead of on-demand entries; it
// is used for kernel ranges that must never fault (page table
// bootstrapping, DMA buffers).
func (as *AddressSpace) MapAny(frames []pmm.Frame, perms vmm.PageTableEntryFlag) (vmm.Page, *kernel.Error) {
	page, err := as.region.Allocate(uint64(len(frames)))
	if err != nil {
		return 0, err
	}
	if err := as.mapFixedFrames(page, frames, perms); err != nil {
		return 0, err
	}

	as.mu.Lock()
	as.insertMapping(&descriptor{base: page, pages: uint64(len(frames)), perms: perms})
	as.mu.Unlock()
	return page, nil
}

// MapFixed behaves like MapAny but requires the mapping to start exactly at
// page.
func (as *AddressSpace) MapFixed(page vmm.Page, frames []pmm.Frame, perms vmm.PageTableEntryFlag) *kernel.Error {
	if err := as.region.AllocateFixed(page, uint64(len(frames))); err != nil {
		return err
	}
	if err := as.mapFixedFrames(page, frames, perms); err != nil {
		return err
	}

	as.mu.Lock()
	as.insertMapping(&descriptor{base: page, pages: uint64(len(frames)), perms: perms})
	as.mu.Unlock()
	return nil
}

func (as *AddressSpace) mapFixedFrames(base vmm.Page, frames []pmm.Frame, perms vmm.PageTableEntryFlag) *kernel.Error {
	for i, frame := range frames {
		if err := as.pdt.Map(base+vmm.Page(i), frame, perms, allocFrameFn); err != nil {
			return err
		}
	}
	return nil
}

// Unmap tears down count eagerly-mapped pages starting at page without
// releasing a mapping object reference (there is none to release); callers
// that used Allocate/AllocateFixed should use Free instead.
func (as *AddressSpace) Unmap(page vmm.Page, count uint64) *kernel.Error {
	as.mu.Lock()
	as.removeMappingLocked(as.lookupLocked(page))
	as.mu.Unlock()

	for i := uint64(0); i < count; i++ {
		if err := as.pdt.Unmap(page + vmm.Page(i)); err != nil {
			return err
		}
	}
	return as.region.Free(page, count)
}

// ChangePermissions updates the page table entry flags for the mapping
// descriptor covering page, without altering its backing.
func (as *AddressSpace) ChangePermissions(page vmm.Page, perms vmm.PageTableEntryFlag) *kernel.Error {
	as.mu.Lock()
	d := as.lookupLocked(page)
	if d == nil {
		as.mu.Unlock()
		return errNoSuchMapping
	}
	d.perms = perms
	count := d.pages
	base := d.base
	as.mu.Unlock()

	for i := uint64(0); i < count; i++ {
		pte, ok := vmm.PTELookup(base.Address() + uintptr(i)*uintptr(mem.PageSize))
		if !ok {
			continue
		}
		if pte.Present() {
			frame := pte.Frame()
			newPerms := perms
			if pte.MappingOwned() {
				// Preserve the marker across the permission change; it
				// is not part of the descriptor's own perms field and
				// must survive so Free/Destroy still leave this frame
				// alone afterwards.
				newPerms |= vmm.FlagMappingOwned
			}
			pte.Resolve(base.Address()+uintptr(i)*uintptr(mem.PageSize), frame, newPerms)
		}
	}
	return nil
}

// insertMapping records d in the descriptor list. Callers must hold as.mu.
func (as *AddressSpace) insertMapping(d *descriptor) {
	as.descriptors = append(as.descriptors, d)
}

// removeMappingLocked removes d from the descriptor list. Callers must hold
// as.mu. A nil d is a no-op, which lets callers pass the (possibly nil)
// result of lookupLocked straight through.
func (as *AddressSpace) removeMappingLocked(d *descriptor) {
	if d == nil {
		return
	}
	for i, cur := range as.descriptors {
		if cur == d {
			as.descriptors = append(as.descriptors[:i], as.descriptors[i+1:]...)
			return
		}
	}
}

func (as *AddressSpace) lookupLocked(page vmm.Page) *descriptor {
	for _, d := range as.descriptors {
		if d.contains(page) {
			return d
		}
	}
	return nil
}

// LookupMapping returns the shareable mapping object and byte offset
// backing the page containing addr, along with the permissions installed
// for that range. ok is false if no descriptor covers addr.
func (as *AddressSpace) LookupMapping(addr uintptr) (m *mapping.Mapping, off mem.Size, perms vmm.PageTableEntryFlag, ok bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	page := vmm.PageFromAddress(addr)
	d := as.lookupLocked(page)
	if d == nil {
		return nil, 0, 0, false
	}

	pageOff := mem.Size(uint64(page-d.base)) * mem.PageSize
	byteOff := mem.Size(addr&uintptr(mem.PageSize-1)) + d.off + pageOff
	return d.m, byteOff, d.perms, true
}
