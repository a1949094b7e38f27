// Package mapping implements the shareable, reference-counted memory
// mapping object (C5): a backing store that one or more address spaces can
// bind into their virtual range, resolved lazily through a chain of
// portions as pages are first touched.
package mapping

import (
	"sync"

	"vmkernel/kernel"
	"vmkernel/kernel/mem"
	"vmkernel/kernel/mem/pmm"
)

var (
	errOffsetOutOfRange = &kernel.Error{Module: "vmm_mapping", Message: "offset exceeds the mapping's extent"}
	errAlreadyBound     = &kernel.Error{Module: "vmm_mapping", Message: "byte range already bound"}

	// allocFrameFn and freeFrameFn are package-level seams so tests can
	// substitute a fake allocator without a real physical allocator
	// wired up; kernel/mem/bootstrap installs them during boot the same
	// way it installs vmm's own frame allocator function.
	allocFrameFn = func() (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, errNoAllocatorConfigured }
	freeFrameFn  = func(pmm.Frame) {}

	// zeroFrameFn zero-fills a newly allocated, not-yet-visible frame
	// before it is handed back from Resolve or installed by Bind. It defaults
	// to a no-op so unit tests that never wire a real address space can
	// exercise allocation/refcounting without touching physical memory;
	// kernel/mem/bootstrap installs the real mapping-via-vmm.MapTemporary
	// implementation during boot.
	zeroFrameFn = func(pmm.Frame) {}

	errNoAllocatorConfigured = &kernel.Error{Module: "vmm_mapping", Message: "no frame allocator has been configured"}
)

// SetFrameZeroer registers the function used to clear a newly allocated
// frame's contents before it becomes visible to a faulting address space.
func SetFrameZeroer(fn func(pmm.Frame)) {
	zeroFrameFn = fn
}

// SetFrameAllocator registers the physical frame allocator used to back
// portions on first resolution.
func SetFrameAllocator(fn func() (pmm.Frame, *kernel.Error)) {
	allocFrameFn = fn
}

// SetFrameDeallocator registers the function used to return a portion's
// frame to the physical allocator once the last reference to a Mapping is
// released.
func SetFrameDeallocator(fn func(pmm.Frame)) {
	freeFrameFn = fn
}

// portion describes one page-sized slice of the mapping's extent. A
// portion starts unbound (frame == pmm.InvalidFrame); the first caller to
// resolve it allocates and installs a backing frame, and every later
// resolution of the same portion is served from the same frame, which is
// what lets two address spaces that bind the same Mapping observe each
// other's writes to anonymous (non-file-backed) pages.
type portion struct {
	frame pmm.Frame
	// indirect, when non-nil, chains resolution to another mapping's
	// portion at the same relative offset instead of holding its own
	// frame; this backs bind_indirect, where a mapping is defined purely
	// as a window into another mapping (e.g. a child copy-on-write
	// mapping before it has privately duplicated any page).
	indirect *Mapping
}

// Mapping is a shareable, reference-counted object describing a region of
// backing storage that can be bound into the virtual range of one or more
// address spaces. It has no notion of where in any address space it is
// bound; kernel/mem/vmm/addrspace records that separately per binding.
type Mapping struct {
	mu sync.Mutex

	refs int32

	size     mem.Size
	portions []portion
}

// Create constructs a new Mapping of the given size (rounded up to a whole
// number of pages) with a single outstanding reference, owned by the
// caller.
func Create(size mem.Size) *Mapping {
	pages := (size + mem.PageSize - 1) / mem.PageSize
	return &Mapping{
		refs:     1,
		size:     size,
		portions: make([]portion, pages),
	}
}

// Retain increments the mapping's reference count. Every successful Bind
// or fork of an address space descriptor that points at this mapping must
// pair with a Retain; kernel/mem/vmm/addrspace does this automatically from
// Allocate/AllocateFixed.
func (m *Mapping) Retain() {
	m.mu.Lock()
	m.refs++
	m.mu.Unlock()
}

// Release decrements the mapping's reference count, returning true if this
// was the last reference. On the last reference, Release returns every
// frame the mapping privately owns (portions that are not chained via
// bind_indirect to another mapping) to the physical allocator.
func (m *Mapping) Release() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refs--
	if m.refs > 0 {
		return false
	}

	for _, p := range m.portions {
		if p.indirect == nil && p.frame.Valid() {
			freeFrameFn(p.frame)
		}
	}
	return true
}

// Size returns the mapping's byte extent.
func (m *Mapping) Size() mem.Size { return m.size }

// BindIndirect rebinds the portion at byte offset off to resolve through
// target's portion at the same offset instead of holding a frame of its
// own. It is used to construct copy-on-write children that share pages
// with their parent until the first write forces a private copy.
func (m *Mapping) BindIndirect(off mem.Size, target *Mapping) *kernel.Error {
	idx := off / mem.PageSize
	if idx >= mem.Size(len(m.portions)) {
		return errOffsetOutOfRange
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.portions[idx] = portion{indirect: target}
	return nil
}

// Bind eagerly installs portions for the count pages starting at byte
// offset off. If phys is valid, the installed portions are non-owning,
// referencing count contiguous frames starting at phys (e.g. a device's
// MMIO range, which Release must never hand back to the physical
// allocator); otherwise Bind allocates and zero-fills a fresh frame per
// page, recording an owning portion for each.
//
// Bind fails with errAlreadyBound, touching nothing, if any page in the
// range already has a portion (owning, non-owning, or indirect) — it is
// not a way to overwrite an existing binding.
func (m *Mapping) Bind(off mem.Size, count uint64, phys pmm.Frame) *kernel.Error {
	startIdx := off / mem.PageSize
	if startIdx+mem.Size(count) > mem.Size(len(m.portions)) {
		return errOffsetOutOfRange
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := uint64(0); i < count; i++ {
		p := m.portions[startIdx+mem.Size(i)]
		if p.frame.Valid() || p.indirect != nil {
			return errAlreadyBound
		}
	}

	for i := uint64(0); i < count; i++ {
		idx := startIdx + mem.Size(i)
		if phys.Valid() {
			m.portions[idx] = portion{frame: phys + pmm.Frame(i)}
			continue
		}

		frame, err := allocFrameFn()
		if err != nil {
			return err
		}
		zeroFrameFn(frame)
		m.portions[idx] = portion{frame: frame}
	}
	return nil
}

// Resolve returns the physical frame backing byte offset off, allocating
// and zero-filling it on first access (the bind-on-miss path) and
// following any bind_indirect chain until it reaches a portion that holds
// its own frame.
//
// The chain is followed with each mapping's own lock held only for the
// duration of reading that one portion, never across the whole chain, so a
// long chain of indirections cannot deadlock against a concurrent Resolve
// on an intermediate mapping.
func (m *Mapping) Resolve(off mem.Size) (pmm.Frame, *kernel.Error) {
	idx := off / mem.PageSize
	if idx >= mem.Size(len(m.portions)) {
		return pmm.InvalidFrame, errOffsetOutOfRange
	}

	cur := m
	curOff := off
	for {
		cur.mu.Lock()
		p := cur.portions[curOff/mem.PageSize]

		if p.indirect != nil {
			next := p.indirect
			cur.mu.Unlock()
			cur = next
			continue
		}

		if p.frame.Valid() {
			frame := p.frame
			cur.mu.Unlock()
			return frame, nil
		}

		frame, err := allocFrameFn()
		if err != nil {
			cur.mu.Unlock()
			return pmm.InvalidFrame, err
		}
		cur.portions[curOff/mem.PageSize].frame = frame
		cur.mu.Unlock()

		zeroFrameFn(frame)
		return frame, nil
	}
}

// MakePrivate severs any bind_indirect chain at byte offset off by
// allocating a fresh frame and recording it directly in m's own portion,
// leaving the previously-chained source mapping untouched. This is the
// copy-on-write "duplicate privately" step; the caller (the fault
// resolver) is responsible for copying the old frame's contents into the
// new one before installing it in the faulting page table entry.
func (m *Mapping) MakePrivate(off mem.Size) (pmm.Frame, *kernel.Error) {
	idx := off / mem.PageSize
	if idx >= mem.Size(len(m.portions)) {
		return pmm.InvalidFrame, errOffsetOutOfRange
	}

	frame, err := allocFrameFn()
	if err != nil {
		return pmm.InvalidFrame, err
	}

	m.mu.Lock()
	m.portions[idx] = portion{frame: frame}
	m.mu.Unlock()

	return frame, nil
}
