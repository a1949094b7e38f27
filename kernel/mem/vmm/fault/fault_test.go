package fault

import (
	"testing"

	"vmkernel/kernel"
	"vmkernel/kernel/mem"
	"vmkernel/kernel/mem/pmm"
	"vmkernel/kernel/mem/vmm"
	"vmkernel/kernel/mem/vmm/mapping"
)

type fakeAddrSpace struct {
	m     *mapping.Mapping
	off   mem.Size
	perms vmm.PageTableEntryFlag
	ok    bool
}

func (f *fakeAddrSpace) LookupMapping(addr uintptr) (*mapping.Mapping, mem.Size, vmm.PageTableEntryFlag, bool) {
	return f.m, f.off, f.perms, f.ok
}

func TestHandleReturnsFalseWithoutActiveAddressSpace(t *testing.T) {
	var r Resolver
	if r.Handle(0, false) {
		t.Fatal("expected Handle to fail with no active address space and no mapped PTE")
	}
}

func TestHandleReturnsFalseForUnknownAddress(t *testing.T) {
	var r Resolver
	r.SetActiveAddressSpace(&fakeAddrSpace{ok: false})
	if r.Handle(0, false) {
		t.Fatal("expected Handle to fail for an address with no installed page table entry")
	}
}

// withFrameSeams installs fake allocate/free/zero seams for the duration of
// a test and restores the package defaults afterwards.
func withFrameSeams(t *testing.T, alloc func() (pmm.Frame, *kernel.Error), free func(pmm.Frame), zero func(pmm.Frame)) {
	t.Helper()
	origAlloc, origFree, origZero := allocFrameFn, freeFrameFn, zeroFrameFn
	if alloc != nil {
		allocFrameFn = alloc
	}
	if free != nil {
		freeFrameFn = free
	}
	if zero != nil {
		zeroFrameFn = zero
	}
	t.Cleanup(func() {
		allocFrameFn, freeFrameFn, zeroFrameFn = origAlloc, origFree, origZero
	})
}

func TestPrepareAnonymousFrameZeroesWhenRequested(t *testing.T) {
	const wantFrame = pmm.Frame(7)
	var zeroed []pmm.Frame
	withFrameSeams(t,
		func() (pmm.Frame, *kernel.Error) { return wantFrame, nil },
		nil,
		func(f pmm.Frame) { zeroed = append(zeroed, f) },
	)

	var r Resolver
	r.SetActiveAddressSpace(&fakeAddrSpace{ok: true, m: nil, perms: vmm.FlagRW | vmm.FlagZero})

	frame, perms, ok := r.prepareAnonymousFrame(0x1000, vmm.FlagRW|vmm.FlagZero)
	if !ok {
		t.Fatal("expected prepareAnonymousFrame to succeed")
	}
	if frame != wantFrame {
		t.Errorf("expected frame %d; got %d", wantFrame, frame)
	}
	if perms&vmm.FlagZero != 0 {
		t.Errorf("expected FlagZero to be stripped from the resolved perms")
	}
	if len(zeroed) != 1 || zeroed[0] != wantFrame {
		t.Errorf("expected the allocated frame to be zeroed exactly once; got %v", zeroed)
	}
}

func TestPrepareAnonymousFrameSkipsZeroWhenNotRequested(t *testing.T) {
	var zeroed []pmm.Frame
	withFrameSeams(t,
		func() (pmm.Frame, *kernel.Error) { return pmm.Frame(1), nil },
		nil,
		func(f pmm.Frame) { zeroed = append(zeroed, f) },
	)

	var r Resolver
	r.SetActiveAddressSpace(&fakeAddrSpace{ok: true, m: nil, perms: vmm.FlagRW})

	if _, _, ok := r.prepareAnonymousFrame(0x1000, vmm.FlagRW); !ok {
		t.Fatal("expected prepareAnonymousFrame to succeed")
	}
	if len(zeroed) != 0 {
		t.Errorf("expected no zeroing when FlagZero is not set; got %v", zeroed)
	}
}

func TestPrepareAnonymousFrameFailsWhenAllocatorFails(t *testing.T) {
	allocErr := &kernel.Error{Module: "test", Message: "out of memory"}
	withFrameSeams(t,
		func() (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, allocErr },
		nil, nil,
	)

	var r Resolver
	r.SetActiveAddressSpace(&fakeAddrSpace{ok: true, m: nil, perms: vmm.FlagRW})

	if _, _, ok := r.prepareAnonymousFrame(0x1000, vmm.FlagRW); ok {
		t.Fatal("expected prepareAnonymousFrame to fail when the frame allocator fails")
	}
}

func TestPrepareAnonymousFrameFreesAndFailsWhenDescriptorNoLongerAnonymous(t *testing.T) {
	var freed []pmm.Frame
	const wantFrame = pmm.Frame(3)
	withFrameSeams(t,
		func() (pmm.Frame, *kernel.Error) { return wantFrame, nil },
		func(f pmm.Frame) { freed = append(freed, f) },
		nil,
	)

	// The descriptor is now backed by a shareable mapping (m != nil) by
	// the time the recheck runs, mirroring a racing bind that happened
	// while the frame above was being prepared.
	var r Resolver
	r.SetActiveAddressSpace(&fakeAddrSpace{ok: true, m: &mapping.Mapping{}, perms: vmm.FlagRW})

	if _, _, ok := r.prepareAnonymousFrame(0x1000, vmm.FlagRW); ok {
		t.Fatal("expected prepareAnonymousFrame to fail once the descriptor stops being anonymous")
	}
	if len(freed) != 1 || freed[0] != wantFrame {
		t.Errorf("expected the allocated frame to be freed exactly once; got %v", freed)
	}
}

func TestPrepareAnonymousFrameFreesAndFailsWhenRangeUnmapped(t *testing.T) {
	var freed []pmm.Frame
	withFrameSeams(t,
		func() (pmm.Frame, *kernel.Error) { return pmm.Frame(5), nil },
		func(f pmm.Frame) { freed = append(freed, f) },
		nil,
	)

	var r Resolver
	r.SetActiveAddressSpace(&fakeAddrSpace{ok: false})

	if _, _, ok := r.prepareAnonymousFrame(0x1000, vmm.FlagRW); ok {
		t.Fatal("expected prepareAnonymousFrame to fail once the range is no longer mapped")
	}
	if len(freed) != 1 {
		t.Errorf("expected the allocated frame to be freed exactly once; got %v", freed)
	}
}

func TestPrepareAnonymousFrameRetriesOnPermissionChange(t *testing.T) {
	var freed []pmm.Frame
	allocCount := 0
	withFrameSeams(t,
		func() (pmm.Frame, *kernel.Error) { allocCount++; return pmm.Frame(allocCount), nil },
		func(f pmm.Frame) { freed = append(freed, f) },
		nil,
	)

	// The active address space consistently reports a different
	// permission set than the one the caller started with, simulating a
	// racing ChangePermissions that lands between the allocation and the
	// recheck; the first iteration must free its frame and retry against
	// the fresh permissions, and the second iteration converges because
	// its own snapshot now matches what it asked for.
	var r Resolver
	r.SetActiveAddressSpace(&fakeAddrSpace{ok: true, m: nil, perms: vmm.FlagRW | vmm.FlagUserAccessible})

	frame, perms, ok := r.prepareAnonymousFrame(0x1000, vmm.FlagRW)
	if !ok {
		t.Fatal("expected prepareAnonymousFrame to eventually succeed")
	}
	if frame != pmm.Frame(2) {
		t.Errorf("expected the second allocated frame to be installed; got %d", frame)
	}
	if perms != vmm.FlagRW|vmm.FlagUserAccessible {
		t.Errorf("expected the resolved perms to match the final snapshot; got %v", perms)
	}
	if len(freed) != 1 || freed[0] != pmm.Frame(1) {
		t.Errorf("expected the first, stale-perms frame to be freed exactly once; got %v", freed)
	}
}
