package region

import (
	"testing"

	"vmkernel/kernel/mem/vmm"
)

func TestAllocateAndFreeRoundTrip(t *testing.T) {
	a := New(vmm.Page(0), 8, 8)

	page, err := a.Allocate(4)
	if err != nil {
		t.Fatal(err)
	}
	if page != 0 {
		t.Errorf("expected first allocation at page 0; got %d", page)
	}

	if err := a.Free(page, 4); err != nil {
		t.Fatalf("unexpected error freeing: %v", err)
	}
	if !a.hasFree(0, 3) {
		t.Errorf("expected freed range to merge back into the original order-3 block")
	}
}

func TestAllocateNonPowerOfTwoCountReservesWholeBlock(t *testing.T) {
	a := New(vmm.Page(0), 4, 4)

	page, err := a.Allocate(3)
	if err != nil {
		t.Fatal(err)
	}
	for p := page; p < page+4; p++ {
		if !a.isUsed(p) {
			t.Errorf("expected page %d (within the rounded-up order-2 block) to be marked used", p)
		}
	}
	if _, err := a.Allocate(1); err == nil {
		t.Fatal("expected no free pages to remain after a 3-page allocation consumed the whole order-2 block")
	}

	if err := a.Free(page, 3); err != nil {
		t.Fatal(err)
	}
	if !a.hasFree(0, 2) {
		t.Errorf("expected Free to return the entire order-2 block as a single free block")
	}
}

func TestAllocateFixedCarvesRequestedRange(t *testing.T) {
	a := New(vmm.Page(0), 16, 16)

	if err := a.AllocateFixed(vmm.Page(5), 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for p := vmm.Page(5); p < 8; p++ {
		if !a.isUsed(p) {
			t.Errorf("expected page %d to be marked used", p)
		}
	}
	if a.isUsed(4) || a.isUsed(8) {
		t.Errorf("expected neighbouring pages to remain free")
	}
}

func TestAllocateFixedRejectsAlreadyUsed(t *testing.T) {
	a := New(vmm.Page(0), 16, 16)
	if err := a.AllocateFixed(vmm.Page(4), 4); err != nil {
		t.Fatal(err)
	}
	if err := a.AllocateFixed(vmm.Page(4), 2); err == nil {
		t.Fatal("expected AllocateFixed to fail against an already-reserved range")
	}
}

func TestAllocateOutOfSpace(t *testing.T) {
	a := New(vmm.Page(0), 2, 2)
	if _, err := a.Allocate(4); err == nil {
		t.Fatal("expected out-of-space error")
	}
}

func TestAllocatorBlockBoundDerivedFromPhysicalPages(t *testing.T) {
	a := New(vmm.Page(0), 64, 1)
	if a.blockBound != maxBlocksPerPage {
		t.Fatalf("expected block bound %d; got %d", maxBlocksPerPage, a.blockBound)
	}

	// Force the allocator over its bound by directly inflating blockCount
	// past the threshold derived from a single physical page, then confirm
	// Allocate refuses further requests rather than growing metadata
	// without limit.
	a.blockCount = a.blockBound
	if _, err := a.Allocate(1); err == nil {
		t.Fatal("expected the allocator to refuse allocation once its block bound is reached")
	}
}
