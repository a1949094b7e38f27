package vmm

import (
	"testing"

	"vmkernel/kernel/mem/pmm"
)

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		flag1 = PageTableEntryFlag(1 << 10)
		flag2 = PageTableEntryFlag(1 << 21)
	)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	pte.SetFlags(flag1 | flag2)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}

	pte.ClearFlags(flag1)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.ClearFlags(flag1 | flag2)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}
}

func TestPageTableEntryFrameEncoding(t *testing.T) {
	var (
		pte       pageTableEntry
		physFrame = pmm.Frame(123)
	)

	pte.SetFrame(physFrame)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}
}

func TestPageTableEntryOnDemand(t *testing.T) {
	var pte pageTableEntry

	if pte.isOnDemand() {
		t.Fatal("a zero-value entry must not be reported as on-demand")
	}

	pte.SetFlags(FlagPresent | FlagRW)
	pte.SetFrame(pmm.Frame(42))
	pte.markOnDemand()

	if pte.HasFlags(FlagPresent) {
		t.Error("expected FlagPresent to be cleared by markOnDemand")
	}
	if !pte.isOnDemand() {
		t.Error("expected isOnDemand to be true after markOnDemand")
	}

	pte.SetFrame(pmm.Frame(42))
	pte.SetFlags(FlagPresent)
	if pte.isOnDemand() {
		t.Error("expected isOnDemand to be false once the entry is resolved")
	}
}
