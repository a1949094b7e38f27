// +build amd64

package mem

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// PointerShift is equal to log2(unsafe.Sizeof(uintptr(0))) and is used
	// to convert an index inside a table of pointer-sized entries (e.g. a
	// page table) into a byte offset.
	PointerShift = 3

	// LargePageShift is equal to log2(LargePageSize) and applies to the
	// 2MB pages that may be installed at the third page-table level.
	LargePageShift = 21

	// LargePageSize is the size, in bytes, of a large (2MB) page.
	LargePageSize = Size(1 << LargePageShift)

	// HugePageShift is equal to log2(HugePageSize) and applies to the
	// 1GB pages that may be installed at the second page-table level.
	HugePageShift = 30

	// HugePageSize is the size, in bytes, of a very large (1GB) page.
	HugePageSize = Size(1 << HugePageShift)

	// MaxPageOrder is the largest PageOrder that the physical and virtual
	// buddy allocators will track. A block of this order spans
	// PageSize << MaxPageOrder bytes.
	MaxPageOrder = PageOrder(18)
)
