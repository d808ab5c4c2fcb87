package memory

import "github.com/pkg/errors"

const (
	PageSize  = 4096
	PageShift = 12

	// Entries per page directory and per page table.
	NPDEntries = 1024
	NPTEntries = 1024

	PDXShift = 22
	PTXShift = 12

	// KernBase is the first kernel virtual address. User memory lives
	// below it.
	KernBase = 0x80000000

	// ExtMem is the start of extended memory; below it is I/O space.
	ExtMem = 0x100000

	// KernLink is the address where the kernel is linked.
	KernLink = KernBase + ExtMem

	// DevSpace is where memory-mapped devices such as the ioapic live.
	DevSpace = 0xFE000000
)

// Page table entry flags.
const (
	PteP = 0x001 // present
	PteW = 0x002 // writeable
	PteU = 0x004 // user
)

// Layout describes the simulated machine's physical memory.
type Layout struct {
	// PhysTop is the top of physical memory.
	PhysTop uint32

	// KernData is the physical address where the kernel's writable data
	// starts; text and read-only data sit between ExtMem and KernData.
	KernData uint32

	// KernEnd is the first physical address after the loaded kernel. Frames
	// from here to PhysTop are handed to the allocator.
	KernEnd uint32
}

func DefaultLayout() Layout {
	return Layout{
		PhysTop:  8 << 20,
		KernData: 0x140000,
		KernEnd:  0x180000,
	}
}

var ErrBadLayout = errors.New("bad physical memory layout")

func (l Layout) Validate() error {
	switch {
	case l.KernData < ExtMem || l.KernEnd < l.KernData:
		return errors.Wrapf(ErrBadLayout, "kernel image [%#x, %#x)", l.KernData, l.KernEnd)
	case l.PhysTop <= PageRoundUp(l.KernEnd):
		return errors.Wrapf(ErrBadLayout, "no free memory below %#x", l.PhysTop)
	case uint64(KernBase)+uint64(l.PhysTop) > DevSpace:
		return errors.Wrapf(ErrBadLayout, "PHYSTOP %#x too high", l.PhysTop)
	case l.PhysTop%PageSize != 0:
		return errors.Wrapf(ErrBadLayout, "PHYSTOP %#x not page aligned", l.PhysTop)
	}

	return nil
}

// Frame is a physical page frame number.
type Frame uint32

// Address returns the physical address of the start of the frame.
func (f Frame) Address() uint32 {
	return uint32(f) << PageShift
}

// FrameFromAddress returns the frame containing physical address pa.
func FrameFromAddress(pa uint32) Frame {
	return Frame(pa >> PageShift)
}

func PageRoundUp(sz uint32) uint32 {
	return (sz + PageSize - 1) &^ (PageSize - 1)
}

func PageRoundDown(a uint32) uint32 {
	return a &^ (PageSize - 1)
}

// PDX is the page directory index of a virtual address.
func PDX(va uint32) uint32 {
	return (va >> PDXShift) & 0x3FF
}

// PTX is the page table index of a virtual address.
func PTX(va uint32) uint32 {
	return (va >> PTXShift) & 0x3FF
}

// PGAddr builds a virtual address from its directory index, table index
// and offset.
func PGAddr(d, t, o uint32) uint32 {
	return d<<PDXShift | t<<PTXShift | o
}

// PteAddr extracts the physical address from an entry.
func PteAddr(pte uint32) uint32 {
	return pte &^ 0xFFF
}

// PteFlags extracts the flag bits from an entry.
func PteFlags(pte uint32) uint32 {
	return pte & 0xFFF
}
