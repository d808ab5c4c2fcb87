package memory

import (
	"encoding/binary"

	"github.com/evanphx/arden/ksync"
	"github.com/evanphx/arden/log"
	"github.com/pkg/errors"
)

var (
	ErrFault    = errors.New("invalid memory access")
	ErrReadOnly = errors.New("write to read-only page")
)

// PTE is a handle on one page table entry stored in physical memory.
type PTE struct {
	pm   *PhysMem
	addr uint32
}

func (e PTE) Get() uint32 {
	return binary.LittleEndian.Uint32(e.pm.Slice(e.addr, 4))
}

func (e PTE) Set(v uint32) {
	binary.LittleEndian.PutUint32(e.pm.Slice(e.addr, 4), v)
}

func (e PTE) Present() bool {
	return e.Get()&PteP != 0
}

func (e PTE) Frame() Frame {
	return FrameFromAddress(PteAddr(e.Get()))
}

// PageTable is a two-level x86 style page directory. One table may be shared
// by several processes after a lite fork; shares counts them.
type PageTable struct {
	pm   *PhysMem
	root Frame

	lock   ksync.Spinlock
	shares int
}

// NewPageTable allocates an empty directory with a single owner.
func NewPageTable(pm *PhysMem) (*PageTable, error) {
	root, err := pm.AllocZeroed()
	if err != nil {
		return nil, err
	}

	pt := &PageTable{pm: pm, root: root, shares: 1}
	pt.lock.Init("pgdir")

	return pt, nil
}

// Root is the frame of the page directory, the value loaded into cr3.
func (pt *PageTable) Root() Frame {
	return pt.root
}

func (pt *PageTable) Shares() int {
	pt.lock.Acquire()
	defer pt.lock.Release()

	return pt.shares
}

// Walk returns the entry for va, creating the second-level table when alloc
// is set. It returns false if the table is missing and could not be created.
func (pt *PageTable) Walk(va uint32, alloc bool) (PTE, bool) {
	pde := PTE{pt.pm, pt.root.Address() + PDX(va)*4}

	var table uint32

	if pde.Present() {
		table = PteAddr(pde.Get())
	} else {
		if !alloc {
			return PTE{}, false
		}

		f, err := pt.pm.AllocZeroed()
		if err != nil {
			return PTE{}, false
		}

		table = f.Address()

		// Permissions here are overly generous, the entries in the second
		// level table restrict them further.
		pde.Set(table | PteP | PteW | PteU)
	}

	return PTE{pt.pm, table + PTX(va)*4}, true
}

// Map creates entries for virtual addresses starting at va that refer to
// physical addresses starting at pa. Mapping a page that is already present
// is fatal.
func (pt *PageTable) Map(va, size, pa, perm uint32) error {
	a := PageRoundDown(va)
	last := PageRoundDown(va + size - 1)

	for {
		pte, ok := pt.Walk(a, true)
		if !ok {
			return errors.Wrapf(ErrOutOfMemory, "mapping %#x", a)
		}

		if pte.Present() {
			log.Fatal("remap", "va", a)
		}

		pte.Set(pa | perm | PteP)

		if a == last {
			break
		}

		a += PageSize
		pa += PageSize
	}

	return nil
}

type kmapping struct {
	virt, pstart, pend, perm uint32
}

func (pm *PhysMem) kmap() []kmapping {
	l := pm.layout

	return []kmapping{
		// I/O space
		{KernBase, 0, ExtMem, PteW},
		// kernel text and read-only data
		{KernLink, ExtMem, l.KernData, 0},
		// kernel data and free memory
		{KernBase + l.KernData, l.KernData, l.PhysTop, PteW},
		// memory-mapped devices
		{DevSpace, DevSpace, 0, PteW},
	}
}

// SetupKernel builds a page table holding only the kernel mappings. Every
// process table starts from one of these.
func SetupKernel(pm *PhysMem) (*PageTable, error) {
	pt, err := NewPageTable(pm)
	if err != nil {
		return nil, err
	}

	for _, k := range pm.kmap() {
		if err := pt.Map(k.virt, k.pend-k.pstart, k.pstart, k.perm); err != nil {
			pt.freeTables()
			return nil, err
		}
	}

	return pt, nil
}

// AllocUser grows the user range from oldsz to newsz, backing the new pages
// with zeroed frames. On failure every page added so far is released again.
func (pt *PageTable) AllocUser(oldsz, newsz uint32) (uint32, error) {
	if newsz >= KernBase {
		return 0, errors.Wrapf(ErrFault, "size %#x reaches kernel space", newsz)
	}

	if newsz < oldsz {
		return oldsz, nil
	}

	pt.lock.Acquire()
	defer pt.lock.Release()

	for a := PageRoundUp(oldsz); a < newsz; a += PageSize {
		f, err := pt.pm.AllocZeroed()
		if err != nil {
			pt.dealloc(a, oldsz)
			return 0, errors.Wrapf(err, "allocuvm at %#x", a)
		}

		if err := pt.Map(a, PageSize, f.Address(), PteW|PteU); err != nil {
			pt.pm.Free(f)
			pt.dealloc(a, oldsz)
			return 0, err
		}

		pt.pm.IncRef(f)
	}

	return newsz, nil
}

// DeallocUser shrinks the user range from oldsz to newsz and returns the new
// size.
func (pt *PageTable) DeallocUser(oldsz, newsz uint32) uint32 {
	if newsz >= oldsz {
		return oldsz
	}

	pt.lock.Acquire()
	defer pt.lock.Release()

	return pt.dealloc(oldsz, newsz)
}

// dealloc drops the mappings in [newsz, oldsz). The caller holds pt.lock.
func (pt *PageTable) dealloc(oldsz, newsz uint32) uint32 {
	pt.unref(PageRoundUp(newsz), oldsz, true)
	return newsz
}

// unref drops one reference to each frame mapped in [start, end), clearing
// the entries when clear is set.
func (pt *PageTable) unref(start, end uint32, clear bool) {
	for a := start; a < end; a += PageSize {
		pte, ok := pt.Walk(a, false)
		if !ok {
			// Skip to the next page directory entry.
			a = PGAddr(PDX(a)+1, 0, 0) - PageSize
			if a+PageSize == 0 {
				return
			}
			continue
		}

		if !pte.Present() {
			continue
		}

		pt.pm.Put(pte.Frame())

		if clear {
			pte.Set(0)
		}
	}
}

// Free releases the caller's share of the table. The last sharer frees all
// user frames, the second-level tables and the directory.
func (pt *PageTable) Free() {
	pt.lock.Acquire()

	if pt.shares <= 0 {
		pt.lock.Release()
		log.Fatal("freevm: no sharers", "root", pt.root)
	}

	pt.shares--
	last := pt.shares == 0

	pt.unref(0, KernBase, last)

	pt.lock.Release()

	if last {
		pt.freeTables()
	}
}

func (pt *PageTable) freeTables() {
	for i := uint32(0); i < NPDEntries; i++ {
		pde := PTE{pt.pm, pt.root.Address() + i*4}
		if pde.Present() {
			pt.pm.Free(pde.Frame())
		}
	}

	pt.pm.Free(pt.root)
}

// Share prepares a lite fork: every user page in [0, sz) becomes read-only,
// gains a reference and the table gains a sharer. The returned table is pt
// itself.
func (pt *PageTable) Share(sz uint32) *PageTable {
	pt.lock.Acquire()
	defer pt.lock.Release()

	for a := uint32(0); a < sz; a += PageSize {
		pte, ok := pt.Walk(a, false)
		if !ok || !pte.Present() {
			log.Fatal("share: page not present", "va", a)
		}

		pte.Set(pte.Get() &^ PteW)
		pt.pm.IncRef(pte.Frame())
	}

	pt.shares++

	return pt
}

// Copy builds a private copy of the user range [0, sz): a fresh kernel
// table whose user pages are writable copies of pt's.
func (pt *PageTable) Copy(sz uint32) (*PageTable, error) {
	npt, err := SetupKernel(pt.pm)
	if err != nil {
		return nil, err
	}

	pt.lock.Acquire()
	defer pt.lock.Release()

	for a := uint32(0); a < sz; a += PageSize {
		pte, ok := pt.Walk(a, false)
		if !ok || !pte.Present() {
			log.Fatal("copyuvm: page not present", "va", a)
		}

		f, err := pt.pm.Alloc()
		if err != nil {
			npt.Free()
			return nil, errors.Wrapf(err, "copyuvm at %#x", a)
		}

		copy(pt.pm.Bytes(f), pt.pm.Bytes(pte.Frame()))

		flags := PteFlags(pte.Get()) | PteW
		if err := npt.Map(a, PageSize, f.Address(), flags&^PteP); err != nil {
			pt.pm.Free(f)
			npt.Free()
			return nil, err
		}

		pt.pm.IncRef(f)
	}

	return npt, nil
}

// Fork duplicates the address space for a child. A lite fork shares pt, a
// deep fork copies it.
func (pt *PageTable) Fork(sz uint32, lite bool) (*PageTable, error) {
	if lite {
		return pt.Share(sz), nil
	}

	return pt.Copy(sz)
}

// Unshare gives the caller a private table. If pt has no other sharers it is
// returned unchanged, otherwise the caller's share moves to a deep copy.
func (pt *PageTable) Unshare(sz uint32) (*PageTable, error) {
	if pt.Shares() == 1 {
		pt.restoreWrite(sz)
		return pt, nil
	}

	npt, err := pt.Copy(sz)
	if err != nil {
		return nil, err
	}

	pt.Free()

	return npt, nil
}

// HandleWriteFault resolves a write to a read-only user page at va. It
// returns the table the faulting process must use from now on. A fault on a
// page that is not a copy-on-write candidate returns ErrFault.
func (pt *PageTable) HandleWriteFault(va, sz uint32) (*PageTable, error) {
	if va >= sz {
		return nil, errors.Wrapf(ErrFault, "write fault at %#x beyond size %#x", va, sz)
	}

	pt.lock.Acquire()
	pte, ok := pt.Walk(va, false)
	valid := ok && pte.Get()&(PteP|PteU) == PteP|PteU
	pt.lock.Release()

	if !valid {
		return nil, errors.Wrapf(ErrFault, "write fault at %#x", va)
	}

	log.L.Trace("cow-fault", "va", va, "shares", pt.Shares())

	return pt.Unshare(sz)
}

// restoreWrite makes every page in [0, sz) with a single mapping writable.
func (pt *PageTable) restoreWrite(sz uint32) {
	pt.lock.Acquire()
	defer pt.lock.Release()

	for a := uint32(0); a < sz; a += PageSize {
		pte, ok := pt.Walk(a, false)
		if !ok || !pte.Present() {
			continue
		}

		if pt.pm.Ref(pte.Frame()) == 1 {
			pte.Set(pte.Get() | PteW)
		}
	}
}

// Translate maps a user virtual address to a physical address. write asks
// for write access.
func (pt *PageTable) Translate(va uint32, write bool) (uint32, error) {
	if va >= KernBase {
		return 0, errors.Wrapf(ErrFault, "user access to %#x", va)
	}

	pt.lock.Acquire()
	defer pt.lock.Release()

	pte, ok := pt.Walk(va, false)
	if !ok {
		return 0, errors.Wrapf(ErrFault, "no mapping for %#x", va)
	}

	v := pte.Get()

	if v&PteP == 0 || v&PteU == 0 {
		return 0, errors.Wrapf(ErrFault, "no user mapping for %#x", va)
	}

	if write && v&PteW == 0 {
		return 0, errors.Wrapf(ErrReadOnly, "at %#x", va)
	}

	return PteAddr(v) | va&(PageSize-1), nil
}

// CopyOut copies data into user memory at va.
func (pt *PageTable) CopyOut(va uint32, data []byte) error {
	for len(data) > 0 {
		pa, err := pt.Translate(va, true)
		if err != nil {
			return err
		}

		n := PageSize - va&(PageSize-1)
		if n > uint32(len(data)) {
			n = uint32(len(data))
		}

		copy(pt.pm.Slice(pa, n), data[:n])

		data = data[n:]
		va += n
	}

	return nil
}

// CopyIn reads len(buf) bytes of user memory at va into buf.
func (pt *PageTable) CopyIn(va uint32, buf []byte) error {
	for len(buf) > 0 {
		pa, err := pt.Translate(va, false)
		if err != nil {
			return err
		}

		n := PageSize - va&(PageSize-1)
		if n > uint32(len(buf)) {
			n = uint32(len(buf))
		}

		copy(buf[:n], pt.pm.Slice(pa, n))

		buf = buf[n:]
		va += n
	}

	return nil
}
