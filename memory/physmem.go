package memory

import (
	"github.com/evanphx/arden/ksync"
	"github.com/evanphx/arden/log"
	"github.com/pkg/errors"
)

var ErrOutOfMemory = errors.New("out of physical memory")

// PhysMem is the machine's physical memory together with the page frame
// allocator that hands it out.
type PhysMem struct {
	layout Layout
	mem    []byte

	lock     ksync.Spinlock
	freelist Frame
	next     []Frame
	free     []bool
	nfree    int

	// refs counts the user mappings of each frame. It has its own lock so
	// that page table code can adjust it while holding a table lock.
	refLock ksync.Spinlock
	refs    []uint16
}

const noFrame = Frame(0)

// NewPhysMem allocates the simulated memory and hands every frame between
// the end of the kernel image and PhysTop to the free list.
func NewPhysMem(layout Layout) (*PhysMem, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	frames := layout.PhysTop / PageSize

	pm := &PhysMem{
		layout: layout,
		mem:    make([]byte, layout.PhysTop),
		next:   make([]Frame, frames),
		free:   make([]bool, frames),
		refs:   make([]uint16, frames),
	}

	pm.lock.Init("kmem")
	pm.refLock.Init("pgrefc")

	pm.freeRange(layout.KernEnd, layout.PhysTop)

	log.L.Debug("kinit", "free-pages", pm.nfree, "phystop", layout.PhysTop)

	return pm, nil
}

func (pm *PhysMem) Layout() Layout {
	return pm.layout
}

func (pm *PhysMem) freeRange(start, end uint32) {
	for p := PageRoundUp(start); p+PageSize <= end; p += PageSize {
		pm.Free(FrameFromAddress(p))
	}
}

func (pm *PhysMem) checkFrame(op string, f Frame) {
	pa := f.Address()
	if pa < PageRoundUp(pm.layout.KernEnd) || pa >= pm.layout.PhysTop {
		log.Fatal(op, "frame", f, "pa", pa)
	}
}

// Free returns a frame to the allocator. The frame is filled with junk to
// catch dangling references. Freeing a frame outside the allocatable range
// or one that is already free is fatal.
func (pm *PhysMem) Free(f Frame) {
	pm.checkFrame("kfree", f)

	b := pm.Bytes(f)
	for i := range b {
		b[i] = 1
	}

	pm.lock.Acquire()
	defer pm.lock.Release()

	if pm.free[f] {
		log.Fatal("kfree: double free", "frame", f)
	}

	pm.free[f] = true
	pm.next[f] = pm.freelist
	pm.freelist = f
	pm.nfree++
}

// Alloc removes one frame from the free list. Its contents are undefined.
func (pm *PhysMem) Alloc() (Frame, error) {
	pm.lock.Acquire()
	defer pm.lock.Release()

	f := pm.freelist
	if f == noFrame {
		return noFrame, ErrOutOfMemory
	}

	pm.freelist = pm.next[f]
	pm.free[f] = false
	pm.nfree--

	return f, nil
}

// AllocZeroed is Alloc followed by clearing the frame.
func (pm *PhysMem) AllocZeroed() (Frame, error) {
	f, err := pm.Alloc()
	if err != nil {
		return f, err
	}

	pm.Zero(f)

	return f, nil
}

// FreeCount returns the number of frames on the free list.
func (pm *PhysMem) FreeCount() int {
	pm.lock.Acquire()
	defer pm.lock.Release()

	return pm.nfree
}

// IsFree reports whether f currently sits on the free list.
func (pm *PhysMem) IsFree(f Frame) bool {
	pm.lock.Acquire()
	defer pm.lock.Release()

	return pm.free[f]
}

// Bytes returns the frame's backing memory.
func (pm *PhysMem) Bytes(f Frame) []byte {
	pa := f.Address()
	return pm.mem[pa : pa+PageSize]
}

// Slice returns n bytes of physical memory starting at pa.
func (pm *PhysMem) Slice(pa, n uint32) []byte {
	if uint64(pa)+uint64(n) > uint64(len(pm.mem)) {
		log.Fatal("physical access out of range", "pa", pa, "len", n)
	}

	return pm.mem[pa : pa+n]
}

func (pm *PhysMem) Zero(f Frame) {
	b := pm.Bytes(f)
	for i := range b {
		b[i] = 0
	}
}

// Ref returns the number of user mappings of f.
func (pm *PhysMem) Ref(f Frame) int {
	pm.refLock.Acquire()
	defer pm.refLock.Release()

	return int(pm.refs[f])
}

// IncRef records one more user mapping of f.
func (pm *PhysMem) IncRef(f Frame) {
	pm.checkFrame("incref", f)

	pm.refLock.Acquire()
	defer pm.refLock.Release()

	pm.refs[f]++
}

// Put drops one user mapping of f and frees the frame when it was the last
// one. The decision to free is taken under the refcount lock, so exactly one
// caller releases a frame.
func (pm *PhysMem) Put(f Frame) {
	pm.refLock.Acquire()

	if pm.refs[f] == 0 {
		pm.refLock.Release()
		log.Fatal("put: frame has no references", "frame", f)
	}

	pm.refs[f]--
	last := pm.refs[f] == 0

	pm.refLock.Release()

	if last {
		pm.Free(f)
	}
}
