package memory

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func smallLayout() Layout {
	l := DefaultLayout()
	l.PhysTop = 4 << 20
	return l
}

func TestPhysMem(t *testing.T) {
	n := neko.Modern(t)

	n.It("hands out every free frame exactly once", func(t *testing.T) {
		pm, err := NewPhysMem(smallLayout())
		require.NoError(t, err)

		total := pm.FreeCount()
		require.Equal(t, int((4<<20-0x180000)/PageSize), total)

		seen := map[Frame]bool{}

		for i := 0; i < total; i++ {
			f, err := pm.Alloc()
			require.NoError(t, err)
			require.False(t, seen[f])
			seen[f] = true
		}

		_, err = pm.Alloc()
		require.Equal(t, ErrOutOfMemory, err)

		for f := range seen {
			pm.Free(f)
		}

		require.Equal(t, total, pm.FreeCount())
	})

	n.It("rejects double frees", func(t *testing.T) {
		pm, err := NewPhysMem(smallLayout())
		require.NoError(t, err)

		f, err := pm.Alloc()
		require.NoError(t, err)

		pm.Free(f)

		require.Panics(t, func() {
			pm.Free(f)
		})
	})

	n.It("rejects frames inside the kernel image", func(t *testing.T) {
		pm, err := NewPhysMem(smallLayout())
		require.NoError(t, err)

		require.Panics(t, func() {
			pm.Free(FrameFromAddress(ExtMem))
		})
	})

	n.It("frees a frame when its last reference goes", func(t *testing.T) {
		pm, err := NewPhysMem(smallLayout())
		require.NoError(t, err)

		f, err := pm.Alloc()
		require.NoError(t, err)

		pm.IncRef(f)
		pm.IncRef(f)

		pm.Put(f)
		require.False(t, pm.IsFree(f))
		require.Equal(t, 1, pm.Ref(f))

		pm.Put(f)
		require.True(t, pm.IsFree(f))

		require.Panics(t, func() {
			pm.Put(f)
		})
	})

	n.It("refuses a layout that reaches device space", func(t *testing.T) {
		l := DefaultLayout()
		l.PhysTop = 0x7F000000

		_, err := NewPhysMem(l)
		require.Equal(t, ErrBadLayout, errors.Cause(err))
	})

	n.Meow()
}

// userRefs counts the present user mappings of each frame across tables.
func userRefs(t *testing.T, sz uint32, pts ...*PageTable) map[Frame]int {
	refs := map[Frame]int{}

	for _, pt := range pts {
		for a := uint32(0); a < sz; a += PageSize {
			pte, ok := pt.Walk(a, false)
			require.True(t, ok)
			require.True(t, pte.Present())
			refs[pte.Frame()]++
		}
	}

	return refs
}

func TestPageTable(t *testing.T) {
	n := neko.Modern(t)

	n.It("maps the kernel range", func(t *testing.T) {
		pm, err := NewPhysMem(smallLayout())
		require.NoError(t, err)

		pt, err := SetupKernel(pm)
		require.NoError(t, err)

		pte, ok := pt.Walk(KernLink, false)
		require.True(t, ok)
		require.Equal(t, uint32(ExtMem), PteAddr(pte.Get()))
		require.Zero(t, pte.Get()&PteW)

		pte, ok = pt.Walk(KernBase+0x200000, false)
		require.True(t, ok)
		require.Equal(t, uint32(0x200000), PteAddr(pte.Get()))
		require.NotZero(t, pte.Get()&PteW)

		pte, ok = pt.Walk(0xFFFFF000, false)
		require.True(t, ok)
		require.True(t, pte.Present())

		_, err = pt.Translate(KernLink, false)
		require.Equal(t, ErrFault, errors.Cause(err))
	})

	n.It("treats a remap as fatal", func(t *testing.T) {
		pm, err := NewPhysMem(smallLayout())
		require.NoError(t, err)

		pt, err := SetupKernel(pm)
		require.NoError(t, err)

		require.Panics(t, func() {
			pt.Map(KernBase, PageSize, 0, PteW)
		})
	})

	n.It("returns every frame after grow and free", func(t *testing.T) {
		pm, err := NewPhysMem(smallLayout())
		require.NoError(t, err)

		before := pm.FreeCount()

		pt, err := SetupKernel(pm)
		require.NoError(t, err)

		sz, err := pt.AllocUser(0, 5*PageSize+10)
		require.NoError(t, err)
		require.Equal(t, uint32(5*PageSize+10), sz)

		sz = pt.DeallocUser(sz, 2*PageSize)
		require.Equal(t, uint32(2*PageSize), sz)

		_, err = pt.Translate(3*PageSize, false)
		require.Error(t, err)

		pt.Free()

		require.Equal(t, before, pm.FreeCount())
	})

	n.It("unwinds a grow that runs out of memory", func(t *testing.T) {
		pm, err := NewPhysMem(smallLayout())
		require.NoError(t, err)

		pt, err := SetupKernel(pm)
		require.NoError(t, err)

		sz, err := pt.AllocUser(0, PageSize)
		require.NoError(t, err)

		free := pm.FreeCount()

		_, err = pt.AllocUser(sz, 8<<20)
		require.Equal(t, ErrOutOfMemory, errors.Cause(err))

		// Only second-level tables created along the way stay behind.
		require.InDelta(t, free, pm.FreeCount(), 2)

		_, err = pt.Translate(PageSize, false)
		require.Error(t, err)

		_, err = pt.Translate(0, true)
		require.NoError(t, err)
	})

	n.It("keeps a lite fork isolated through copy on write", func(t *testing.T) {
		pm, err := NewPhysMem(smallLayout())
		require.NoError(t, err)

		before := pm.FreeCount()

		parent, err := SetupKernel(pm)
		require.NoError(t, err)

		sz, err := parent.AllocUser(0, 2*PageSize)
		require.NoError(t, err)

		require.NoError(t, parent.CopyOut(100, []byte("sentinel")))

		child, err := parent.Fork(sz, true)
		require.NoError(t, err)
		require.True(t, child == parent)
		require.Equal(t, 2, parent.Shares())

		for f, cnt := range userRefs(t, sz, parent) {
			require.Equal(t, cnt*2, pm.Ref(f))
		}

		err = child.CopyOut(100, []byte("child!!!"))
		require.Equal(t, ErrReadOnly, errors.Cause(err))

		child, err = child.HandleWriteFault(100, sz)
		require.NoError(t, err)
		require.False(t, child == parent)
		require.Equal(t, 1, parent.Shares())

		require.NoError(t, child.CopyOut(100, []byte("child!!!")))

		buf := make([]byte, 8)
		require.NoError(t, parent.CopyIn(100, buf))
		require.Equal(t, "sentinel", string(buf))

		refs := userRefs(t, sz, parent, child)
		for f, cnt := range refs {
			require.Equal(t, cnt, pm.Ref(f))
			require.Equal(t, 1, cnt)
		}

		// The parent is now the only user of its frames and gets write
		// access back in place.
		err = parent.CopyOut(100, []byte("parent"))
		require.Equal(t, ErrReadOnly, errors.Cause(err))

		same, err := parent.HandleWriteFault(100, sz)
		require.NoError(t, err)
		require.True(t, same == parent)

		require.NoError(t, parent.CopyOut(100, []byte("parent")))

		require.NoError(t, child.CopyIn(100, buf))
		require.Equal(t, "child!!!", string(buf))

		parent.Free()
		child.Free()

		require.Equal(t, before, pm.FreeCount())
	})

	n.It("frees a shared table only with its last sharer", func(t *testing.T) {
		pm, err := NewPhysMem(smallLayout())
		require.NoError(t, err)

		before := pm.FreeCount()

		pt, err := SetupKernel(pm)
		require.NoError(t, err)

		sz, err := pt.AllocUser(0, 3*PageSize)
		require.NoError(t, err)

		pt.Share(sz)
		pt.Free()

		require.Equal(t, 1, pt.Shares())

		buf := make([]byte, 4)
		require.NoError(t, pt.CopyIn(0, buf))

		for f := range userRefs(t, sz, pt) {
			require.Equal(t, 1, pm.Ref(f))
		}

		pt.Free()

		require.Equal(t, before, pm.FreeCount())
	})

	n.It("deep copies into private frames", func(t *testing.T) {
		pm, err := NewPhysMem(smallLayout())
		require.NoError(t, err)

		pt, err := SetupKernel(pm)
		require.NoError(t, err)

		sz, err := pt.AllocUser(0, PageSize)
		require.NoError(t, err)

		require.NoError(t, pt.CopyOut(PageSize-4, []byte("abcd")))

		cp, err := pt.Fork(sz, false)
		require.NoError(t, err)

		require.NoError(t, cp.CopyOut(PageSize-4, []byte("wxyz")))

		buf := make([]byte, 4)
		require.NoError(t, pt.CopyIn(PageSize-4, buf))
		require.Equal(t, "abcd", string(buf))

		require.Error(t, cp.CopyOut(PageSize-2, []byte("abcd")))
	})

	n.Meow()
}
