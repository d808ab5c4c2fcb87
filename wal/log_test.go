package wal

import (
	"context"
	"testing"

	"github.com/evanphx/arden/bio"
	"github.com/evanphx/arden/device"
	"github.com/evanphx/arden/pkg/waiter"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

const (
	logStart  = 2
	logBlocks = LogSize + 1
)

type rig struct {
	disk  *device.MemDisk
	w     *waiter.Waiter
	cache *bio.Cache
	log   *Log
}

func (r *rig) boot(t *testing.T) {
	tbl := device.NewTable()
	tbl.Attach(1, r.disk)

	cache, err := bio.NewCache(tbl, r.w, 64)
	require.NoError(t, err)

	l, err := Open(context.Background(), cache, r.w, 1, logStart, logBlocks)
	require.NoError(t, err)

	r.cache = cache
	r.log = l
}

func newRig(t *testing.T) *rig {
	r := &rig{disk: device.NewMemDisk(128), w: &waiter.Waiter{}}
	r.boot(t)
	return r
}

func (r *rig) home(blockno uint32) byte {
	return r.disk.Bytes()[blockno*device.BlockSize]
}

// update writes val into the first byte of each block in one transaction.
func (r *rig) update(t *testing.T, val byte, blocks ...uint32) error {
	ctx := r.log.Begin(context.Background())

	for _, bn := range blocks {
		b, err := r.cache.Read(ctx, 1, bn)
		require.NoError(t, err)

		b.Data[0] = val
		r.log.Write(ctx, b)
		r.cache.Release(ctx, b)
	}

	return r.log.End(ctx)
}

func TestLog(t *testing.T) {
	n := neko.Modern(t)

	n.It("installs a committed transaction", func(t *testing.T) {
		r := newRig(t)

		require.NoError(t, r.update(t, 'a', 50, 51, 52))

		for _, bn := range []uint32{50, 51, 52} {
			require.Equal(t, byte('a'), r.home(bn))
		}

		require.Equal(t, 0, r.log.Pending())
	})

	n.It("absorbs repeated writes of a block", func(t *testing.T) {
		r := newRig(t)

		ctx := r.log.Begin(context.Background())

		for i := 0; i < 3; i++ {
			b, err := r.cache.Read(ctx, 1, 60)
			require.NoError(t, err)
			b.Data[0] = byte('0' + i)
			r.log.Write(ctx, b)
			r.cache.Release(ctx, b)
		}

		require.Equal(t, 1, r.log.Pending())
		require.Equal(t, byte(0), r.home(60))

		require.NoError(t, r.log.End(ctx))
		require.Equal(t, byte('2'), r.home(60))
	})

	n.It("commits once the last operation ends", func(t *testing.T) {
		r := newRig(t)

		ctx1 := r.log.Begin(context.Background())
		ctx2 := r.log.Begin(context.Background())

		b, err := r.cache.Read(ctx1, 1, 70)
		require.NoError(t, err)
		b.Data[0] = 'x'
		r.log.Write(ctx1, b)
		r.cache.Release(ctx1, b)

		require.NoError(t, r.log.End(ctx1))
		require.Equal(t, byte(0), r.home(70))

		require.NoError(t, r.log.End(ctx2))
		require.Equal(t, byte('x'), r.home(70))
	})

	n.It("drops a transaction that crashed before the commit point", func(t *testing.T) {
		r := newRig(t)

		require.NoError(t, r.update(t, 'o', 80, 81))

		r.log.Crash = func(st Stage) bool { return st == LogWritten }

		err := r.update(t, 'n', 80, 81)
		require.Equal(t, ErrCrashed, err)

		r.boot(t)

		require.Equal(t, byte('o'), r.home(80))
		require.Equal(t, byte('o'), r.home(81))
	})

	n.It("replays a transaction that crashed after the commit point", func(t *testing.T) {
		r := newRig(t)

		require.NoError(t, r.update(t, 'o', 80, 81))

		r.log.Crash = func(st Stage) bool { return st == HeadWritten }

		err := r.update(t, 'n', 80, 81)
		require.Equal(t, ErrCrashed, err)

		require.Equal(t, byte('o'), r.home(80))

		r.boot(t)

		require.Equal(t, byte('n'), r.home(80))
		require.Equal(t, byte('n'), r.home(81))

		// The header is cleared once recovery is done.
		require.Equal(t, byte(0), r.home(logStart))
	})

	n.It("discards a committed header whose data is torn", func(t *testing.T) {
		r := newRig(t)

		r.log.Crash = func(st Stage) bool { return st == HeadWritten }

		err := r.update(t, 'n', 90)
		require.Equal(t, ErrCrashed, err)

		r.disk.Bytes()[(logStart+1)*device.BlockSize] = 'T'

		r.boot(t)

		require.Equal(t, byte(0), r.home(90))
	})

	n.It("halts on misuse", func(t *testing.T) {
		r := newRig(t)

		b, err := r.cache.Read(context.Background(), 1, 40)
		require.NoError(t, err)

		require.Panics(t, func() {
			r.log.Write(context.Background(), b)
		})

		r.cache.Release(context.Background(), b)

		ctx := r.log.Begin(context.Background())

		require.Panics(t, func() {
			r.log.Begin(ctx)
		})

		require.Panics(t, func() {
			r.log.End(context.Background())
		})
	})

	n.Meow()
}
