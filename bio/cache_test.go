package bio

import (
	"context"
	"testing"
	"time"

	"github.com/evanphx/arden/device"
	"github.com/evanphx/arden/pkg/waiter"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func newCache(t *testing.T, size int) (*Cache, *device.MemDisk) {
	disk := device.NewMemDisk(32)

	tbl := device.NewTable()
	tbl.Attach(1, disk)

	c, err := NewCache(tbl, &waiter.Waiter{}, size)
	require.NoError(t, err)

	return c, disk
}

func TestCache(t *testing.T) {
	n := neko.Modern(t)

	ctx := context.Background()

	n.It("reads blocks from the disk", func(t *testing.T) {
		c, disk := newCache(t, 4)

		disk.Bytes()[3*BSize+7] = 'x'

		b, err := c.Read(ctx, 1, 3)
		require.NoError(t, err)

		require.Equal(t, byte('x'), b.Data[7])

		c.Release(ctx, b)
	})

	n.It("writes buffers through to the disk", func(t *testing.T) {
		c, disk := newCache(t, 4)

		b, err := c.Read(ctx, 1, 2)
		require.NoError(t, err)

		b.Data[0] = 'w'
		b.MarkDirty()

		require.NoError(t, c.Write(ctx, b))
		require.False(t, b.Dirty())

		c.Release(ctx, b)

		require.Equal(t, byte('w'), disk.Bytes()[2*BSize])
	})

	n.It("keeps one copy of each block", func(t *testing.T) {
		c, disk := newCache(t, 4)

		b, err := c.Read(ctx, 1, 5)
		require.NoError(t, err)

		b.Data[0] = 'm'
		c.Release(ctx, b)

		active, idle := c.Stats()
		require.Equal(t, 0, active)
		require.Equal(t, 1, idle)

		disk.Bytes()[5*BSize] = 'd'

		b2, err := c.Read(ctx, 1, 5)
		require.NoError(t, err)
		require.True(t, b == b2)
		require.Equal(t, byte('m'), b2.Data[0])

		c.Release(ctx, b2)
	})

	n.It("keeps dirty buffers out of the idle cache", func(t *testing.T) {
		c, _ := newCache(t, 4)

		b, err := c.Read(ctx, 1, 1)
		require.NoError(t, err)

		b.MarkDirty()
		c.Release(ctx, b)

		active, idle := c.Stats()
		require.Equal(t, 1, active)
		require.Equal(t, 0, idle)

		b, err = c.Read(ctx, 1, 1)
		require.NoError(t, err)
		require.NoError(t, c.Write(ctx, b))
		c.Release(ctx, b)

		active, idle = c.Stats()
		require.Equal(t, 0, active)
		require.Equal(t, 1, idle)
	})

	n.It("serializes access to a block", func(t *testing.T) {
		c, _ := newCache(t, 4)

		b, err := c.Read(ctx, 1, 4)
		require.NoError(t, err)

		got := make(chan byte)

		go func() {
			b2, err := c.Read(ctx, 1, 4)
			if err != nil {
				close(got)
				return
			}
			got <- b2.Data[0]
			c.Release(ctx, b2)
		}()

		select {
		case <-got:
			t.Fatal("second reader was not blocked")
		case <-time.After(50 * time.Millisecond):
		}

		b.Data[0] = 'L'
		c.Release(ctx, b)

		require.Equal(t, byte('L'), <-got)
	})

	n.It("halts when every buffer is in use", func(t *testing.T) {
		c, _ := newCache(t, 2)

		_, err := c.Read(ctx, 1, 0)
		require.NoError(t, err)

		_, err = c.Read(ctx, 1, 1)
		require.NoError(t, err)

		require.Panics(t, func() {
			c.Read(ctx, 1, 2)
		})
	})

	n.It("reports reads past the end of the disk", func(t *testing.T) {
		c, _ := newCache(t, 2)

		_, err := c.Read(ctx, 1, 99)
		require.Error(t, err)

		active, _ := c.Stats()
		require.Equal(t, 0, active)
	})

	n.Meow()
}
