package device

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/evanphx/arden/pkg/waiter"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func block(b byte) []byte {
	return bytes.Repeat([]byte{b}, BlockSize)
}

func TestDisks(t *testing.T) {
	n := neko.Modern(t)

	n.It("stores blocks in memory", func(t *testing.T) {
		d := NewMemDisk(4)

		require.NoError(t, d.WriteBlock(3, block('a')))

		buf := make([]byte, BlockSize)
		require.NoError(t, d.ReadBlock(3, buf))
		require.Equal(t, block('a'), buf)

		err := d.ReadBlock(4, buf)
		require.Equal(t, ErrOutOfRange, errors.Cause(err))

		err = d.WriteBlock(0, buf[:10])
		require.Equal(t, ErrShortBlock, errors.Cause(err))
	})

	n.It("stores blocks in an image file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "fs.img")

		d, err := CreateFileDisk(path, 8)
		require.NoError(t, err)

		require.NoError(t, d.WriteBlock(5, block('z')))
		require.NoError(t, d.Sync())
		require.NoError(t, d.Close())

		d, err = OpenFileDisk(path)
		require.NoError(t, err)
		defer d.Close()

		require.Equal(t, uint32(8), d.Size())

		buf := make([]byte, BlockSize)
		require.NoError(t, d.ReadBlock(5, buf))
		require.Equal(t, block('z'), buf)

		require.Error(t, d.ReadBlock(8, buf))
	})

	n.It("routes by device number", func(t *testing.T) {
		tbl := NewTable()
		tbl.Attach(1, NewMemDisk(2))

		ctx := context.Background()

		require.NoError(t, tbl.Write(ctx, 1, 1, block('q')))

		err := tbl.Write(ctx, 2, 1, block('q'))
		require.Equal(t, ErrNoDevice, errors.Cause(err))
	})

	n.Meow()
}

func TestQueue(t *testing.T) {
	n := neko.Modern(t)

	n.It("completes queued requests from the controller", func(t *testing.T) {
		var w waiter.Waiter

		tbl := NewTable()
		tbl.Attach(1, NewMemDisk(64))

		q := NewQueue(tbl, &w)

		var intrs int32
		q.Interrupt = func() {
			atomic.AddInt32(&intrs, 1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go q.Run(ctx)

		var wg sync.WaitGroup

		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()

				require.NoError(t, q.Write(ctx, 1, uint32(i), block(byte(i))))

				buf := make([]byte, BlockSize)
				require.NoError(t, q.Read(ctx, 1, uint32(i), buf))
				require.Equal(t, block(byte(i)), buf)
			}(i)
		}

		wg.Wait()

		require.Equal(t, int32(32), atomic.LoadInt32(&intrs))
		require.Equal(t, 0, q.Pending())
	})

	n.It("reports transfer errors to the requester", func(t *testing.T) {
		var w waiter.Waiter

		q := NewQueue(NewTable(), &w)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go q.Run(ctx)

		err := q.Read(ctx, 9, 0, make([]byte, BlockSize))
		require.Equal(t, ErrNoDevice, errors.Cause(err))
	})

	n.Meow()
}
