package kernel

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/evanphx/arden/bio"
	"github.com/evanphx/arden/device"
	"github.com/evanphx/arden/fs"
	"github.com/evanphx/arden/memory"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

// brokenDisk fails every write once broken is set.
type brokenDisk struct {
	*device.MemDisk
	broken int32
}

func (d *brokenDisk) WriteBlock(blockno uint32, buf []byte) error {
	if atomic.LoadInt32(&d.broken) != 0 {
		return errors.New("write fault")
	}

	return d.MemDisk.WriteBlock(blockno, buf)
}

func TestFiles(t *testing.T) {
	n := neko.Modern(t)

	setup := func(t *testing.T) (*Kernel, *brokenDisk) {
		pm, err := memory.NewPhysMem(memory.DefaultLayout())
		require.NoError(t, err)

		k, err := NewKernel(pm, Config{CPUs: 1})
		require.NoError(t, err)

		disk := &brokenDisk{MemDisk: device.NewMemDisk(1000)}
		require.NoError(t, fs.Mkfs(disk, 64, fs.DefaultNLog))

		tbl := device.NewTable()
		tbl.Attach(fs.RootDev, disk)

		cache, err := bio.NewCache(tbl, k, 32)
		require.NoError(t, err)

		f := fs.New(cache, k)
		require.NoError(t, f.Mount(context.Background(), fs.RootDev))

		k.AttachFS(f)

		return k, disk
	}

	create := func(t *testing.T, k *Kernel, path string) *File {
		ctx := context.Background()

		tx := k.fs.Begin(ctx)

		ip, err := k.fs.Create(tx, path, nil, fs.File, 0, 0)
		require.NoError(t, err)

		k.fs.Unlock(tx, ip)
		require.NoError(t, k.fs.End(tx))

		f, err := k.FileAlloc(ip, true, true)
		require.NoError(t, err)

		return f
	}

	n.It("writes through the log", func(t *testing.T) {
		k, _ := setup(t)
		ctx := context.Background()

		f := create(t, k, "/f")

		w, err := k.FileWrite(ctx, f, []byte("hello"))
		require.NoError(t, err)
		require.Equal(t, 5, w)

		st, err := k.FileStat(ctx, f)
		require.NoError(t, err)
		require.Equal(t, uint32(5), st.Size)

		require.NoError(t, k.FileClose(ctx, f))
	})

	n.It("reports a failed commit", func(t *testing.T) {
		k, disk := setup(t)
		ctx := context.Background()

		f := create(t, k, "/f")

		_, err := k.FileWrite(ctx, f, []byte("ok"))
		require.NoError(t, err)

		atomic.StoreInt32(&disk.broken, 1)

		_, err = k.FileWrite(ctx, f, []byte("lost"))
		require.Error(t, err)

		// The uncommitted blocks are still pending, so closing retries the
		// commit and fails the same way.
		require.Error(t, k.FileClose(ctx, f))
	})

	n.Meow()
}
