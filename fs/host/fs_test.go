package host

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/evanphx/arden/bio"
	"github.com/evanphx/arden/device"
	"github.com/evanphx/arden/fs"
	"github.com/evanphx/arden/pkg/waiter"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func TestHostFS(t *testing.T) {
	n := neko.Modern(t)

	n.It("copies a host tree into an image", func(t *testing.T) {
		dir := t.TempDir()

		require.NoError(t, os.MkdirAll(filepath.Join(dir, "etc"), 0755))
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "etc", "motd"), []byte("hi"), 0644))
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "README"), []byte("readme"), 0644))

		disk := device.NewMemDisk(1024)

		b, err := fs.NewBuilder(disk, 64, fs.DefaultNLog)
		require.NoError(t, err)

		h, err := Populate(b, dir)
		require.NoError(t, err)
		require.NoError(t, b.Finish())

		require.Equal(t, 2, h.Files)
		require.Equal(t, 1, h.Dirs)

		tbl := device.NewTable()
		tbl.Attach(fs.RootDev, disk)

		var w waiter.Waiter

		cache, err := bio.NewCache(tbl, &w, 32)
		require.NoError(t, err)

		f := fs.New(cache, &w)

		ctx := context.Background()
		require.NoError(t, f.Mount(ctx, fs.RootDev))

		tx := f.Begin(ctx)
		defer f.End(tx)

		ip, err := f.Namei(tx, "/etc/motd", nil)
		require.NoError(t, err)

		require.NoError(t, f.Lock(tx, ip))

		data := make([]byte, 8)
		cnt, err := f.Read(tx, ip, data, 0)
		require.NoError(t, err)
		require.Equal(t, "hi", string(data[:cnt]))

		f.UnlockPut(tx, ip)
	})

	n.It("needs a directory", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "file")
		require.NoError(t, ioutil.WriteFile(path, nil, 0644))

		b, err := fs.NewBuilder(device.NewMemDisk(1024), 64, fs.DefaultNLog)
		require.NoError(t, err)

		_, err = Populate(b, path)
		require.Error(t, err)
	})

	n.Meow()
}
