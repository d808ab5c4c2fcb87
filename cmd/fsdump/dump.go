package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"text/tabwriter"

	"github.com/evanphx/arden/bio"
	"github.com/evanphx/arden/device"
	"github.com/evanphx/arden/fs"
	"github.com/evanphx/arden/pkg/waiter"
)

func dump(image string, legacy bool) error {
	disk, err := device.OpenFileDisk(image)
	if err != nil {
		return err
	}
	defer disk.Close()

	dev := uint32(fs.RootDev)
	if legacy {
		dev = fs.LegacyDev
	}

	tbl := device.NewTable()
	tbl.Attach(dev, disk)

	var w waiter.Waiter

	cache, err := bio.NewCache(tbl, &w, 64)
	if err != nil {
		return err
	}

	f := fs.New(cache, &w)

	ctx := context.Background()

	if err := f.Mount(ctx, dev); err != nil {
		return err
	}

	if !legacy {
		sb, err := f.Superblock(dev)
		if err != nil {
			return err
		}

		fmt.Printf("\n[superblock]\n")
		tr := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
		fmt.Fprintf(tr, "size\t%d\n", sb.Size)
		fmt.Fprintf(tr, "nblocks\t%d\n", sb.NBlocks)
		fmt.Fprintf(tr, "ninodes\t%d\n", sb.NInodes)
		fmt.Fprintf(tr, "nlog\t%d\n", sb.NLog)
		fmt.Fprintf(tr, "logstart\t%d\n", sb.LogStart)
		fmt.Fprintf(tr, "inodestart\t%d\n", sb.InodeStart)
		fmt.Fprintf(tr, "bmapstart\t%d\n", sb.BmapStart)
		tr.Flush()
	}

	fmt.Printf("\n[files]\n")

	tr := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
	fmt.Fprintf(tr, "path\ttype\tinum\tnlink\tsize\n")

	tx := f.Begin(ctx)
	err = walk(ctx, tr, f, f.Get(dev, fs.RootIno), "/")
	f.End(tx)

	tr.Flush()

	return err
}

// walk prints ip and, for a directory, everything below it. It consumes
// the reference to ip.
func walk(ctx context.Context, w io.Writer, f *fs.FS, ip *fs.Inode, name string) error {
	if err := f.Lock(ctx, ip); err != nil {
		f.Put(ctx, ip)
		return err
	}

	st := f.Stat(ip)

	fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", name, st.Type, st.Ino, st.Nlink, st.Size)

	var ents []fs.Dirent
	if ip.Type == fs.Directory {
		ents = f.ReadDir(ctx, ip)
	}

	f.Unlock(ctx, ip)
	f.Put(ctx, ip)

	for _, de := range ents {
		if de.Name == "." || de.Name == ".." {
			continue
		}

		if err := walk(ctx, w, f, f.Get(st.Dev, uint32(de.Inum)), path.Join(name, de.Name)); err != nil {
			return err
		}
	}

	return nil
}
