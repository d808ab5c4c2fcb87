package main

import (
	"log"
	"os"

	"github.com/evanphx/arden/device"
	"github.com/evanphx/arden/fs"
	"github.com/evanphx/arden/fs/host"
	"github.com/evanphx/arden/fs/tarfs"
	"github.com/evanphx/arden/kernel"
	clog "github.com/evanphx/arden/log"
	"github.com/spf13/pflag"
)

var (
	fBlocks  = pflag.Uint32P("blocks", "b", 2000, "image size in blocks")
	fInodes  = pflag.Uint32P("inodes", "i", 200, "number of inodes")
	fLog     = pflag.Uint32("log", fs.DefaultNLog, "log size in blocks")
	fLegacy  = pflag.BoolP("legacy", "l", false, "write the legacy layout")
	fISize   = pflag.Uint16("isize", 16, "legacy inode blocks")
	fTar     = pflag.StringP("tar", "t", "", "tar archive to copy into the image")
	fDir     = pflag.StringP("dir", "d", "", "host directory to copy into the image")
	fConsole = pflag.Bool("console", true, "create the console device node")
)

func main() {
	pflag.Parse()

	if pflag.NArg() != 1 {
		log.Fatal("usage: mkfs [flags] image")
	}

	disk, err := device.CreateFileDisk(pflag.Arg(0), *fBlocks)
	if err != nil {
		log.Fatal(err)
	}
	defer disk.Close()

	var b *fs.Builder

	if *fLegacy {
		b, err = fs.NewLegacyBuilder(disk, *fISize)
	} else {
		b, err = fs.NewBuilder(disk, *fInodes, *fLog)
	}
	if err != nil {
		log.Fatal(err)
	}

	if *fConsole {
		if _, err := b.Mknod(fs.RootIno, "console", kernel.ConsoleMajor, 1); err != nil {
			log.Fatal(err)
		}
	}

	if *fTar != "" {
		f, err := os.Open(*fTar)
		if err != nil {
			log.Fatal(err)
		}

		t, err := tarfs.Populate(b, f)
		f.Close()
		if err != nil {
			log.Fatal(err)
		}

		clog.L.Info("copied archive", "files", t.Files, "dirs", t.Dirs)
	}

	if *fDir != "" {
		h, err := host.Populate(b, *fDir)
		if err != nil {
			log.Fatal(err)
		}

		clog.L.Info("copied directory", "files", h.Files, "dirs", h.Dirs)
	}

	if err := b.Finish(); err != nil {
		log.Fatal(err)
	}

	clog.L.Info("image written", "path", pflag.Arg(0), "blocks", *fBlocks, "used", b.Used())
}
