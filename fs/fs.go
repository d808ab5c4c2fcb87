// Package fs implements the file system: a block allocator, an inode cache
// over two on-disk inode layouts, inode content I/O, directories and path
// resolution. Native devices record their writes in a write-ahead log so
// that multi-block updates survive crashes atomically; legacy devices are
// written through.
package fs

import (
	"context"

	"github.com/davecgh/go-spew/spew"
	"github.com/evanphx/arden/bio"
	"github.com/evanphx/arden/ksync"
	"github.com/evanphx/arden/log"
	"github.com/evanphx/arden/wal"
	"github.com/pkg/errors"
)

var (
	ErrNotFound   = errors.New("no such file or directory")
	ErrExists     = errors.New("file exists")
	ErrNotDir     = errors.New("not a directory")
	ErrIsDir      = errors.New("is a directory")
	ErrNoSpace    = errors.New("no space left on device")
	ErrNoInodes   = errors.New("no free inodes")
	ErrTooLarge   = errors.New("file too large")
	ErrBadOffset  = errors.New("offset out of range")
	ErrNoDevice   = errors.New("no such device")
	ErrNotEmpty   = errors.New("directory not empty")
	ErrNotMounted = errors.New("device not mounted")
	ErrInvalid    = errors.New("invalid argument")
	ErrCrossDev   = errors.New("cross-device link")
)

type mount struct {
	dev    uint32
	format Format

	sb Superblock

	// legacyLock guards the cached free lists in legacy.
	legacyLock ksync.SleepLock
	legacy     LegacySuperblock

	// log is nil for devices written through.
	log *wal.Log
}

type FS struct {
	cache *bio.Cache
	s     ksync.Sleeper

	mounts map[uint32]*mount

	// tx is the log transactions are opened on.
	tx *wal.Log

	icache

	devsw [NDev]DeviceOps
}

func New(cache *bio.Cache, s ksync.Sleeper) *FS {
	f := &FS{
		cache:  cache,
		s:      s,
		mounts: make(map[uint32]*mount),
	}

	f.icache.init(s)

	return f
}

func (f *FS) Cache() *bio.Cache {
	return f.cache
}

// Mount reads the super block of dev. Native devices get their log
// recovered; the first native device mounted carries the transactions
// opened by Begin.
func (f *FS) Mount(ctx context.Context, dev uint32) error {
	format, ok := FormatOf(dev)
	if !ok {
		return errors.Wrapf(ErrNoDevice, "dev %d", dev)
	}

	b, err := f.cache.Read(ctx, dev, 1)
	if err != nil {
		return err
	}

	m := &mount{dev: dev, format: format}
	m.legacyLock.Init("legacy sb", f.s)

	if format == FormatA {
		m.sb.Decode(b.Data[:])
	} else {
		m.legacy.Decode(b.Data[:])
	}

	f.cache.Release(ctx, b)

	if format == FormatA {
		log.L.Info("mount", "dev", dev, "size", m.sb.Size, "nblocks", m.sb.NBlocks,
			"ninodes", m.sb.NInodes, "nlog", m.sb.NLog, "logstart", m.sb.LogStart,
			"inodestart", m.sb.InodeStart, "bmapstart", m.sb.BmapStart)

		if m.sb.NLog > 0 {
			l, err := wal.Open(ctx, f.cache, f.s, dev, m.sb.LogStart, m.sb.NLog)
			if err != nil {
				return errors.Wrapf(err, "recovering log on dev %d", dev)
			}

			// Only one log takes transactions; other native devices are
			// recovered and then written through.
			if f.tx == nil {
				f.tx = l
				m.log = l
			}
		}
	} else {
		log.L.Info("mount legacy", "dev", dev, "isize", m.legacy.ISize, "fsize", m.legacy.FSize,
			"nfree", m.legacy.NFree, "ninode", m.legacy.NInode, "time", m.legacy.Timestamp())
		log.L.Trace("legacy superblock", "dump", spew.Sdump(m.legacy))
	}

	f.mounts[dev] = m

	return nil
}

func (f *FS) mount(dev uint32) *mount {
	m, ok := f.mounts[dev]
	if !ok {
		log.Fatal("device not mounted", "dev", dev)
	}

	return m
}

// Superblock returns the native super block of dev.
func (f *FS) Superblock(dev uint32) (Superblock, error) {
	m, ok := f.mounts[dev]
	if !ok {
		return Superblock{}, errors.Wrapf(ErrNotMounted, "dev %d", dev)
	}

	return m.sb, nil
}

// Log returns the log transactions run on, nil before a native device is
// mounted.
func (f *FS) Log() *wal.Log {
	return f.tx
}

// Begin opens a transaction. Every operation that may write a native
// device, including dropping an inode reference, runs inside one.
func (f *FS) Begin(ctx context.Context) context.Context {
	if f.tx == nil {
		return ctx
	}

	return f.tx.Begin(ctx)
}

func (f *FS) End(ctx context.Context) error {
	if f.tx == nil {
		return nil
	}

	return f.tx.End(ctx)
}

// writeBuf records a modified buffer: through the device's log when it has
// one, straight to disk otherwise.
func (f *FS) writeBuf(ctx context.Context, b *bio.Buf) error {
	m := f.mount(b.Dev)

	if m.log != nil {
		m.log.Write(ctx, b)
		return nil
	}

	return f.cache.Write(ctx, b)
}
