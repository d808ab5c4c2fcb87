package fs

import (
	"context"

	"github.com/evanphx/arden/log"
	"github.com/pkg/errors"
)

// bzero clears a block on disk.
func (f *FS) bzero(ctx context.Context, dev, bno uint32) error {
	b, err := f.cache.Read(ctx, dev, bno)
	if err != nil {
		return err
	}

	b.Data = [BSize]byte{}

	err = f.writeBuf(ctx, b)
	f.cache.Release(ctx, b)

	return err
}

// balloc allocates a zeroed disk block. Only native devices allocate;
// legacy devices report ErrNoSpace.
func (f *FS) balloc(ctx context.Context, dev uint32) (uint32, error) {
	m := f.mount(dev)

	if m.format != FormatA {
		return 0, errors.Wrapf(ErrNoSpace, "legacy dev %d cannot allocate blocks", dev)
	}

	sb := &m.sb

	for base := uint32(0); base < sb.Size; base += BPB {
		b, err := f.cache.Read(ctx, dev, sb.BBlock(base))
		if err != nil {
			return 0, err
		}

		for bi := uint32(0); bi < BPB && base+bi < sb.Size; bi++ {
			mask := byte(1 << (bi % 8))

			if b.Data[bi/8]&mask != 0 {
				continue
			}

			// Mark block in use.
			b.Data[bi/8] |= mask

			err := f.writeBuf(ctx, b)
			f.cache.Release(ctx, b)

			if err != nil {
				return 0, err
			}

			if err := f.bzero(ctx, dev, base+bi); err != nil {
				return 0, err
			}

			return base + bi, nil
		}

		f.cache.Release(ctx, b)
	}

	return 0, errors.Wrapf(ErrNoSpace, "balloc: out of blocks on dev %d", dev)
}

// bfree releases a disk block. Freeing a free block is fatal.
func (f *FS) bfree(ctx context.Context, dev, bno uint32) error {
	m := f.mount(dev)

	if m.format != FormatA {
		return f.legacyFree(ctx, m, bno)
	}

	b, err := f.cache.Read(ctx, dev, m.sb.BBlock(bno))
	if err != nil {
		return err
	}

	bi := bno % BPB
	mask := byte(1 << (bi % 8))

	if b.Data[bi/8]&mask == 0 {
		f.cache.Release(ctx, b)
		log.Fatal("freeing free block", "dev", dev, "block", bno)
	}

	b.Data[bi/8] &^= mask

	err = f.writeBuf(ctx, b)
	f.cache.Release(ctx, b)

	return err
}

// legacyFree returns a block to the cached free array of a legacy super
// block. When the array is full the block is dropped.
func (f *FS) legacyFree(ctx context.Context, m *mount, bno uint32) error {
	m.legacyLock.Acquire(ctx)
	defer m.legacyLock.Release()

	if m.legacy.NFree >= LegacyNFree {
		log.L.Warn("legacy free list full, leaking block", "dev", m.dev, "block", bno)
		return nil
	}

	m.legacy.Free[m.legacy.NFree] = uint16(bno)
	m.legacy.NFree++
	m.legacy.FMod = 1

	b, err := f.cache.Read(ctx, m.dev, 1)
	if err != nil {
		return err
	}

	m.legacy.Encode(b.Data[:])

	err = f.cache.Write(ctx, b)
	f.cache.Release(ctx, b)

	return err
}
