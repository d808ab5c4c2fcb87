package fs

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
)

// bmap returns the disk block address of the bn'th block of ip. On a native
// device a missing block is allocated when alloc is set; legacy devices
// never allocate.
func (f *FS) bmap(ctx context.Context, ip *Inode, bn uint32, alloc bool) (uint32, error) {
	if f.mount(ip.Dev).format == FormatB {
		return f.legacyBmap(ctx, ip, bn)
	}

	if bn < NDirect {
		addr := ip.Addrs[bn]
		if addr == 0 {
			if !alloc {
				return 0, errors.Wrapf(ErrBadOffset, "hole at block %d", bn)
			}

			var err error
			addr, err = f.balloc(ctx, ip.Dev)
			if err != nil {
				return 0, err
			}

			ip.Addrs[bn] = addr
		}

		return addr, nil
	}

	bn -= NDirect

	if bn >= NIndirect {
		return 0, errors.Wrapf(ErrTooLarge, "block %d", bn+NDirect)
	}

	// Load indirect block, allocating if necessary.
	ind := ip.Addrs[NDirect]
	if ind == 0 {
		if !alloc {
			return 0, errors.Wrapf(ErrBadOffset, "hole at block %d", bn+NDirect)
		}

		var err error
		ind, err = f.balloc(ctx, ip.Dev)
		if err != nil {
			return 0, err
		}

		ip.Addrs[NDirect] = ind
	}

	b, err := f.cache.Read(ctx, ip.Dev, ind)
	if err != nil {
		return 0, err
	}

	defer f.cache.Release(ctx, b)

	addr := binary.LittleEndian.Uint32(b.Data[4*bn:])
	if addr == 0 {
		if !alloc {
			return 0, errors.Wrapf(ErrBadOffset, "hole at block %d", bn+NDirect)
		}

		addr, err = f.balloc(ctx, ip.Dev)
		if err != nil {
			return 0, err
		}

		binary.LittleEndian.PutUint32(b.Data[4*bn:], addr)

		if err := f.writeBuf(ctx, b); err != nil {
			return 0, err
		}
	}

	return addr, nil
}

// legacyBmap maps a block of a legacy inode. Small files name up to eight
// blocks directly. Large files name up to eight indirect blocks of 256
// block numbers each.
func (f *FS) legacyBmap(ctx context.Context, ip *Inode, bn uint32) (uint32, error) {
	if !ip.Large {
		if bn >= LegacyNAddr {
			return 0, errors.Wrapf(ErrTooLarge, "block %d of small legacy file", bn)
		}

		if ip.Addrs[bn] == 0 {
			return 0, errors.Wrapf(ErrNoSpace, "legacy block %d unallocated", bn)
		}

		return ip.Addrs[bn], nil
	}

	idx := bn / LegacyNIndirect
	if idx >= LegacyNAddr {
		return 0, errors.Wrapf(ErrTooLarge, "block %d of large legacy file", bn)
	}

	ind := ip.Addrs[idx]
	if ind == 0 {
		return 0, errors.Wrapf(ErrNoSpace, "legacy indirect %d unallocated", idx)
	}

	b, err := f.cache.Read(ctx, ip.Dev, ind)
	if err != nil {
		return 0, err
	}

	addr := uint32(binary.LittleEndian.Uint16(b.Data[2*(bn%LegacyNIndirect):]))

	f.cache.Release(ctx, b)

	if addr == 0 {
		return 0, errors.Wrapf(ErrNoSpace, "legacy block %d unallocated", bn)
	}

	return addr, nil
}

// maxSize is the largest file size the inode's layout can address.
func (f *FS) maxSize(ip *Inode) uint32 {
	if f.mount(ip.Dev).format == FormatB {
		if ip.Large {
			return LegacyNAddr * LegacyNIndirect * BSize
		}
		return LegacyNAddr * BSize
	}

	return MaxFile * BSize
}

// trunc discards the contents of ip. It is only called when the inode has
// no links and no other in-memory references.
func (f *FS) trunc(ctx context.Context, ip *Inode) error {
	if f.mount(ip.Dev).format == FormatB {
		return f.legacyTrunc(ctx, ip)
	}

	for i := 0; i < NDirect; i++ {
		if ip.Addrs[i] != 0 {
			if err := f.bfree(ctx, ip.Dev, ip.Addrs[i]); err != nil {
				return err
			}
			ip.Addrs[i] = 0
		}
	}

	if ind := ip.Addrs[NDirect]; ind != 0 {
		b, err := f.cache.Read(ctx, ip.Dev, ind)
		if err != nil {
			return err
		}

		var blocks []uint32
		for j := 0; j < NIndirect; j++ {
			if a := binary.LittleEndian.Uint32(b.Data[4*j:]); a != 0 {
				blocks = append(blocks, a)
			}
		}

		f.cache.Release(ctx, b)

		for _, a := range blocks {
			if err := f.bfree(ctx, ip.Dev, a); err != nil {
				return err
			}
		}

		if err := f.bfree(ctx, ip.Dev, ind); err != nil {
			return err
		}

		ip.Addrs[NDirect] = 0
	}

	ip.Size = 0

	return f.Update(ctx, ip)
}

func (f *FS) legacyTrunc(ctx context.Context, ip *Inode) error {
	if ip.Type == Device {
		ip.Addrs = [NDirect + 1]uint32{}
		ip.Size = 0
		return f.Update(ctx, ip)
	}

	for i := 0; i < LegacyNAddr; i++ {
		a := ip.Addrs[i]
		if a == 0 {
			continue
		}

		if ip.Large {
			b, err := f.cache.Read(ctx, ip.Dev, a)
			if err != nil {
				return err
			}

			var blocks []uint32
			for j := 0; j < LegacyNIndirect; j++ {
				if d := binary.LittleEndian.Uint16(b.Data[2*j:]); d != 0 {
					blocks = append(blocks, uint32(d))
				}
			}

			f.cache.Release(ctx, b)

			for _, d := range blocks {
				if err := f.bfree(ctx, ip.Dev, d); err != nil {
					return err
				}
			}
		}

		if err := f.bfree(ctx, ip.Dev, a); err != nil {
			return err
		}

		ip.Addrs[i] = 0
	}

	ip.Large = false
	ip.Size = 0

	return f.Update(ctx, ip)
}

// Read reads up to len(dst) bytes of ip's content starting at off. It
// returns the number of bytes read, which is short at end of file. The
// caller holds ip's lock.
func (f *FS) Read(ctx context.Context, ip *Inode, dst []byte, off uint32) (int, error) {
	if ip.Type == Device {
		dev, err := f.device(ip)
		if err != nil {
			return 0, err
		}

		return dev.Read(ctx, ip, dst)
	}

	n := uint32(len(dst))

	if off > ip.Size || off+n < off {
		return 0, errors.Wrapf(ErrBadOffset, "read at %d of %d", off, ip.Size)
	}

	if off+n > ip.Size {
		n = ip.Size - off
	}

	var tot uint32

	for tot < n {
		bno, err := f.bmap(ctx, ip, off/BSize, false)
		if err != nil {
			return int(tot), err
		}

		b, err := f.cache.Read(ctx, ip.Dev, bno)
		if err != nil {
			return int(tot), err
		}

		m := copy(dst[tot:n], b.Data[off%BSize:])

		f.cache.Release(ctx, b)

		tot += uint32(m)
		off += uint32(m)
	}

	return int(n), nil
}

// Write writes src into ip's content at off, growing the file if needed.
// If the device runs out of blocks part way, the bytes written so far are
// kept and reported along with ErrNoSpace. The caller holds ip's lock and,
// on a native device, an open transaction.
func (f *FS) Write(ctx context.Context, ip *Inode, src []byte, off uint32) (int, error) {
	if ip.Type == Device {
		dev, err := f.device(ip)
		if err != nil {
			return 0, err
		}

		return dev.Write(ctx, ip, src)
	}

	n := uint32(len(src))

	if off > ip.Size || off+n < off {
		return 0, errors.Wrapf(ErrBadOffset, "write at %d of %d", off, ip.Size)
	}

	if uint64(off)+uint64(n) > uint64(f.maxSize(ip)) {
		return 0, errors.Wrapf(ErrTooLarge, "write to %d", uint64(off)+uint64(n))
	}

	var (
		tot  uint32
		werr error
	)

	for tot < n {
		bno, err := f.bmap(ctx, ip, off/BSize, true)
		if err != nil {
			werr = err
			break
		}

		b, err := f.cache.Read(ctx, ip.Dev, bno)
		if err != nil {
			werr = err
			break
		}

		m := copy(b.Data[off%BSize:], src[tot:n])

		err = f.writeBuf(ctx, b)
		f.cache.Release(ctx, b)

		if err != nil {
			werr = err
			break
		}

		tot += uint32(m)
		off += uint32(m)
	}

	if off > ip.Size {
		ip.Size = off
	}

	// Write the inode back even if the size did not change, since bmap
	// may have added blocks to ip.Addrs.
	if err := f.Update(ctx, ip); err != nil && werr == nil {
		werr = err
	}

	return int(tot), werr
}
