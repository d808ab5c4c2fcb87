package fs

import (
	"encoding/binary"

	"github.com/evanphx/arden/device"
	"github.com/evanphx/arden/wal"
	"github.com/pkg/errors"
)

// Builder lays out a fresh file system image directly on a disk, without
// the cache or the log. It is used by mkfs and by tests.
type Builder struct {
	disk   device.Disk
	format Format

	sb     Superblock
	legacy LegacySuperblock

	nmeta     uint32
	freeinode uint32
	freeblock uint32
}

// NewBuilder formats disk with the native layout: ninodes inodes and a log
// of nlog blocks. The root directory is created as inode RootIno.
func NewBuilder(disk device.Disk, ninodes, nlog uint32) (*Builder, error) {
	size := disk.Size()

	nbitmap := size/BPB + 1
	ninodeblocks := ninodes/IPB + 1

	// 1 fs block = 1 disk sector
	nmeta := 2 + nlog + ninodeblocks + nbitmap
	if nmeta >= size {
		return nil, errors.Errorf("image of %d blocks too small for %d metadata blocks", size, nmeta)
	}

	b := &Builder{
		disk:   disk,
		format: FormatA,
		sb: Superblock{
			Size:       size,
			NBlocks:    size - nmeta,
			NInodes:    ninodes,
			NLog:       nlog,
			LogStart:   2,
			InodeStart: 2 + nlog,
			BmapStart:  2 + nlog + ninodeblocks,
		},
		nmeta:     nmeta,
		freeinode: 1,
		freeblock: nmeta,
	}

	if err := b.zero(size); err != nil {
		return nil, err
	}

	var buf [BSize]byte
	b.sb.Encode(buf[:])

	if err := disk.WriteBlock(1, buf[:]); err != nil {
		return nil, err
	}

	if err := b.makeRoot(); err != nil {
		return nil, err
	}

	return b, nil
}

// NewLegacyBuilder formats disk with the legacy layout and isize blocks of
// inodes.
func NewLegacyBuilder(disk device.Disk, isize uint16) (*Builder, error) {
	size := disk.Size()
	if size > 0xFFFF {
		return nil, errors.Errorf("legacy image of %d blocks exceeds 16 bit block numbers", size)
	}

	nmeta := 2 + uint32(isize)
	if nmeta >= size {
		return nil, errors.Errorf("image of %d blocks too small for %d inode blocks", size, isize)
	}

	b := &Builder{
		disk:   disk,
		format: FormatB,
		legacy: LegacySuperblock{
			ISize: isize,
			FSize: uint16(size),
		},
		nmeta:     nmeta,
		freeinode: 1,
		freeblock: nmeta,
	}

	if err := b.zero(size); err != nil {
		return nil, err
	}

	if err := b.makeRoot(); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *Builder) zero(size uint32) error {
	var zeroes [BSize]byte

	for i := uint32(0); i < size; i++ {
		if err := b.disk.WriteBlock(i, zeroes[:]); err != nil {
			return err
		}
	}

	return nil
}

func (b *Builder) makeRoot() error {
	root, err := b.ialloc(Directory)
	if err != nil {
		return err
	}

	if root != RootIno {
		return errors.Errorf("root inode is %d", root)
	}

	if err := b.link(root, ".", root); err != nil {
		return err
	}

	return b.link(root, "..", root)
}

func (b *Builder) maxInodes() uint32 {
	if b.format == FormatB {
		return uint32(b.legacy.ISize) * LegacyIPB
	}
	return b.sb.NInodes - 1
}

func (b *Builder) location(inum uint32) (uint32, int) {
	m := mount{format: b.format, sb: b.sb}
	return m.dinodeLocation(inum)
}

func (b *Builder) readInode(inum uint32) (Dinode, error) {
	var (
		buf [BSize]byte
		d   Dinode
	)

	bno, off := b.location(inum)
	if err := b.disk.ReadBlock(bno, buf[:]); err != nil {
		return d, err
	}

	if b.format == FormatB {
		decodeLegacy(buf[off:], &d)
	} else {
		decodeNative(buf[off:], &d)
	}

	return d, nil
}

func (b *Builder) writeInode(inum uint32, d *Dinode) error {
	var buf [BSize]byte

	bno, off := b.location(inum)
	if err := b.disk.ReadBlock(bno, buf[:]); err != nil {
		return err
	}

	if b.format == FormatB {
		encodeLegacy(d, buf[off:])
	} else {
		encodeNative(d, buf[off:])
	}

	return b.disk.WriteBlock(bno, buf[:])
}

func (b *Builder) ialloc(typ InodeType) (uint32, error) {
	inum := b.freeinode
	if inum > b.maxInodes() {
		return 0, errors.Wrapf(ErrNoInodes, "mkfs")
	}

	b.freeinode++

	d := Dinode{Type: typ, Nlink: 1}

	return inum, b.writeInode(inum, &d)
}

func (b *Builder) balloc() (uint32, error) {
	if b.freeblock >= b.disk.Size() {
		return 0, errors.Wrapf(ErrNoSpace, "mkfs")
	}

	bno := b.freeblock
	b.freeblock++

	return bno, nil
}

// blockFor returns the disk block backing file block fbn, allocating it and
// any indirect block on the way.
func (b *Builder) blockFor(d *Dinode, fbn uint32) (uint32, error) {
	if b.format == FormatB {
		return b.legacyBlockFor(d, fbn)
	}

	if fbn < NDirect {
		if d.Addrs[fbn] == 0 {
			bno, err := b.balloc()
			if err != nil {
				return 0, err
			}
			d.Addrs[fbn] = bno
		}
		return d.Addrs[fbn], nil
	}

	fbn -= NDirect
	if fbn >= NIndirect {
		return 0, errors.Wrapf(ErrTooLarge, "mkfs")
	}

	if d.Addrs[NDirect] == 0 {
		bno, err := b.balloc()
		if err != nil {
			return 0, err
		}
		d.Addrs[NDirect] = bno
	}

	var ind [BSize]byte
	if err := b.disk.ReadBlock(d.Addrs[NDirect], ind[:]); err != nil {
		return 0, err
	}

	bno := binary.LittleEndian.Uint32(ind[4*fbn:])
	if bno == 0 {
		var err error
		if bno, err = b.balloc(); err != nil {
			return 0, err
		}

		binary.LittleEndian.PutUint32(ind[4*fbn:], bno)

		if err := b.disk.WriteBlock(d.Addrs[NDirect], ind[:]); err != nil {
			return 0, err
		}
	}

	return bno, nil
}

// legacyBlockFor switches a file to large addressing once it outgrows the
// eight direct addresses.
func (b *Builder) legacyBlockFor(d *Dinode, fbn uint32) (uint32, error) {
	if !d.Large && fbn >= LegacyNAddr {
		if err := b.makeLarge(d); err != nil {
			return 0, err
		}
	}

	if !d.Large {
		if d.Addrs[fbn] == 0 {
			bno, err := b.balloc()
			if err != nil {
				return 0, err
			}
			d.Addrs[fbn] = bno
		}
		return d.Addrs[fbn], nil
	}

	idx := fbn / LegacyNIndirect
	if idx >= LegacyNAddr {
		return 0, errors.Wrapf(ErrTooLarge, "mkfs")
	}

	if d.Addrs[idx] == 0 {
		bno, err := b.balloc()
		if err != nil {
			return 0, err
		}
		d.Addrs[idx] = bno
	}

	var ind [BSize]byte
	if err := b.disk.ReadBlock(d.Addrs[idx], ind[:]); err != nil {
		return 0, err
	}

	slot := 2 * (fbn % LegacyNIndirect)

	bno := uint32(binary.LittleEndian.Uint16(ind[slot:]))
	if bno == 0 {
		var err error
		if bno, err = b.balloc(); err != nil {
			return 0, err
		}

		binary.LittleEndian.PutUint16(ind[slot:], uint16(bno))

		if err := b.disk.WriteBlock(d.Addrs[idx], ind[:]); err != nil {
			return 0, err
		}
	}

	return bno, nil
}

// makeLarge moves the direct addresses of d into a first indirect block.
func (b *Builder) makeLarge(d *Dinode) error {
	ind, err := b.balloc()
	if err != nil {
		return err
	}

	var buf [BSize]byte
	for i := 0; i < LegacyNAddr; i++ {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(d.Addrs[i]))
		d.Addrs[i] = 0
	}

	d.Addrs[0] = ind
	d.Large = true

	return b.disk.WriteBlock(ind, buf[:])
}

// appendData adds data to the end of inode inum.
func (b *Builder) appendData(inum uint32, data []byte) error {
	d, err := b.readInode(inum)
	if err != nil {
		return err
	}

	off := d.Size

	for len(data) > 0 {
		bno, err := b.blockFor(&d, off/BSize)
		if err != nil {
			return err
		}

		var buf [BSize]byte
		if err := b.disk.ReadBlock(bno, buf[:]); err != nil {
			return err
		}

		n := copy(buf[off%BSize:], data)

		if err := b.disk.WriteBlock(bno, buf[:]); err != nil {
			return err
		}

		data = data[n:]
		off += uint32(n)
	}

	d.Size = off

	return b.writeInode(inum, &d)
}

func (b *Builder) link(dir uint32, name string, inum uint32) error {
	var buf [DirentSize]byte

	de := Dirent{Inum: uint16(inum), Name: name}
	de.Encode(buf[:])

	return b.appendData(dir, buf[:])
}

func (b *Builder) adjustLinks(inum uint32, delta int16) error {
	d, err := b.readInode(inum)
	if err != nil {
		return err
	}

	d.Nlink += delta

	return b.writeInode(inum, &d)
}

// Mkdir creates directory name in directory parent and returns its inode
// number.
func (b *Builder) Mkdir(parent uint32, name string) (uint32, error) {
	inum, err := b.ialloc(Directory)
	if err != nil {
		return 0, err
	}

	if err := b.link(inum, ".", inum); err != nil {
		return 0, err
	}

	if err := b.link(inum, "..", parent); err != nil {
		return 0, err
	}

	if err := b.adjustLinks(parent, 1); err != nil {
		return 0, err
	}

	return inum, b.link(parent, name, inum)
}

// AddFile creates file name in directory parent holding data.
func (b *Builder) AddFile(parent uint32, name string, data []byte) (uint32, error) {
	inum, err := b.ialloc(File)
	if err != nil {
		return 0, err
	}

	if err := b.appendData(inum, data); err != nil {
		return 0, err
	}

	return inum, b.link(parent, name, inum)
}

// Mknod creates a device inode name in directory parent.
func (b *Builder) Mknod(parent uint32, name string, major, minor int16) (uint32, error) {
	inum, err := b.ialloc(Device)
	if err != nil {
		return 0, err
	}

	d, err := b.readInode(inum)
	if err != nil {
		return 0, err
	}

	d.Major = major
	d.Minor = minor

	if err := b.writeInode(inum, &d); err != nil {
		return 0, err
	}

	return inum, b.link(parent, name, inum)
}

// Used returns the number of blocks in use so far.
func (b *Builder) Used() uint32 {
	return b.freeblock
}

// Finish writes the allocation state: the block bitmap of a native image,
// the free lists of a legacy super block.
func (b *Builder) Finish() error {
	if b.format == FormatB {
		return b.finishLegacy()
	}

	used := b.freeblock

	for base := uint32(0); base < b.sb.Size; base += BPB {
		var buf [BSize]byte

		for bi := uint32(0); bi < BPB && base+bi < used; bi++ {
			buf[bi/8] |= 1 << (bi % 8)
		}

		if err := b.disk.WriteBlock(b.sb.BBlock(base), buf[:]); err != nil {
			return err
		}
	}

	return b.disk.Sync()
}

func (b *Builder) finishLegacy() error {
	sb := &b.legacy

	for bno := b.freeblock; bno < b.disk.Size() && sb.NFree < LegacyNFree; bno++ {
		sb.Free[sb.NFree] = uint16(bno)
		sb.NFree++
	}

	for inum := b.freeinode; inum <= b.maxInodes() && sb.NInode < LegacyNFree; inum++ {
		sb.Inode[sb.NInode] = uint16(inum)
		sb.NInode++
	}

	var buf [BSize]byte
	sb.Encode(buf[:])

	if err := b.disk.WriteBlock(1, buf[:]); err != nil {
		return err
	}

	return b.disk.Sync()
}

// Mkfs formats disk with an empty native file system.
func Mkfs(disk device.Disk, ninodes, nlog uint32) error {
	b, err := NewBuilder(disk, ninodes, nlog)
	if err != nil {
		return err
	}

	return b.Finish()
}

// DefaultNLog sizes a log that holds a full transaction plus its header.
const DefaultNLog = wal.LogSize + 1
