package fs

import "encoding/binary"

const (
	// Native on-disk inode size and inodes per block.
	DinodeSize = 64
	IPB        = BSize / DinodeSize

	// Bitmap bits per block.
	BPB = BSize * 8

	// Legacy on-disk inode size and inodes per block.
	LegacyDinodeSize = 32
	LegacyIPB        = BSize / LegacyDinodeSize

	// LegacyNAddr is the number of addresses in a legacy inode, and
	// LegacyNIndirect the number of block numbers in one of its indirect
	// blocks.
	LegacyNAddr     = 8
	LegacyNIndirect = BSize / 2
)

// Legacy mode bits.
const (
	IAlloc = 0100000 // file is used
	IFmt   = 060000  // type of file
	IFDir  = 040000  // directory
	IFChr  = 020000  // character special
	IFBlk  = 060000  // block special, 0 is regular
	ILarg  = 010000  // large addressing algorithm
)

// Dinode is the normalized form of an on-disk inode. Both layouts decode into
// it and encode from it.
type Dinode struct {
	Type  InodeType
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	Addrs [NDirect + 1]uint32

	// Legacy only.
	Large bool
	Mode  uint16 // permission and other mode bits kept verbatim
	UID   uint8
	GID   uint8
	ATime uint32
	MTime uint32
}

// Native layout:
//
//	type, major, minor, nlink int16 | size uint32 | addrs [NDirect+1]uint32 | pad
func decodeNative(b []byte, d *Dinode) {
	le := binary.LittleEndian

	*d = Dinode{
		Type:  InodeType(int16(le.Uint16(b[0:]))),
		Major: int16(le.Uint16(b[2:])),
		Minor: int16(le.Uint16(b[4:])),
		Nlink: int16(le.Uint16(b[6:])),
		Size:  le.Uint32(b[8:]),
	}

	for i := range d.Addrs {
		d.Addrs[i] = le.Uint32(b[12+4*i:])
	}
}

func encodeNative(d *Dinode, b []byte) {
	le := binary.LittleEndian

	for i := range b[:DinodeSize] {
		b[i] = 0
	}

	le.PutUint16(b[0:], uint16(d.Type))
	le.PutUint16(b[2:], uint16(d.Major))
	le.PutUint16(b[4:], uint16(d.Minor))
	le.PutUint16(b[6:], uint16(d.Nlink))
	le.PutUint32(b[8:], d.Size)

	for i, a := range d.Addrs {
		le.PutUint32(b[12+4*i:], a)
	}
}

// Legacy layout:
//
//	mode uint16 | nlink, uid, gid, size0 uint8 | size1 uint16 |
//	addr [8]uint16 | atime, mtime [2]uint16
//
// Device inodes keep their major and minor numbers in the two bytes of
// addr[0].
func decodeLegacy(b []byte, d *Dinode) {
	le := binary.LittleEndian

	mode := le.Uint16(b[0:])

	*d = Dinode{
		Nlink: int16(b[2]),
		UID:   b[3],
		GID:   b[4],
		Size:  uint32(b[5])<<16 | uint32(le.Uint16(b[6:])),
		Large: mode&ILarg != 0,
		Mode:  mode &^ (IAlloc | IFmt | ILarg),
		ATime: uint32(le.Uint16(b[24:]))<<16 | uint32(le.Uint16(b[26:])),
		MTime: uint32(le.Uint16(b[28:]))<<16 | uint32(le.Uint16(b[30:])),
	}

	for i := 0; i < LegacyNAddr; i++ {
		d.Addrs[i] = uint32(le.Uint16(b[8+2*i:]))
	}

	if mode&IAlloc == 0 {
		return
	}

	switch mode & IFmt {
	case IFDir:
		d.Type = Directory
	case IFChr, IFBlk:
		d.Type = Device
		d.Major = int16(d.Addrs[0] >> 8)
		d.Minor = int16(d.Addrs[0] & 0xFF)
	default:
		d.Type = File
	}
}

func encodeLegacy(d *Dinode, b []byte) {
	le := binary.LittleEndian

	mode := d.Mode

	switch d.Type {
	case 0:
		mode = 0
	case Directory:
		mode |= IAlloc | IFDir
	case Device:
		mode |= IAlloc | IFChr
	default:
		mode |= IAlloc
	}

	if d.Large && d.Type != 0 {
		mode |= ILarg
	}

	le.PutUint16(b[0:], mode)
	b[2] = uint8(d.Nlink)
	b[3] = d.UID
	b[4] = d.GID
	b[5] = uint8(d.Size >> 16)
	le.PutUint16(b[6:], uint16(d.Size))

	addrs := d.Addrs
	if d.Type == Device {
		addrs[0] = uint32(d.Major)<<8 | uint32(d.Minor)&0xFF
	}

	for i := 0; i < LegacyNAddr; i++ {
		le.PutUint16(b[8+2*i:], uint16(addrs[i]))
	}

	le.PutUint16(b[24:], uint16(d.ATime>>16))
	le.PutUint16(b[26:], uint16(d.ATime))
	le.PutUint16(b[28:], uint16(d.MTime>>16))
	le.PutUint16(b[30:], uint16(d.MTime))
}

// dinodeLocation returns the block and byte offset of inode inum on a
// device of the given format.
func (m *mount) dinodeLocation(inum uint32) (uint32, int) {
	if m.format == FormatB {
		return LegacyIBlock(inum), int((inum-1)%LegacyIPB) * LegacyDinodeSize
	}

	return m.sb.IBlock(inum), int(inum%IPB) * DinodeSize
}

func (m *mount) decode(b []byte, d *Dinode) {
	if m.format == FormatB {
		decodeLegacy(b, d)
	} else {
		decodeNative(b, d)
	}
}

func (m *mount) encode(d *Dinode, b []byte) {
	if m.format == FormatB {
		encodeLegacy(d, b)
	} else {
		encodeNative(d, b)
	}
}
