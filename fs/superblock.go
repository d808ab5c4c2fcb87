package fs

import (
	"encoding/binary"
)

// Superblock describes a native file system. The disk layout is:
//
//	[ boot block | super block | log | inode blocks | free bit map | data blocks ]
type Superblock struct {
	Size       uint32 // size of file system image (blocks)
	NBlocks    uint32 // number of data blocks
	NInodes    uint32 // number of inodes
	NLog       uint32 // number of log blocks
	LogStart   uint32 // block number of first log block
	InodeStart uint32 // block number of first inode block
	BmapStart  uint32 // block number of first free map block
}

func (sb *Superblock) Decode(b []byte) {
	le := binary.LittleEndian
	sb.Size = le.Uint32(b[0:])
	sb.NBlocks = le.Uint32(b[4:])
	sb.NInodes = le.Uint32(b[8:])
	sb.NLog = le.Uint32(b[12:])
	sb.LogStart = le.Uint32(b[16:])
	sb.InodeStart = le.Uint32(b[20:])
	sb.BmapStart = le.Uint32(b[24:])
}

func (sb *Superblock) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], sb.Size)
	le.PutUint32(b[4:], sb.NBlocks)
	le.PutUint32(b[8:], sb.NInodes)
	le.PutUint32(b[12:], sb.NLog)
	le.PutUint32(b[16:], sb.LogStart)
	le.PutUint32(b[20:], sb.InodeStart)
	le.PutUint32(b[24:], sb.BmapStart)
}

// IBlock is the block holding inode inum.
func (sb *Superblock) IBlock(inum uint32) uint32 {
	return inum/IPB + sb.InodeStart
}

// BBlock is the bitmap block holding the bit for block b.
func (sb *Superblock) BBlock(b uint32) uint32 {
	return b/BPB + sb.BmapStart
}

const (
	// LegacyNFree is the size of the cached free block and free inode
	// arrays in a legacy superblock.
	LegacyNFree = 100

	legacyFreeOff   = 6
	legacyNInodeOff = legacyFreeOff + 2*LegacyNFree
	legacyInodeOff  = legacyNInodeOff + 2
	legacyFlagsOff  = legacyInodeOff + 2*LegacyNFree
	legacyTimeOff   = legacyFlagsOff + 4
)

// LegacySuperblock is the sixth edition super block found in block 1 of a
// legacy device.
type LegacySuperblock struct {
	ISize  uint16 // blocks of inodes
	FSize  uint16 // total blocks in the file system
	NFree  uint16 // valid entries in Free
	Free   [LegacyNFree]uint16
	NInode uint16 // valid entries in Inode
	Inode  [LegacyNFree]uint16
	FLock  uint8
	ILock  uint8
	FMod   uint8
	ROnly  uint8
	Time   [2]uint16
}

func (sb *LegacySuperblock) Decode(b []byte) {
	le := binary.LittleEndian
	sb.ISize = le.Uint16(b[0:])
	sb.FSize = le.Uint16(b[2:])
	sb.NFree = le.Uint16(b[4:])
	for i := range sb.Free {
		sb.Free[i] = le.Uint16(b[legacyFreeOff+2*i:])
	}
	sb.NInode = le.Uint16(b[legacyNInodeOff:])
	for i := range sb.Inode {
		sb.Inode[i] = le.Uint16(b[legacyInodeOff+2*i:])
	}
	sb.FLock = b[legacyFlagsOff]
	sb.ILock = b[legacyFlagsOff+1]
	sb.FMod = b[legacyFlagsOff+2]
	sb.ROnly = b[legacyFlagsOff+3]
	sb.Time[0] = le.Uint16(b[legacyTimeOff:])
	sb.Time[1] = le.Uint16(b[legacyTimeOff+2:])
}

func (sb *LegacySuperblock) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint16(b[0:], sb.ISize)
	le.PutUint16(b[2:], sb.FSize)
	le.PutUint16(b[4:], sb.NFree)
	for i, v := range sb.Free {
		le.PutUint16(b[legacyFreeOff+2*i:], v)
	}
	le.PutUint16(b[legacyNInodeOff:], sb.NInode)
	for i, v := range sb.Inode {
		le.PutUint16(b[legacyInodeOff+2*i:], v)
	}
	b[legacyFlagsOff] = sb.FLock
	b[legacyFlagsOff+1] = sb.ILock
	b[legacyFlagsOff+2] = sb.FMod
	b[legacyFlagsOff+3] = sb.ROnly
	le.PutUint16(b[legacyTimeOff:], sb.Time[0])
	le.PutUint16(b[legacyTimeOff+2:], sb.Time[1])
}

// Timestamp joins the two halves of the last update time.
func (sb *LegacySuperblock) Timestamp() uint32 {
	return uint32(sb.Time[0])<<16 | uint32(sb.Time[1])
}

// LegacyIBlock is the block holding legacy inode inum. Inode numbers start
// at 1 and the table starts at block 2.
func LegacyIBlock(inum uint32) uint32 {
	return (inum-1)/LegacyIPB + 2
}
