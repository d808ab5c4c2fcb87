package fs

import "github.com/evanphx/arden/bio"

const (
	BSize = bio.BSize

	// RootDev holds the root file system, RootIno is its root directory.
	RootDev = 1
	RootIno = 1

	// LegacyDev is the device reached through the '%' path marker.
	LegacyDev = 2

	// NInode is the number of in-memory inode slots.
	NInode = 50

	// NDev is the number of device switch entries.
	NDev = 10

	NDirect   = 7
	NIndirect = BSize / 4
	MaxFile   = NDirect + NIndirect

	// DirSiz is the longest name a directory entry holds.
	DirSiz     = 14
	DirentSize = 16
)

// Format selects an on-disk inode layout.
type Format int

const (
	// FormatA is the native layout: 64 byte inodes, block bitmap, log.
	FormatA Format = iota

	// FormatB is the legacy sixth edition layout: 32 byte inodes, 16 bit
	// block numbers, no log.
	FormatB
)

func (f Format) String() string {
	switch f {
	case FormatA:
		return "native"
	case FormatB:
		return "legacy"
	default:
		return "unknown"
	}
}

// FormatOf returns the layout used on dev. Devices 0 and 1 use the native
// layout, 2 and 3 the legacy one.
func FormatOf(dev uint32) (Format, bool) {
	switch {
	case dev < 2:
		return FormatA, true
	case dev < 4:
		return FormatB, true
	default:
		return 0, false
	}
}
