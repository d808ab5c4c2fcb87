// Package device holds the block devices the file system sits on and the
// driver that queues requests to them.
package device

import (
	"context"

	"github.com/pkg/errors"
)

// BlockSize is the size of one disk block.
const BlockSize = 512

var (
	ErrNoDevice   = errors.New("no such device")
	ErrOutOfRange = errors.New("block out of range")
	ErrShortBlock = errors.New("buffer is not one block")
)

// Disk is a single block-addressed device.
type Disk interface {
	ReadBlock(blockno uint32, buf []byte) error
	WriteBlock(blockno uint32, buf []byte) error
	Size() uint32
	Sync() error
}

// Driver moves blocks between memory and any attached disk. Calls block
// until the transfer is complete.
type Driver interface {
	Read(ctx context.Context, dev, blockno uint32, buf []byte) error
	Write(ctx context.Context, dev, blockno uint32, buf []byte) error
}

func check(d Disk, blockno uint32, buf []byte) error {
	if len(buf) != BlockSize {
		return errors.Wrapf(ErrShortBlock, "%d bytes", len(buf))
	}

	if blockno >= d.Size() {
		return errors.Wrapf(ErrOutOfRange, "block %d of %d", blockno, d.Size())
	}

	return nil
}

// MemDisk is a disk held in memory.
type MemDisk struct {
	data []byte
}

func NewMemDisk(blocks uint32) *MemDisk {
	return &MemDisk{data: make([]byte, int(blocks)*BlockSize)}
}

// MemDiskFrom wraps an existing image. Its length is truncated to whole
// blocks.
func MemDiskFrom(image []byte) *MemDisk {
	return &MemDisk{data: image[:len(image)/BlockSize*BlockSize]}
}

func (m *MemDisk) ReadBlock(blockno uint32, buf []byte) error {
	if err := check(m, blockno, buf); err != nil {
		return err
	}

	off := int(blockno) * BlockSize
	copy(buf, m.data[off:off+BlockSize])

	return nil
}

func (m *MemDisk) WriteBlock(blockno uint32, buf []byte) error {
	if err := check(m, blockno, buf); err != nil {
		return err
	}

	off := int(blockno) * BlockSize
	copy(m.data[off:off+BlockSize], buf)

	return nil
}

func (m *MemDisk) Size() uint32 {
	return uint32(len(m.data) / BlockSize)
}

func (m *MemDisk) Sync() error {
	return nil
}

// Bytes exposes the image, mostly for tests.
func (m *MemDisk) Bytes() []byte {
	return m.data
}

// Table is a Driver that performs transfers directly on the calling thread.
type Table struct {
	disks map[uint32]Disk
}

func NewTable() *Table {
	return &Table{disks: make(map[uint32]Disk)}
}

func (t *Table) Attach(dev uint32, d Disk) {
	t.disks[dev] = d
}

func (t *Table) Disk(dev uint32) (Disk, bool) {
	d, ok := t.disks[dev]
	return d, ok
}

func (t *Table) lookup(dev uint32) (Disk, error) {
	d, ok := t.disks[dev]
	if !ok {
		return nil, errors.Wrapf(ErrNoDevice, "dev %d", dev)
	}

	return d, nil
}

func (t *Table) Read(ctx context.Context, dev, blockno uint32, buf []byte) error {
	d, err := t.lookup(dev)
	if err != nil {
		return err
	}

	return d.ReadBlock(blockno, buf)
}

func (t *Table) Write(ctx context.Context, dev, blockno uint32, buf []byte) error {
	d, err := t.lookup(dev)
	if err != nil {
		return err
	}

	return d.WriteBlock(blockno, buf)
}

// Sync flushes every attached disk.
func (t *Table) Sync() error {
	for dev, d := range t.disks {
		if err := d.Sync(); err != nil {
			return errors.Wrapf(err, "syncing dev %d", dev)
		}
	}

	return nil
}
