package device

import (
	"os"

	"github.com/evanphx/arden/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FileDisk is a disk backed by an image file on the host.
type FileDisk struct {
	f      *os.File
	blocks uint32
}

// OpenFileDisk opens an existing image. The image's length must be a whole
// number of blocks.
func OpenFileDisk(path string) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}

	if st.Size%BlockSize != 0 {
		f.Close()
		return nil, errors.Errorf("image %s is %d bytes, not a multiple of %d", path, st.Size, BlockSize)
	}

	log.L.Trace("open disk image", "path", path, "blocks", st.Size/BlockSize)

	return &FileDisk{f: f, blocks: uint32(st.Size / BlockSize)}, nil
}

// CreateFileDisk creates or truncates an image of the given size.
func CreateFileDisk(path string, blocks uint32) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	if err := unix.Ftruncate(int(f.Fd()), int64(blocks)*BlockSize); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "sizing %s", path)
	}

	return &FileDisk{f: f, blocks: blocks}, nil
}

func (d *FileDisk) ReadBlock(blockno uint32, buf []byte) error {
	if err := check(d, blockno, buf); err != nil {
		return err
	}

	n, err := unix.Pread(int(d.f.Fd()), buf, int64(blockno)*BlockSize)
	if err != nil {
		return errors.Wrapf(err, "reading block %d", blockno)
	}

	if n != BlockSize {
		return errors.Wrapf(ErrShortBlock, "read %d bytes of block %d", n, blockno)
	}

	return nil
}

func (d *FileDisk) WriteBlock(blockno uint32, buf []byte) error {
	if err := check(d, blockno, buf); err != nil {
		return err
	}

	n, err := unix.Pwrite(int(d.f.Fd()), buf, int64(blockno)*BlockSize)
	if err != nil {
		return errors.Wrapf(err, "writing block %d", blockno)
	}

	if n != BlockSize {
		return errors.Wrapf(ErrShortBlock, "wrote %d bytes of block %d", n, blockno)
	}

	return nil
}

func (d *FileDisk) Size() uint32 {
	return d.blocks
}

func (d *FileDisk) Sync() error {
	return unix.Fsync(int(d.f.Fd()))
}

func (d *FileDisk) Close() error {
	return d.f.Close()
}
