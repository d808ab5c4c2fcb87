package fs

import (
	"context"

	"github.com/pkg/errors"
)

// DeviceOps serves reads and writes of Device inodes with a given major
// number.
type DeviceOps interface {
	Read(ctx context.Context, ip *Inode, dst []byte) (int, error)
	Write(ctx context.Context, ip *Inode, src []byte) (int, error)
}

// SetDevice installs ops in the device switch under major.
func (f *FS) SetDevice(major int16, ops DeviceOps) {
	f.devsw[major] = ops
}

func (f *FS) device(ip *Inode) (DeviceOps, error) {
	if ip.Major < 0 || int(ip.Major) >= NDev || f.devsw[ip.Major] == nil {
		return nil, errors.Wrapf(ErrNoDevice, "major %d", ip.Major)
	}

	return f.devsw[ip.Major], nil
}
