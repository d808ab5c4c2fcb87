package kernel

import (
	"context"

	"github.com/evanphx/arden/fs"
	"github.com/evanphx/arden/ksync"
	"github.com/evanphx/arden/log"
	"github.com/evanphx/arden/wal"
	"github.com/pkg/errors"
)

type FileType int

const (
	FDNone FileType = iota
	FDInode
)

// File is an open file: an inode plus an offset, shared between the
// descriptors that dup or fork copied it into.
type File struct {
	Type     FileType
	refs     int
	Readable bool
	Writable bool

	ip  *fs.Inode
	off uint32
}

func (f *File) Inode() *fs.Inode {
	return f.ip
}

func (f *File) Offset() uint32 {
	return f.off
}

// FileTable is the system-wide table of open files.
type FileTable struct {
	lock ksync.Spinlock
	file [NFILE]File
}

// File returns the open file at descriptor fd.
func (p *Process) File(fd int) (*File, error) {
	if fd < 0 || fd >= NOFILE || p.ofile[fd] == nil {
		return nil, errors.Wrapf(ErrUnknownFile, "fd %d", fd)
	}

	return p.ofile[fd], nil
}

// AllocFD installs f in the lowest free descriptor.
func (p *Process) AllocFD(f *File) (int, error) {
	for fd := range p.ofile {
		if p.ofile[fd] == nil {
			p.ofile[fd] = f
			return fd, nil
		}
	}

	return -1, ErrNoFD
}

// ClearFD empties descriptor fd. The file's reference passes to the caller.
func (p *Process) ClearFD(fd int) {
	p.ofile[fd] = nil
}

// FileAlloc returns a free file with one reference.
func (k *Kernel) FileAlloc(ip *fs.Inode, readable, writable bool) (*File, error) {
	k.files.lock.Acquire()
	defer k.files.lock.Release()

	for i := range k.files.file {
		f := &k.files.file[i]
		if f.refs == 0 {
			*f = File{
				Type:     FDInode,
				refs:     1,
				Readable: readable,
				Writable: writable,
				ip:       ip,
			}
			return f, nil
		}
	}

	return nil, ErrFileTable
}

// FileDup adds a reference to f.
func (k *Kernel) FileDup(f *File) *File {
	k.files.lock.Acquire()
	defer k.files.lock.Release()

	if f.refs < 1 {
		log.Fatal("filedup")
	}

	f.refs++

	return f
}

// FileClose drops a reference to f, releasing its inode with the last one.
func (k *Kernel) FileClose(ctx context.Context, f *File) error {
	k.files.lock.Acquire()

	if f.refs < 1 {
		k.files.lock.Release()
		log.Fatal("fileclose")
	}

	f.refs--
	if f.refs > 0 {
		k.files.lock.Release()
		return nil
	}

	ff := *f
	f.refs = 0
	f.Type = FDNone

	k.files.lock.Release()

	if ff.Type != FDInode {
		return nil
	}

	tx := k.fs.Begin(ctx)

	return k.endOp(tx, k.fs.Put(tx, ff.ip))
}

// endOp ends tx. The commit error is returned only when err is nil.
func (k *Kernel) endOp(tx context.Context, err error) error {
	if eerr := k.fs.End(tx); err == nil {
		err = eerr
	}

	return err
}

// FileStat returns stat information about f.
func (k *Kernel) FileStat(ctx context.Context, f *File) (fs.Stat, error) {
	if f.Type != FDInode {
		return fs.Stat{}, ErrUnknownFile
	}

	if err := k.fs.Lock(ctx, f.ip); err != nil {
		return fs.Stat{}, err
	}

	st := k.fs.Stat(f.ip)
	k.fs.Unlock(ctx, f.ip)

	return st, nil
}

// FileRead reads from f at its offset into dst.
func (k *Kernel) FileRead(ctx context.Context, f *File, dst []byte) (int, error) {
	if !f.Readable {
		return -1, ErrNotPermitted
	}

	if f.Type != FDInode {
		return -1, ErrUnknownFile
	}

	if err := k.fs.Lock(ctx, f.ip); err != nil {
		return -1, err
	}

	n, err := k.fs.Read(ctx, f.ip, dst, f.off)
	if n > 0 {
		f.off += uint32(n)
	}

	k.fs.Unlock(ctx, f.ip)

	return n, err
}

// MaxWriteChunk is the most a single transaction writes: room for the inode,
// an indirect block, allocation blocks and two blocks of slop for
// unaligned writes.
const MaxWriteChunk = ((wal.MaxOpBlocks - 1 - 1 - 2) / 2) * fs.BSize

// FileWrite writes src to f at its offset, a few blocks per transaction so
// one write never overflows the log. It returns the bytes written; if that
// is short, the error says why.
func (k *Kernel) FileWrite(ctx context.Context, f *File, src []byte) (int, error) {
	if !f.Writable {
		return -1, ErrNotPermitted
	}

	if f.Type != FDInode {
		return -1, ErrUnknownFile
	}

	i := 0

	for i < len(src) {
		n := len(src) - i
		if n > MaxWriteChunk {
			n = MaxWriteChunk
		}

		tx := k.fs.Begin(ctx)

		if err := k.fs.Lock(tx, f.ip); err != nil {
			return i, k.endOp(tx, err)
		}

		r, err := k.fs.Write(tx, f.ip, src[i:i+n], f.off)
		if r > 0 {
			f.off += uint32(r)
		}

		k.fs.Unlock(tx, f.ip)

		err = k.endOp(tx, err)

		i += r

		if err != nil {
			return i, err
		}

		if r != n {
			return i, errors.New("short filewrite")
		}
	}

	return i, nil
}
