package fs

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/evanphx/arden/log"
	"github.com/pkg/errors"
)

// Dirent is one directory record. A zero Inum marks a free slot.
type Dirent struct {
	Inum uint16
	Name string
}

func (d *Dirent) Encode(b []byte) {
	binary.LittleEndian.PutUint16(b, d.Inum)

	name := b[2:DirentSize]
	for i := range name {
		name[i] = 0
	}
	copy(name, d.Name)
}

func (d *Dirent) Decode(b []byte) {
	d.Inum = binary.LittleEndian.Uint16(b)

	name := b[2:DirentSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	d.Name = string(name)
}

// namecmp compares names the way directory records store them: at most
// DirSiz bytes are significant.
func namecmp(a, b string) bool {
	if len(a) > DirSiz {
		a = a[:DirSiz]
	}
	if len(b) > DirSiz {
		b = b[:DirSiz]
	}
	return a == b
}

func (f *FS) readDirent(ctx context.Context, dp *Inode, off uint32, de *Dirent) {
	var buf [DirentSize]byte

	n, err := f.Read(ctx, dp, buf[:], off)
	if err != nil || n != DirentSize {
		log.Fatal("dirent read", "dev", dp.Dev, "inum", dp.Inum, "off", off, "error", err)
	}

	de.Decode(buf[:])
}

// ReadDir returns the used records of dp. The caller holds dp's lock.
func (f *FS) ReadDir(ctx context.Context, dp *Inode) []Dirent {
	var out []Dirent

	for off := uint32(0); off+DirentSize <= dp.Size; off += DirentSize {
		var de Dirent
		f.readDirent(ctx, dp, off, &de)

		if de.Inum != 0 {
			out = append(out, de)
		}
	}

	return out
}

// DirLookup looks for a record called name in dp. It returns the unlocked,
// referenced inode and the record's byte offset. The caller holds dp's lock.
func (f *FS) DirLookup(ctx context.Context, dp *Inode, name string) (*Inode, uint32, error) {
	if dp.Type != Directory {
		log.Fatal("dirlookup not DIR", "dev", dp.Dev, "inum", dp.Inum)
	}

	for off := uint32(0); off+DirentSize <= dp.Size; off += DirentSize {
		var de Dirent
		f.readDirent(ctx, dp, off, &de)

		if de.Inum == 0 {
			continue
		}

		if namecmp(name, de.Name) {
			return f.Get(dp.Dev, uint32(de.Inum)), off, nil
		}
	}

	return nil, 0, errors.Wrapf(ErrNotFound, "%q", name)
}

// DirLink writes a new record (name, inum) into dp, reusing a free slot when
// there is one. The caller holds dp's lock.
func (f *FS) DirLink(ctx context.Context, dp *Inode, name string, inum uint32) error {
	// Check that name is not present.
	if ip, _, err := f.DirLookup(ctx, dp, name); err == nil {
		f.Put(ctx, ip)
		return errors.Wrapf(ErrExists, "%q", name)
	}

	// Look for an empty dirent.
	var off uint32
	for off = 0; off+DirentSize <= dp.Size; off += DirentSize {
		var de Dirent
		f.readDirent(ctx, dp, off, &de)

		if de.Inum == 0 {
			break
		}
	}

	var buf [DirentSize]byte

	de := Dirent{Inum: uint16(inum), Name: name}
	de.Encode(buf[:])

	n, err := f.Write(ctx, dp, buf[:], off)
	if err != nil {
		return err
	}

	if n != DirentSize {
		log.Fatal("dirlink: short write", "n", n)
	}

	return nil
}

// DirUnlink clears the record at off in dp.
func (f *FS) DirUnlink(ctx context.Context, dp *Inode, off uint32) error {
	var buf [DirentSize]byte

	n, err := f.Write(ctx, dp, buf[:], off)
	if err != nil {
		return err
	}

	if n != DirentSize {
		log.Fatal("unlink: short write", "n", n)
	}

	return nil
}

// IsDirEmpty reports whether dp holds nothing but "." and "..".
func (f *FS) IsDirEmpty(ctx context.Context, dp *Inode) bool {
	for off := uint32(2 * DirentSize); off+DirentSize <= dp.Size; off += DirentSize {
		var de Dirent
		f.readDirent(ctx, dp, off, &de)

		if de.Inum != 0 {
			return false
		}
	}

	return true
}
