package fs

import (
	"context"

	"github.com/evanphx/arden/log"
	"github.com/pkg/errors"
)

// Create makes a new inode of type typ at path and returns it locked.
// Creating a file where one exists opens the existing one instead. Runs
// inside a transaction.
func (f *FS) Create(ctx context.Context, path string, cwd *Inode, typ InodeType, major, minor int16) (*Inode, error) {
	dp, name, err := f.NameiParent(ctx, path, cwd)
	if err != nil {
		return nil, err
	}

	if err := f.Lock(ctx, dp); err != nil {
		f.Put(ctx, dp)
		return nil, err
	}

	if ip, _, err := f.DirLookup(ctx, dp, name); err == nil {
		f.UnlockPut(ctx, dp)

		if err := f.Lock(ctx, ip); err != nil {
			f.Put(ctx, ip)
			return nil, err
		}

		if typ == File && ip.Type == File {
			return ip, nil
		}

		f.UnlockPut(ctx, ip)

		return nil, errors.Wrapf(ErrExists, "%q", path)
	}

	ip, err := f.Alloc(ctx, dp.Dev, typ)
	if err != nil {
		f.UnlockPut(ctx, dp)
		return nil, err
	}

	if err := f.Lock(ctx, ip); err != nil {
		f.UnlockPut(ctx, dp)
		f.Put(ctx, ip)
		return nil, err
	}

	ip.Major = major
	ip.Minor = minor
	ip.Nlink = 1

	err = f.Update(ctx, ip)

	dotdot := false

	if err == nil && typ == Directory {
		// Create . and .. entries.
		dp.Nlink++ // for ".."
		dotdot = true

		if err = f.Update(ctx, dp); err == nil {
			// No ip.Nlink++ for ".": avoid cyclic ref count.
			if err = f.DirLink(ctx, ip, ".", ip.Inum); err == nil {
				err = f.DirLink(ctx, ip, "..", dp.Inum)
			}
		}
	}

	if err == nil {
		err = f.DirLink(ctx, dp, name, ip.Inum)
	}

	if err != nil {
		if dotdot {
			dp.Nlink--
			f.Update(ctx, dp)
		}

		// Leave the new inode unlinked so dropping it frees it.
		ip.Nlink = 0
		f.Update(ctx, ip)
		f.UnlockPut(ctx, ip)
		f.UnlockPut(ctx, dp)
		return nil, err
	}

	f.UnlockPut(ctx, dp)

	return ip, nil
}

// Link gives the inode at oldpath a second name, newpath.
func (f *FS) Link(ctx context.Context, oldpath, newpath string, cwd *Inode) error {
	ip, err := f.Namei(ctx, oldpath, cwd)
	if err != nil {
		return err
	}

	if err := f.Lock(ctx, ip); err != nil {
		f.Put(ctx, ip)
		return err
	}

	if ip.Type == Directory {
		f.UnlockPut(ctx, ip)
		return errors.Wrapf(ErrIsDir, "%q", oldpath)
	}

	ip.Nlink++

	if err := f.Update(ctx, ip); err != nil {
		f.UnlockPut(ctx, ip)
		return err
	}

	f.Unlock(ctx, ip)

	err = f.linkInto(ctx, ip, newpath, cwd)
	if err == nil {
		return f.Put(ctx, ip)
	}

	f.Lock(ctx, ip)
	ip.Nlink--
	f.Update(ctx, ip)
	f.UnlockPut(ctx, ip)

	return err
}

func (f *FS) linkInto(ctx context.Context, ip *Inode, path string, cwd *Inode) error {
	dp, name, err := f.NameiParent(ctx, path, cwd)
	if err != nil {
		return err
	}

	if err := f.Lock(ctx, dp); err != nil {
		f.Put(ctx, dp)
		return err
	}

	if dp.Dev != ip.Dev {
		f.UnlockPut(ctx, dp)
		return errors.Wrapf(ErrCrossDev, "%q", path)
	}

	err = f.DirLink(ctx, dp, name, ip.Inum)

	f.UnlockPut(ctx, dp)

	return err
}

// Unlink removes the name path. The inode itself is freed once its last
// link and last reference are gone.
func (f *FS) Unlink(ctx context.Context, path string, cwd *Inode) error {
	dp, name, err := f.NameiParent(ctx, path, cwd)
	if err != nil {
		return err
	}

	if err := f.Lock(ctx, dp); err != nil {
		f.Put(ctx, dp)
		return err
	}

	// Cannot unlink "." or "..".
	if namecmp(name, ".") || namecmp(name, "..") {
		f.UnlockPut(ctx, dp)
		return errors.Wrapf(ErrInvalid, "unlink %q", name)
	}

	ip, off, err := f.DirLookup(ctx, dp, name)
	if err != nil {
		f.UnlockPut(ctx, dp)
		return err
	}

	if err := f.Lock(ctx, ip); err != nil {
		f.Put(ctx, ip)
		f.UnlockPut(ctx, dp)
		return err
	}

	if ip.Nlink < 1 {
		log.Fatal("unlink: nlink < 1", "dev", ip.Dev, "inum", ip.Inum)
	}

	if ip.Type == Directory && !f.IsDirEmpty(ctx, ip) {
		f.UnlockPut(ctx, ip)
		f.UnlockPut(ctx, dp)
		return errors.Wrapf(ErrNotEmpty, "%q", path)
	}

	if err := f.DirUnlink(ctx, dp, off); err != nil {
		f.UnlockPut(ctx, ip)
		f.UnlockPut(ctx, dp)
		return err
	}

	if ip.Type == Directory {
		dp.Nlink--
		f.Update(ctx, dp)
	}

	f.UnlockPut(ctx, dp)

	ip.Nlink--

	err = f.Update(ctx, ip)

	if perr := f.UnlockPut(ctx, ip); err == nil {
		err = perr
	}

	return err
}
