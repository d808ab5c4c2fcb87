package fs

import (
	"context"

	"github.com/pkg/errors"
)

// skipelem copies the next path element out of path and returns it with the
// remainder. The remainder has no leading slashes, so an empty remainder
// means the element was the last one. ok is false when there is no element
// left.
//
//	skipelem("a/bb/c") = "a", "bb/c"
//	skipelem("///a//bb") = "a", "bb"
//	skipelem("a") = "a", ""
//	skipelem("") = skipelem("////") = no element
func skipelem(path string) (name, rest string, ok bool) {
	for len(path) > 0 && (path[0] == '/' || path[0] == '%') {
		path = path[1:]
	}

	if path == "" {
		return "", "", false
	}

	i := 0
	for i < len(path) && path[i] != '/' {
		i++
	}

	name = path[:i]
	if len(name) > DirSiz {
		name = name[:DirSiz]
	}

	path = path[i:]
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}

	return name, path, true
}

// start picks the inode a lookup begins at: the root of the root device for
// '/', the root of the legacy device for '%', cwd otherwise.
func (f *FS) start(path string, cwd *Inode) (*Inode, error) {
	switch {
	case len(path) > 0 && path[0] == '/':
		return f.Get(RootDev, RootIno), nil
	case len(path) > 0 && path[0] == '%':
		if _, ok := f.mounts[LegacyDev]; !ok {
			return nil, errors.Wrapf(ErrNotMounted, "dev %d", LegacyDev)
		}
		return f.Get(LegacyDev, 1), nil
	case cwd == nil:
		return nil, errors.Wrapf(ErrNotFound, "relative path %q without a directory", path)
	default:
		return f.Dup(cwd), nil
	}
}

// namex looks up path. With parent set it stops one level early and
// returns the parent directory along with the final element. Directories
// are locked hand over hand, one at a time. Must be called inside a
// transaction since it drops inode references.
func (f *FS) namex(ctx context.Context, path string, cwd *Inode, parent bool) (*Inode, string, error) {
	ip, err := f.start(path, cwd)
	if err != nil {
		return nil, "", err
	}

	var name string

	for {
		var ok bool

		name, path, ok = skipelem(path)
		if !ok {
			break
		}

		if err := f.Lock(ctx, ip); err != nil {
			f.Put(ctx, ip)
			return nil, "", err
		}

		if ip.Type != Directory {
			f.UnlockPut(ctx, ip)
			return nil, "", errors.Wrapf(ErrNotDir, "at %q", name)
		}

		if parent && path == "" {
			// Stop one level early.
			f.Unlock(ctx, ip)
			return ip, name, nil
		}

		next, _, err := f.DirLookup(ctx, ip, name)
		if err != nil {
			f.UnlockPut(ctx, ip)
			return nil, "", err
		}

		f.UnlockPut(ctx, ip)

		ip = next
	}

	if parent {
		f.Put(ctx, ip)
		return nil, "", errors.Wrapf(ErrNotFound, "no parent for root")
	}

	return ip, name, nil
}

// Namei returns the unlocked, referenced inode named by path.
func (f *FS) Namei(ctx context.Context, path string, cwd *Inode) (*Inode, error) {
	ip, _, err := f.namex(ctx, path, cwd, false)
	return ip, err
}

// NameiParent returns the unlocked, referenced parent directory of path and
// the final path element.
func (f *FS) NameiParent(ctx context.Context, path string, cwd *Inode) (*Inode, string, error) {
	return f.namex(ctx, path, cwd, true)
}
