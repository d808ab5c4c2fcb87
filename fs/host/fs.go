// Package host populates a file system image from a directory on the host.
package host

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/evanphx/arden/fs"
	"github.com/evanphx/arden/log"
	"github.com/pkg/errors"
)

// HostFS copies a host directory tree into an image.
type HostFS struct {
	b    *fs.Builder
	root string

	Files int
	Dirs  int
}

// Populate copies the directories and regular files under path into b.
// Symlinks and special files are skipped.
func Populate(b *fs.Builder, path string) (*HostFS, error) {
	log.L.Trace("populating from host dir", "path", path)

	stat, err := os.Lstat(path)
	if err != nil {
		log.L.Error("error stating host path", "error", err)
		return nil, err
	}

	if !stat.IsDir() {
		return nil, errors.Wrapf(fs.ErrNotDir, "%s", path)
	}

	h := &HostFS{b: b, root: path}

	if err := h.copyDir(path, fs.RootIno); err != nil {
		return nil, err
	}

	return h, nil
}

func (h *HostFS) copyDir(dir string, parent uint32) error {
	infos, err := ioutil.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, ent := range infos {
		cp := filepath.Join(dir, ent.Name())

		if len(ent.Name()) > fs.DirSiz {
			return errors.Errorf("name %q longer than %d bytes", cp, fs.DirSiz)
		}

		switch {
		case ent.IsDir():
			inum, err := h.b.Mkdir(parent, ent.Name())
			if err != nil {
				return errors.Wrapf(err, "mkdir %s", cp)
			}

			h.Dirs++

			if err := h.copyDir(cp, inum); err != nil {
				return err
			}

		case ent.Mode().IsRegular():
			data, err := ioutil.ReadFile(cp)
			if err != nil {
				return err
			}

			if _, err := h.b.AddFile(parent, ent.Name(), data); err != nil {
				return errors.Wrapf(err, "add %s", cp)
			}

			h.Files++

			log.L.Trace("host-file", "path", cp, "size", len(data))

		default:
			log.L.Debug("skipping host entry", "path", cp, "mode", ent.Mode())
		}
	}

	return nil
}
