// Package tarfs populates a file system image from a tar archive.
package tarfs

import (
	"archive/tar"
	"io"
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/evanphx/arden/fs"
	"github.com/evanphx/arden/log"
	"github.com/pkg/errors"
)

type entry struct {
	hdr  *tar.Header
	inum uint32
}

func (e *entry) String() string {
	return spew.Sdump(e.hdr)
}

// TarFS tracks the directories created so far, keyed by their path inside
// the archive.
type TarFS struct {
	b    *fs.Builder
	dirs map[string]uint32

	// Count of entries copied, skipped entries excluded.
	Files int
	Dirs  int
}

func cleanName(name string) string {
	if len(name) > 2 && name[:2] == "./" {
		name = name[2:]
	}

	if len(name) >= 1 && name[0] == '/' {
		name = name[1:]
	}

	return strings.TrimSuffix(name, "/")
}

// findParent returns the directory holding name, creating missing
// directories along the way.
func (t *TarFS) findParent(name string) (uint32, error) {
	dirName := filepath.Dir(name)

	if dirName == "" || dirName == "." {
		return fs.RootIno, nil
	}

	if inum, ok := t.dirs[dirName]; ok {
		return inum, nil
	}

	parent, err := t.findParent(dirName)
	if err != nil {
		return 0, err
	}

	inum, err := t.b.Mkdir(parent, filepath.Base(dirName))
	if err != nil {
		return 0, errors.Wrapf(err, "mkdir %s", dirName)
	}

	t.dirs[dirName] = inum
	t.Dirs++

	return inum, nil
}

// Populate copies the directories and regular files of the archive in r
// into b. Other entry types are skipped.
func Populate(b *fs.Builder, r io.Reader) (*TarFS, error) {
	tr := tar.NewReader(r)

	t := &TarFS{
		b:    b,
		dirs: make(map[string]uint32),
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, err
		}

		name := cleanName(hdr.Name)

		// root!
		if name == "" || name == "." {
			continue
		}

		if len(filepath.Base(name)) > fs.DirSiz {
			return nil, errors.Errorf("name %q longer than %d bytes", name, fs.DirSiz)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if _, ok := t.dirs[name]; ok {
				continue
			}

			parent, err := t.findParent(name)
			if err != nil {
				return nil, err
			}

			inum, err := b.Mkdir(parent, filepath.Base(name))
			if err != nil {
				return nil, errors.Wrapf(err, "mkdir %s", name)
			}

			t.dirs[name] = inum
			t.Dirs++

		case tar.TypeReg, tar.TypeRegA:
			data, err := ioutil.ReadAll(tr)
			if err != nil {
				return nil, err
			}

			parent, err := t.findParent(name)
			if err != nil {
				return nil, err
			}

			inum, err := b.AddFile(parent, filepath.Base(name), data)
			if err != nil {
				return nil, errors.Wrapf(err, "add %s", name)
			}

			t.Files++

			log.L.Trace("tar-file", "entry", &entry{hdr: hdr, inum: inum})

		default:
			log.L.Debug("skipping tar entry", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}

	return t, nil
}
