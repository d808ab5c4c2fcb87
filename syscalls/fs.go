package syscalls

import (
	"context"

	"github.com/evanphx/arden/fs"
	"github.com/evanphx/arden/kernel"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// pathError logs err unless it is one of the ordinary lookup failures.
func pathError(l hclog.Logger, op, path string, err error) int32 {
	switch errors.Cause(err) {
	case fs.ErrNotFound, fs.ErrExists, fs.ErrNotDir, fs.ErrIsDir, fs.ErrNotEmpty:
		l.Trace(op+" failed", "path", path, "error", err)
	default:
		l.Error("error in "+op, "path", path, "error", err)
	}

	return -1
}

func sysOpen(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		ptr  = args.Args.R0
		mode = args.Args.R1
	)

	path, err := p.FetchStr(uint32(ptr))
	if err != nil {
		l.Error("error reading path", "error", err)
		return -1
	}

	l.Trace("open file", "path", path, "mode", mode)

	fsys := p.Kernel().FS()

	tx := fsys.Begin(ctx)

	var ip *fs.Inode

	if mode&kernel.OCreate != 0 {
		ip, err = fsys.Create(tx, path, p.Cwd(), fs.File, 0, 0)
		if err != nil {
			fsys.End(tx)
			return pathError(l, "open", path, err)
		}
	} else {
		ip, err = fsys.Namei(tx, path, p.Cwd())
		if err != nil {
			fsys.End(tx)
			return pathError(l, "open", path, err)
		}

		if err := fsys.Lock(tx, ip); err != nil {
			fsys.Put(tx, ip)
			fsys.End(tx)
			return pathError(l, "open", path, err)
		}

		if ip.Type == fs.Directory && mode != kernel.ORdOnly {
			fsys.UnlockPut(tx, ip)
			fsys.End(tx)
			return -1
		}
	}

	f, err := p.Kernel().FileAlloc(ip, mode&kernel.OWrOnly == 0, mode&(kernel.OWrOnly|kernel.ORdWr) != 0)
	if err != nil {
		fsys.UnlockPut(tx, ip)
		fsys.End(tx)
		return -1
	}

	fsys.Unlock(tx, ip)
	fsys.End(tx)

	fd, err := p.AllocFD(f)
	if err != nil {
		p.Kernel().FileClose(ctx, f)
		return -1
	}

	return int32(fd)
}

func create(ctx context.Context, l hclog.Logger, p *kernel.Task, op, path string, typ fs.InodeType, major, minor int16) int32 {
	fsys := p.Kernel().FS()

	tx := fsys.Begin(ctx)

	ip, err := fsys.Create(tx, path, p.Cwd(), typ, major, minor)
	if err != nil {
		fsys.End(tx)
		return pathError(l, op, path, err)
	}

	err = fsys.UnlockPut(tx, ip)
	if eerr := fsys.End(tx); err == nil {
		err = eerr
	}

	if err != nil {
		l.Error("error in "+op, "path", path, "error", err)
		return -1
	}

	return 0
}

func sysMkdir(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		ptr = args.Args.R0
	)

	path, err := p.FetchStr(uint32(ptr))
	if err != nil {
		return -1
	}

	return create(ctx, l, p, "mkdir", path, fs.Directory, 0, 0)
}

func sysMknod(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		ptr   = args.Args.R0
		major = args.Args.R1
		minor = args.Args.R2
	)

	path, err := p.FetchStr(uint32(ptr))
	if err != nil {
		return -1
	}

	return create(ctx, l, p, "mknod", path, fs.Device, int16(major), int16(minor))
}

func sysChdir(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		ptr = args.Args.R0
	)

	path, err := p.FetchStr(uint32(ptr))
	if err != nil {
		return -1
	}

	fsys := p.Kernel().FS()

	tx := fsys.Begin(ctx)
	defer fsys.End(tx)

	ip, err := fsys.Namei(tx, path, p.Cwd())
	if err != nil {
		return pathError(l, "chdir", path, err)
	}

	if err := fsys.Lock(tx, ip); err != nil {
		fsys.Put(tx, ip)
		return -1
	}

	if ip.Type != fs.Directory {
		fsys.UnlockPut(tx, ip)
		return -1
	}

	fsys.Unlock(tx, ip)

	if old := p.SetCwd(ip); old != nil {
		fsys.Put(tx, old)
	}

	return 0
}

func sysLink(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		oldp = args.Args.R0
		newp = args.Args.R1
	)

	oldpath, err := p.FetchStr(uint32(oldp))
	if err != nil {
		return -1
	}

	newpath, err := p.FetchStr(uint32(newp))
	if err != nil {
		return -1
	}

	fsys := p.Kernel().FS()

	tx := fsys.Begin(ctx)
	err = fsys.Link(tx, oldpath, newpath, p.Cwd())
	fsys.End(tx)

	if err != nil {
		return pathError(l, "link", oldpath, err)
	}

	return 0
}

func sysUnlink(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		ptr = args.Args.R0
	)

	path, err := p.FetchStr(uint32(ptr))
	if err != nil {
		return -1
	}

	fsys := p.Kernel().FS()

	tx := fsys.Begin(ctx)
	err = fsys.Unlink(tx, path, p.Cwd())
	fsys.End(tx)

	if err != nil {
		return pathError(l, "unlink", path, err)
	}

	return 0
}

func init() {
	register(kernel.SysOpen, 2, sysOpen)
	register(kernel.SysMkdir, 1, sysMkdir)
	register(kernel.SysMknod, 3, sysMknod)
	register(kernel.SysChdir, 1, sysChdir)
	register(kernel.SysLink, 2, sysLink)
	register(kernel.SysUnlink, 1, sysUnlink)
}
