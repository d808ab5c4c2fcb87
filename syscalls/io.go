package syscalls

import (
	"context"

	"github.com/evanphx/arden/kernel"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

func sysClose(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		fd = args.Args.R0
	)

	f, err := p.File(int(fd))
	if err != nil {
		return -1
	}

	p.ClearFD(int(fd))

	if err := p.Kernel().FileClose(ctx, f); err != nil {
		l.Error("error closing fd", "error", err, "fd", fd)
	}

	return 0
}

func sysRead(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		fd  = args.Args.R0
		ptr = args.Args.R1
		sz  = args.Args.R2
	)

	f, err := p.File(int(fd))
	if err != nil {
		return -1
	}

	if sz < 0 || p.CheckRange(uint32(ptr), int(sz)) != nil {
		return -1
	}

	data := make([]byte, sz)

	n, err := p.Kernel().FileRead(ctx, f, data)
	if err != nil {
		if errors.Cause(err) != kernel.ErrKilled {
			l.Debug("error reading file", "error", err, "fd", fd)
		}
		return -1
	}

	if err := p.CopyOut(uint32(ptr), data[:n]); err != nil {
		l.Error("error copying data to userspace", "error", err)
		return -1
	}

	return int32(n)
}

func sysWrite(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		fd  = args.Args.R0
		ptr = args.Args.R1
		sz  = args.Args.R2
	)

	f, err := p.File(int(fd))
	if err != nil {
		return -1
	}

	if sz < 0 {
		return -1
	}

	data := make([]byte, sz)

	if err := p.CopyIn(uint32(ptr), data); err != nil {
		l.Error("error reading data from userspace", "error", err)
		return -1
	}

	n, err := p.Kernel().FileWrite(ctx, f, data)
	if err != nil {
		l.Debug("error writing data", "error", err, "fd", fd, "written", n)
		if n > 0 {
			return int32(n)
		}
		return -1
	}

	return int32(n)
}

func sysDup(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		fd = args.Args.R0
	)

	f, err := p.File(int(fd))
	if err != nil {
		return -1
	}

	nfd, err := p.AllocFD(f)
	if err != nil {
		return -1
	}

	p.Kernel().FileDup(f)

	return int32(nfd)
}

func sysFstat(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		fd  = args.Args.R0
		ptr = args.Args.R1
	)

	f, err := p.File(int(fd))
	if err != nil {
		return -1
	}

	st, err := p.Kernel().FileStat(ctx, f)
	if err != nil {
		return -1
	}

	if err := p.CopyOut(uint32(ptr), st.Encode()); err != nil {
		return -1
	}

	return 0
}

// sysReadmouse blocks until a whole mouse packet is buffered and copies it
// to the caller.
func sysReadmouse(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		ptr = args.Args.R0
	)

	if p.CheckRange(uint32(ptr), kernel.MousePacketSize) != nil {
		return -1
	}

	pkt, err := p.Kernel().Mouse().Read(ctx)
	if err != nil {
		return -1
	}

	if err := p.CopyOut(uint32(ptr), pkt[:]); err != nil {
		return -1
	}

	return 0
}

func init() {
	register(kernel.SysRead, 3, sysRead)
	register(kernel.SysWrite, 3, sysWrite)
	register(kernel.SysClose, 1, sysClose)
	register(kernel.SysDup, 1, sysDup)
	register(kernel.SysFstat, 2, sysFstat)
	register(kernel.SysReadMouse, 1, sysReadmouse)
}
