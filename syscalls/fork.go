package syscalls

import (
	"context"

	"github.com/evanphx/arden/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

func sysFork(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		entry = args.Args.R0
	)

	pid, err := p.Kernel().Fork(ctx, uint32(entry))
	if err != nil {
		l.Error("error forking process", "error", err)
		return -1
	}

	return int32(pid)
}

func sysExit(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	p.Kernel().Exit(ctx)

	// Not reached.
	return 0
}

func sysWait(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		timesAddr = args.Args.R0
	)

	pid, times, err := p.Kernel().Wait(ctx)
	if err != nil {
		l.Trace("wait-no-child", "error", err)
		return -1
	}

	if timesAddr != 0 {
		if err := p.CopyOut(uint32(timesAddr), times.Encode()); err != nil {
			l.Error("error copying child times", "error", err)
		}
	}

	l.Trace("wait-found-child", "child", pid)

	return int32(pid)
}

func sysKill(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		pid = args.Args.R0
	)

	if err := p.Kernel().Kill(int(pid)); err != nil {
		return -1
	}

	return 0
}

func sysSbrk(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		n = args.Args.R0
	)

	addr := p.Size()

	if err := p.Kernel().GrowProc(ctx, n); err != nil {
		l.Debug("sbrk failed", "n", n, "error", err)
		return -1
	}

	return int32(addr)
}

func init() {
	register(kernel.SysFork, 1, sysFork)
	register(kernel.SysExit, 0, sysExit)
	register(kernel.SysWait, 1, sysWait)
	register(kernel.SysKill, 1, sysKill)
	register(kernel.SysSbrk, 1, sysSbrk)
}
