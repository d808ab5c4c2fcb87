package syscalls

import (
	"context"
	"encoding/binary"

	"github.com/evanphx/arden/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

func sysSigsend(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		pid = args.Args.R0
		sig = args.Args.R1
	)

	if err := p.Kernel().SigSend(int(pid), int(sig)); err != nil {
		l.Debug("sigsend failed", "target", pid, "sig", sig, "error", err)
		return -1
	}

	return 0
}

func sysSigsethandler(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		sig  = args.Args.R0
		hand = args.Args.R1
	)

	if err := p.Kernel().SigSetHandler(ctx, int(sig), uint32(hand)); err != nil {
		return -1
	}

	return 0
}

// sysSigreturn returns the EAX of the restored frame so the interrupted
// call's result is preserved.
func sysSigreturn(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	eax, err := p.Kernel().SigReturn(ctx)
	if err != nil {
		l.Error("error returning from signal handler", "error", err)
		return -1
	}

	return int32(eax)
}

func sysSiggetmask(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	mask, err := p.Kernel().SigGetMask(ctx)
	if err != nil {
		return -1
	}

	return int32(mask)
}

// sysSigsetmask swaps the blocked mask with the word at maskp.
func sysSigsetmask(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		maskp = uint32(args.Args.R0)
	)

	mask, err := p.FetchInt(maskp)
	if err != nil {
		return -1
	}

	old, err := p.Kernel().SigSetMask(ctx, uint32(mask))
	if err != nil {
		return -1
	}

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], old)

	if err := p.CopyOut(maskp, b[:]); err != nil {
		l.Error("error copying old mask", "error", err)
		return -1
	}

	return 0
}

func sysSigpause(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		mask = args.Args.R0
	)

	if err := p.Kernel().SigPause(ctx, uint32(mask)); err != nil {
		return -1
	}

	return 0
}

func init() {
	register(kernel.SysSigsend, 2, sysSigsend)
	register(kernel.SysSigsethandler, 2, sysSigsethandler)
	register(kernel.SysSigreturn, 0, sysSigreturn)
	register(kernel.SysSiggetmask, 0, sysSiggetmask)
	register(kernel.SysSigsetmask, 1, sysSigsetmask)
	register(kernel.SysSigpause, 1, sysSigpause)
}
