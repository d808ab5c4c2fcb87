package syscalls

import (
	"context"

	"github.com/evanphx/arden/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

func sysSleep(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		n = args.Args.R0
	)

	if n < 0 {
		return -1
	}

	if err := p.Kernel().SleepTicks(ctx, uint32(n)); err != nil {
		return -1
	}

	return 0
}

// sysUptime returns the ticks since boot.
func sysUptime(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return int32(p.Kernel().Ticks())
}

func init() {
	register(kernel.SysSleep, 1, sysSleep)
	register(kernel.SysUptime, 0, sysUptime)
}
