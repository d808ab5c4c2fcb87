package syscalls

import (
	"context"

	"github.com/evanphx/arden/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

func sysGetpid(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return int32(p.Pid)
}

// sysPredict records the caller's expected run time in ticks for the
// burst-based scheduling policies.
func sysPredict(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		ticks = args.Args.R0
	)

	p.Predict(ticks)

	l.Trace("predict", "ticks", ticks)

	return 0
}

// sysLoadavg returns the load average in ten-thousandths.
func sysLoadavg(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return int32(p.Kernel().LoadAvg())
}

// sysGetptable copies up to n entries describing live processes to buf and
// returns how many it copied.
func sysGetptable(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		buf = args.Args.R0
		n   = args.Args.R1
	)

	if n < 0 {
		return -1
	}

	var data []byte

	count := int32(0)

	for _, pi := range p.Kernel().Snapshot() {
		if count == n {
			break
		}

		if pi.State == kernel.Unused {
			continue
		}

		var b [kernel.ProcInfoSize]byte
		pi.Encode(b[:])

		data = append(data, b[:]...)
		count++
	}

	if err := p.CopyOut(uint32(buf), data); err != nil {
		l.Error("error copying process table", "error", err)
		return -1
	}

	return count
}

func init() {
	register(kernel.SysGetpid, 0, sysGetpid)
	register(kernel.SysPredict, 1, sysPredict)
	register(kernel.SysLoadavg, 0, sysLoadavg)
	register(kernel.SysGetptable, 2, sysGetptable)
}
