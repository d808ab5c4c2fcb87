package syscalls

import (
	"context"

	"github.com/evanphx/arden/kernel"
	"github.com/evanphx/arden/log"
)

// Invoker dispatches system call traps through Syscalls.
type Invoker struct {
	Kernel *kernel.Kernel
}

func (i *Invoker) InvokeSyscall(ctx context.Context, t *kernel.Task) int32 {
	num := int32(t.TF().EAX)

	if num <= 0 || int(num) >= len(Syscalls) || Syscalls[num] == nil {
		log.L.Error("unknown sys call", "pid", t.Pid, "name", t.Name, "num", num)
		return -1
	}

	req, err := fetchArgs(t, Arity[num])
	if err != nil {
		log.L.Debug("bad sys call arguments", "pid", t.Pid, "num", num, "error", err)
		return -1
	}

	return Syscalls[num](ctx, log.L.With("pid", t.Pid), t, SysArgs{Index: num, Args: req})
}

// fetchArgs reads n argument words from the user stack, just above the
// return address at ESP.
func fetchArgs(t *kernel.Task, n int) (SyscallRequest, error) {
	var r [maxArgs]int32

	sp := t.TF().ESP + 4

	for i := 0; i < n && i < maxArgs; i++ {
		v, err := t.FetchInt(sp + uint32(4*i))
		if err != nil {
			return SyscallRequest{}, err
		}

		r[i] = v
	}

	return SyscallRequest{
		R0: r[0],
		R1: r[1],
		R2: r[2],
		R3: r[3],
		R4: r[4],
		R5: r[5],
		R6: r[6],
	}, nil
}

// register installs f as call num taking arity argument words.
func register(num, arity int, f Handler) {
	Syscalls[num] = f
	Arity[num] = arity
}
