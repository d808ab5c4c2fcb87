// Package syscalls is the system call table. Each handler receives its
// arguments as words fetched from the caller's user stack and returns the
// value placed in EAX; -1 reports any failure.
package syscalls

import (
	"context"

	"github.com/evanphx/arden/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

type SysArgs struct {
	Index int32
	Args  SyscallRequest
}

// SyscallRequest holds the argument words above the return address, first
// argument in R0.
type SyscallRequest struct {
	R0, R1, R2, R3, R4, R5, R6 int32
}

const maxArgs = 7

type Handler func(context.Context, hclog.Logger, *kernel.Task, SysArgs) int32

var Syscalls [kernel.NSyscall]Handler

// Arity is the number of argument words each call needs. A call whose
// arguments don't lie inside the caller's address space fails.
var Arity [kernel.NSyscall]int
