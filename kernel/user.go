package kernel

import (
	"encoding/binary"
	"sync"

	"github.com/evanphx/arden/log"
	"github.com/evanphx/arden/memory"
	"github.com/pkg/errors"
)

// TextBase is the first code address handed out to user code.
const TextBase = 0x1000

const textStep = 0x10

// Program is user code. It runs in user mode and reaches the kernel only
// through its User.
type Program func(u *User)

// SignalHandler is user code run on delivery of a signal.
type SignalHandler func(u *User, sig int)

// trampoline is the code signal handlers return to. It calls sigreturn.
type trampoline struct{}

// text maps code addresses to the user code living there.
type text struct {
	mu   sync.Mutex
	next uint32
	code map[uint32]interface{}
}

func (t *text) init() {
	t.next = TextBase
	t.code = make(map[uint32]interface{})
}

func (t *text) add(code interface{}) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	addr := t.next
	t.next += textStep
	t.code[addr] = code

	return addr
}

func (t *text) lookup(addr uint32) interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.code[addr]
}

// RegisterProgram gives prog a code address. The address is what fork
// takes as the child's entry point.
func (k *Kernel) RegisterProgram(prog Program) uint32 {
	return k.text.add(prog)
}

// RegisterHandler gives h a code address to install with sigsethandler.
func (k *Kernel) RegisterHandler(h SignalHandler) uint32 {
	return k.text.add(h)
}

// Trampoline returns the address signal handlers return to.
func (k *Kernel) Trampoline() uint32 {
	return k.trampoline
}

var ErrSbrk = errors.New("sbrk failed")

// User is the user-mode side of a process. It owns the process's
// registers while user code runs: system calls push their arguments on the
// user stack and trap, and memory is reached through the page table the
// way the hardware would, faulting on pages it cannot use.
type User struct {
	k *Kernel
	p *Process

	scratch uint32
}

func newUser(k *Kernel, p *Process) *User {
	return &User{k: k, p: p}
}

func (u *User) fork(np *Process) *User {
	return &User{k: u.k, p: np, scratch: u.scratch}
}

func (u *User) Kernel() *Kernel {
	return u.k
}

func (u *User) Process() *Process {
	return u.p
}

// run enters user mode at the trap frame's EIP and exits the process when
// the program returns.
func (u *User) run() {
	p := u.p

	p.kernelMode = false
	p.cpu.sti()

	prog, ok := u.k.text.lookup(p.tf.EIP).(Program)
	if !ok {
		log.L.Error("no program at entry", "pid", p.Pid, "eip", p.tf.EIP)
		u.k.Kill(p.Pid)
		u.k.Exit(p.ctx)
	}

	log.L.Trace("user-enter", "pid", p.Pid, "eip", p.tf.EIP)

	prog(u)

	u.Exit()
}

// Exit ends the process. It does not return.
func (u *User) Exit() {
	u.Syscall(SysExit)

	// Only reached without a system call table.
	u.k.Exit(u.p.ctx)
}

func (u *User) trap(trapno, code uint32) {
	p := u.p

	p.tf.TrapNo = trapno
	p.tf.Err = code

	u.k.trap(p.ctx, p.cpu, p, p.tf)
}

// Spin marks a point where user code can be interrupted. Pending
// interrupts are taken, which may reschedule; a killed process exits.
func (u *User) Spin() {
	p := u.p

	u.k.takeInterrupts(p.cpu, p)

	if p.killed {
		u.k.Exit(p.ctx)
	}
}

// Syscall traps into the kernel with system call num. The arguments are
// pushed on the user stack right to left, below a return address. Signal
// handlers the kernel redirects to on the way out run before Syscall
// returns the result from EAX.
func (u *User) Syscall(num int, args ...int32) int32 {
	p := u.p
	tf := p.tf

	u.k.takeInterrupts(p.cpu, p)

	for i := len(args) - 1; i >= 0; i-- {
		u.push32(uint32(args[i]))
	}

	// Return address of the call.
	u.push32(0)

	pc := tf.EIP

	tf.EAX = uint32(num)
	u.trap(TrapSyscall, 0)

	u.handleSignals(pc)

	tf.ESP += uint32(4 * (len(args) + 1))

	return int32(tf.EAX)
}

// handleSignals runs handler frames until execution is back at pc.
func (u *User) handleSignals(pc uint32) {
	p := u.p
	tf := p.tf

	for tf.EIP != pc {
		h, ok := u.k.text.lookup(tf.EIP).(SignalHandler)
		if !ok {
			log.L.Error("jump to non-handler", "pid", p.Pid, "eip", tf.EIP)
			u.k.Kill(p.Pid)
			u.k.Exit(p.ctx)
		}

		sig := u.Load32(tf.ESP + 4)

		h(u, int(sig))

		// ret
		ra := u.Load32(tf.ESP)
		tf.ESP += 4

		if _, ok := u.k.text.lookup(ra).(trampoline); !ok {
			log.L.Error("signal handler returned to bad address", "pid", p.Pid, "addr", ra)
			u.k.Kill(p.Pid)
			u.k.Exit(p.ctx)
		}

		tf.EIP = ra

		u.sigreturn()
	}
}

// sigreturn is the trampoline's code. The restored frame carries the
// stack pointer, so nothing is popped.
func (u *User) sigreturn() {
	u.push32(0)

	u.p.tf.EAX = SysSigreturn
	u.trap(TrapSyscall, 0)
}

func (u *User) fault(addr uint32, err error, write bool) {
	code := uint32(FaultUser)

	if write {
		code |= FaultWrite
	}

	if errors.Cause(err) == memory.ErrReadOnly {
		code |= FaultPresent
	}

	u.p.cpu.cr2 = addr
	u.trap(TrapPageFault, code)
}

// Load reads user memory at addr. A fault the kernel can't resolve kills
// the process.
func (u *User) Load(addr uint32, buf []byte) {
	for {
		err := u.p.pgdir.CopyIn(addr, buf)
		if err == nil {
			return
		}

		u.fault(addr, err, false)
	}
}

// Store writes user memory at addr, faulting in private copies of shared
// pages.
func (u *User) Store(addr uint32, data []byte) {
	for {
		err := u.p.pgdir.CopyOut(addr, data)
		if err == nil {
			return
		}

		u.fault(addr, err, true)
	}
}

func (u *User) Load32(addr uint32) uint32 {
	var b [4]byte
	u.Load(addr, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (u *User) Store32(addr, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	u.Store(addr, b[:])
}

func (u *User) push32(v uint32) {
	u.p.tf.ESP -= 4
	u.Store32(u.p.tf.ESP, v)
}

// Alloc grows the heap by n bytes and returns their address.
func (u *User) Alloc(n int) (uint32, error) {
	addr := u.Syscall(SysSbrk, int32(n))
	if addr == -1 {
		return 0, errors.Wrapf(ErrSbrk, "%d bytes", n)
	}

	return uint32(addr), nil
}

// Bytes copies data to freshly allocated user memory.
func (u *User) Bytes(data []byte) (uint32, error) {
	addr, err := u.Alloc(len(data))
	if err != nil {
		return 0, err
	}

	u.Store(addr, data)

	return addr, nil
}

// String copies s with a NUL terminator to freshly allocated user memory.
func (u *User) String(s string) (uint32, error) {
	return u.Bytes(append([]byte(s), 0))
}
