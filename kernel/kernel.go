package kernel

import (
	"context"
	"io"
	"sync"

	"github.com/evanphx/arden/fs"
	"github.com/evanphx/arden/ksync"
	"github.com/evanphx/arden/log"
	"github.com/evanphx/arden/memory"
	"github.com/evanphx/arden/pkg/waiter"
	"github.com/pkg/errors"
)

const (
	NPROC  = 64  // maximum number of processes
	NCPU   = 8   // maximum number of CPUs
	NOFILE = 16  // open files per process
	NFILE  = 100 // open files per system
	NSIG   = 32  // signal numbers per process

	// InitSize is the size of the first process's address space. Its stack
	// starts at the top.
	InitSize = 2 * memory.PageSize
)

var (
	ErrNoProc       = errors.New("no free process slot")
	ErrNoChildren   = errors.New("no children to wait for")
	ErrUnknownProc  = errors.New("no such process")
	ErrKilled       = errors.New("process killed")
	ErrUnknownFile  = errors.New("unknown file")
	ErrFileTable    = errors.New("file table full")
	ErrNoFD         = errors.New("too many open files")
	ErrBadSignal    = errors.New("bad signal number")
	ErrBadAddress   = errors.New("bad user address")
	ErrNotPermitted = errors.New("operation not permitted on file")
)

type prockey struct{}

func GetTask(ctx context.Context) (*Task, bool) {
	if v := ctx.Value(prockey{}); v != nil {
		return v.(*Task), true
	}

	return nil, false
}

func SetTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, prockey{}, t)
}

// Task is the process a kernel thread runs on behalf of.
type Task struct {
	*Process
}

// SyscallInvoker serves the system call a process trapped with. The number
// is in the trap frame's EAX; the result is stored back there.
type SyscallInvoker interface {
	InvokeSyscall(ctx context.Context, t *Task) int32
}

// Config describes the machine the kernel drives.
type Config struct {
	CPUs    int
	Policy  Policy
	Console io.Writer
}

type Kernel struct {
	pm     *memory.PhysMem
	kpgdir *memory.PageTable
	fs     *fs.FS

	ptable struct {
		lock ksync.Spinlock
		proc [NPROC]Process
	}

	// Protected by ptable.lock.
	policy    Policy
	nextpid   int
	initproc  *Process
	loadavg   uint32
	runnables int

	cpus []*CPU

	tickslock ksync.Spinlock
	ticks     uint32

	files FileTable
	cons  *Console
	mouse *Mouse

	// waiter sleeps callers that are not processes: the boot path, device
	// controllers and tests.
	waiter waiter.Waiter

	irqlock sync.Mutex
	irqs    [NIRQ]IRQHandler

	sys        SyscallInvoker
	text       text
	trampoline uint32

	bootlk    ksync.Spinlock
	bootState int
	bootHook  func(ctx context.Context) error

	ctx  context.Context
	done chan struct{}
	wg   sync.WaitGroup
}

// NewKernel builds a kernel over physical memory pm. The file system is
// attached separately since it sleeps through the kernel.
func NewKernel(pm *memory.PhysMem, cfg Config) (*Kernel, error) {
	if cfg.CPUs <= 0 || cfg.CPUs > NCPU {
		return nil, errors.Errorf("bad cpu count %d", cfg.CPUs)
	}

	kpgdir, err := memory.SetupKernel(pm)
	if err != nil {
		return nil, errors.Wrapf(err, "kernel page table")
	}

	k := &Kernel{
		pm:      pm,
		kpgdir:  kpgdir,
		policy:  cfg.Policy,
		nextpid: 1,
		done:    make(chan struct{}),
		ctx:     context.Background(),
	}

	if k.policy == nil {
		k.policy = &RoundRobin{}
	}

	k.ptable.lock.Init("ptable")
	k.tickslock.Init("time")
	k.bootlk.Init("boot")
	k.files.lock.Init("ftable")

	for i := 0; i < cfg.CPUs; i++ {
		k.cpus = append(k.cpus, newCPU(k, i))
	}

	k.cons = newConsole(k, cfg.Console)
	k.mouse = newMouse(k)

	k.irqs[IRQKbd] = k.cons.KeyboardIntr
	k.irqs[IRQMouse] = k.mouse.Intr

	k.text.init()
	k.trampoline = k.text.add(trampoline{})

	return k, nil
}

// AttachFS installs the file system processes use and registers the console
// in its device switch.
func (k *Kernel) AttachFS(f *fs.FS) {
	k.fs = f
	f.SetDevice(ConsoleMajor, k.cons)
}

func (k *Kernel) FS() *fs.FS {
	return k.fs
}

func (k *Kernel) PhysMem() *memory.PhysMem {
	return k.pm
}

func (k *Kernel) Console() *Console {
	return k.cons
}

func (k *Kernel) Mouse() *Mouse {
	return k.mouse
}

func (k *Kernel) CPUs() []*CPU {
	return k.cpus
}

// SetSyscalls installs the system call table.
func (k *Kernel) SetSyscalls(s SyscallInvoker) {
	k.sys = s
}

// OnBoot sets a function the first process runs before returning to user
// space. Initialization that sleeps, such as mounting file systems, belongs
// here.
func (k *Kernel) OnBoot(f func(ctx context.Context) error) {
	k.bootHook = f
}

// SetPolicy switches the scheduling policy.
func (k *Kernel) SetPolicy(p Policy) {
	k.ptable.lock.Acquire()
	k.policy = p
	k.ptable.lock.Release()

	log.L.Info("scheduler policy", "policy", p.Name())
}

func (k *Kernel) Policy() Policy {
	k.ptable.lock.Acquire()
	defer k.ptable.lock.Release()

	return k.policy
}

// Ticks returns the number of timer ticks since boot.
func (k *Kernel) Ticks() uint32 {
	k.tickslock.Acquire()
	defer k.tickslock.Release()

	return k.ticks
}

// LoadAvg returns the load estimate in ten-thousandths.
func (k *Kernel) LoadAvg() uint32 {
	k.ptable.lock.Acquire()
	defer k.ptable.lock.Release()

	return k.loadavg
}

// Start runs an idle loop on every CPU until Shutdown.
func (k *Kernel) Start(ctx context.Context) {
	k.ctx = ctx

	for _, c := range k.cpus {
		k.wg.Add(1)
		go k.idle(c)
	}
}

// Shutdown stops the CPUs. Processes parked in the scheduler are abandoned.
func (k *Kernel) Shutdown() {
	select {
	case <-k.done:
	default:
		close(k.done)
	}

	k.wg.Wait()
}

// Done is closed once Shutdown has been called.
func (k *Kernel) Done() <-chan struct{} {
	return k.done
}
