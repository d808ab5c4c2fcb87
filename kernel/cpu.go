package kernel

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/evanphx/arden/log"
	"github.com/evanphx/arden/memory"
)

// CPU is the state of one processor. Exactly one kernel thread runs on a CPU
// at a time: either its idle loop or the process in proc, so the fields
// below need no lock. pending and kick are written by other CPUs.
type CPU struct {
	ID int

	k *Kernel

	scheduler *Context // the idle loop's context
	proc      *Process // the running process or nil

	ncli   int  // depth of PushCli nesting
	intena bool // were interrupts enabled before PushCli?
	intrOn bool // the interrupt-enable flag

	// newproc is set when a process becomes RUNNABLE so an idle CPU tries
	// to reschedule right away. Protected by ptable.lock.
	newproc bool

	pgdir *memory.PageTable // installed page table
	cr2   uint32            // faulting address of the last page fault

	pending uint32
	kick    chan struct{}
}

func newCPU(k *Kernel, id int) *CPU {
	return &CPU{
		ID:        id,
		k:         k,
		scheduler: newSchedContext(fmt.Sprintf("cpu%d", id)),
		kick:      make(chan struct{}, 1),
		pgdir:     k.kpgdir,
	}
}

// PushCli disables interrupts. PushCli/PopCli are matched: it takes two
// PopCli to undo two PushCli. If interrupts were off to begin with, they
// stay off.
func (c *CPU) PushCli() {
	on := c.intrOn
	c.intrOn = false

	if c.ncli == 0 {
		c.intena = on
	}

	c.ncli++
}

func (c *CPU) PopCli() {
	if c.intrOn {
		log.Fatal("popcli - interruptible", "cpu", c.ID)
	}

	c.ncli--
	if c.ncli < 0 {
		log.Fatal("popcli", "cpu", c.ID)
	}

	if c.ncli == 0 && c.intena {
		c.intrOn = true
	}
}

func (c *CPU) cli() {
	c.intrOn = false
}

func (c *CPU) sti() {
	c.intrOn = true
}

// Interruptible reports the interrupt-enable flag.
func (c *CPU) Interruptible() bool {
	return c.intrOn
}

// Proc returns the process running on c.
func (c *CPU) Proc() *Process {
	return c.proc
}

// Post raises irq on c. It is taken at the next point c accepts interrupts.
func (c *CPU) Post(irq int) {
	for {
		old := atomic.LoadUint32(&c.pending)
		if atomic.CompareAndSwapUint32(&c.pending, old, old|1<<uint(irq)) {
			break
		}
	}

	c.wake()
}

func (c *CPU) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// takeInterrupts runs the handlers for every interrupt pending on the CPU
// the thread runs on. p is the running process or nil in the idle loop.
func (k *Kernel) takeInterrupts(c *CPU, p *Process) {
	bits := atomic.SwapUint32(&c.pending, 0)

	for irq := 0; bits != 0; irq++ {
		if bits&1 != 0 {
			tf := &TrapFrame{TrapNo: TrapIRQ0 + uint32(irq)}

			if p == nil {
				c.cli()
				k.trap(k.ctx, c, nil, tf)
				c.sti()
			} else {
				k.trap(p.ctx, p.cpu, p, tf)
			}
		}

		bits >>= 1
	}
}

// idle is the per-CPU idle loop. It takes interrupts and reschedules when a
// new process becomes runnable; otherwise it halts until kicked.
func (k *Kernel) idle(c *CPU) {
	defer k.wg.Done()

	log.L.Trace("cpu-start", "cpu", c.ID)

	c.sti()

	for {
		if !c.intrOn {
			log.Fatal("idle non-interruptible", "cpu", c.ID)
		}

		select {
		case <-k.done:
			return
		default:
		}

		k.takeInterrupts(c, nil)

		k.ptable.lock.AcquireOn(c)
		found := c.newproc
		c.newproc = false
		k.ptable.lock.Release()

		if found {
			c.cli()
			k.reschedule(c)
			c.sti()
			continue
		}

		// hlt
		select {
		case <-c.kick:
		case <-k.done:
			return
		}
	}
}

// Context is a saved kernel thread. Each is backed by a goroutine that runs
// only while the context is switched in.
type Context struct {
	name  string
	wake  chan struct{}
	start func()

	// dead contexts are never switched back in; their goroutine ends when
	// they switch out.
	dead bool

	// sched marks a CPU's scheduler context. Only these unwind on
	// shutdown; process contexts stay parked with their locks as sched
	// left them.
	sched bool
}

func newContext(name string, start func()) *Context {
	return &Context{
		name:  name,
		wake:  make(chan struct{}, 1),
		start: start,
	}
}

func newSchedContext(name string) *Context {
	c := newContext(name, nil)
	c.sched = true
	return c
}

// swtch saves the current thread in old and resumes new. It returns when
// some CPU switches back to old.
func (k *Kernel) swtch(old, new *Context) {
	if f := new.start; f != nil {
		new.start = nil
		go f()
	} else {
		new.wake <- struct{}{}
	}

	if old.dead {
		runtime.Goexit()
	}

	select {
	case <-old.wake:
	case <-k.done:
		if !old.sched {
			select {}
		}

		runtime.Goexit()
	}
}
