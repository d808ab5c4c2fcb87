package kernel

import (
	"context"

	"github.com/evanphx/arden/ksync"
	"github.com/evanphx/arden/log"
)

// Load average decay per scheduling decision, in ten-millionths. The
// average is kept in ten-thousandths so no floating point is needed.
const (
	loadDecay  = 9992328
	loadWeight = 7672
	loadScale  = 10000000
)

// sched switches away from the thread running on c: to the process the
// policy picks, or to c's idle loop if nothing is runnable.
//
// The caller holds ptable.lock and no other lock taken on c, and has
// already changed the state of the running process.
func (k *Kernel) sched(c *CPU) {
	if !k.ptable.lock.Holding() {
		log.Fatal("sched ptable.lock")
	}

	if c.ncli != 1 {
		log.Fatal("sched locks", "ncli", c.ncli)
	}

	if c.intrOn {
		log.Fatal("sched interruptible")
	}

	k.updateLoad()

	cur := c.proc

	old := c.scheduler
	if cur != nil {
		if cur.state == Running {
			log.Fatal("sched running", "pid", cur.Pid)
		}
		old = cur.context
	}

	p := k.pick(c)
	k.adjustTicks(p)

	if p != nil {
		p.state = Running
		k.switchuvm(c, p)

		if p != cur {
			c.proc = p
			p.cpu = c

			intena := c.intena
			k.swtch(old, p.context)
			k.resumedOn(c, cur).intena = intena
		}

		return
	}

	// No process to run; go back to the idle loop.
	k.switchkvm(c)

	if old != c.scheduler {
		c.proc = nil

		intena := c.intena
		k.swtch(old, c.scheduler)
		k.resumedOn(c, cur).intena = intena
	}
}

// resumedOn returns the CPU a thread is running on after swtch returned. A
// process may come back on a different CPU; an idle loop never moves.
func (k *Kernel) resumedOn(c *CPU, p *Process) *CPU {
	if p == nil {
		return c
	}

	return p.cpu
}

// pick chooses the next process. Processes inside a system call go first,
// in table order, ahead of whatever the policy would choose.
func (k *Kernel) pick(c *CPU) *Process {
	for i := range k.ptable.proc {
		p := &k.ptable.proc[i]
		if p.state == Runnable && p.kernelMode {
			return p
		}
	}

	return k.policy.Pick(k.ptable.proc[:], c.ID)
}

// adjustTicks charges one scheduling decision: every sleeping process waits
// a sleep tick, the chosen one a cpu tick and every other runnable process a
// wait tick. Every live process ages one real tick.
func (k *Kernel) adjustTicks(chosen *Process) {
	for i := range k.ptable.proc {
		p := &k.ptable.proc[i]

		switch {
		case p.state == Sleeping:
			p.times.Sleep++
		case p == chosen:
			p.times.CPU++
		case p.state == Runnable:
			p.times.Wait++
		}

		if p.state != Unused {
			p.times.Real++
		}
	}
}

// updateLoad folds the number of processes competing for a CPU into the load
// average.
func (k *Kernel) updateLoad() {
	k.runnables = 0

	for i := range k.ptable.proc {
		switch k.ptable.proc[i].state {
		case Runnable, Running:
			k.runnables++
		}
	}

	avg := uint64(k.loadavg)*loadDecay/loadScale +
		uint64(loadWeight)*uint64(k.runnables)*10000/loadScale

	k.loadavg = uint32(avg)
}

func (k *Kernel) switchuvm(c *CPU, p *Process) {
	if p == nil {
		log.Fatal("switchuvm: no process")
	}

	if p.pgdir == nil {
		log.Fatal("switchuvm: no pgdir", "pid", p.Pid)
	}

	c.pgdir = p.pgdir
}

func (k *Kernel) switchkvm(c *CPU) {
	c.pgdir = k.kpgdir
}

// reschedule gives up c for one scheduling round. Called on a timer tick and
// from the idle loop.
func (k *Kernel) reschedule(c *CPU) {
	k.ptable.lock.AcquireOn(c)

	if p := c.proc; p != nil {
		if p.state != Running {
			log.Fatal("current process not in running state", "pid", p.Pid, "state", p.state)
		}
		p.state = Runnable
	}

	k.sched(c)

	k.ptable.lock.Release()
}

// Yield gives up the CPU for one scheduling round.
func (k *Kernel) Yield(ctx context.Context) {
	t, ok := GetTask(ctx)
	if !ok {
		return
	}

	p := t.Process

	k.ptable.lock.AcquireOn(p.cpu)
	p.state = Runnable
	k.sched(p.cpu)
	k.ptable.lock.Release()
}

// SleepTicks blocks the caller for n timer ticks. A killed process gives
// up early.
func (k *Kernel) SleepTicks(ctx context.Context, n uint32) error {
	t, isProc := GetTask(ctx)

	k.tickslock.Acquire()

	t0 := k.ticks

	for k.ticks-t0 < n {
		if isProc && t.killed {
			k.tickslock.Release()
			return ErrKilled
		}

		k.Sleep(ctx, &k.ticks, &k.tickslock)
	}

	k.tickslock.Release()

	return nil
}

// forkret is where a new process first runs. It still holds ptable.lock
// from whoever switched to it.
func (k *Kernel) forkret(p *Process) {
	k.ptable.lock.Release()

	if err := k.boot(p.ctx); err != nil {
		log.Fatal("boot", "error", err)
	}

	if p.kthread != nil {
		p.cpu.sti()
		p.kthread(p.ctx)
		k.Exit(p.ctx)
	}

	p.user.run()
}

// boot runs the boot hook in the first process to get here. Others wait
// for it to finish.
func (k *Kernel) boot(ctx context.Context) error {
	k.bootlk.Acquire()

	switch k.bootState {
	case 0:
		k.bootState = 1
		k.bootlk.Release()

		var err error
		if k.bootHook != nil {
			err = k.bootHook(ctx)
		}

		k.bootlk.Acquire()
		k.bootState = 2
		k.bootlk.Release()

		k.Wakeup(&k.bootState)

		return err
	case 1:
		for k.bootState != 2 {
			k.Sleep(ctx, &k.bootState, &k.bootlk)
		}
	}

	k.bootlk.Release()

	return nil
}

// Sleep atomically releases lk and suspends the caller until a Wakeup names
// ch, then reacquires lk. Callers that are not processes are parked on the
// kernel's waiter instead.
func (k *Kernel) Sleep(ctx context.Context, ch interface{}, lk *ksync.Spinlock) {
	t, ok := GetTask(ctx)
	if !ok {
		k.waiter.Sleep(ctx, ch, lk)
		return
	}

	p := t.Process

	if lk == nil {
		log.Fatal("sleep without lk")
	}

	onCPU := lk.Intr() != nil

	// Once ptable.lock is held no wakeup can be missed, since wakeup runs
	// with it held, so lk can be dropped.
	if lk != &k.ptable.lock {
		k.ptable.lock.AcquireOn(p.cpu)
		lk.Release()
	}

	p.sleepChan = ch
	p.state = Sleeping

	k.sched(p.cpu)

	p.sleepChan = nil

	if lk != &k.ptable.lock {
		k.ptable.lock.Release()

		if onCPU {
			lk.AcquireOn(p.cpu)
		} else {
			lk.Acquire()
		}
	}
}

// Wakeup makes every process sleeping on ch runnable and releases every
// non-process sleeper parked on it.
func (k *Kernel) Wakeup(ch interface{}) {
	k.ptable.lock.Acquire()
	k.wakeup1(ch)
	k.ptable.lock.Release()

	k.waiter.Wakeup(ch)
}

// wakeup1 is Wakeup for callers holding ptable.lock.
func (k *Kernel) wakeup1(ch interface{}) {
	for i := range k.ptable.proc {
		p := &k.ptable.proc[i]
		if p.state == Sleeping && p.sleepChan == ch {
			k.makeRunnable(p)
		}
	}
}

// makeRunnable marks p RUNNABLE and tells idle CPUs to look for it. Called
// with ptable.lock held.
func (k *Kernel) makeRunnable(p *Process) {
	p.state = Runnable

	for _, c := range k.cpus {
		c.newproc = true
		c.wake()
	}
}
