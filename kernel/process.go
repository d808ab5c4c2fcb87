package kernel

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/evanphx/arden/fs"
	"github.com/evanphx/arden/ksync"
	"github.com/evanphx/arden/log"
	"github.com/evanphx/arden/memory"
	"github.com/pkg/errors"
)

type ProcessState int

const (
	Unused ProcessState = iota
	Embryo
	Sleeping
	Runnable
	Running
	Zombie
)

var stateNames = [...]string{
	Unused:   "unused",
	Embryo:   "embryo",
	Sleeping: "sleep ",
	Runnable: "runble",
	Running:  "run   ",
	Zombie:   "zombie",
}

func (s ProcessState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return strings.TrimSpace(stateNames[s])
	}

	return "???"
}

// Times are the ticks a process has accumulated, counted per scheduling
// decision.
type Times struct {
	Real  uint32
	CPU   uint32
	Wait  uint32
	Sleep uint32
}

// TimesSize is the size of encoded Times.
const TimesSize = 16

func (t Times) Encode() []byte {
	b := make([]byte, TimesSize)

	le := binary.LittleEndian
	le.PutUint32(b[0:], t.Real)
	le.PutUint32(b[4:], t.CPU)
	le.PutUint32(b[8:], t.Wait)
	le.PutUint32(b[12:], t.Sleep)

	return b
}

func (t *Times) Decode(b []byte) {
	le := binary.LittleEndian
	t.Real = le.Uint32(b[0:])
	t.CPU = le.Uint32(b[4:])
	t.Wait = le.Uint32(b[8:])
	t.Sleep = le.Uint32(b[12:])
}

// Process is a slot of the process table.
type Process struct {
	k *Kernel

	Pid  int
	Name string

	sz      uint32            // size of process memory (bytes)
	pgdir   *memory.PageTable // page table
	kstack  memory.Frame      // kernel stack for this process
	context *Context          // switch here to run the process
	tf      *TrapFrame        // trap frame for the current trap
	state   ProcessState
	parent  *Process

	ofile [NOFILE]*File
	cwd   *fs.Inode

	sig signals

	times      Times
	predicted  int32 // estimated ticks
	kernelMode bool  // executing a system call or a kernel thread

	killed    bool
	sleepChan interface{} // if non-nil, sleeping on it

	cpu *CPU
	ctx context.Context

	user    *User
	kthread func(ctx context.Context)
}

func (p *Process) Kernel() *Kernel {
	return p.k
}

func (p *Process) TF() *TrapFrame {
	return p.tf
}

func (p *Process) Size() uint32 {
	return p.sz
}

func (p *Process) PageTable() *memory.PageTable {
	return p.pgdir
}

func (p *Process) State() ProcessState {
	return p.state
}

func (p *Process) Killed() bool {
	return p.killed
}

func (p *Process) Times() Times {
	return p.times
}

func (p *Process) CPU() *CPU {
	return p.cpu
}

// Predict records how many ticks the process expects to need.
func (p *Process) Predict(ticks int32) {
	p.predicted = ticks
}

func (p *Process) Cwd() *fs.Inode {
	return p.cwd
}

// SetCwd installs ip as the working directory and returns the previous one,
// whose reference passes to the caller.
func (p *Process) SetCwd(ip *fs.Inode) *fs.Inode {
	old := p.cwd
	p.cwd = ip
	return old
}

// allocproc finds an UNUSED slot and prepares it to run in the kernel,
// starting at forkret. It returns nil if the table is full or no kernel
// stack can be allocated.
func (k *Kernel) allocproc(name string) *Process {
	k.ptable.lock.Acquire()

	var p *Process

	for i := range k.ptable.proc {
		if k.ptable.proc[i].state == Unused {
			p = &k.ptable.proc[i]
			break
		}
	}

	if p == nil {
		k.ptable.lock.Release()
		return nil
	}

	*p = Process{
		k:     k,
		Pid:   k.nextpid,
		Name:  name,
		state: Embryo,
	}
	p.sig.init(k)

	k.nextpid++

	k.ptable.lock.Release()

	kstack, err := k.pm.Alloc()
	if err != nil {
		log.L.Warn("allocproc: no kernel stack", "error", err)

		k.ptable.lock.Acquire()
		p.state = Unused
		k.ptable.lock.Release()

		return nil
	}

	p.kstack = kstack
	p.tf = &TrapFrame{}
	p.ctx = SetTask(ksync.WithOwner(k.ctx, p.Pid), &Task{p})
	p.context = newContext(fmt.Sprintf("pid%d", p.Pid), func() { k.forkret(p) })

	return p
}

// UserInit sets up the first user process. It starts at prog with an
// InitSize address space and "/" as its working directory.
func (k *Kernel) UserInit(prog Program) (*Process, error) {
	p := k.allocproc("initcode")
	if p == nil {
		return nil, ErrNoProc
	}

	pgdir, err := memory.SetupKernel(k.pm)
	if err != nil {
		log.Fatal("userinit: out of memory?", "error", err)
	}

	p.pgdir = pgdir

	if _, err := pgdir.AllocUser(0, InitSize); err != nil {
		log.Fatal("userinit: out of memory?", "error", err)
	}

	p.sz = InitSize

	*p.tf = TrapFrame{
		EFlags: FlagIF,
		ESP:    InitSize,
		EIP:    k.text.add(prog),
	}

	p.user = newUser(k, p)

	if k.fs != nil {
		cwd, err := k.fs.Namei(p.ctx, "/", nil)
		if err != nil {
			return nil, errors.Wrapf(err, "userinit cwd")
		}
		p.cwd = cwd
	}

	k.ptable.lock.Acquire()
	k.initproc = p
	k.makeRunnable(p)
	k.ptable.lock.Release()

	log.L.Trace("proc-init", "pid", p.Pid)

	return p, nil
}

// GrowProc grows or shrinks the calling process's memory by n bytes. A
// shared address space is made private first.
func (k *Kernel) GrowProc(ctx context.Context, n int32) error {
	t, ok := GetTask(ctx)
	if !ok {
		return ErrUnknownProc
	}

	p := t.Process

	pgdir, err := p.pgdir.Unshare(p.sz)
	if err != nil {
		return err
	}

	p.pgdir = pgdir

	sz := p.sz

	switch {
	case n > 0:
		sz, err = pgdir.AllocUser(sz, sz+uint32(n))
		if err != nil {
			return err
		}
	case n < 0:
		if uint32(-n) > sz {
			return errors.Wrapf(ErrBadAddress, "shrink by %d below zero", -n)
		}
		sz = pgdir.DeallocUser(sz, sz-uint32(-n))
	}

	p.sz = sz
	k.switchuvm(p.cpu, p)

	return nil
}

// Fork creates a child of the calling process that shares its address
// space copy-on-write, duplicates its files and working directory and
// resumes at entry with a zero return value. It returns the child's pid.
func (k *Kernel) Fork(ctx context.Context, entry uint32) (int, error) {
	t, ok := GetTask(ctx)
	if !ok {
		return -1, ErrUnknownProc
	}

	cur := t.Process

	np := k.allocproc(cur.Name)
	if np == nil {
		return -1, ErrNoProc
	}

	np.pgdir = cur.pgdir.Share(cur.sz)
	k.switchuvm(cur.cpu, cur)

	np.sz = cur.sz
	np.parent = cur
	*np.tf = *cur.tf

	// Clear EAX so that fork returns 0 in the child.
	np.tf.EAX = 0
	np.tf.EIP = entry

	for i, f := range cur.ofile {
		if f != nil {
			np.ofile[i] = k.FileDup(f)
		}
	}

	if cur.cwd != nil {
		np.cwd = k.fs.Dup(cur.cwd)
	}

	np.sig.inherit(&cur.sig)

	if cur.user != nil {
		np.user = cur.user.fork(np)
	} else {
		np.user = newUser(k, np)
	}

	pid := np.Pid

	k.ptable.lock.Acquire()
	k.makeRunnable(np)
	k.ptable.lock.Release()

	log.L.Trace("proc-fork", "parent", cur.Pid, "pid", pid, "entry", entry)

	return pid, nil
}

// KFork starts a kernel thread running f. It is a child of the init process,
// shares init's files and working directory and always runs in kernel mode.
func (k *Kernel) KFork(f func(ctx context.Context)) (*Process, error) {
	p := k.allocproc("kfork")
	if p == nil {
		log.Fatal("no free processes found for kfork")
	}

	k.ptable.lock.Acquire()
	initp := k.initproc
	k.ptable.lock.Release()

	if initp == nil {
		log.Fatal("kfork before init")
	}

	pgdir, err := memory.SetupKernel(k.pm)
	if err != nil {
		k.freeproc(p)
		return nil, err
	}

	p.pgdir = pgdir
	p.parent = initp
	*p.tf = *initp.tf
	p.tf.EAX = 0
	p.kthread = f

	for i, fl := range initp.ofile {
		if fl != nil {
			p.ofile[i] = k.FileDup(fl)
		}
	}

	if initp.cwd != nil {
		p.cwd = k.fs.Dup(initp.cwd)
	}

	k.ptable.lock.Acquire()
	p.kernelMode = true
	k.makeRunnable(p)
	k.ptable.lock.Release()

	log.L.Trace("proc-kfork", "pid", p.Pid)

	return p, nil
}

// freeproc releases a slot that never ran.
func (k *Kernel) freeproc(p *Process) {
	k.pm.Free(p.kstack)

	k.ptable.lock.Acquire()
	p.state = Unused
	k.ptable.lock.Release()
}

// Exit ends the calling process. It stays a zombie until its parent waits
// for it. Exit does not return.
func (k *Kernel) Exit(ctx context.Context) {
	t, ok := GetTask(ctx)
	if !ok {
		log.Fatal("exit outside a process")
	}

	cur := t.Process

	k.ptable.lock.Acquire()
	initp := k.initproc
	k.ptable.lock.Release()

	if cur == initp {
		log.Fatal("init exiting")
	}

	log.L.Trace("proc-exit", "pid", cur.Pid, "killed", cur.killed)

	// Close all open files.
	for fd, f := range cur.ofile {
		if f != nil {
			if err := k.FileClose(ctx, f); err != nil {
				log.L.Error("error closing file on exit", "pid", cur.Pid, "fd", fd, "error", err)
			}
			cur.ofile[fd] = nil
		}
	}

	if cur.cwd != nil {
		tx := k.fs.Begin(ctx)
		if err := k.fs.Put(tx, cur.cwd); err != nil {
			log.L.Error("error dropping cwd on exit", "pid", cur.Pid, "error", err)
		}
		if err := k.fs.End(tx); err != nil {
			log.L.Error("error committing exit", "pid", cur.Pid, "error", err)
		}
		cur.cwd = nil
	}

	k.ptable.lock.AcquireOn(cur.cpu)

	// Parent might be sleeping in wait.
	k.wakeup1(cur.parent)

	// Pass abandoned children to init.
	for i := range k.ptable.proc {
		p := &k.ptable.proc[i]
		if p.parent == cur {
			p.parent = initp
			if p.state == Zombie {
				k.wakeup1(initp)
			}
		}
	}

	// Jump into the scheduler, never to return.
	cur.state = Zombie
	cur.context.dead = true
	k.sched(cur.cpu)

	log.Fatal("zombie exit", "pid", cur.Pid)
}

// Wait blocks until a child of the calling process exits, reclaims it and
// returns its pid and accumulated ticks.
func (k *Kernel) Wait(ctx context.Context) (int, Times, error) {
	t, ok := GetTask(ctx)
	if !ok {
		return -1, Times{}, ErrUnknownProc
	}

	cur := t.Process

	k.ptable.lock.AcquireOn(cur.cpu)

	for {
		// Scan through table looking for exited children.
		havekids := false

		for i := range k.ptable.proc {
			p := &k.ptable.proc[i]
			if p.parent != cur {
				continue
			}

			havekids = true

			if p.state == Zombie {
				pid := p.Pid
				times := p.times

				k.pm.Free(p.kstack)
				p.pgdir.Free()

				*p = Process{}

				k.ptable.lock.Release()

				log.L.Trace("proc-reap", "parent", cur.Pid, "pid", pid)

				return pid, times, nil
			}
		}

		// No point waiting if we don't have any children.
		if !havekids {
			k.ptable.lock.Release()
			return -1, Times{}, ErrNoChildren
		}

		if cur.killed {
			k.ptable.lock.Release()
			return -1, Times{}, ErrKilled
		}

		// Wait for children to exit. (See wakeup1 call in Exit.)
		k.Sleep(ctx, cur, &k.ptable.lock)
	}
}

// Kill marks the process with the given pid killed. It won't exit until it
// next crosses the user/kernel boundary.
func (k *Kernel) Kill(pid int) error {
	k.ptable.lock.Acquire()
	defer k.ptable.lock.Release()

	for i := range k.ptable.proc {
		p := &k.ptable.proc[i]
		if p.state != Unused && p.Pid == pid {
			p.killed = true

			// Wake process from sleep if necessary.
			if p.state == Sleeping {
				k.makeRunnable(p)
			}

			log.L.Trace("proc-kill", "pid", pid)

			return nil
		}
	}

	return errors.Wrapf(ErrUnknownProc, "pid %d", pid)
}

// ProcInfo is a snapshot of one process table slot as user programs see it.
type ProcInfo struct {
	Pid        int32
	PPid       int32
	State      ProcessState
	Size       uint32
	Times      Times
	Predicted  int32
	KernelMode bool
	Name       string
}

// ProcInfoSize is the size of an encoded ProcInfo.
const ProcInfoSize = 56

func (pi ProcInfo) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(pi.Pid))
	le.PutUint32(b[4:], uint32(pi.PPid))
	le.PutUint32(b[8:], uint32(pi.State))
	le.PutUint32(b[12:], pi.Size)
	copy(b[16:32], pi.Times.Encode())
	le.PutUint32(b[32:], uint32(pi.Predicted))

	var km uint32
	if pi.KernelMode {
		km = 1
	}
	le.PutUint32(b[36:], km)

	name := b[40:56]
	for i := range name {
		name[i] = 0
	}
	copy(name[:15], pi.Name)
}

func (pi *ProcInfo) Decode(b []byte) {
	le := binary.LittleEndian
	pi.Pid = int32(le.Uint32(b[0:]))
	pi.PPid = int32(le.Uint32(b[4:]))
	pi.State = ProcessState(le.Uint32(b[8:]))
	pi.Size = le.Uint32(b[12:])
	pi.Times.Decode(b[16:32])
	pi.Predicted = int32(le.Uint32(b[32:]))
	pi.KernelMode = le.Uint32(b[36:]) != 0

	name := b[40:56]
	n := 0
	for n < len(name) && name[n] != 0 {
		n++
	}
	pi.Name = string(name[:n])
}

// Snapshot copies every slot of the process table.
func (k *Kernel) Snapshot() []ProcInfo {
	k.ptable.lock.Acquire()
	defer k.ptable.lock.Release()

	infos := make([]ProcInfo, 0, NPROC)

	for i := range k.ptable.proc {
		p := &k.ptable.proc[i]

		pi := ProcInfo{
			Pid:        int32(p.Pid),
			State:      p.state,
			Size:       p.sz,
			Times:      p.times,
			Predicted:  p.predicted,
			KernelMode: p.kernelMode,
			Name:       p.Name,
		}

		if p.parent != nil {
			pi.PPid = int32(p.parent.Pid)
		}

		infos = append(infos, pi)
	}

	return infos
}

// Procdump writes a listing of the live processes to w. It takes no lock so
// it can run on a wedged machine.
func (k *Kernel) Procdump(w io.Writer) {
	for i := range k.ptable.proc {
		p := &k.ptable.proc[i]
		if p.state == Unused {
			continue
		}

		state := "???"
		if int(p.state) < len(stateNames) {
			state = stateNames[p.state]
		}

		fmt.Fprintf(w, "%d %s %s; real:%d cpu:%d wait:%d sleep:%d\n",
			p.Pid, state, p.Name, p.times.Real, p.times.CPU, p.times.Wait, p.times.Sleep)

		if p.state == Sleeping {
			log.L.Trace("procdump", "pid", p.Pid, "chan", spew.Sdump(p.sleepChan))
		}
	}

	fmt.Fprintf(w, "uptime:%d runnables:%d loadavg:%d.%04d\n",
		k.ticks, k.runnables, k.loadavg/10000, k.loadavg%10000)
}
