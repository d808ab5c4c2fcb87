package kernel

import (
	"context"
	"encoding/binary"

	"github.com/evanphx/arden/log"
	"github.com/evanphx/arden/memory"
	"github.com/pkg/errors"
)

// Trap numbers.
const (
	TrapPageFault = 14
	TrapIRQ0      = 32 // IRQ 0 corresponds to TrapIRQ0
	TrapSyscall   = 64
)

// Hardware interrupt lines.
const (
	IRQTimer    = 0
	IRQKbd      = 1
	IRQCom1     = 4
	IRQMouse    = 12
	IRQIDE      = 14
	IRQIDE2     = 15
	IRQSpurious = 31

	NIRQ = 32
)

// FlagIF is the interrupt-enable bit of EFlags.
const FlagIF = 0x200

// Page fault error code bits.
const (
	FaultPresent = 1 << 0
	FaultWrite   = 1 << 1
	FaultUser    = 1 << 2
)

// TrapFrame is the user register state saved on entry to the kernel.
type TrapFrame struct {
	EDI, ESI, EBP, EBX, EDX, ECX, EAX uint32

	TrapNo uint32
	Err    uint32

	EIP    uint32
	EFlags uint32
	ESP    uint32
}

// TrapFrameSize is the size of an encoded TrapFrame, as saved on the user
// stack by signal delivery.
const TrapFrameSize = 48

func (tf *TrapFrame) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], tf.EDI)
	le.PutUint32(b[4:], tf.ESI)
	le.PutUint32(b[8:], tf.EBP)
	le.PutUint32(b[12:], tf.EBX)
	le.PutUint32(b[16:], tf.EDX)
	le.PutUint32(b[20:], tf.ECX)
	le.PutUint32(b[24:], tf.EAX)
	le.PutUint32(b[28:], tf.TrapNo)
	le.PutUint32(b[32:], tf.Err)
	le.PutUint32(b[36:], tf.EIP)
	le.PutUint32(b[40:], tf.EFlags)
	le.PutUint32(b[44:], tf.ESP)
}

func (tf *TrapFrame) Decode(b []byte) {
	le := binary.LittleEndian
	tf.EDI = le.Uint32(b[0:])
	tf.ESI = le.Uint32(b[4:])
	tf.EBP = le.Uint32(b[8:])
	tf.EBX = le.Uint32(b[12:])
	tf.EDX = le.Uint32(b[16:])
	tf.ECX = le.Uint32(b[20:])
	tf.EAX = le.Uint32(b[24:])
	tf.TrapNo = le.Uint32(b[28:])
	tf.Err = le.Uint32(b[32:])
	tf.EIP = le.Uint32(b[36:])
	tf.EFlags = le.Uint32(b[40:])
	tf.ESP = le.Uint32(b[44:])
}

// IRQHandler serves one hardware interrupt line. It runs on the CPU that
// took the interrupt, with interrupts disabled.
type IRQHandler func(ctx context.Context)

// SetIRQ installs h on irq.
func (k *Kernel) SetIRQ(irq int, h IRQHandler) {
	k.irqlock.Lock()
	defer k.irqlock.Unlock()

	k.irqs[irq] = h
}

func (k *Kernel) irq(irq int) IRQHandler {
	k.irqlock.Lock()
	defer k.irqlock.Unlock()

	return k.irqs[irq]
}

// Tick raises a timer interrupt on every CPU. CPU 0 advances the tick
// count; every CPU reschedules.
func (k *Kernel) Tick() {
	for _, c := range k.cpus {
		c.Post(IRQTimer)
	}
}

// Interrupt raises irq on CPU 0.
func (k *Kernel) Interrupt(irq int) {
	k.cpus[0].Post(irq)
}

// trap handles a trap on CPU c. p is the process that was running, nil when
// the trap hit the idle loop.
func (k *Kernel) trap(ctx context.Context, c *CPU, p *Process, tf *TrapFrame) {
	if tf.TrapNo == TrapSyscall {
		k.syscall(ctx, p)
		return
	}

	switch {
	case tf.TrapNo == TrapIRQ0+IRQTimer:
		if c.ID == 0 {
			k.tickslock.Acquire()
			k.ticks++
			k.Wakeup(&k.ticks)
			k.tickslock.Release()
		}

	case tf.TrapNo >= TrapIRQ0 && tf.TrapNo < TrapIRQ0+NIRQ:
		irq := int(tf.TrapNo - TrapIRQ0)

		if h := k.irq(irq); h != nil {
			h(ctx)
		} else {
			log.L.Warn("spurious interrupt", "cpu", c.ID, "irq", irq)
		}

	case tf.TrapNo == TrapPageFault && p != nil:
		k.pageFault(p, c.cr2, tf.Err)

	default:
		if p == nil {
			// In kernel, it must be our mistake.
			log.L.Error("unexpected trap", "trapno", tf.TrapNo, "cpu", c.ID, "eip", tf.EIP)
			return
		}

		// In user space, assume process misbehaved.
		log.L.Error("unexpected trap, killing process", "pid", p.Pid, "name", p.Name,
			"trapno", tf.TrapNo, "err", tf.Err, "cpu", c.ID, "eip", p.tf.EIP, "addr", c.cr2)
		k.Kill(p.Pid)
	}

	if p != nil && p.killed {
		k.Exit(ctx)
	}

	// Invoke the scheduler on clock tick.
	if tf.TrapNo == TrapIRQ0+IRQTimer {
		k.reschedule(c)
	}

	// Check if the process has been killed since we yielded.
	if p != nil && p.killed {
		k.Exit(ctx)
	}
}

// pageFault resolves a fault at va. Writes to copy-on-write pages get a
// private copy; anything else kills the process.
func (k *Kernel) pageFault(p *Process, va, code uint32) {
	if code&FaultWrite != 0 && code&FaultPresent != 0 {
		pgdir, err := p.pgdir.HandleWriteFault(va, p.sz)
		if err == nil {
			p.pgdir = pgdir
			k.switchuvm(p.cpu, p)
			return
		}

		log.L.Error("write fault", "pid", p.Pid, "va", va, "error", err)
	} else {
		log.L.Error("page fault", "pid", p.Pid, "va", va, "code", code)
	}

	k.Kill(p.Pid)
}

// syscall serves a system call trap. The process runs in kernel mode for
// the duration; pending signals are delivered on the way out.
func (k *Kernel) syscall(ctx context.Context, p *Process) {
	if p.killed {
		k.Exit(ctx)
	}

	p.kernelMode = true

	var ret int32 = -1
	if k.sys != nil {
		ret = k.sys.InvokeSyscall(ctx, &Task{p})
	} else {
		log.L.Error("no system call table", "pid", p.Pid)
	}

	p.tf.EAX = uint32(ret)

	p.kernelMode = false

	k.deliverSignals(p)

	if p.killed {
		k.Exit(ctx)
	}
}

// FetchInt reads the word at user address addr.
func (p *Process) FetchInt(addr uint32) (int32, error) {
	var b [4]byte

	if err := p.CopyIn(addr, b[:]); err != nil {
		return 0, err
	}

	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

// FetchStr reads the NUL terminated string at user address addr.
func (p *Process) FetchStr(addr uint32) (string, error) {
	if addr >= p.sz {
		return "", errors.Wrapf(ErrBadAddress, "string at %#x beyond %#x", addr, p.sz)
	}

	var (
		buf []byte
		c   [1]byte
	)

	for a := addr; a < p.sz; a++ {
		if err := p.pgdir.CopyIn(a, c[:]); err != nil {
			return "", err
		}

		if c[0] == 0 {
			return string(buf), nil
		}

		buf = append(buf, c[0])
	}

	return "", errors.Wrapf(ErrBadAddress, "unterminated string at %#x", addr)
}

// CheckRange verifies that n bytes at addr lie inside the address space.
func (p *Process) CheckRange(addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(p.sz) {
		return errors.Wrapf(ErrBadAddress, "%d bytes at %#x beyond %#x", n, addr, p.sz)
	}

	return nil
}

// CopyIn reads user memory at addr into buf.
func (p *Process) CopyIn(addr uint32, buf []byte) error {
	if err := p.CheckRange(addr, len(buf)); err != nil {
		return err
	}

	return p.pgdir.CopyIn(addr, buf)
}

// CopyOut writes data to user memory at addr. A write to a copy-on-write
// page is resolved like a user write fault.
func (p *Process) CopyOut(addr uint32, data []byte) error {
	if err := p.CheckRange(addr, len(data)); err != nil {
		return err
	}

	err := p.pgdir.CopyOut(addr, data)
	if errors.Cause(err) != memory.ErrReadOnly {
		return err
	}

	pgdir, err := p.pgdir.HandleWriteFault(addr, p.sz)
	if err != nil {
		return err
	}

	p.pgdir = pgdir
	if p.cpu != nil {
		p.k.switchuvm(p.cpu, p)
	}

	return p.pgdir.CopyOut(addr, data)
}
