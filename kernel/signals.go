package kernel

import (
	"context"
	"encoding/binary"

	"github.com/evanphx/arden/ksync"
	"github.com/evanphx/arden/log"
	"github.com/pkg/errors"
)

// Handler values that do not name user code.
const (
	SigDefault = ^uint32(0)     // terminate the process
	SigIgnore  = ^uint32(0) - 1 // keep the signal blocked
)

// SigState tracks where a process is in signal delivery.
type SigState int

const (
	// SigIdle: no handler frame is on the user stack.
	SigIdle SigState = iota

	// SigPendingDelivery: a deliverable signal was found at system-call
	// return and its frame is being built.
	SigPendingDelivery

	// SigInHandler: at least one handler frame is on the user stack.
	SigInHandler

	// SigReturning: sigreturn is restoring a saved frame.
	SigReturning
)

func (s SigState) String() string {
	switch s {
	case SigIdle:
		return "idle"
	case SigPendingDelivery:
		return "pending-delivery"
	case SigInHandler:
		return "in-handler"
	case SigReturning:
		return "returning"
	default:
		return "unknown"
	}
}

type signals struct {
	lk      ksync.Spinlock // protects pending
	pending uint32

	// Only changed by the process itself.
	blocked  uint32
	handlers [NSIG]uint32
	tramp    uint32
	state    SigState
	depth    int
}

func (s *signals) init(k *Kernel) {
	s.lk.Init("pendwrite")

	for i := range s.handlers {
		s.handlers[i] = SigDefault
	}

	s.tramp = k.trampoline
}

// inherit copies the handlers and mask of a forking parent. Pending signals
// are not inherited.
func (s *signals) inherit(parent *signals) {
	s.handlers = parent.handlers
	s.blocked = parent.blocked
	s.tramp = parent.tramp
}

func (s *signals) settle() {
	if s.depth > 0 {
		s.state = SigInHandler
	} else {
		s.state = SigIdle
	}
}

func checkSignal(sig int) error {
	if sig < 0 || sig >= NSIG {
		return errors.Wrapf(ErrBadSignal, "%d", sig)
	}

	return nil
}

// SigState returns the process's position in signal delivery.
func (p *Process) SigState() SigState {
	return p.sig.state
}

// Pending returns the signals sent to p and not yet delivered.
func (p *Process) Pending() uint32 {
	p.sig.lk.Acquire()
	defer p.sig.lk.Release()

	return p.sig.pending
}

// SigSend marks sig pending for the process with the given pid. It is
// delivered when that process next returns from a system call.
func (k *Kernel) SigSend(pid, sig int) error {
	if err := checkSignal(sig); err != nil {
		return err
	}

	var target *Process

	k.ptable.lock.Acquire()
	for i := range k.ptable.proc {
		p := &k.ptable.proc[i]
		if p.state != Unused && p.state != Zombie && p.Pid == pid {
			target = p
			break
		}
	}
	k.ptable.lock.Release()

	if target == nil {
		return errors.Wrapf(ErrUnknownProc, "pid %d", pid)
	}

	target.sig.lk.Acquire()
	target.sig.pending |= 1 << uint(sig)
	target.sig.lk.Release()

	log.L.Trace("sig-send", "pid", pid, "sig", sig)

	// Release a SigPause.
	k.Wakeup(&target.sig)

	return nil
}

// SigSetHandler installs hand as the handler of sig for the calling
// process. SigIgnore blocks the signal for good; any other value that is
// zero or negative as a signed word restores the default action.
func (k *Kernel) SigSetHandler(ctx context.Context, sig int, hand uint32) error {
	p, err := k.current(ctx)
	if err != nil {
		return err
	}

	if err := checkSignal(sig); err != nil {
		return err
	}

	s := &p.sig

	switch {
	case hand == SigIgnore:
		s.blocked |= 1 << uint(sig)
		s.handlers[sig] = SigIgnore
	case int32(hand) <= 0:
		s.handlers[sig] = SigDefault
	default:
		s.handlers[sig] = hand
	}

	return nil
}

// SigGetMask returns the calling process's blocked mask.
func (k *Kernel) SigGetMask(ctx context.Context) (uint32, error) {
	p, err := k.current(ctx)
	if err != nil {
		return 0, err
	}

	return p.sig.blocked, nil
}

// SigSetMask installs mask as the blocked mask and returns the old one.
func (k *Kernel) SigSetMask(ctx context.Context, mask uint32) (uint32, error) {
	p, err := k.current(ctx)
	if err != nil {
		return 0, err
	}

	old := p.sig.blocked
	p.sig.blocked = mask

	return old, nil
}

// SigPause blocks with mask installed until a signal outside it is pending,
// then restores the previous mask.
func (k *Kernel) SigPause(ctx context.Context, mask uint32) error {
	p, err := k.current(ctx)
	if err != nil {
		return err
	}

	s := &p.sig

	old := s.blocked
	s.blocked = mask

	s.lk.Acquire()
	for s.pending&^s.blocked == 0 && !p.killed {
		k.Sleep(ctx, s, &s.lk)
	}
	s.lk.Release()

	s.blocked = old

	if p.killed {
		return ErrKilled
	}

	return nil
}

// current returns the calling process, refusing killed ones.
func (k *Kernel) current(ctx context.Context) (*Process, error) {
	t, ok := GetTask(ctx)
	if !ok {
		return nil, ErrUnknownProc
	}

	if t.killed {
		return nil, errors.Wrapf(ErrKilled, "pid %d", t.Pid)
	}

	return t.Process, nil
}

// deliverSignals runs at system-call return. Each pending, unblocked signal
// is taken in bit order: with a handler installed a frame is built on the
// user stack and execution is redirected to the handler; without one the
// process is killed.
func (k *Kernel) deliverSignals(p *Process) {
	s := &p.sig

	for sig := 0; sig < NSIG; sig++ {
		bit := uint32(1) << uint(sig)

		s.lk.Acquire()
		if s.pending&^s.blocked&bit == 0 {
			s.lk.Release()
			continue
		}
		s.pending &^= bit
		s.lk.Release()

		s.state = SigPendingDelivery

		hand := s.handlers[sig]

		if hand == SigDefault {
			log.L.Trace("sig-default", "pid", p.Pid, "sig", sig)
			k.Kill(p.Pid)
			s.settle()
			return
		}

		if hand == SigIgnore {
			s.settle()
			continue
		}

		if err := k.pushSignalFrame(p, sig, hand); err != nil {
			log.L.Error("cannot build signal frame", "pid", p.Pid, "sig", sig, "error", err)
			k.Kill(p.Pid)
			s.settle()
			return
		}

		s.blocked |= bit
		s.depth++
		s.state = SigInHandler

		log.L.Trace("sig-deliver", "pid", p.Pid, "sig", sig, "handler", hand, "esp", p.tf.ESP)
	}
}

// pushSignalFrame saves the trap frame on the user stack, pushes the signal
// number and the trampoline as return address, and redirects to hand.
func (k *Kernel) pushSignalFrame(p *Process, sig int, hand uint32) error {
	tf := p.tf

	var frame [TrapFrameSize]byte
	tf.Encode(frame[:])

	esp := tf.ESP

	if esp < TrapFrameSize+8 {
		return errors.Wrapf(ErrBadAddress, "no room for a signal frame at %#x", esp)
	}

	esp -= TrapFrameSize
	if err := p.CopyOut(esp, frame[:]); err != nil {
		return err
	}

	var word [4]byte

	esp -= 4
	binary.LittleEndian.PutUint32(word[:], uint32(sig))
	if err := p.CopyOut(esp, word[:]); err != nil {
		return err
	}

	esp -= 4
	binary.LittleEndian.PutUint32(word[:], p.sig.tramp)
	if err := p.CopyOut(esp, word[:]); err != nil {
		return err
	}

	tf.ESP = esp
	tf.EIP = hand

	return nil
}

// SigReturn undoes the newest signal frame: the stack holds the return
// address of the trampoline's call, the signal number and the saved trap
// frame. It returns the restored EAX so the system call result the handler
// interrupted survives.
func (k *Kernel) SigReturn(ctx context.Context) (uint32, error) {
	t, ok := GetTask(ctx)
	if !ok {
		return 0, ErrUnknownProc
	}

	p := t.Process
	s := &p.sig

	if s.depth == 0 {
		return 0, errors.New("sigreturn outside a signal handler")
	}

	s.state = SigReturning

	esp := p.tf.ESP + 4

	sig, err := p.FetchInt(esp)
	if err != nil {
		s.settle()
		return 0, err
	}

	esp += 4

	var frame [TrapFrameSize]byte
	if err := p.CopyIn(esp, frame[:]); err != nil {
		s.settle()
		return 0, err
	}

	p.tf.Decode(frame[:])

	if checkSignal(int(sig)) == nil {
		s.blocked &^= 1 << uint(sig)
	}

	s.depth--
	s.settle()

	log.L.Trace("sig-return", "pid", p.Pid, "sig", sig, "eip", p.tf.EIP)

	return p.tf.EAX, nil
}
