// Package ksync provides the kernel's locking primitives: spinlocks that
// busy-wait, sleep-locks that suspend the caller, and counting semaphores.
package ksync

import (
	"runtime"
	"sync/atomic"

	"github.com/evanphx/arden/log"
)

var (
	// yieldFn is called between acquisition attempts. Hosted CPUs share OS
	// threads, so spinning without yielding can starve the holder.
	yieldFn = runtime.Gosched
)

// Intr is the interrupt-enable state of one CPU. A spinlock acquired on a CPU
// keeps interrupts disabled there until it is released.
type Intr interface {
	PushCli()
	PopCli()
}

// Spinlock implements a lock where each thread trying to acquire it
// busy-waits till the lock becomes available.
type Spinlock struct {
	name   string
	locked uint32

	// intr is the CPU that acquired the lock, if any. It is popped by
	// whichever thread releases the lock.
	intr Intr
}

// NewSpinlock returns an unlocked spinlock. The zero value is usable too.
func NewSpinlock(name string) *Spinlock {
	return &Spinlock{name: name}
}

// Init names the lock for diagnostics.
func (l *Spinlock) Init(name string) {
	l.name = name
}

func (l *Spinlock) Name() string {
	return l.name
}

// Acquire blocks until the lock can be acquired. Re-acquiring a lock already
// held by the caller deadlocks.
func (l *Spinlock) Acquire() {
	l.AcquireOn(nil)
}

// AcquireOn disables interrupts on i and then acquires the lock. Interrupts
// stay disabled until Release.
func (l *Spinlock) AcquireOn(i Intr) {
	if i != nil {
		i.PushCli()
	}

	for !atomic.CompareAndSwapUint32(&l.locked, 0, 1) {
		yieldFn()
	}

	l.intr = i
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	if atomic.CompareAndSwapUint32(&l.locked, 0, 1) {
		l.intr = nil
		return true
	}

	return false
}

// Release relinquishes a held lock. Releasing a free lock is fatal.
func (l *Spinlock) Release() {
	if atomic.LoadUint32(&l.locked) == 0 {
		log.Fatal("release of unheld spinlock", "lock", l.name)
	}

	i := l.intr
	l.intr = nil

	atomic.StoreUint32(&l.locked, 0)

	if i != nil {
		i.PopCli()
	}
}

// Intr returns the CPU the lock was acquired on, nil if it was acquired
// without one. Only meaningful while the lock is held.
func (l *Spinlock) Intr() Intr {
	return l.intr
}

// Holding reports whether the lock is currently held by anyone.
func (l *Spinlock) Holding() bool {
	return atomic.LoadUint32(&l.locked) == 1
}
