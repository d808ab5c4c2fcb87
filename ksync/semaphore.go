package ksync

import "context"

// Semaphore is a counting semaphore whose P suspends the caller through a
// Sleeper when the count is zero.
type Semaphore struct {
	lk    Spinlock
	value int
	s     Sleeper
}

func NewSemaphore(value int, s Sleeper) *Semaphore {
	sem := &Semaphore{value: value, s: s}
	sem.lk.Init("sema")
	return sem
}

func (sem *Semaphore) P(ctx context.Context) {
	sem.lk.Acquire()
	for sem.value == 0 {
		sem.s.Sleep(ctx, sem, &sem.lk)
	}
	sem.value--
	sem.lk.Release()
}

func (sem *Semaphore) V() {
	sem.lk.Acquire()
	sem.value++
	sem.lk.Release()
	sem.s.Wakeup(sem)
}

func (sem *Semaphore) Value() int {
	sem.lk.Acquire()
	defer sem.lk.Release()

	return sem.value
}
