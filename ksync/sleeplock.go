package ksync

import (
	"context"

	"github.com/evanphx/arden/log"
)

// SleepLock is a long-term lock. Contended acquirers are suspended through
// the Sleeper rather than spinning, so it must not be acquired while a
// spinlock is held unless it is known to be free.
type SleepLock struct {
	lk     Spinlock
	locked bool
	owner  int

	name string
	s    Sleeper
}

func NewSleepLock(name string, s Sleeper) *SleepLock {
	sl := &SleepLock{}
	sl.Init(name, s)
	return sl
}

func (sl *SleepLock) Init(name string, s Sleeper) {
	sl.name = name
	sl.lk.Init("sleep lock")
	sl.s = s
}

func (sl *SleepLock) Acquire(ctx context.Context) {
	sl.lk.Acquire()
	for sl.locked {
		sl.s.Sleep(ctx, sl, &sl.lk)
	}
	sl.locked = true
	sl.owner = OwnerOf(ctx)
	sl.lk.Release()
}

func (sl *SleepLock) Release() {
	sl.lk.Acquire()
	if !sl.locked {
		sl.lk.Release()
		log.Fatal("release of unheld sleep lock", "lock", sl.name)
	}
	sl.locked = false
	sl.owner = 0
	sl.s.Wakeup(sl)
	sl.lk.Release()
}

// Holding reports whether the thread behind ctx holds the lock.
func (sl *SleepLock) Holding(ctx context.Context) bool {
	sl.lk.Acquire()
	r := sl.locked && sl.owner == OwnerOf(ctx)
	sl.lk.Release()
	return r
}

// Locked reports whether anyone holds the lock.
func (sl *SleepLock) Locked() bool {
	sl.lk.Acquire()
	r := sl.locked
	sl.lk.Release()
	return r
}
