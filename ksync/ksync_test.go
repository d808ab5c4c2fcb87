package ksync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/evanphx/arden/ksync"
	"github.com/evanphx/arden/pkg/waiter"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

type countingIntr struct {
	depth int
}

func (c *countingIntr) PushCli() { c.depth++ }
func (c *countingIntr) PopCli()  { c.depth-- }

func TestSpinlock(t *testing.T) {
	n := neko.Modern(t)

	n.It("excludes concurrent holders", func(t *testing.T) {
		var (
			sl      ksync.Spinlock
			wg      sync.WaitGroup
			counter int
		)

		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 1000; j++ {
					sl.Acquire()
					counter++
					sl.Release()
				}
			}()
		}

		wg.Wait()
		require.Equal(t, 8000, counter)
	})

	n.It("keeps interrupts off until release", func(t *testing.T) {
		var (
			sl   ksync.Spinlock
			intr countingIntr
		)

		sl.AcquireOn(&intr)
		require.Equal(t, 1, intr.depth)
		require.False(t, sl.TryToAcquire())

		sl.Release()
		require.Equal(t, 0, intr.depth)
		require.False(t, sl.Holding())
	})

	n.It("halts on release of a free lock", func(t *testing.T) {
		sl := ksync.NewSpinlock("free")
		require.Panics(t, func() { sl.Release() })
	})

	n.Meow()
}

func TestSleepLock(t *testing.T) {
	n := neko.Modern(t)

	n.It("suspends a second acquirer until release", func(t *testing.T) {
		var w waiter.Waiter

		sl := ksync.NewSleepLock("test", &w)

		ctx1 := ksync.WithOwner(context.Background(), 1)
		ctx2 := ksync.WithOwner(context.Background(), 2)

		sl.Acquire(ctx1)
		require.True(t, sl.Holding(ctx1))
		require.False(t, sl.Holding(ctx2))

		got := make(chan struct{})
		go func() {
			sl.Acquire(ctx2)
			close(got)
		}()

		require.Eventually(t, func() bool { return w.Count() == 1 }, time.Second, time.Millisecond)

		select {
		case <-got:
			t.Fatal("acquired a held sleep lock")
		default:
		}

		sl.Release()

		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never acquired the lock")
		}

		require.True(t, sl.Holding(ctx2))
		sl.Release()
		require.False(t, sl.Locked())
	})

	n.It("halts on release of a free sleep lock", func(t *testing.T) {
		var w waiter.Waiter

		sl := ksync.NewSleepLock("free", &w)
		require.Panics(t, func() { sl.Release() })
	})

	n.Meow()
}

func TestSemaphore(t *testing.T) {
	n := neko.Modern(t)

	n.It("blocks P at zero until V", func(t *testing.T) {
		var w waiter.Waiter

		sem := ksync.NewSemaphore(0, &w)

		done := make(chan struct{})
		go func() {
			sem.P(context.Background())
			close(done)
		}()

		require.Eventually(t, func() bool { return w.Count() == 1 }, time.Second, time.Millisecond)

		sem.V()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("P never returned")
		}

		require.Equal(t, 0, sem.Value())
	})

	n.It("lets P through while the count is positive", func(t *testing.T) {
		var w waiter.Waiter

		sem := ksync.NewSemaphore(2, &w)
		sem.P(context.Background())
		sem.P(context.Background())
		require.Equal(t, 0, sem.Value())
	})

	n.Meow()
}
