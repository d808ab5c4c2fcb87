package waiter

import (
	"context"
	"testing"
	"time"

	"github.com/evanphx/arden/ksync"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func TestWaiter(t *testing.T) {
	n := neko.Modern(t)

	n.It("wakes every sleeper on the same key", func(t *testing.T) {
		var (
			w  Waiter
			lk ksync.Spinlock
		)

		key := new(int)
		done := make(chan struct{}, 2)

		for i := 0; i < 2; i++ {
			go func() {
				lk.Acquire()
				w.Sleep(context.Background(), key, &lk)
				lk.Release()
				done <- struct{}{}
			}()
		}

		require.Eventually(t, func() bool { return w.Count() == 2 }, time.Second, time.Millisecond)

		w.Wakeup(key)

		for i := 0; i < 2; i++ {
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("sleeper was not woken")
			}
		}

		require.Equal(t, 0, w.Count())
	})

	n.It("ignores wakeups for other keys", func(t *testing.T) {
		var w Waiter

		e := w.Register("a")
		w.Notify("b")

		select {
		case <-e.C:
			t.Fatal("woken by the wrong key")
		default:
		}

		w.Unregister(e)
		require.Equal(t, 0, w.Count())
	})

	n.It("stops sleeping when the context is cancelled", func(t *testing.T) {
		var (
			w  Waiter
			lk ksync.Spinlock
		)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		lk.Acquire()
		w.Sleep(ctx, "k", &lk)
		require.True(t, lk.Holding())
		lk.Release()

		require.Equal(t, 0, w.Count())
	})

	n.Meow()
}
