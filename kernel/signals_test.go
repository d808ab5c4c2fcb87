package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func TestSignals(t *testing.T) {
	n := neko.Modern(t)

	n.It("runs a handler at system call return", func(t *testing.T) {
		k := newTestKernel(t, 1)
		defer k.Shutdown()

		res := make(chan int32, 8)

		hand := k.RegisterHandler(func(u *User, sig int) {
			res <- int32(sig)
			res <- int32(u.Process().SigState())
			res <- u.Getpid()
		})

		boot(t, k, func(u *User) {
			res <- u.SigSetHandler(3, hand)
			res <- u.SigSend(u.Getpid(), 3)

			p := u.Process()
			res <- int32(p.SigState())
			res <- int32(p.sig.blocked)
			park(u)
		})

		require.Equal(t, int32(0), waitFor(t, res))

		// Inside the handler.
		require.Equal(t, int32(3), waitFor(t, res))
		require.Equal(t, int32(SigInHandler), waitFor(t, res))
		require.Equal(t, int32(1), waitFor(t, res))

		// sigsend's own result survives the handler.
		require.Equal(t, int32(0), waitFor(t, res))

		require.Equal(t, int32(SigIdle), waitFor(t, res))
		require.Equal(t, int32(0), waitFor(t, res))
	})

	n.It("kills a process without a handler", func(t *testing.T) {
		k := newTestKernel(t, 2)
		defer k.Shutdown()

		res := make(chan int32, 4)

		child := k.RegisterProgram(func(u *User) {
			u.SigSend(u.Getpid(), 5)

			// Not reached.
			res <- 99
			u.Exit()
		})

		boot(t, k, func(u *User) {
			pid := u.Fork(child)
			res <- pid
			res <- u.Wait()
			park(u)
		})

		pid := waitFor(t, res)
		require.Equal(t, pid, waitFor(t, res))
	})

	n.It("stacks a frame per pending signal", func(t *testing.T) {
		k := newTestKernel(t, 1)
		defer k.Shutdown()

		res := make(chan int32, 8)

		hand := k.RegisterHandler(func(u *User, sig int) {
			res <- int32(sig)
		})

		boot(t, k, func(u *User) {
			u.SigSetHandler(7, hand)
			u.SigSetHandler(2, hand)

			pid := u.Getpid()

			u.SigSetMask(1<<2 | 1<<7)
			u.SigSend(pid, 7)
			u.SigSend(pid, 2)

			// Frames are built lowest signal first, so the newest frame,
			// signal 7, runs first.
			old, r := u.SigSetMask(0)
			res <- r
			res <- int32(old)
			res <- int32(u.Process().SigState())
			park(u)
		})

		require.Equal(t, int32(7), waitFor(t, res))
		require.Equal(t, int32(2), waitFor(t, res))
		require.Equal(t, int32(0), waitFor(t, res))
		require.Equal(t, int32(1<<2|1<<7), waitFor(t, res))
		require.Equal(t, int32(SigIdle), waitFor(t, res))
	})

	n.It("keeps ignored signals pending", func(t *testing.T) {
		k := newTestKernel(t, 1)
		defer k.Shutdown()

		res := make(chan int32, 4)

		boot(t, k, func(u *User) {
			u.SigSetHandler(4, SigIgnore)
			res <- u.SigSend(u.Getpid(), 4)
			res <- int32(u.Process().Pending())
			park(u)
		})

		require.Equal(t, int32(0), waitFor(t, res))
		require.Equal(t, int32(1<<4), waitFor(t, res))
	})

	n.It("inherits handlers across fork", func(t *testing.T) {
		k := newTestKernel(t, 2)
		defer k.Shutdown()

		res := make(chan int32, 4)

		hand := k.RegisterHandler(func(u *User, sig int) {
			res <- 100 + int32(sig)
		})

		child := k.RegisterProgram(func(u *User) {
			u.SigSend(u.Getpid(), 9)
			u.Exit()
		})

		boot(t, k, func(u *User) {
			u.SigSetHandler(9, hand)
			u.Fork(child)
			u.Wait()
			res <- 0
			park(u)
		})

		require.Equal(t, int32(109), waitFor(t, res))
		require.Equal(t, int32(0), waitFor(t, res))
	})

	n.It("rejects bad signal numbers", func(t *testing.T) {
		k := newTestKernel(t, 1)
		defer k.Shutdown()

		res := make(chan int32, 2)

		boot(t, k, func(u *User) {
			res <- u.SigSend(u.Getpid(), NSIG)
			res <- u.SigSend(77, 1)
			park(u)
		})

		require.Equal(t, int32(-1), waitFor(t, res))
		require.Equal(t, int32(-1), waitFor(t, res))
	})

	n.Meow()
}
