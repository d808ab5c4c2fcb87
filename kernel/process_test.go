package kernel

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/evanphx/arden/memory"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

// testSyscalls serves the handful of system calls these tests need.
type testSyscalls struct {
	k *Kernel
}

func (s *testSyscalls) arg(p *Process, n int) int32 {
	v, err := p.FetchInt(p.tf.ESP + 4 + uint32(4*n))
	if err != nil {
		return -1
	}

	return v
}

func (s *testSyscalls) InvokeSyscall(ctx context.Context, t *Task) int32 {
	k := s.k
	p := t.Process

	switch p.tf.EAX {
	case SysFork:
		pid, err := k.Fork(ctx, uint32(s.arg(p, 0)))
		if err != nil {
			return -1
		}
		return int32(pid)

	case SysExit:
		k.Exit(ctx)

	case SysWait:
		pid, _, err := k.Wait(ctx)
		if err != nil {
			return -1
		}
		return int32(pid)

	case SysKill:
		if k.Kill(int(s.arg(p, 0))) != nil {
			return -1
		}
		return 0

	case SysGetpid:
		return int32(p.Pid)

	case SysSbrk:
		sz := p.sz
		if k.GrowProc(ctx, s.arg(p, 0)) != nil {
			return -1
		}
		return int32(sz)

	case SysSleep:
		if k.SleepTicks(ctx, uint32(s.arg(p, 0))) != nil {
			return -1
		}
		return 0

	case SysSigsend:
		if k.SigSend(int(s.arg(p, 0)), int(s.arg(p, 1))) != nil {
			return -1
		}
		return 0

	case SysSigsethandler:
		if k.SigSetHandler(ctx, int(s.arg(p, 0)), uint32(s.arg(p, 1))) != nil {
			return -1
		}
		return 0

	case SysSigsetmask:
		ptr := uint32(s.arg(p, 0))

		mask, err := p.FetchInt(ptr)
		if err != nil {
			return -1
		}

		old, err := k.SigSetMask(ctx, uint32(mask))
		if err != nil {
			return -1
		}

		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], old)

		if p.CopyOut(ptr, b[:]) != nil {
			return -1
		}
		return 0

	case SysSigreturn:
		eax, err := k.SigReturn(ctx)
		if err != nil {
			return -1
		}
		return int32(eax)
	}

	return -1
}

func newTestKernel(t *testing.T, cpus int) *Kernel {
	pm, err := memory.NewPhysMem(memory.DefaultLayout())
	require.NoError(t, err)

	k, err := NewKernel(pm, Config{CPUs: cpus})
	require.NoError(t, err)

	k.SetSyscalls(&testSyscalls{k: k})

	return k
}

func boot(t *testing.T, k *Kernel, init Program) {
	_, err := k.UserInit(init)
	require.NoError(t, err)

	k.Start(context.Background())
}

// park keeps init alive once a test is done with it.
func park(u *User) {
	for {
		u.Sleep(1 << 30)
	}
}

func waitFor(t *testing.T, ch <-chan int32) int32 {
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
		return 0
	}
}

func TestKernel(t *testing.T) {
	n := neko.Modern(t)

	n.It("rejects bad cpu counts", func(t *testing.T) {
		pm, err := memory.NewPhysMem(memory.DefaultLayout())
		require.NoError(t, err)

		_, err = NewKernel(pm, Config{CPUs: 0})
		require.Error(t, err)

		_, err = NewKernel(pm, Config{CPUs: NCPU + 1})
		require.Error(t, err)
	})

	n.It("runs the first process", func(t *testing.T) {
		k := newTestKernel(t, 2)
		defer k.Shutdown()

		res := make(chan int32, 1)

		boot(t, k, func(u *User) {
			res <- u.Getpid()
			park(u)
		})

		require.Equal(t, int32(1), waitFor(t, res))
	})

	n.It("forks, exits and reaps a child", func(t *testing.T) {
		k := newTestKernel(t, 2)
		defer k.Shutdown()

		res := make(chan int32, 4)

		child := k.RegisterProgram(func(u *User) {
			res <- u.Getpid()
			u.Exit()
		})

		boot(t, k, func(u *User) {
			pid := u.Fork(child)
			res <- pid
			res <- u.Wait()
			res <- u.Wait()
			park(u)
		})

		pid := waitFor(t, res)
		require.Equal(t, int32(2), pid)

		got := []int32{waitFor(t, res), waitFor(t, res)}
		require.ElementsMatch(t, []int32{2, 2}, got)

		// No more children.
		require.Equal(t, int32(-1), waitFor(t, res))
	})

	n.It("gives a forked child a private copy on write", func(t *testing.T) {
		k := newTestKernel(t, 2)
		defer k.Shutdown()

		res := make(chan int32, 4)

		const addr = 0x100

		child := k.RegisterProgram(func(u *User) {
			res <- int32(u.Load32(addr))
			u.Store32(addr, 2)
			res <- int32(u.Load32(addr))
			u.Exit()
		})

		boot(t, k, func(u *User) {
			u.Store32(addr, 1)
			u.Fork(child)
			u.Wait()
			res <- int32(u.Load32(addr))
			park(u)
		})

		require.Equal(t, int32(1), waitFor(t, res))
		require.Equal(t, int32(2), waitFor(t, res))
		require.Equal(t, int32(1), waitFor(t, res))
	})

	n.It("grows the heap with sbrk", func(t *testing.T) {
		k := newTestKernel(t, 1)
		defer k.Shutdown()

		res := make(chan int32, 2)

		boot(t, k, func(u *User) {
			addr, err := u.Alloc(memory.PageSize)
			if err != nil {
				res <- -1
				park(u)
			}

			u.Store32(addr+memory.PageSize-4, 42)
			res <- int32(addr)
			res <- int32(u.Load32(addr + memory.PageSize - 4))
			park(u)
		})

		require.Equal(t, int32(InitSize), waitFor(t, res))
		require.Equal(t, int32(42), waitFor(t, res))
	})

	n.It("kills a spinning child", func(t *testing.T) {
		k := newTestKernel(t, 2)
		defer k.Shutdown()

		res := make(chan int32, 2)

		child := k.RegisterProgram(func(u *User) {
			for {
				u.Spin()
			}
		})

		boot(t, k, func(u *User) {
			pid := u.Fork(child)
			res <- u.Kill(pid)
			res <- u.Wait()
			park(u)
		})

		require.Equal(t, int32(0), waitFor(t, res))
		require.Equal(t, int32(2), waitFor(t, res))
	})

	n.It("wakes sleepers on timer ticks", func(t *testing.T) {
		k := newTestKernel(t, 1)
		defer k.Shutdown()

		res := make(chan int32, 1)

		boot(t, k, func(u *User) {
			res <- u.Sleep(3)
			park(u)
		})

		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-done:
					return
				case <-time.After(time.Millisecond):
					k.Tick()
				}
			}
		}()
		defer close(done)

		require.Equal(t, int32(0), waitFor(t, res))
		require.True(t, k.Ticks() >= 3)
	})

	n.It("shuts down with a process asleep on the clock", func(t *testing.T) {
		k := newTestKernel(t, 1)

		res := make(chan int32, 1)

		boot(t, k, func(u *User) {
			res <- 0
			park(u)
		})

		waitFor(t, res)

		require.Eventually(t, func() bool {
			for _, pi := range k.Snapshot() {
				if pi.Pid == 1 {
					return pi.State == Sleeping
				}
			}
			return false
		}, 10*time.Second, time.Millisecond)

		stopped := make(chan struct{})
		go func() {
			k.Shutdown()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-time.After(10 * time.Second):
			t.Fatal("shutdown hung")
		}

		// The sleeper stays parked and the clock lock is free.
		k.Ticks()
	})

	n.It("lists processes", func(t *testing.T) {
		k := newTestKernel(t, 1)
		defer k.Shutdown()

		res := make(chan int32, 1)

		boot(t, k, func(u *User) {
			res <- 0
			park(u)
		})

		waitFor(t, res)

		var live []ProcInfo
		for _, pi := range k.Snapshot() {
			if pi.State != Unused {
				live = append(live, pi)
			}
		}

		require.Len(t, live, 1)
		require.Equal(t, int32(1), live[0].Pid)
		require.Equal(t, "initcode", live[0].Name)
	})

	n.Meow()
}
