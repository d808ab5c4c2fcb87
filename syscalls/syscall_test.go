package syscalls

import (
	"context"
	"testing"
	"time"

	"github.com/evanphx/arden/bio"
	"github.com/evanphx/arden/device"
	"github.com/evanphx/arden/fs"
	"github.com/evanphx/arden/kernel"
	"github.com/evanphx/arden/memory"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

// boot starts a one CPU kernel over a fresh image and runs init.
func boot(t *testing.T, init kernel.Program) *kernel.Kernel {
	pm, err := memory.NewPhysMem(memory.DefaultLayout())
	require.NoError(t, err)

	k, err := kernel.NewKernel(pm, kernel.Config{CPUs: 1})
	require.NoError(t, err)

	disk := device.NewMemDisk(1000)
	require.NoError(t, fs.Mkfs(disk, 64, fs.DefaultNLog))

	tbl := device.NewTable()
	tbl.Attach(fs.RootDev, disk)

	cache, err := bio.NewCache(tbl, k, 32)
	require.NoError(t, err)

	f := fs.New(cache, k)

	k.AttachFS(f)
	k.SetSyscalls(&Invoker{Kernel: k})
	k.OnBoot(func(ctx context.Context) error {
		return f.Mount(ctx, fs.RootDev)
	})

	_, err = k.UserInit(init)
	require.NoError(t, err)

	k.Start(context.Background())

	return k
}

func park(u *kernel.User) {
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

func TestSyscalls(t *testing.T) {
	n := neko.Modern(t)

	n.It("registers every call it serves", func(t *testing.T) {
		for num, h := range Syscalls {
			if h == nil {
				require.Equal(t, 0, Arity[num])
				continue
			}

			require.True(t, Arity[num] <= maxArgs)
		}

		require.NotNil(t, Syscalls[kernel.SysFork])
		require.NotNil(t, Syscalls[kernel.SysGetptable])
		require.Nil(t, Syscalls[4])
	})

	n.It("fails unknown calls", func(t *testing.T) {
		res := make(chan int32, 2)

		k := boot(t, func(u *kernel.User) {
			res <- u.Syscall(4)
			res <- u.Syscall(kernel.NSyscall + 3)
			park(u)
		})
		defer k.Shutdown()

		require.Equal(t, int32(-1), waitFor(t, res))
		require.Equal(t, int32(-1), waitFor(t, res))
	})

	n.It("fails calls whose arguments are outside the address space", func(t *testing.T) {
		res := make(chan int32, 3)

		k := boot(t, func(u *kernel.User) {
			res <- u.Syscall(kernel.SysOpen, int32(kernel.InitSize+memory.PageSize), kernel.ORdOnly)
			res <- u.Syscall(kernel.SysFstat, 0, -1)
			res <- u.Syscall(kernel.SysSleep, -1)
			park(u)
		})
		defer k.Shutdown()

		require.Equal(t, int32(-1), waitFor(t, res))
		require.Equal(t, int32(-1), waitFor(t, res))
		require.Equal(t, int32(-1), waitFor(t, res))
	})

	n.It("shares the offset between duplicated descriptors", func(t *testing.T) {
		res := make(chan int32, 8)

		k := boot(t, func(u *kernel.User) {
			fd := u.Open("/f", kernel.OCreate|kernel.ORdWr)
			u.Write(fd, []byte("abcdef"))
			u.Close(fd)

			fd = u.Open("/f", kernel.ORdOnly)
			fd2 := u.Dup(fd)
			res <- fd2

			a, _ := u.Read(fd, 2)
			b, _ := u.Read(fd2, 2)
			res <- int32(a[0])
			res <- int32(b[0])

			res <- u.Close(fd)
			res <- u.Close(fd)

			c, _ := u.Read(fd2, 8)
			res <- int32(len(c))
			park(u)
		})
		defer k.Shutdown()

		require.Equal(t, int32(1), waitFor(t, res))
		require.Equal(t, int32('a'), waitFor(t, res))
		require.Equal(t, int32('c'), waitFor(t, res))
		require.Equal(t, int32(0), waitFor(t, res))
		require.Equal(t, int32(-1), waitFor(t, res))
		require.Equal(t, int32(2), waitFor(t, res))
	})

	n.It("makes device nodes", func(t *testing.T) {
		res := make(chan int32, 4)

		k := boot(t, func(u *kernel.User) {
			res <- u.Mknod("/tty", kernel.ConsoleMajor, 1)
			res <- u.Mknod("/tty", kernel.ConsoleMajor, 1)

			fd := u.Open("/tty", kernel.OWrOnly)
			st, _ := u.Fstat(fd)
			res <- int32(st.Type)
			park(u)
		})
		defer k.Shutdown()

		require.Equal(t, int32(0), waitFor(t, res))
		require.Equal(t, int32(-1), waitFor(t, res))
		require.Equal(t, int32(fs.Device), waitFor(t, res))
	})

	n.It("swaps the signal mask", func(t *testing.T) {
		res := make(chan int32, 4)

		k := boot(t, func(u *kernel.User) {
			old, r := u.SigSetMask(1 << 3)
			res <- r
			res <- int32(old)
			res <- int32(u.SigGetMask())
			park(u)
		})
		defer k.Shutdown()

		require.Equal(t, int32(0), waitFor(t, res))
		require.Equal(t, int32(0), waitFor(t, res))
		require.Equal(t, int32(1<<3), waitFor(t, res))
	})

	n.It("limits the process table copy", func(t *testing.T) {
		res := make(chan int32, 4)

		k := boot(t, func(u *kernel.User) {
			addr, _ := u.Alloc(kernel.ProcInfoSize)
			res <- u.Syscall(kernel.SysGetptable, int32(addr), 0)
			res <- u.Syscall(kernel.SysGetptable, int32(addr), 1)

			var pi kernel.ProcInfo
			buf := make([]byte, kernel.ProcInfoSize)
			u.Load(addr, buf)
			pi.Decode(buf)
			res <- pi.Pid
			park(u)
		})
		defer k.Shutdown()

		require.Equal(t, int32(0), waitFor(t, res))
		require.Equal(t, int32(1), waitFor(t, res))
		require.Equal(t, int32(1), waitFor(t, res))
	})

	n.Meow()
}
