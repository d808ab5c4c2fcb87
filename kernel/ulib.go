package kernel

import (
	"github.com/evanphx/arden/fs"
)

// Wrappers for user programs around the raw system calls. Buffers and
// strings are staged in a scratch area of the user heap, allocated on first
// use and inherited by forked children along with the address space.

const scratchSize = NPROC * ProcInfoSize

func (u *User) scratchArea(n int) (uint32, error) {
	if n > scratchSize {
		return u.Alloc(n)
	}

	if u.scratch == 0 {
		addr, err := u.Alloc(scratchSize)
		if err != nil {
			return 0, err
		}
		u.scratch = addr
	}

	return u.scratch, nil
}

// stage copies NUL terminated strings into the scratch area and returns
// their addresses.
func (u *User) stage(ss ...string) ([]uint32, error) {
	total := 0
	for _, s := range ss {
		total += len(s) + 1
	}

	base, err := u.scratchArea(total)
	if err != nil {
		return nil, err
	}

	addrs := make([]uint32, len(ss))
	off := base

	for i, s := range ss {
		u.Store(off, append([]byte(s), 0))
		addrs[i] = off
		off += uint32(len(s) + 1)
	}

	return addrs, nil
}

func (u *User) pathCall(num int, path string, args ...int32) int32 {
	addrs, err := u.stage(path)
	if err != nil {
		return -1
	}

	return u.Syscall(num, append([]int32{int32(addrs[0])}, args...)...)
}

// Fork starts a child at entry, an address from RegisterProgram. The parent
// gets the child's pid.
func (u *User) Fork(entry uint32) int32 {
	return u.Syscall(SysFork, int32(entry))
}

func (u *User) Wait() int32 {
	return u.Syscall(SysWait, 0)
}

// WaitTimes waits for a child and also returns its tick counters.
func (u *User) WaitTimes() (int32, Times) {
	addr, err := u.scratchArea(TimesSize)
	if err != nil {
		return -1, Times{}
	}

	pid := u.Syscall(SysWait, int32(addr))
	if pid < 0 {
		return pid, Times{}
	}

	var (
		b [TimesSize]byte
		t Times
	)

	u.Load(addr, b[:])
	t.Decode(b[:])

	return pid, t
}

func (u *User) Kill(pid int32) int32 {
	return u.Syscall(SysKill, pid)
}

func (u *User) Getpid() int32 {
	return u.Syscall(SysGetpid)
}

func (u *User) Sbrk(n int32) int32 {
	return u.Syscall(SysSbrk, n)
}

func (u *User) Sleep(ticks int32) int32 {
	return u.Syscall(SysSleep, ticks)
}

func (u *User) Uptime() int32 {
	return u.Syscall(SysUptime)
}

func (u *User) Open(path string, mode int32) int32 {
	return u.pathCall(SysOpen, path, mode)
}

// Read reads up to n bytes from fd.
func (u *User) Read(fd int32, n int) ([]byte, int32) {
	addr, err := u.scratchArea(n)
	if err != nil {
		return nil, -1
	}

	r := u.Syscall(SysRead, fd, int32(addr), int32(n))
	if r <= 0 {
		return nil, r
	}

	buf := make([]byte, r)
	u.Load(addr, buf)

	return buf, r
}

func (u *User) Write(fd int32, data []byte) int32 {
	addr, err := u.scratchArea(len(data))
	if err != nil {
		return -1
	}

	u.Store(addr, data)

	return u.Syscall(SysWrite, fd, int32(addr), int32(len(data)))
}

// Print writes s to fd.
func (u *User) Print(fd int32, s string) int32 {
	return u.Write(fd, []byte(s))
}

func (u *User) Close(fd int32) int32 {
	return u.Syscall(SysClose, fd)
}

func (u *User) Dup(fd int32) int32 {
	return u.Syscall(SysDup, fd)
}

func (u *User) Fstat(fd int32) (fs.Stat, int32) {
	addr, err := u.scratchArea(fs.StatSize)
	if err != nil {
		return fs.Stat{}, -1
	}

	r := u.Syscall(SysFstat, fd, int32(addr))
	if r < 0 {
		return fs.Stat{}, r
	}

	var (
		b  [fs.StatSize]byte
		st fs.Stat
	)

	u.Load(addr, b[:])
	st.Decode(b[:])

	return st, r
}

func (u *User) Mkdir(path string) int32 {
	return u.pathCall(SysMkdir, path)
}

func (u *User) Mknod(path string, major, minor int16) int32 {
	return u.pathCall(SysMknod, path, int32(major), int32(minor))
}

func (u *User) Chdir(path string) int32 {
	return u.pathCall(SysChdir, path)
}

func (u *User) Unlink(path string) int32 {
	return u.pathCall(SysUnlink, path)
}

func (u *User) Link(oldpath, newpath string) int32 {
	addrs, err := u.stage(oldpath, newpath)
	if err != nil {
		return -1
	}

	return u.Syscall(SysLink, int32(addrs[0]), int32(addrs[1]))
}

// ReadMouse blocks for the next mouse packet.
func (u *User) ReadMouse() ([MousePacketSize]byte, int32) {
	var pkt [MousePacketSize]byte

	addr, err := u.scratchArea(MousePacketSize)
	if err != nil {
		return pkt, -1
	}

	r := u.Syscall(SysReadMouse, int32(addr))
	if r == 0 {
		u.Load(addr, pkt[:])
	}

	return pkt, r
}

func (u *User) SigSend(pid int32, sig int) int32 {
	return u.Syscall(SysSigsend, pid, int32(sig))
}

// SigSetHandler installs the handler at code address hand, or one of
// SigDefault and SigIgnore.
func (u *User) SigSetHandler(sig int, hand uint32) int32 {
	return u.Syscall(SysSigsethandler, int32(sig), int32(hand))
}

func (u *User) SigGetMask() uint32 {
	return uint32(u.Syscall(SysSiggetmask))
}

// SigSetMask installs mask and returns the previous one.
func (u *User) SigSetMask(mask uint32) (uint32, int32) {
	addr, err := u.scratchArea(4)
	if err != nil {
		return 0, -1
	}

	u.Store32(addr, mask)

	r := u.Syscall(SysSigsetmask, int32(addr))
	if r < 0 {
		return 0, r
	}

	return u.Load32(addr), r
}

func (u *User) SigPause(mask uint32) int32 {
	return u.Syscall(SysSigpause, int32(mask))
}

// Predict tells the scheduler how many ticks the process expects to run.
// A negative prediction puts it ahead of every positive one.
func (u *User) Predict(ticks int32) int32 {
	return u.Syscall(SysPredict, ticks)
}

func (u *User) LoadAvg() int32 {
	return u.Syscall(SysLoadavg)
}

// Ptable returns a snapshot of the live processes.
func (u *User) Ptable() ([]ProcInfo, int32) {
	addr, err := u.scratchArea(NPROC * ProcInfoSize)
	if err != nil {
		return nil, -1
	}

	n := u.Syscall(SysGetptable, int32(addr), NPROC)
	if n <= 0 {
		return nil, n
	}

	buf := make([]byte, int(n)*ProcInfoSize)
	u.Load(addr, buf)

	infos := make([]ProcInfo, n)
	for i := range infos {
		infos[i].Decode(buf[i*ProcInfoSize:])
	}

	return infos, n
}
