package kernel

// System call numbers.
const (
	SysFork          = 1
	SysExit          = 2
	SysWait          = 3
	SysRead          = 5
	SysKill          = 6
	SysFstat         = 8
	SysChdir         = 9
	SysDup           = 10
	SysGetpid        = 11
	SysSbrk          = 12
	SysSleep         = 13
	SysUptime        = 14
	SysOpen          = 15
	SysWrite         = 16
	SysMknod         = 17
	SysUnlink        = 18
	SysLink          = 19
	SysMkdir         = 20
	SysClose         = 21
	SysReadMouse     = 22
	SysSigsend       = 23
	SysSigsethandler = 24
	SysSigreturn     = 25
	SysSiggetmask    = 26
	SysSigsetmask    = 27
	SysSigpause      = 28
	SysPredict       = 29
	SysLoadavg       = 30
	SysGetptable     = 31

	NSyscall = 32
)

// Open modes.
const (
	ORdOnly = 0x000
	OWrOnly = 0x001
	ORdWr   = 0x002
	OCreate = 0x200
)
