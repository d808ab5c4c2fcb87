package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/evanphx/arden/fs"
	"github.com/evanphx/arden/kernel"
)

// argBase is where the shell leaves arguments for a forked child. The child
// reads them from its copy of the address space.
const argBase = 0x100

const (
	stdin  = 0
	stdout = 1
	stderr = 2
)

type shell struct {
	k      *kernel.Kernel
	halted chan struct{}

	spinner uint32
}

func newShell(k *kernel.Kernel) *shell {
	sh := &shell{
		k:      k,
		halted: make(chan struct{}),
	}

	sh.spinner = k.RegisterProgram(sh.spin)

	return sh
}

func (sh *shell) init(u *kernel.User) {
	if u.Open("console", kernel.ORdWr) < 0 {
		u.Mknod("console", kernel.ConsoleMajor, 1)
		u.Open("console", kernel.ORdWr)
	}

	u.Dup(stdin)
	u.Dup(stdin)

	u.Print(stdout, "arden: type help for commands\n")

	for {
		u.Print(stdout, "$ ")

		line, n := u.Read(stdin, 128)
		if n <= 0 {
			break
		}

		args := strings.Fields(string(line))
		if len(args) == 0 {
			continue
		}

		if args[0] == "halt" {
			break
		}

		sh.run(u, args)
	}

	close(sh.halted)

	for {
		u.Sleep(1 << 30)
	}
}

func (sh *shell) printf(u *kernel.User, format string, args ...interface{}) {
	u.Print(stdout, fmt.Sprintf(format, args...))
}

func (sh *shell) fail(u *kernel.User, what string) {
	u.Print(stderr, what+" failed\n")
}

func (sh *shell) run(u *kernel.User, args []string) {
	switch args[0] {
	case "help":
		sh.printf(u, "echo ls cat write mkdir rm ln cd ps uptime load spin halt\n")
	case "echo":
		sh.printf(u, "%s\n", strings.Join(args[1:], " "))
	case "ls":
		path := "."
		if len(args) > 1 {
			path = args[1]
		}
		sh.ls(u, path)
	case "cat":
		for _, path := range args[1:] {
			sh.cat(u, path)
		}
	case "write":
		if len(args) < 2 {
			sh.fail(u, "write")
			return
		}
		fd := u.Open(args[1], kernel.OCreate|kernel.OWrOnly)
		if fd < 0 || u.Print(fd, strings.Join(args[2:], " ")+"\n") < 0 {
			sh.fail(u, "write")
		}
		u.Close(fd)
	case "mkdir":
		for _, path := range args[1:] {
			if u.Mkdir(path) < 0 {
				sh.fail(u, "mkdir "+path)
			}
		}
	case "rm":
		for _, path := range args[1:] {
			if u.Unlink(path) < 0 {
				sh.fail(u, "rm "+path)
			}
		}
	case "ln":
		if len(args) != 3 || u.Link(args[1], args[2]) < 0 {
			sh.fail(u, "ln")
		}
	case "cd":
		if len(args) != 2 || u.Chdir(args[1]) < 0 {
			sh.fail(u, "cd")
		}
	case "ps":
		sh.ps(u)
	case "uptime":
		sh.printf(u, "%d ticks\n", u.Uptime())
	case "load":
		l := u.LoadAvg()
		sh.printf(u, "%d.%04d\n", l/10000, l%10000)
	case "spin":
		sh.spinAll(u, args[1:])
	default:
		u.Print(stderr, "unknown command "+args[0]+"\n")
	}
}

func (sh *shell) ls(u *kernel.User, path string) {
	fd := u.Open(path, kernel.ORdOnly)
	if fd < 0 {
		sh.fail(u, "ls "+path)
		return
	}
	defer u.Close(fd)

	st, _ := u.Fstat(fd)

	if st.Type != fs.Directory {
		sh.printf(u, "%-14s %d %d %d\n", path, st.Type, st.Ino, st.Size)
		return
	}

	for {
		b, n := u.Read(fd, fs.DirentSize)
		if n != fs.DirentSize {
			return
		}

		var de fs.Dirent
		de.Decode(b)

		if de.Inum == 0 {
			continue
		}

		cfd := u.Open(path+"/"+de.Name, kernel.ORdOnly)
		if cfd < 0 {
			sh.printf(u, "%-14s ?\n", de.Name)
			continue
		}

		cst, _ := u.Fstat(cfd)
		u.Close(cfd)

		sh.printf(u, "%-14s %d %d %d\n", de.Name, cst.Type, cst.Ino, cst.Size)
	}
}

func (sh *shell) cat(u *kernel.User, path string) {
	fd := u.Open(path, kernel.ORdOnly)
	if fd < 0 {
		sh.fail(u, "cat "+path)
		return
	}
	defer u.Close(fd)

	for {
		b, n := u.Read(fd, 512)
		if n <= 0 {
			return
		}

		u.Write(stdout, b)
	}
}

func (sh *shell) ps(u *kernel.User) {
	infos, n := u.Ptable()
	if n < 0 {
		sh.fail(u, "ps")
		return
	}

	sh.printf(u, "pid ppid state  name            real  cpu wait sleep pred\n")

	for _, pi := range infos {
		sh.printf(u, "%3d %4d %-6s %-15s %4d %4d %4d %5d %4d\n",
			pi.Pid, pi.PPid, pi.State, pi.Name,
			pi.Times.Real, pi.Times.CPU, pi.Times.Wait, pi.Times.Sleep, pi.Predicted)
	}
}

// spinAll forks one spinner per argument. Each argument is the number of
// ticks the child burns, which is also its prediction.
func (sh *shell) spinAll(u *kernel.User, args []string) {
	started := 0

	for _, a := range args {
		ticks, err := strconv.Atoi(a)
		if err != nil {
			sh.fail(u, "spin "+a)
			continue
		}

		u.Store32(argBase, uint32(ticks))

		if u.Fork(sh.spinner) < 0 {
			sh.fail(u, "fork")
			continue
		}

		started++
	}

	for i := 0; i < started; i++ {
		pid, t := u.WaitTimes()
		sh.printf(u, "pid %d done: real %d cpu %d wait %d sleep %d\n",
			pid, t.Real, t.CPU, t.Wait, t.Sleep)
	}
}

func (sh *shell) spin(u *kernel.User) {
	ticks := int32(u.Load32(argBase))

	u.Predict(ticks)

	start := u.Uptime()

	for u.Uptime()-start < ticks {
		for i := 0; i < 1000; i++ {
			u.Spin()
		}
	}

	u.Exit()
}
