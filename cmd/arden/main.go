package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime/pprof"

	"github.com/evanphx/arden/kernel"
	clog "github.com/evanphx/arden/log"
	"github.com/evanphx/arden/machine"
	"github.com/spf13/pflag"
)

var (
	def = machine.DefaultConfig()

	fCPUs   = pflag.IntP("cpus", "c", def.CPUs, "number of CPUs")
	fMem    = pflag.Uint32P("mem", "m", def.Mem, "physical memory in bytes")
	fPolicy = pflag.StringP("policy", "p", def.Policy, "scheduling policy: rr, sjn, srt or hrrn")
	fDisk   = pflag.StringP("disk", "d", "", "root file system image")
	fLegacy = pflag.StringP("legacy", "l", "", "legacy file system image, reached through %")
	fCache  = pflag.Int("cache", def.CacheSize, "buffer cache size in blocks")
	fTick   = pflag.Duration("tick", def.Tick, "timer interrupt interval")
	fLevel  = pflag.String("log-level", "", "log level: trace, debug, info, warn or error")
)

func main() {
	cpuprofile := os.Getenv("CPUPROFILE")
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		fmt.Printf("pprof: profiling started\n")
	}

	pflag.Parse()

	if *fLevel != "" {
		clog.SetLevel(*fLevel)
	}

	m, err := machine.New(machine.Config{
		CPUs:      *fCPUs,
		Mem:       *fMem,
		Policy:    *fPolicy,
		Disk:      *fDisk,
		Legacy:    *fLegacy,
		CacheSize: *fCache,
		Tick:      *fTick,
		Console:   os.Stdout,
	})
	if err != nil {
		log.Fatal(err)
	}

	sh := newShell(m.Kernel())

	if err := m.Boot(sh.init); err != nil {
		log.Fatal(err)
	}

	go feed(m.Kernel().Console(), os.Stdin)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)

	select {
	case <-sh.halted:
	case <-sigs:
		clog.L.Info("interrupted, dumping processes")
		m.Kernel().Procdump(os.Stderr)
	}

	err = m.Shutdown()

	if cpuprofile != "" {
		pprof.StopCPUProfile()
		fmt.Printf("pprof: profiling finished\n")
	}

	if err != nil {
		log.Fatal(err)
	}
}

// feed types host input at the console, ending with ^D.
func feed(cons *kernel.Console, r io.Reader) {
	buf := make([]byte, 128)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			cons.Type(buf[:n])
		}

		if err != nil {
			cons.Type([]byte{4})
			return
		}
	}
}
