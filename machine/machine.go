// Package machine assembles a kernel with its physical memory, disks,
// buffer cache, file system and system call table, and drives its clock.
package machine

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evanphx/arden/bio"
	"github.com/evanphx/arden/device"
	"github.com/evanphx/arden/fs"
	"github.com/evanphx/arden/kernel"
	"github.com/evanphx/arden/log"
	"github.com/evanphx/arden/memory"
	"github.com/evanphx/arden/syscalls"
	"github.com/pkg/errors"
)

// Config describes the machine to build.
type Config struct {
	CPUs      int
	Mem       uint32
	Policy    string
	CacheSize int

	// Disk and Legacy are image paths for the root and legacy devices.
	// With no root image a blank one is made in memory.
	Disk   string
	Legacy string

	// RootDisk and LegacyDisk take precedence over the paths.
	RootDisk   device.Disk
	LegacyDisk device.Disk

	// Tick is the timer interval; zero leaves ticking to the caller.
	Tick time.Duration

	Console io.Writer
}

// MemDiskBlocks is the size of the blank in-memory root image.
const MemDiskBlocks = 2000

func DefaultConfig() Config {
	return Config{
		CPUs:      2,
		Mem:       memory.DefaultLayout().PhysTop,
		Policy:    "rr",
		CacheSize: 64,
		Tick:      10 * time.Millisecond,
	}
}

type Machine struct {
	cfg Config

	pm    *memory.PhysMem
	disks *device.Table
	ide   *device.Queue
	cache *bio.Cache
	fs    *fs.FS
	k     *kernel.Kernel

	closers []io.Closer

	ideIntrs uint64

	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

// New builds a machine. Nothing runs until Boot.
func New(cfg Config) (*Machine, error) {
	def := DefaultConfig()

	if cfg.CPUs == 0 {
		cfg.CPUs = def.CPUs
	}

	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}

	if cfg.CacheSize == 0 {
		cfg.CacheSize = def.CacheSize
	}

	layout := memory.DefaultLayout()
	if cfg.Mem != 0 {
		layout.PhysTop = memory.PageRoundDown(cfg.Mem)
	}

	pm, err := memory.NewPhysMem(layout)
	if err != nil {
		return nil, err
	}

	policy, err := kernel.PolicyByName(cfg.Policy)
	if err != nil {
		return nil, err
	}

	k, err := kernel.NewKernel(pm, kernel.Config{
		CPUs:    cfg.CPUs,
		Policy:  policy,
		Console: cfg.Console,
	})
	if err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:   cfg,
		pm:    pm,
		disks: device.NewTable(),
		k:     k,
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	if err := m.attachDisks(); err != nil {
		m.closeDisks()
		return nil, err
	}

	m.ide = device.NewQueue(m.disks, k)
	m.ide.Interrupt = func() {
		k.Interrupt(kernel.IRQIDE)
	}

	k.SetIRQ(kernel.IRQIDE, m.ideIntr)

	m.cache, err = bio.NewCache(m.ide, k, cfg.CacheSize)
	if err != nil {
		m.closeDisks()
		return nil, err
	}

	m.fs = fs.New(m.cache, k)

	k.AttachFS(m.fs)
	k.SetSyscalls(&syscalls.Invoker{Kernel: k})
	k.OnBoot(m.mount)

	return m, nil
}

func (m *Machine) attachDisks() error {
	root := m.cfg.RootDisk

	switch {
	case root != nil:
	case m.cfg.Disk != "":
		fd, err := device.OpenFileDisk(m.cfg.Disk)
		if err != nil {
			return errors.Wrapf(err, "root disk")
		}

		m.closers = append(m.closers, fd)
		root = fd
	default:
		md, err := BlankDisk(MemDiskBlocks)
		if err != nil {
			return err
		}

		root = md
	}

	m.disks.Attach(fs.RootDev, root)

	legacy := m.cfg.LegacyDisk

	if legacy == nil && m.cfg.Legacy != "" {
		fd, err := device.OpenFileDisk(m.cfg.Legacy)
		if err != nil {
			return errors.Wrapf(err, "legacy disk")
		}

		m.closers = append(m.closers, fd)
		legacy = fd
	}

	if legacy != nil {
		m.disks.Attach(fs.LegacyDev, legacy)
	}

	return nil
}

// BlankDisk returns an in-memory root image holding only the console
// device node.
func BlankDisk(blocks uint32) (*device.MemDisk, error) {
	md := device.NewMemDisk(blocks)

	b, err := fs.NewBuilder(md, 200, fs.DefaultNLog)
	if err != nil {
		return nil, err
	}

	if _, err := b.Mknod(fs.RootIno, "console", kernel.ConsoleMajor, 1); err != nil {
		return nil, err
	}

	return md, b.Finish()
}

// mount runs in the first process before it enters user space.
func (m *Machine) mount(ctx context.Context) error {
	if err := m.fs.Mount(ctx, fs.RootDev); err != nil {
		return errors.Wrapf(err, "mounting root")
	}

	if _, ok := m.disks.Disk(fs.LegacyDev); ok {
		if err := m.fs.Mount(ctx, fs.LegacyDev); err != nil {
			return errors.Wrapf(err, "mounting legacy")
		}
	}

	return nil
}

func (m *Machine) ideIntr(ctx context.Context) {
	atomic.AddUint64(&m.ideIntrs, 1)
}

// Boot starts the disk controller and the CPUs, with init as the first
// process.
func (m *Machine) Boot(init kernel.Program) error {
	if _, err := m.k.UserInit(init); err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.ide.Run(m.ctx)
	}()

	if m.cfg.Tick > 0 {
		m.wg.Add(1)
		go m.clock(m.cfg.Tick)
	}

	m.k.Start(m.ctx)

	log.L.Info("booted", "cpus", len(m.k.CPUs()), "policy", m.k.Policy().Name(),
		"free-frames", m.pm.FreeCount())

	return nil
}

func (m *Machine) clock(d time.Duration) {
	defer m.wg.Done()

	tick := time.NewTicker(d)
	defer tick.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-tick.C:
			m.k.Tick()
		}
	}
}

// Tick posts one timer interrupt.
func (m *Machine) Tick() {
	m.k.Tick()
}

// Interrupt posts a device interrupt.
func (m *Machine) Interrupt(irq int) {
	m.k.Interrupt(irq)
}

// Shutdown stops the clock, the disk controller and the CPUs, then flushes
// the disks.
func (m *Machine) Shutdown() error {
	var err error

	m.shutdownOnce.Do(func() {
		m.cancel()
		m.k.Shutdown()
		m.wg.Wait()

		err = m.disks.Sync()

		if cerr := m.closeDisks(); err == nil {
			err = cerr
		}
	})

	return err
}

func (m *Machine) closeDisks() error {
	var err error

	for _, c := range m.closers {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}

	m.closers = nil

	return err
}

func (m *Machine) Kernel() *kernel.Kernel {
	return m.k
}

func (m *Machine) FS() *fs.FS {
	return m.fs
}

func (m *Machine) Disks() *device.Table {
	return m.disks
}

// IDEInterrupts returns how many disk completions have been serviced.
func (m *Machine) IDEInterrupts() uint64 {
	return atomic.LoadUint64(&m.ideIntrs)
}
