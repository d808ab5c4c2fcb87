package kernel

import (
	"context"
	"io"
	"io/ioutil"
	"sync"

	"github.com/evanphx/arden/fs"
	"github.com/evanphx/arden/ksync"
	"github.com/evanphx/arden/log"
)

// ConsoleMajor is the device number of the console.
const ConsoleMajor = 1

const inputBuf = 128

func ctrl(c byte) byte {
	return c - '@'
}

// Console is the console device. Output goes to a host writer; input
// arrives through keyboard interrupts and is handed to readers a line at a
// time.
type Console struct {
	k *Kernel

	lock ksync.Spinlock
	buf  [inputBuf]byte
	r    uint32 // read index
	w    uint32 // write index
	e    uint32 // edit index

	out io.Writer

	// kbd holds bytes typed on the host until the keyboard interrupt takes
	// them.
	kbdMu sync.Mutex
	kbd   []byte
}

func newConsole(k *Kernel, out io.Writer) *Console {
	if out == nil {
		out = ioutil.Discard
	}

	c := &Console{k: k, out: out}
	c.lock.Init("console")

	return c
}

// Type queues keyboard input and raises the keyboard interrupt.
func (c *Console) Type(data []byte) {
	c.kbdMu.Lock()
	c.kbd = append(c.kbd, data...)
	c.kbdMu.Unlock()

	c.k.Interrupt(IRQKbd)
}

// KeyboardIntr is the keyboard interrupt handler.
func (c *Console) KeyboardIntr(ctx context.Context) {
	c.kbdMu.Lock()
	data := c.kbd
	c.kbd = nil
	c.kbdMu.Unlock()

	c.Input(data)
}

// Input edits typed bytes into the line buffer. A complete line, end of
// file or a full buffer wakes readers.
func (c *Console) Input(data []byte) {
	dump := false

	c.lock.Acquire()

	for _, ch := range data {
		switch ch {
		case ctrl('P'):
			// Process listing. Printed after the lock is dropped.
			dump = true

		case ctrl('U'):
			// Kill line.
			for c.e != c.w && c.buf[(c.e-1)%inputBuf] != '\n' {
				c.e--
			}

		case ctrl('H'), '\x7f':
			if c.e != c.w {
				c.e--
			}

		default:
			if ch == 0 || c.e-c.r >= inputBuf {
				continue
			}

			if ch == '\r' {
				ch = '\n'
			}

			c.buf[c.e%inputBuf] = ch
			c.e++

			if ch == '\n' || ch == ctrl('D') || c.e == c.r+inputBuf {
				c.w = c.e
				c.k.Wakeup(&c.r)
			}
		}
	}

	c.lock.Release()

	if dump {
		c.k.Procdump(c.out)
	}
}

// Read implements fs.DeviceOps. It blocks until a line is available.
func (c *Console) Read(ctx context.Context, ip *fs.Inode, dst []byte) (int, error) {
	f := c.k.fs
	f.Unlock(ctx, ip)

	target := len(dst)
	n := 0

	c.lock.Acquire()

	for n < target {
		for c.r == c.w {
			if t, ok := GetTask(ctx); ok && t.killed {
				c.lock.Release()
				f.Lock(ctx, ip)
				return -1, ErrKilled
			}

			c.k.Sleep(ctx, &c.r, &c.lock)
		}

		ch := c.buf[c.r%inputBuf]
		c.r++

		if ch == ctrl('D') {
			if n > 0 {
				// Save ^D for next time, to make sure the caller gets a
				// 0-byte result.
				c.r--
			}
			break
		}

		dst[n] = ch
		n++

		if ch == '\n' {
			break
		}
	}

	c.lock.Release()

	if err := f.Lock(ctx, ip); err != nil {
		return n, err
	}

	return n, nil
}

// Write implements fs.DeviceOps.
func (c *Console) Write(ctx context.Context, ip *fs.Inode, src []byte) (int, error) {
	f := c.k.fs
	f.Unlock(ctx, ip)

	c.lock.Acquire()
	n, err := c.out.Write(src)
	c.lock.Release()

	if err != nil {
		log.L.Error("console write", "error", err)
	}

	if lerr := f.Lock(ctx, ip); err == nil {
		err = lerr
	}

	return n, err
}

var _ fs.DeviceOps = (*Console)(nil)
