package kernel

import (
	"context"
	"sync"

	"github.com/evanphx/arden/ksync"
	"github.com/evanphx/arden/log"
)

// MousePacketSize is the size of a PS/2 mouse packet: flags, x movement,
// y movement.
const MousePacketSize = 3

const mouseBuf = 129

// Mouse packet flag bits.
const (
	MouseLeft      = 1 << 0
	MouseRight     = 1 << 1
	MouseMiddle    = 1 << 2
	MouseAlways1   = 1 << 3
	MouseXSign     = 1 << 4
	MouseYSign     = 1 << 5
	MouseXOverflow = 1 << 6
	MouseYOverflow = 1 << 7
)

// Mouse buffers the packets of a PS/2 mouse for readmouse.
type Mouse struct {
	k *Kernel

	lock ksync.Spinlock
	buf  [mouseBuf]byte
	r    int
	w    int
	size int

	// Raw bytes from the host until the interrupt takes them.
	rawMu sync.Mutex
	raw   []byte

	dropped int
}

func newMouse(k *Kernel) *Mouse {
	m := &Mouse{k: k}
	m.lock.Init("mouse")
	return m
}

// Move queues a packet from the host and raises the mouse interrupt.
func (m *Mouse) Move(pkt [MousePacketSize]byte) {
	m.rawMu.Lock()
	m.raw = append(m.raw, pkt[:]...)
	m.rawMu.Unlock()

	m.k.Interrupt(IRQMouse)
}

func (m *Mouse) put(b byte) {
	if m.size == mouseBuf {
		return
	}

	m.buf[m.w] = b
	m.w = (m.w + 1) % mouseBuf
	m.size++
}

func (m *Mouse) get() byte {
	b := m.buf[m.r]
	m.r = (m.r + 1) % mouseBuf
	m.size--
	return b
}

// Intr is the mouse interrupt handler. Packets with an overflow bit set or
// without the always-one bit are discarded.
func (m *Mouse) Intr(ctx context.Context) {
	m.rawMu.Lock()
	raw := m.raw
	m.raw = nil
	m.rawMu.Unlock()

	m.lock.Acquire()

	for len(raw) >= MousePacketSize {
		pkt := raw[:MousePacketSize]
		raw = raw[MousePacketSize:]

		flags := pkt[0]

		if flags&(MouseXOverflow|MouseYOverflow) != 0 || flags&MouseAlways1 == 0 {
			log.L.Warn("bad mouse packet", "flags", flags)
			m.dropped++
			continue
		}

		for _, b := range pkt {
			m.put(b)
		}
	}

	m.lock.Release()

	m.k.Wakeup(m)
}

// Read blocks until a whole packet is buffered and returns it.
func (m *Mouse) Read(ctx context.Context) ([MousePacketSize]byte, error) {
	var pkt [MousePacketSize]byte

	m.lock.Acquire()
	defer m.lock.Release()

	for m.size < MousePacketSize {
		if t, ok := GetTask(ctx); ok && t.killed {
			return pkt, ErrKilled
		}

		m.k.Sleep(ctx, m, &m.lock)
	}

	for i := range pkt {
		pkt[i] = m.get()
	}

	return pkt, nil
}

// Dropped returns the number of malformed packets discarded.
func (m *Mouse) Dropped() int {
	m.lock.Acquire()
	defer m.lock.Release()

	return m.dropped
}
