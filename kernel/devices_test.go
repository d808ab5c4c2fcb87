package kernel

import (
	"bytes"
	"context"
	"testing"

	"github.com/evanphx/arden/memory"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func (c *Console) pending() string {
	var b []byte
	for i := c.r; i != c.w; i++ {
		b = append(b, c.buf[i%inputBuf])
	}
	return string(b)
}

func TestConsole(t *testing.T) {
	n := neko.Modern(t)

	setup := func(t *testing.T) (*Console, *bytes.Buffer) {
		var out bytes.Buffer

		pm, err := memory.NewPhysMem(memory.DefaultLayout())
		require.NoError(t, err)

		k, err := NewKernel(pm, Config{CPUs: 1, Console: &out})
		require.NoError(t, err)

		return k.Console(), &out
	}

	n.It("holds input until a line is complete", func(t *testing.T) {
		c, _ := setup(t)

		c.Input([]byte("hel"))
		require.Equal(t, "", c.pending())

		c.Input([]byte("lo\r"))
		require.Equal(t, "hello\n", c.pending())
	})

	n.It("edits the line being typed", func(t *testing.T) {
		c, _ := setup(t)

		c.Input([]byte("ab\x7fc\n"))
		require.Equal(t, "ac\n", c.pending())

		c.Input([]byte("junk\x15ok\x08K\n"))
		require.Equal(t, "ac\noK\n", c.pending())
	})

	n.It("takes typed input through the keyboard interrupt", func(t *testing.T) {
		c, _ := setup(t)

		c.Type([]byte("ls\n"))
		require.Equal(t, "", c.pending())

		c.KeyboardIntr(context.Background())
		require.Equal(t, "ls\n", c.pending())
	})

	n.It("dumps the process table on ^P", func(t *testing.T) {
		c, out := setup(t)

		c.Input([]byte{ctrl('P')})
		require.Contains(t, out.String(), "uptime:0")
	})

	n.Meow()
}

func TestMouse(t *testing.T) {
	n := neko.Modern(t)

	setup := func(t *testing.T) *Mouse {
		pm, err := memory.NewPhysMem(memory.DefaultLayout())
		require.NoError(t, err)

		k, err := NewKernel(pm, Config{CPUs: 1})
		require.NoError(t, err)

		return k.Mouse()
	}

	n.It("buffers packets until read", func(t *testing.T) {
		m := setup(t)

		m.Move([MousePacketSize]byte{MouseAlways1 | MouseLeft, 5, 7})
		m.Intr(context.Background())

		pkt, err := m.Read(context.Background())
		require.NoError(t, err)
		require.Equal(t, [MousePacketSize]byte{MouseAlways1 | MouseLeft, 5, 7}, pkt)
	})

	n.It("drops malformed packets", func(t *testing.T) {
		m := setup(t)

		m.Move([MousePacketSize]byte{MouseLeft, 1, 1})
		m.Move([MousePacketSize]byte{MouseAlways1 | MouseXOverflow, 1, 1})
		m.Move([MousePacketSize]byte{MouseAlways1, 2, 3})
		m.Intr(context.Background())

		require.Equal(t, 2, m.Dropped())

		pkt, err := m.Read(context.Background())
		require.NoError(t, err)
		require.Equal(t, [MousePacketSize]byte{MouseAlways1, 2, 3}, pkt)
	})

	n.Meow()
}

func TestFileTable(t *testing.T) {
	n := neko.Modern(t)

	n.It("reference counts open files", func(t *testing.T) {
		k := &Kernel{}

		f, err := k.FileAlloc(nil, true, false)
		require.NoError(t, err)

		k.FileDup(f)
		require.Equal(t, 2, f.refs)

		require.NoError(t, k.FileClose(context.Background(), f))
		require.Equal(t, 1, f.refs)
	})

	n.It("runs out of slots", func(t *testing.T) {
		k := &Kernel{}

		for i := 0; i < NFILE; i++ {
			_, err := k.FileAlloc(nil, true, true)
			require.NoError(t, err)
		}

		_, err := k.FileAlloc(nil, true, true)
		require.Equal(t, ErrFileTable, err)
	})

	n.Meow()
}
