// Package bio is the buffer cache. It holds copies of disk blocks in memory,
// serializes access to each block with a sleep-lock, and keeps recently used
// clean blocks around in an ARC cache.
package bio

import (
	"context"

	"github.com/evanphx/arden/device"
	"github.com/evanphx/arden/ksync"
	"github.com/evanphx/arden/log"
	"github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

const BSize = device.BlockSize

type key struct {
	dev, blockno uint32
}

// Buf is one cached block. Data may only be touched while the buffer's lock
// is held, which is the case between Read and Release.
type Buf struct {
	Dev     uint32
	Blockno uint32
	Data    [BSize]byte

	valid bool
	dirty bool

	// protected by Cache.lk
	refcnt int

	lock ksync.SleepLock
}

// Dirty reports whether the buffer has changes that are not yet on disk.
func (b *Buf) Dirty() bool {
	return b.dirty
}

// MarkDirty pins the buffer in the cache until it is written.
func (b *Buf) MarkDirty() {
	b.dirty = true
}

type Cache struct {
	drv device.Driver
	s   ksync.Sleeper
	max int

	lk     ksync.Spinlock
	active map[key]*Buf
	idle   *lru.ARCCache
}

// NewCache creates a cache holding at most size buffers in use at once, plus
// up to size idle buffers.
func NewCache(drv device.Driver, s ksync.Sleeper, size int) (*Cache, error) {
	idle, err := lru.NewARC(size)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		drv:    drv,
		s:      s,
		max:    size,
		active: make(map[key]*Buf),
		idle:   idle,
	}

	c.lk.Init("bcache")

	return c, nil
}

// get looks through the cache for the block, creating a buffer if needed,
// and returns it locked.
func (c *Cache) get(ctx context.Context, dev, blockno uint32) *Buf {
	k := key{dev, blockno}

	c.lk.Acquire()

	b, ok := c.active[k]
	if !ok {
		if v, found := c.idle.Get(k); found {
			b = v.(*Buf)
			c.idle.Remove(k)
		} else {
			if len(c.active) >= c.max {
				c.lk.Release()
				log.Fatal("bget: no buffers", "active", len(c.active))
			}

			b = &Buf{Dev: dev, Blockno: blockno}
			b.lock.Init("buffer", c.s)
		}

		c.active[k] = b
	}

	b.refcnt++

	c.lk.Release()

	b.lock.Acquire(ctx)

	return b
}

// Read returns a locked buffer with the contents of the block.
func (c *Cache) Read(ctx context.Context, dev, blockno uint32) (*Buf, error) {
	b := c.get(ctx, dev, blockno)

	if !b.valid {
		if err := c.drv.Read(ctx, dev, blockno, b.Data[:]); err != nil {
			c.Release(ctx, b)
			return nil, errors.Wrapf(err, "bread dev %d block %d", dev, blockno)
		}

		b.valid = true
	}

	return b, nil
}

// Write writes the buffer's contents to disk. The caller must hold b.
func (c *Cache) Write(ctx context.Context, b *Buf) error {
	if !b.lock.Holding(ctx) {
		log.Fatal("bwrite: buffer not locked", "dev", b.Dev, "block", b.Blockno)
	}

	if err := c.drv.Write(ctx, b.Dev, b.Blockno, b.Data[:]); err != nil {
		return errors.Wrapf(err, "bwrite dev %d block %d", b.Dev, b.Blockno)
	}

	b.dirty = false
	b.valid = true

	return nil
}

// Release unlocks a buffer. A clean buffer nobody references moves to the
// idle cache; a dirty one stays put until it is written.
func (c *Cache) Release(ctx context.Context, b *Buf) {
	if !b.lock.Holding(ctx) {
		log.Fatal("brelse: buffer not locked", "dev", b.Dev, "block", b.Blockno)
	}

	b.lock.Release()

	c.lk.Acquire()
	defer c.lk.Release()

	c.unref(b)
}

// Pin and Unpin hold a reference without the lock, keeping the buffer in
// the active set.
func (c *Cache) Pin(b *Buf) {
	c.lk.Acquire()
	defer c.lk.Release()

	b.refcnt++
}

func (c *Cache) Unpin(b *Buf) {
	c.lk.Acquire()
	defer c.lk.Release()

	c.unref(b)
}

func (c *Cache) unref(b *Buf) {
	if b.refcnt <= 0 {
		log.Fatal("brelse: buffer not referenced", "dev", b.Dev, "block", b.Blockno)
	}

	b.refcnt--

	if b.refcnt == 0 && !b.dirty {
		k := key{b.Dev, b.Blockno}
		delete(c.active, k)
		c.idle.Add(k, b)
	}
}

// Stats returns the number of in-use and idle buffers.
func (c *Cache) Stats() (active, idle int) {
	c.lk.Acquire()
	defer c.lk.Release()

	return len(c.active), c.idle.Len()
}

// Invalidate forgets every idle buffer for dev, forcing the next read to go
// to the disk.
func (c *Cache) Invalidate(dev uint32) {
	c.lk.Acquire()
	defer c.lk.Release()

	for _, k := range c.idle.Keys() {
		if k.(key).dev == dev {
			c.idle.Remove(k)
		}
	}
}
