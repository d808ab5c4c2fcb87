package fs

import (
	"context"
	"encoding/binary"

	"github.com/davecgh/go-spew/spew"
	"github.com/evanphx/arden/ksync"
	"github.com/evanphx/arden/log"
	"github.com/pkg/errors"
)

// InodeType enumerates types of Inodes. The values are the native on-disk
// ones; zero marks a free inode.
type InodeType int16

const (
	// Directory is a directory.
	Directory InodeType = 1

	// File is a regular file.
	File InodeType = 2

	// Device is a character device served through the device switch.
	Device InodeType = 3
)

// String returns a human-readable representation of the InodeType.
func (n InodeType) String() string {
	switch n {
	case 0:
		return "free"
	case Directory:
		return "directory"
	case File:
		return "file"
	case Device:
		return "device"
	default:
		return "unknown"
	}
}

// Inode is the in-memory copy of an on-disk inode.
//
// Dev, Inum and ref are protected by the cache lock. Everything else,
// including the embedded Dinode, is protected by the inode's own sleep-lock
// and is only meaningful once valid is set.
type Inode struct {
	Dev  uint32
	Inum uint32

	ref int

	lock  ksync.SleepLock
	valid bool

	Dinode
}

// Ref returns the number of in-memory references.
func (ip *Inode) Ref() int {
	return ip.ref
}

func (ip *Inode) Valid() bool {
	return ip.valid
}

type icache struct {
	lock  ksync.Spinlock
	slots [NInode]Inode
}

func (c *icache) init(s ksync.Sleeper) {
	c.lock.Init("icache")

	for i := range c.slots {
		c.slots[i].lock.Init("inode", s)
	}
}

// Get finds the inode with number inum on dev and returns the in-memory
// copy with a new reference. It neither locks the inode nor reads it from
// disk. Running out of cache slots is fatal.
func (f *FS) Get(dev, inum uint32) *Inode {
	f.icache.lock.Acquire()

	var empty *Inode

	for i := range f.icache.slots {
		ip := &f.icache.slots[i]

		if ip.ref > 0 && ip.Dev == dev && ip.Inum == inum {
			ip.ref++
			f.icache.lock.Release()
			return ip
		}

		// Remember empty slot.
		if empty == nil && ip.ref == 0 {
			empty = ip
		}
	}

	if empty == nil {
		f.icache.lock.Release()
		log.Fatal("iget: no inodes")
	}

	empty.Dev = dev
	empty.Inum = inum
	empty.ref = 1
	empty.valid = false

	f.icache.lock.Release()

	return empty
}

// Dup adds a reference to ip.
func (f *FS) Dup(ip *Inode) *Inode {
	f.icache.lock.Acquire()
	ip.ref++
	f.icache.lock.Release()

	return ip
}

// Lock locks ip, reading it from disk if necessary.
func (f *FS) Lock(ctx context.Context, ip *Inode) error {
	if ip == nil || ip.ref < 1 {
		log.Fatal("ilock: unreferenced inode")
	}

	ip.lock.Acquire(ctx)

	if ip.valid {
		return nil
	}

	m := f.mount(ip.Dev)

	bno, off := m.dinodeLocation(ip.Inum)

	b, err := f.cache.Read(ctx, ip.Dev, bno)
	if err != nil {
		ip.lock.Release()
		return err
	}

	m.decode(b.Data[off:], &ip.Dinode)

	f.cache.Release(ctx, b)

	ip.valid = true

	if ip.Type == 0 {
		ip.lock.Release()
		log.Fatal("ilock: no type", "dev", ip.Dev, "inum", ip.Inum)
	}

	log.L.Trace("ilock-read", "dev", ip.Dev, "inum", ip.Inum, "dinode", spew.Sdump(ip.Dinode))

	return nil
}

// Unlock releases the inode's lock.
func (f *FS) Unlock(ctx context.Context, ip *Inode) {
	if ip == nil || !ip.lock.Holding(ctx) || ip.ref < 1 {
		log.Fatal("iunlock")
	}

	ip.lock.Release()
}

// Holding reports whether ctx holds ip's lock.
func (f *FS) Holding(ctx context.Context, ip *Inode) bool {
	return ip.lock.Holding(ctx)
}

// Put drops a reference to ip. If that was the last reference and the inode
// has no links, the inode and its content are freed on disk, so Put must be
// called inside a transaction.
func (f *FS) Put(ctx context.Context, ip *Inode) error {
	var err error

	f.icache.lock.Acquire()

	if ip.ref == 1 && ip.valid && ip.Nlink == 0 {
		// inode has no links and no other references: truncate and free.
		// With ref == 1 nobody else can hold the lock, so this won't
		// block, and the slot stays ours until ref drops below.
		ip.lock.Acquire(ctx)
		f.icache.lock.Release()

		err = f.trunc(ctx, ip)

		ip.Type = 0

		if uerr := f.Update(ctx, ip); err == nil {
			err = uerr
		}

		ip.valid = false

		ip.lock.Release()

		f.icache.lock.Acquire()
	}

	ip.ref--
	f.icache.lock.Release()

	return err
}

// UnlockPut is the common idiom: unlock, then put.
func (f *FS) UnlockPut(ctx context.Context, ip *Inode) error {
	f.Unlock(ctx, ip)
	return f.Put(ctx, ip)
}

// Update copies a modified in-memory inode to disk. It must be called after
// every change to a field that lives on disk. The caller holds ip's lock.
func (f *FS) Update(ctx context.Context, ip *Inode) error {
	m := f.mount(ip.Dev)

	bno, off := m.dinodeLocation(ip.Inum)

	b, err := f.cache.Read(ctx, ip.Dev, bno)
	if err != nil {
		return err
	}

	m.encode(&ip.Dinode, b.Data[off:])

	err = f.writeBuf(ctx, b)
	f.cache.Release(ctx, b)

	return err
}

// Alloc allocates an inode on dev, marking it allocated by giving it type
// typ. It returns an unlocked but allocated and referenced inode.
func (f *FS) Alloc(ctx context.Context, dev uint32, typ InodeType) (*Inode, error) {
	m := f.mount(dev)

	if m.format == FormatB {
		return f.legacyAlloc(ctx, m, typ)
	}

	for inum := uint32(1); inum < m.sb.NInodes; inum++ {
		bno, off := m.dinodeLocation(inum)

		b, err := f.cache.Read(ctx, dev, bno)
		if err != nil {
			return nil, err
		}

		var d Dinode
		decodeNative(b.Data[off:], &d)

		if d.Type == 0 {
			// a free inode
			d = Dinode{Type: typ}
			encodeNative(&d, b.Data[off:])

			// mark it allocated on the disk
			err := f.writeBuf(ctx, b)
			f.cache.Release(ctx, b)

			if err != nil {
				return nil, err
			}

			return f.Get(dev, inum), nil
		}

		f.cache.Release(ctx, b)
	}

	return nil, errors.Wrapf(ErrNoInodes, "dev %d", dev)
}

// legacyAlloc takes an inode from the super block's free inode array,
// falling back to a scan of the inode table.
func (f *FS) legacyAlloc(ctx context.Context, m *mount, typ InodeType) (*Inode, error) {
	m.legacyLock.Acquire(ctx)
	defer m.legacyLock.Release()

	limit := uint32(m.legacy.ISize) * LegacyIPB

	candidates := make([]uint32, 0, int(m.legacy.NInode)+int(limit))

	for i := 0; i < int(m.legacy.NInode) && i < LegacyNFree; i++ {
		candidates = append(candidates, uint32(m.legacy.Inode[i]))
	}

	for inum := uint32(1); inum <= limit; inum++ {
		candidates = append(candidates, inum)
	}

	for _, inum := range candidates {
		if inum == 0 || inum > limit {
			continue
		}

		bno, off := m.dinodeLocation(inum)

		b, err := f.cache.Read(ctx, m.dev, bno)
		if err != nil {
			return nil, err
		}

		var d Dinode
		decodeLegacy(b.Data[off:], &d)

		if d.Type != 0 {
			f.cache.Release(ctx, b)
			continue
		}

		d = Dinode{Type: typ}
		encodeLegacy(&d, b.Data[off:])

		err = f.cache.Write(ctx, b)
		f.cache.Release(ctx, b)

		if err != nil {
			return nil, err
		}

		return f.Get(m.dev, inum), nil
	}

	return nil, errors.Wrapf(ErrNoInodes, "legacy dev %d", m.dev)
}

// Stat is the information fstat reports about an inode.
type Stat struct {
	Type  InodeType
	Dev   uint32
	Ino   uint32
	Nlink int16
	Size  uint32
}

// StatSize is the size of an encoded Stat.
const StatSize = 20

// Encode lays out st as user programs see it.
func (st Stat) Encode() []byte {
	b := make([]byte, StatSize)

	le := binary.LittleEndian
	le.PutUint16(b[0:], uint16(st.Type))
	le.PutUint32(b[4:], st.Dev)
	le.PutUint32(b[8:], st.Ino)
	le.PutUint16(b[12:], uint16(st.Nlink))
	le.PutUint32(b[16:], st.Size)

	return b
}

// Decode is the inverse of Encode.
func (st *Stat) Decode(b []byte) {
	le := binary.LittleEndian
	st.Type = InodeType(le.Uint16(b[0:]))
	st.Dev = le.Uint32(b[4:])
	st.Ino = le.Uint32(b[8:])
	st.Nlink = int16(le.Uint16(b[12:]))
	st.Size = le.Uint32(b[16:])
}

// Stat copies stat information from ip. The caller holds ip's lock.
func (f *FS) Stat(ip *Inode) Stat {
	return Stat{
		Type:  ip.Type,
		Dev:   ip.Dev,
		Ino:   ip.Inum,
		Nlink: ip.Nlink,
		Size:  ip.Size,
	}
}
