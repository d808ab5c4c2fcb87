// Package wal is a simple write-ahead log that makes groups of block writes
// atomic with respect to crashes.
//
// A system call wraps its writes in Begin and End. Blocks are recorded with
// Write, which only pins the cached buffer. When the last outstanding
// operation ends, the log copies every recorded block into the log area,
// writes the header (the commit point), installs the blocks at their home
// locations and finally clears the header. Recovery at boot replays a
// committed header whose checksum matches the logged data.
//
// On-disk layout: a header block followed by the logged block copies.
//
//	header: n uint32 | block[LogSize] uint32 | blake2b-256 over the copies
package wal

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/evanphx/arden/bio"
	"github.com/evanphx/arden/ksync"
	"github.com/evanphx/arden/log"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

const (
	// MaxOpBlocks is the most blocks one operation may write.
	MaxOpBlocks = 10

	// LogSize is the most blocks a header can describe.
	LogSize = MaxOpBlocks * 3
)

// Stage names a point in the commit sequence.
type Stage int

const (
	LogWritten Stage = iota
	HeadWritten
	Installed
)

var ErrCrashed = errors.New("simulated crash during commit")

type header struct {
	n     uint32
	block [LogSize]uint32
	sum   [blake2b.Size256]byte
}

func (h *header) encode(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}

	binary.LittleEndian.PutUint32(buf, h.n)
	for i, b := range h.block {
		binary.LittleEndian.PutUint32(buf[4+4*i:], b)
	}
	copy(buf[4+4*LogSize:], h.sum[:])
}

func (h *header) decode(buf []byte) {
	h.n = binary.LittleEndian.Uint32(buf)
	for i := range h.block {
		h.block[i] = binary.LittleEndian.Uint32(buf[4+4*i:])
	}
	copy(h.sum[:], buf[4+4*LogSize:])
}

type txKey struct{}

// InTransaction reports whether ctx is inside Begin/End.
func InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*Log)
	return ok
}

type Log struct {
	cache *bio.Cache
	s     ksync.Sleeper

	dev   uint32
	start uint32
	size  uint32

	lk          ksync.Spinlock
	outstanding int
	committing  bool
	lh          header

	// Crash, when set, is consulted after each commit stage. Returning
	// true stops the commit there as if the machine lost power.
	Crash func(Stage) bool
}

// Open attaches a log occupying size blocks from start on dev and recovers
// any committed transaction found there.
func Open(ctx context.Context, cache *bio.Cache, s ksync.Sleeper, dev, start, size uint32) (*Log, error) {
	if size <= MaxOpBlocks {
		return nil, errors.Errorf("log of %d blocks is too small", size)
	}

	l := &Log{
		cache: cache,
		s:     s,
		dev:   dev,
		start: start,
		size:  size,
	}

	l.lk.Init("log")

	if err := l.recover(ctx); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *Log) Dev() uint32 {
	return l.dev
}

func (l *Log) capacity() uint32 {
	c := l.size - 1
	if c > LogSize {
		c = LogSize
	}
	return c
}

// Begin is called at the start of each file system operation. It waits
// until the log is not committing and has room for the worst case of this
// operation, and returns a context marking the transaction.
func (l *Log) Begin(ctx context.Context) context.Context {
	if InTransaction(ctx) {
		log.Fatal("begin_op: nested transaction")
	}

	l.lk.Acquire()

	for {
		switch {
		case l.committing:
			l.s.Sleep(ctx, l, &l.lk)
		case l.lh.n+uint32(l.outstanding+1)*MaxOpBlocks > l.capacity():
			// this op might exhaust log space; wait for commit.
			l.s.Sleep(ctx, l, &l.lk)
		default:
			l.outstanding++
			l.lk.Release()
			return context.WithValue(ctx, txKey{}, l)
		}
	}
}

// End is called at the end of each file system operation. The last
// outstanding operation commits.
func (l *Log) End(ctx context.Context) error {
	if !InTransaction(ctx) {
		log.Fatal("end_op: not in a transaction")
	}

	doCommit := false

	l.lk.Acquire()

	l.outstanding--

	if l.committing {
		l.lk.Release()
		log.Fatal("end_op: log is committing")
	}

	if l.outstanding == 0 {
		doCommit = true
		l.committing = true
	} else {
		// Begin may be waiting for log space, and decrementing
		// outstanding has decreased the amount of reserved space.
		l.s.Wakeup(l)
	}

	l.lk.Release()

	if !doCommit {
		return nil
	}

	// Commit without holding locks, since sleeping with locks is not
	// allowed.
	err := l.commit(ctx)

	l.lk.Acquire()
	l.committing = false
	l.s.Wakeup(l)
	l.lk.Release()

	return err
}

// Write records a modified buffer in the current transaction and pins it in
// the cache. It replaces a direct write of the buffer:
//
//	bp := cache.Read(...)
//	modify bp.Data[]
//	log.Write(ctx, bp)
//	cache.Release(ctx, bp)
func (l *Log) Write(ctx context.Context, b *bio.Buf) {
	if b.Dev != l.dev {
		log.Fatal("log_write: wrong device", "dev", b.Dev, "log-dev", l.dev)
	}

	l.lk.Acquire()
	defer l.lk.Release()

	if l.lh.n >= l.capacity() {
		log.Fatal("log_write: too big a transaction", "n", l.lh.n)
	}

	if l.outstanding < 1 || !InTransaction(ctx) {
		log.Fatal("log_write: outside of transaction")
	}

	var i uint32
	for i = 0; i < l.lh.n; i++ {
		if l.lh.block[i] == b.Blockno {
			break
		}
	}

	l.lh.block[i] = b.Blockno

	if i == l.lh.n {
		l.lh.n++
	}

	b.MarkDirty()
}

// Pending returns the number of blocks recorded in the open transaction.
func (l *Log) Pending() int {
	l.lk.Acquire()
	defer l.lk.Release()

	return int(l.lh.n)
}

func (l *Log) crash(st Stage) bool {
	if l.Crash != nil && l.Crash(st) {
		log.L.Warn("log: simulated crash", "stage", st)
		return true
	}

	return false
}

func (l *Log) commit(ctx context.Context) error {
	if l.lh.n == 0 {
		return nil
	}

	log.L.Trace("log-commit", "blocks", l.lh.n)

	sum, err := l.writeLog(ctx)
	if err != nil {
		return err
	}

	if l.crash(LogWritten) {
		return ErrCrashed
	}

	l.lh.sum = sum

	// The real commit.
	if err := l.writeHead(ctx); err != nil {
		return err
	}

	if l.crash(HeadWritten) {
		return ErrCrashed
	}

	if err := l.installTrans(ctx); err != nil {
		return err
	}

	if l.crash(Installed) {
		return ErrCrashed
	}

	l.lh.n = 0

	// Erase the transaction from the log.
	return l.writeHead(ctx)
}

// writeLog copies modified blocks from the cache into the log area and
// returns the checksum over them.
func (l *Log) writeLog(ctx context.Context) ([blake2b.Size256]byte, error) {
	var sum [blake2b.Size256]byte

	h, err := blake2b.New256(nil)
	if err != nil {
		return sum, err
	}

	for tail := uint32(0); tail < l.lh.n; tail++ {
		to, err := l.cache.Read(ctx, l.dev, l.start+tail+1)
		if err != nil {
			return sum, err
		}

		from, err := l.cache.Read(ctx, l.dev, l.lh.block[tail])
		if err != nil {
			l.cache.Release(ctx, to)
			return sum, err
		}

		to.Data = from.Data
		h.Write(from.Data[:])

		err = l.cache.Write(ctx, to)

		l.cache.Release(ctx, from)
		l.cache.Release(ctx, to)

		if err != nil {
			return sum, err
		}
	}

	copy(sum[:], h.Sum(nil))

	return sum, nil
}

// installTrans copies committed blocks from the log to their home location.
func (l *Log) installTrans(ctx context.Context) error {
	for tail := uint32(0); tail < l.lh.n; tail++ {
		lbuf, err := l.cache.Read(ctx, l.dev, l.start+tail+1)
		if err != nil {
			return err
		}

		dbuf, err := l.cache.Read(ctx, l.dev, l.lh.block[tail])
		if err != nil {
			l.cache.Release(ctx, lbuf)
			return err
		}

		dbuf.Data = lbuf.Data

		err = l.cache.Write(ctx, dbuf)

		l.cache.Release(ctx, lbuf)
		l.cache.Release(ctx, dbuf)

		if err != nil {
			return err
		}
	}

	return nil
}

func (l *Log) readHead(ctx context.Context) error {
	b, err := l.cache.Read(ctx, l.dev, l.start)
	if err != nil {
		return err
	}

	l.lh.decode(b.Data[:])

	l.cache.Release(ctx, b)

	return nil
}

// writeHead writes the in-memory header to disk. This is the point at which
// the current transaction commits.
func (l *Log) writeHead(ctx context.Context) error {
	b, err := l.cache.Read(ctx, l.dev, l.start)
	if err != nil {
		return err
	}

	l.lh.encode(b.Data[:])

	err = l.cache.Write(ctx, b)

	l.cache.Release(ctx, b)

	return err
}

// verify checks the header's checksum against the logged copies.
func (l *Log) verify(ctx context.Context) (bool, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return false, err
	}

	for tail := uint32(0); tail < l.lh.n; tail++ {
		b, err := l.cache.Read(ctx, l.dev, l.start+tail+1)
		if err != nil {
			return false, err
		}

		h.Write(b.Data[:])

		l.cache.Release(ctx, b)
	}

	return bytes.Equal(h.Sum(nil), l.lh.sum[:]), nil
}

func (l *Log) recover(ctx context.Context) error {
	if err := l.readHead(ctx); err != nil {
		return err
	}

	if l.lh.n > l.capacity() {
		log.L.Warn("log: corrupt header, ignoring", "n", l.lh.n)
		l.lh.n = 0
		return l.writeHead(ctx)
	}

	if l.lh.n == 0 {
		return nil
	}

	ok, err := l.verify(ctx)
	if err != nil {
		return err
	}

	if ok {
		log.L.Info("log: replaying committed transaction", "blocks", l.lh.n)

		if err := l.installTrans(ctx); err != nil {
			return err
		}
	} else {
		log.L.Warn("log: checksum mismatch, discarding transaction", "blocks", l.lh.n)
	}

	l.lh.n = 0

	return l.writeHead(ctx)
}
