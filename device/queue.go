package device

import (
	"context"

	"github.com/evanphx/arden/ksync"
	"github.com/evanphx/arden/log"
)

type request struct {
	dev, blockno uint32
	write        bool
	buf          []byte

	err  error
	done *ksync.Semaphore
}

// Queue is a disk driver in the style of an IDE controller: requests are
// queued, a controller goroutine performs them one at a time, and the
// requester sleeps on a semaphore until the completion signals it.
type Queue struct {
	table *Table
	s     ksync.Sleeper

	lk      ksync.Spinlock
	pending []*request

	// Interrupt, when set, is called after each completed transfer.
	Interrupt func()
}

func NewQueue(table *Table, s ksync.Sleeper) *Queue {
	q := &Queue{table: table, s: s}
	q.lk.Init("ide")
	return q
}

func (q *Queue) Read(ctx context.Context, dev, blockno uint32, buf []byte) error {
	return q.rw(ctx, dev, blockno, buf, false)
}

func (q *Queue) Write(ctx context.Context, dev, blockno uint32, buf []byte) error {
	return q.rw(ctx, dev, blockno, buf, true)
}

func (q *Queue) rw(ctx context.Context, dev, blockno uint32, buf []byte, write bool) error {
	r := &request{
		dev:     dev,
		blockno: blockno,
		write:   write,
		buf:     buf,
		done:    ksync.NewSemaphore(0, q.s),
	}

	q.lk.Acquire()
	q.pending = append(q.pending, r)
	q.lk.Release()

	q.s.Wakeup(q)

	r.done.P(ctx)

	return r.err
}

// Pending returns the number of queued requests.
func (q *Queue) Pending() int {
	q.lk.Acquire()
	defer q.lk.Release()

	return len(q.pending)
}

// Run is the controller. It serves requests in arrival order until ctx is
// done.
func (q *Queue) Run(ctx context.Context) {
	for {
		q.lk.Acquire()

		for len(q.pending) == 0 {
			if ctx.Err() != nil {
				q.lk.Release()
				return
			}

			q.s.Sleep(ctx, q, &q.lk)
		}

		r := q.pending[0]
		q.pending = q.pending[1:]

		q.lk.Release()

		if r.write {
			r.err = q.table.Write(ctx, r.dev, r.blockno, r.buf)
		} else {
			r.err = q.table.Read(ctx, r.dev, r.blockno, r.buf)
		}

		if r.err != nil {
			log.L.Error("disk transfer failed", "dev", r.dev, "block", r.blockno, "error", r.err)
		}

		if q.Interrupt != nil {
			q.Interrupt()
		}

		r.done.V()
	}
}
