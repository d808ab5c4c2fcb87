package waiter

import (
	"context"
	"sync"

	"github.com/evanphx/arden/ksync"
	"github.com/evanphx/arden/log"
)

// Waiter parks goroutines on opaque keys. It is the Sleeper used for callers
// that are not kernel processes: tests, device completion workers and the
// boot path.
type Waiter struct {
	mu sync.Mutex

	count   int
	waiters map[interface{}][]*Event
}

type Event struct {
	Key interface{}
	C   chan struct{}
}

func (w *Waiter) Register(key interface{}) *Event {
	e := &Event{
		Key: key,
		C:   make(chan struct{}, 1),
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.waiters == nil {
		w.waiters = make(map[interface{}][]*Event)
	}

	w.count++
	w.waiters[key] = append(w.waiters[key], e)

	return e
}

func (w *Waiter) Unregister(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	list := w.waiters[e.Key]
	for i, o := range list {
		if o == e {
			w.count--
			list = append(list[:i], list[i+1:]...)
			break
		}
	}

	if len(list) == 0 {
		delete(w.waiters, e.Key)
	} else {
		w.waiters[e.Key] = list
	}
}

// Notify wakes every event registered on key and forgets them.
func (w *Waiter) Notify(key interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()

	list := w.waiters[key]

	log.L.Trace("waiters-notify", "count", len(list))

	for _, e := range list {
		select {
		case e.C <- struct{}{}:
		default:
		}
	}

	w.count -= len(list)
	delete(w.waiters, key)
}

func (w *Waiter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.count
}

// Sleep implements ksync.Sleeper. A cancelled ctx ends the sleep early; the
// caller re-checks its condition either way.
func (w *Waiter) Sleep(ctx context.Context, key interface{}, lk *ksync.Spinlock) {
	e := w.Register(key)

	lk.Release()

	select {
	case <-e.C:
	case <-ctx.Done():
		w.Unregister(e)
	}

	lk.Acquire()
}

func (w *Waiter) Wakeup(key interface{}) {
	w.Notify(key)
}

var _ ksync.Sleeper = (*Waiter)(nil)
