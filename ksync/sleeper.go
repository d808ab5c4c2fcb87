package ksync

import "context"

// Sleeper suspends callers on an opaque channel value until a Wakeup names
// the same channel.
//
// Sleep must record the caller as waiting before it releases lk, and must
// reacquire lk before returning. Wakeups are broadcasts and may be spurious,
// so callers re-check their condition in a loop.
type Sleeper interface {
	Sleep(ctx context.Context, ch interface{}, lk *Spinlock)
	Wakeup(ch interface{})
}

type ownerKey struct{}

// WithOwner tags ctx with the identity of the thread running it. Sleep-locks
// record it to answer Holding.
func WithOwner(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, ownerKey{}, id)
}

// OwnerOf returns the identity stored by WithOwner, or 0.
func OwnerOf(ctx context.Context) int {
	if v, ok := ctx.Value(ownerKey{}).(int); ok {
		return v
	}

	return 0
}
