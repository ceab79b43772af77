package machine

import (
	"context"
	"sync"
)

// Barrier holds every core at a boot step until all of them reach it. It
// can be reused for the next step as soon as it opens.
type Barrier struct {
	n     int
	mu    sync.Mutex
	count int
	gen   chan struct{}
}

func NewBarrier(n int) *Barrier {
	return &Barrier{n: n, gen: make(chan struct{})}
}

// Wait blocks until n callers are waiting or ctx is done.
func (b *Barrier) Wait(ctx context.Context) error {
	b.mu.Lock()

	ch := b.gen
	b.count++

	if b.count == b.n {
		b.count = 0
		b.gen = make(chan struct{})
		b.mu.Unlock()
		close(ch)

		return nil
	}

	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
