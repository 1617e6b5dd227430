package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Pool bounds concurrent job execution with a semaphore.
type Pool struct {
	size     int
	sem      chan struct{}
	released chan struct{}
	wg       sync.WaitGroup
	busy     prometheus.Gauge

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// PoolStats holds statistics for the pool.
type PoolStats struct {
	Size      int
	Busy      int
	Processed int64
	Succeeded int64
	Failed    int64
}

// NewPool creates a pool of size slots. busy may be nil.
func NewPool(size int, busy prometheus.Gauge) *Pool {
	return &Pool{
		size:     size,
		sem:      make(chan struct{}, size),
		released: make(chan struct{}, 1),
		busy:     busy,
	}
}

// TryGo runs fn in a free slot. It returns false without blocking when every slot is busy.
func (p *Pool) TryGo(fn func() error) bool {
	select {
	case p.sem <- struct{}{}:
	default:
		return false
	}

	p.wg.Add(1)
	p.setBusy()
	go func() {
		defer func() {
			<-p.sem
			p.setBusy()
			p.wg.Done()
			select {
			case p.released <- struct{}{}:
			default:
			}
		}()

		err := fn()
		p.processed.Add(1)
		if err != nil {
			p.failed.Add(1)
		} else {
			p.succeeded.Add(1)
		}
	}()
	return true
}

// Released signals after a slot frees up. Signals coalesce.
func (p *Pool) Released() <-chan struct{} {
	return p.released
}

// Free returns the number of idle slots.
func (p *Pool) Free() int {
	return p.size - len(p.sem)
}

// Wait blocks until every running job returns or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Size:      p.size,
		Busy:      len(p.sem),
		Processed: p.processed.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Pool) setBusy() {
	if p.busy != nil {
		p.busy.Set(float64(len(p.sem)))
	}
}
