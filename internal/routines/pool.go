// Package routines provides a fixed-size goroutine pool.
package routines

import "sync"

// Pool runs queued functions on a fixed number of goroutines.
type Pool struct {
	work chan func()
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool starts size goroutines that process queued work.
func NewPool(size int) *Pool {
	p := Pool{
		work: make(chan func()),
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go func() {
			defer p.wg.Done()

			for fn := range p.work {
				fn()
			}
		}()
	}

	return &p
}

// Queue schedules fn for execution.
// It blocks until a goroutine of the pool is available.
// Calling Queue after Wait panics.
func (p *Pool) Queue(fn func()) {
	p.work <- fn
}

// Wait stops accepting new work and blocks until all queued functions
// finished. It can be called multiple times.
func (p *Pool) Wait() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.work)
	}
	p.mu.Unlock()

	p.wg.Wait()
}
