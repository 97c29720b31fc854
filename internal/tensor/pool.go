package tensor

import (
	"runtime"
	"sync"
)

type poolTask struct {
	fn     func(lo, hi int)
	lo, hi int
	done   chan struct{}
}

// Pool is a fixed-size set of workers that split kernel rows between them.
// It is safe for concurrent use; Parallel calls must not nest.
type Pool struct {
	size      int
	tasks     chan poolTask
	doneSlots chan chan struct{}
	closeOnce sync.Once
}

// NewPool starts size workers. A size below 1 uses GOMAXPROCS.
func NewPool(size int) *Pool {
	if size < 1 {
		size = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		size:      size,
		tasks:     make(chan poolTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, size)
	}
	for range size - 1 {
		go func() {
			for task := range p.tasks {
				task.fn(task.lo, task.hi)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// Size returns the number of threads a Parallel call may use.
func (p *Pool) Size() int {
	if p == nil {
		return 1
	}
	return p.size
}

// Parallel runs fn over [0, n) split into contiguous chunks. The calling
// goroutine computes the first chunk.
func (p *Pool) Parallel(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	workers := min(p.Size(), n)
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	done := <-p.doneSlots
	queued := 0
	for lo := chunk; lo < n; lo += chunk {
		p.tasks <- poolTask{fn: fn, lo: lo, hi: min(lo+chunk, n), done: done}
		queued++
	}
	fn(0, min(chunk, n))
	for range queued {
		<-done
	}
	p.doneSlots <- done
}

// Close stops the workers. The pool must be idle.
func (p *Pool) Close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() { close(p.tasks) })
}
