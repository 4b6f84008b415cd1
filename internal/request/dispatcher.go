package request

import "sync"

// CallbackQueue runs callbacks on the caller's chosen context. Post must
// preserve order.
type CallbackQueue interface {
	Post(fn func())
}

// CallbackQueueFunc adapts a function to CallbackQueue.
type CallbackQueueFunc func(fn func())

func (f CallbackQueueFunc) Post(fn func()) { f(fn) }

// Dispatcher is a CallbackQueue backed by a single goroutine. Callbacks run
// one at a time in the order they were posted.
type Dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewDispatcher starts the dispatching goroutine.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

// Post enqueues fn. Posts after Close are dropped.
func (d *Dispatcher) Post(fn func()) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
}

// Close runs what is already queued and stops the goroutine. It must not be
// called from a callback.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.cond.Broadcast()
	}
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}
