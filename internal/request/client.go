package request

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent bounds simultaneously executing requests.
const DefaultMaxConcurrent = 8

// HTTPClient is an interface for making HTTP requests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the request queue: requests start in submission order with at
// most MaxConcurrent executing at once.
type Client struct {
	http          HTTPClient
	callbacks     CallbackQueue
	dispatcher    *Dispatcher
	maxConcurrent int
	sem           *semaphore.Weighted
	logger        zerolog.Logger
	onActivity    func(started bool)

	ctx    context.Context
	stop   context.CancelFunc
	feeder chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []*Request
	tracked   map[*Request]struct{}
	executing int
	closed    bool
}

type ClientOption func(*Client)

// WithMaxConcurrent sets the worker bound. Values below 1 keep the default.
func WithMaxConcurrent(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxConcurrent = n
		}
	}
}

func WithHTTPClient(client HTTPClient) ClientOption {
	return func(c *Client) { c.http = client }
}

// WithCallbackQueue delivers callbacks on queue instead of an internal
// Dispatcher.
func WithCallbackQueue(queue CallbackQueue) ClientOption {
	return func(c *Client) { c.callbacks = queue }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// OnNetworkActivity is called on the callback queue when the client goes
// from idle to busy (true) and back (false).
func OnNetworkActivity(fn func(started bool)) ClientOption {
	return func(c *Client) { c.onActivity = fn }
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		maxConcurrent: DefaultMaxConcurrent,
		logger:        zerolog.Nop(),
		tracked:       map[*Request]struct{}{},
		feeder:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = NewHTTPClient()
	}
	if c.callbacks == nil {
		c.dispatcher = NewDispatcher()
		c.callbacks = c.dispatcher
	}
	c.cond = sync.NewCond(&c.mu)
	c.sem = semaphore.NewWeighted(int64(c.maxConcurrent))
	c.ctx, c.stop = context.WithCancel(context.Background())

	go c.feed()
	return c
}

// Callbacks returns the queue callbacks are delivered on.
func (c *Client) Callbacks() CallbackQueue { return c.callbacks }

func (c *Client) MaxConcurrent() int { return c.maxConcurrent }

// Submit enqueues r.
func (c *Client) Submit(r *Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := r.attach(c.callbacks, c.cancelled, c.delivered); err != nil {
		return err
	}
	c.tracked[r] = struct{}{}
	c.pending = append(c.pending, r)
	c.cond.Broadcast()
	return nil
}

// CancelAll cancels every outstanding request.
func (c *Client) CancelAll() int {
	return c.CancelMatching(func(Tag) bool { return true })
}

// CancelMatching cancels outstanding requests whose tag satisfies match and
// returns how many were cancelled.
func (c *Client) CancelMatching(match func(Tag) bool) int {
	c.mu.Lock()
	var targets []*Request
	for r := range c.tracked {
		if match(r.Tag()) {
			targets = append(targets, r)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, r := range targets {
		if r.Cancel() {
			n++
		}
	}
	if n > 0 {
		c.logger.Debug().Int("count", n).Msg("Cancelled requests")
	}
	return n
}

// CancelPath cancels requests of kind on path.
func (c *Client) CancelPath(kind TagKind, path string) int {
	return c.CancelMatching(func(t Tag) bool {
		return t.Kind == kind && t.Path == path
	})
}

// CancelThumbnail cancels thumbnail loads of path. An empty size matches
// every size.
func (c *Client) CancelThumbnail(path, size string) int {
	return c.CancelMatching(func(t Tag) bool {
		return t.Kind == TagThumbnail && t.Path == path && (size == "" || t.Size == size)
	})
}

// Wait blocks until no request is outstanding. It must not be called from
// the callback queue, which would deadlock.
func (c *Client) Wait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.tracked) > 0 {
		c.cond.Wait()
	}
}

// Outstanding is the number of submitted requests not yet delivered or
// cancelled.
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracked)
}

// Executing is the number of requests currently on the wire.
func (c *Client) Executing() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executing
}

// Close cancels everything, waits for workers and drains the internal
// dispatcher. Submit fails afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.CancelAll()
	c.stop()

	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()

	<-c.feeder
	c.wg.Wait()
	if c.dispatcher != nil {
		c.dispatcher.Close()
	}
}

// feed starts pending requests in FIFO order as slots free up.
func (c *Client) feed() {
	defer close(c.feeder)
	for {
		if err := c.sem.Acquire(c.ctx, 1); err != nil {
			return
		}
		r := c.next()
		if r == nil {
			c.sem.Release(1)
			return
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.sem.Release(1)
			c.run(r)
		}()
	}
}

// next blocks for the oldest pending request; nil once closed.
func (c *Client) next() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		for len(c.pending) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			return nil
		}
		r := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		if r.State() == StatePending {
			return r
		}
	}
}

func (c *Client) run(r *Request) {
	c.setExecuting(+1)
	defer c.setExecuting(-1)

	start := time.Now()
	op, path := describe(r.httpReq)
	c.logger.Debug().Str("method", op).Str("path", path).Msg("Starting request")

	r.execute(c.ctx, c.http)

	c.logger.Debug().
		Str("method", op).
		Str("path", path).
		Str("state", r.State().String()).
		Dur("duration", time.Since(start)).
		Msg("Finished request")
}

func (c *Client) setExecuting(delta int) {
	c.mu.Lock()
	before := c.executing
	c.executing += delta
	after := c.executing
	c.mu.Unlock()

	if c.onActivity == nil {
		return
	}
	switch {
	case before == 0 && after > 0:
		c.callbacks.Post(func() { c.onActivity(true) })
	case before > 0 && after == 0:
		c.callbacks.Post(func() { c.onActivity(false) })
	}
}

// cancelled drops r from the queue after a successful Cancel.
func (c *Client) cancelled(r *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p == r {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	delete(c.tracked, r)
	c.cond.Broadcast()
}

// delivered drops r after its Done callback ran.
func (c *Client) delivered(r *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracked, r)
	c.cond.Broadcast()
}
