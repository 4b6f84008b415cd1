package request

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
)

// State is the lifecycle position of a Request.
type State int

const (
	StatePending State = iota
	StateExecuting
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Result is delivered exactly once to Callbacks.Done, unless the request
// was cancelled first. Exactly one of Response and Err is set.
type Result struct {
	Response *Response
	Err      *Error
}

// Callbacks are invoked on the client's callback queue.
type Callbacks struct {
	Done             func(Result)
	UploadProgress   func(fraction float64)
	DownloadProgress func(fraction float64)
}

// TagKind groups requests for bulk cancellation.
type TagKind string

const (
	TagNone      TagKind = ""
	TagMetadata  TagKind = "metadata"
	TagFile      TagKind = "file"
	TagThumbnail TagKind = "thumbnail"
	TagUpload    TagKind = "upload"
)

// Tag identifies what a request operates on.
type Tag struct {
	Kind TagKind
	Path string
	// Size is the thumbnail size for TagThumbnail.
	Size string
	// Owner is whoever submitted the request, so clients sharing a queue
	// only cancel their own work.
	Owner any
}

var (
	ErrAlreadySubmitted = errors.New("request: already submitted")
	ErrClosed           = errors.New("request: client closed")
	// ErrCancelledBeforeSubmit is returned when submitting a cancelled request.
	ErrCancelledBeforeSubmit = errors.New("request: cancelled before submit")
)

// Request is one signed HTTP request with its completion callbacks.
type Request struct {
	httpReq     *http.Request
	callbacks   Callbacks
	expectation Expectation
	destination string
	tag         Tag
	userInfo    any

	bodyOnce sync.Once

	mu        sync.Mutex
	state     State
	submitted bool
	result    Result
	cancel    context.CancelFunc
	queue     CallbackQueue
	onCancel  func(*Request)
	onDone    func(*Request)
}

type Option func(*Request)

// WithExpect sets the JSON shape required of a successful body.
func WithExpect(expect Expect) Option {
	return func(r *Request) { r.expectation.Expect = expect }
}

// WithNotModified treats 304 as success.
func WithNotModified() Option {
	return func(r *Request) { r.expectation.AllowNotModified = true }
}

// WithDestination streams a successful body to path instead of memory.
func WithDestination(path string) Option {
	return func(r *Request) { r.destination = path }
}

func WithTag(tag Tag) Option {
	return func(r *Request) { r.tag = tag }
}

// WithOwner records the submitter in the request's tag.
func WithOwner(owner any) Option {
	return func(r *Request) { r.tag.Owner = owner }
}

// WithUserInfo attaches an opaque caller value.
func WithUserInfo(v any) Option {
	return func(r *Request) { r.userInfo = v }
}

// New wraps an already signed request.
func New(httpReq *http.Request, cb Callbacks, opts ...Option) *Request {
	r := &Request{httpReq: httpReq, callbacks: cb}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Request) HTTPRequest() *http.Request { return r.httpReq }

func (r *Request) Tag() Tag { return r.tag }

func (r *Request) UserInfo() any { return r.userInfo }

func (r *Request) Destination() string { return r.destination }

func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Result returns the delivered result. It is zero until the request completes
// or fails.
func (r *Request) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Cancel stops the request. It returns true if the request had not reached a
// terminal state; no callback runs after a successful Cancel.
func (r *Request) Cancel() bool {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return false
	}
	r.state = StateCancelled
	cancel := r.cancel
	onCancel := r.onCancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	} else {
		// Never reached the transport, which would otherwise close the body.
		r.closeBody()
	}
	if onCancel != nil {
		onCancel(r)
	}
	return true
}

// attach binds the request to a client. Called once by Client.Submit.
func (r *Request) attach(queue CallbackQueue, onCancel, onDone func(*Request)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.submitted {
		return ErrAlreadySubmitted
	}
	if r.state.Terminal() {
		return ErrCancelledBeforeSubmit
	}
	r.submitted = true
	r.queue = queue
	r.onCancel = onCancel
	r.onDone = onDone
	return nil
}

// begin moves Pending to Executing and returns the request's context, or
// false if it was cancelled while queued.
func (r *Request) begin(parent context.Context) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePending {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	r.state = StateExecuting
	r.cancel = cancel
	return ctx, true
}

// closeBody releases an upload body that will never be sent.
func (r *Request) closeBody() {
	if r.httpReq == nil || r.httpReq.Body == nil || r.httpReq.Body == http.NoBody {
		return
	}
	r.bodyOnce.Do(func() { _ = r.httpReq.Body.Close() })
}

func (r *Request) cancelled() bool {
	return r.State() == StateCancelled
}

// execute performs the request and posts its outcome. It runs on a worker.
func (r *Request) execute(ctx context.Context, client HTTPClient) {
	ctx, ok := r.begin(ctx)
	if !ok {
		r.closeBody()
		return
	}
	defer func() {
		r.mu.Lock()
		cancel := r.cancel
		r.mu.Unlock()
		cancel()
	}()

	op, path := describe(r.httpReq)
	req := r.httpReq.WithContext(ctx)
	if req.Body != nil && req.Body != http.NoBody && r.callbacks.UploadProgress != nil && req.ContentLength > 0 {
		req.Body = &progressReadCloser{
			ReadCloser: req.Body,
			total:      req.ContentLength,
			report:     func(f float64) { r.progress(r.callbacks.UploadProgress, f) },
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if r.cancelled() {
			return
		}
		r.finish(Result{Err: &Error{Kind: KindNetwork, Op: op, Path: path, Err: err}}, "")
		return
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if r.callbacks.DownloadProgress != nil && resp.ContentLength > 0 {
		body = &progressReadCloser{
			ReadCloser: resp.Body,
			total:      resp.ContentLength,
			report:     func(f float64) { r.progress(r.callbacks.DownloadProgress, f) },
		}
	}

	success := resp.StatusCode >= 200 && resp.StatusCode <= 299
	if r.destination != "" && success {
		tmp, n, err := writeTemp(r.destination, body)
		if err != nil {
			if r.cancelled() {
				return
			}
			r.finish(Result{Err: &Error{Kind: KindNetwork, Op: op, Path: path, StatusCode: resp.StatusCode, Err: err}}, "")
			return
		}
		if resp.ContentLength > 0 && n != resp.ContentLength {
			_ = os.Remove(tmp)
			r.finish(Result{Err: &Error{
				Kind: KindNetwork, Op: op, Path: path, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength),
			}}, "")
			return
		}
		out, rerr := Classify(resp, nil, r.expectation)
		if rerr != nil {
			_ = os.Remove(tmp)
			r.finish(Result{Err: rerr}, "")
			return
		}
		out.Path = r.destination
		r.finish(Result{Response: out}, tmp)
		return
	}

	data, err := io.ReadAll(body)
	if err != nil {
		if r.cancelled() {
			return
		}
		r.finish(Result{Err: &Error{Kind: KindNetwork, Op: op, Path: path, StatusCode: resp.StatusCode, Err: err}}, "")
		return
	}
	out, rerr := Classify(resp, data, r.expectation)
	if rerr != nil {
		r.finish(Result{Err: rerr}, "")
		return
	}
	r.finish(Result{Response: out}, "")
}

// finish posts the terminal transition. The transition is decided on the
// callback queue under the request lock, so it cannot interleave with Cancel.
// tmp, if set, is renamed to the destination on delivery and removed if the
// request was cancelled meanwhile.
func (r *Request) finish(res Result, tmp string) {
	r.queue.Post(func() {
		r.mu.Lock()
		if r.state.Terminal() {
			r.mu.Unlock()
			if tmp != "" {
				_ = os.Remove(tmp)
			}
			return
		}
		if tmp != "" {
			if err := os.Rename(tmp, r.destination); err != nil {
				_ = os.Remove(tmp)
				op, path := describe(r.httpReq)
				res = Result{Err: &Error{Kind: KindNetwork, Op: op, Path: path, StatusCode: res.Response.StatusCode, Err: err}}
			}
		}
		if res.Err != nil {
			r.state = StateFailed
		} else {
			r.state = StateCompleted
		}
		r.result = res
		done := r.callbacks.Done
		onDone := r.onDone
		r.mu.Unlock()

		if done != nil {
			done(res)
		}
		if onDone != nil {
			onDone(r)
		}
	})
}

// progress posts a progress callback that is skipped once the request is
// terminal.
func (r *Request) progress(fn func(float64), fraction float64) {
	r.queue.Post(func() {
		r.mu.Lock()
		live := !r.state.Terminal()
		r.mu.Unlock()
		if live {
			fn(fraction)
		}
	})
}

// writeTemp streams body into a temp file next to dest.
func writeTemp(dest string, body io.Reader) (string, int64, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create destination dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", n, fmt.Errorf("write %s: %w", dest, err)
	}
	return f.Name(), n, nil
}

// progressReadCloser reports the fraction read whenever it advances by at
// least one percent, and always at completion.
type progressReadCloser struct {
	io.ReadCloser
	total    int64
	read     int64
	reported int
	report   func(float64)
}

func (p *progressReadCloser) Read(b []byte) (int, error) {
	n, err := p.ReadCloser.Read(b)
	if n > 0 {
		p.read += int64(n)
		fraction := float64(p.read) / float64(p.total)
		if fraction > 1 {
			fraction = 1
		}
		if pct := int(fraction * 100); pct > p.reported {
			p.reported = pct
			p.report(fraction)
		}
	}
	return n, err
}
