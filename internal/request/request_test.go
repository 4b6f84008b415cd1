package request

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGet(t *testing.T, url string, cb Callbacks, opts ...Option) *Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return New(req, cb, opts...)
}

func resultChan() (Callbacks, chan Result) {
	ch := make(chan Result, 1)
	return Callbacks{Done: func(res Result) { ch <- res }}, ch
}

func await(t *testing.T, ch chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

// flush waits until everything already posted to the callback queue ran.
func flush(c *Client) {
	ch := make(chan struct{})
	c.Callbacks().Post(func() { close(ch) })
	<-ch
}

func TestSubmitDeliversJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"display_name":"Jane","uid":42}`)
	}))
	defer srv.Close()

	client := NewClient()
	defer client.Close()

	cb, ch := resultChan()
	r := newGet(t, srv.URL+"/1/account/info", cb, WithExpect(ExpectObject))
	require.NoError(t, client.Submit(r))

	res := await(t, ch)
	require.Nil(t, res.Err)
	require.NotNil(t, res.Response)
	assert.Equal(t, "Jane", res.Response.Object()["display_name"])

	var decoded struct {
		UID int64 `json:"uid"`
	}
	require.NoError(t, res.Response.Decode(&decoded))
	assert.Equal(t, int64(42), decoded.UID)

	client.Wait()
	assert.Equal(t, StateCompleted, r.State())
	assert.Equal(t, 0, client.Outstanding())
}

func TestSubmitTwiceAndAfterClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	client := NewClient()
	cb, ch := resultChan()
	r := newGet(t, srv.URL, cb)
	require.NoError(t, client.Submit(r))
	assert.ErrorIs(t, client.Submit(r), ErrAlreadySubmitted)
	await(t, ch)

	client.Close()
	assert.ErrorIs(t, client.Submit(newGet(t, srv.URL, Callbacks{})), ErrClosed)
}

func TestMaxConcurrentBound(t *testing.T) {
	var (
		inFlight atomic.Int32
		peak     atomic.Int32
	)
	started := make(chan struct{}, 5)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		started <- struct{}{}
		<-release
		inFlight.Add(-1)
		fmt.Fprint(w, "data")
	}))
	defer srv.Close()

	client := NewClient(WithMaxConcurrent(2))
	defer client.Close()

	var delivered atomic.Int32
	for i := 0; i < 5; i++ {
		r := newGet(t, fmt.Sprintf("%s/files/%d", srv.URL, i), Callbacks{Done: func(res Result) {
			assert.Nil(t, res.Err)
			delivered.Add(1)
		}}, WithTag(Tag{Kind: TagFile, Path: fmt.Sprintf("/%d", i)}))
		require.NoError(t, client.Submit(r))
	}

	<-started
	<-started
	select {
	case <-started:
		t.Fatal("third request started while two were executing")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 2, client.Executing())
	assert.Equal(t, 5, client.Outstanding())

	close(release)
	client.Wait()

	assert.Equal(t, int32(5), delivered.Load())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRequestsStartInSubmissionOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
	}))
	defer srv.Close()

	client := NewClient(WithMaxConcurrent(1))
	defer client.Close()

	for _, p := range []string{"/a", "/b", "/c", "/d"} {
		require.NoError(t, client.Submit(newGet(t, srv.URL+p, Callbacks{})))
	}
	client.Wait()

	assert.Equal(t, []string{"/a", "/b", "/c", "/d"}, order)
}

func TestCancelPath(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
		}
		fmt.Fprint(w, "body")
	}))
	defer srv.Close()

	client := NewClient(WithMaxConcurrent(1))
	defer client.Close()

	var (
		mu   sync.Mutex
		done []string
	)
	submit := func(kind TagKind, path string) *Request {
		r := newGet(t, srv.URL+path, Callbacks{Done: func(Result) {
			mu.Lock()
			done = append(done, string(kind)+":"+path)
			mu.Unlock()
		}}, WithTag(Tag{Kind: kind, Path: path}))
		require.NoError(t, client.Submit(r))
		return r
	}

	first := submit(TagFile, "/a")
	submit(TagFile, "/b")
	third := submit(TagFile, "/a")
	submit(TagMetadata, "/a")

	<-started
	assert.Equal(t, 2, client.CancelPath(TagFile, "/a"))
	assert.Equal(t, StateCancelled, first.State())
	assert.Equal(t, StateCancelled, third.State())
	assert.Equal(t, 2, client.Outstanding())

	close(release)
	client.Wait()
	assert.Eventually(t, func() bool { return client.Executing() == 0 }, time.Second, 5*time.Millisecond)
	flush(client)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"file:/b", "metadata:/a"}, done)
}

func TestCancelThumbnail(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	client := NewClient(WithMaxConcurrent(1))
	defer client.Close()

	for _, size := range []string{"small", "large"} {
		require.NoError(t, client.Submit(newGet(t, srv.URL, Callbacks{}, WithTag(Tag{Kind: TagThumbnail, Path: "/p.jpg", Size: size}))))
	}
	require.NoError(t, client.Submit(newGet(t, srv.URL, Callbacks{}, WithTag(Tag{Kind: TagThumbnail, Path: "/q.jpg", Size: "small"}))))

	assert.Equal(t, 1, client.CancelThumbnail("/p.jpg", "large"))
	assert.Equal(t, 1, client.CancelThumbnail("/p.jpg", ""))
	assert.Equal(t, 1, client.Outstanding())
	assert.Equal(t, 1, client.CancelAll())
	client.Wait()
}

func TestNoCallbackAfterSuccessfulCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	client := NewClient(WithMaxConcurrent(4))
	defer client.Close()

	for i := 0; i < 200; i++ {
		var calls atomic.Int32
		r := newGet(t, srv.URL, Callbacks{Done: func(Result) { calls.Add(1) }}, WithExpect(ExpectObject))
		require.NoError(t, client.Submit(r))
		if i%3 != 0 {
			time.Sleep(time.Duration(i%7) * 100 * time.Microsecond)
		}
		cancelled := r.Cancel()

		client.Wait()
		require.Eventually(t, func() bool { return client.Executing() == 0 }, time.Second, time.Millisecond)
		flush(client)

		if cancelled {
			require.Equal(t, int32(0), calls.Load(), "callback after successful cancel")
			require.Equal(t, StateCancelled, r.State())
		} else {
			require.Equal(t, int32(1), calls.Load())
			require.Equal(t, StateCompleted, r.State())
		}
		assert.False(t, r.Cancel())
	}
}

func TestDestinationFile(t *testing.T) {
	payload := bytes.Repeat([]byte("dropbox"), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error": "File not found"}`)
			return
		}
		w.Header().Set(MetadataHeader, `{"rev":"1f","bytes":28672,"path":"/doc.txt"}`)
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	client := NewClient()
	defer client.Close()
	dir := t.TempDir()

	var fractions []float64
	ch := make(chan Result, 1)
	dest := filepath.Join(dir, "nested", "doc.txt")
	r := newGet(t, srv.URL+"/doc.txt", Callbacks{
		Done:             func(res Result) { ch <- res },
		DownloadProgress: func(f float64) { fractions = append(fractions, f) },
	}, WithDestination(dest))
	require.NoError(t, client.Submit(r))

	res := await(t, ch)
	require.Nil(t, res.Err)
	assert.Equal(t, dest, res.Response.Path)
	assert.Nil(t, res.Response.Body)
	assert.Equal(t, "1f", res.Response.Metadata["rev"])

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NotEmpty(t, fractions)
	assert.Equal(t, 1.0, fractions[len(fractions)-1])
	for i := 1; i < len(fractions); i++ {
		assert.Greater(t, fractions[i], fractions[i-1])
	}

	missing := filepath.Join(dir, "missing.txt")
	ch2 := make(chan Result, 1)
	require.NoError(t, client.Submit(newGet(t, srv.URL+"/missing", Callbacks{Done: func(res Result) { ch2 <- res }}, WithDestination(missing))))
	res = await(t, ch2)
	require.NotNil(t, res.Err)
	assert.Equal(t, KindHTTP, res.Err.Kind)
	assert.Equal(t, "File not found", res.Err.Message)
	assert.NoFileExists(t, missing)

	entries, err := os.ReadDir(filepath.Join(dir, "nested"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files left behind")
}

func TestCancelDuringDownloadRemovesTempFile(t *testing.T) {
	wrote := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.Write(make([]byte, 1024))
		w.(http.Flusher).Flush()
		close(wrote)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient()
	defer client.Close()
	dir := t.TempDir()

	r := newGet(t, srv.URL, Callbacks{Done: func(Result) { t.Error("callback after cancel") }}, WithDestination(filepath.Join(dir, "big.bin")))
	require.NoError(t, client.Submit(r))

	<-wrote
	assert.True(t, r.Cancel())
	require.Eventually(t, func() bool { return client.Executing() == 0 }, 5*time.Second, 5*time.Millisecond)
	flush(client)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		fmt.Fprintf(w, `{"bytes": %d}`, n)
	}))
	defer srv.Close()

	client := NewClient()
	defer client.Close()

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/files_put/dropbox/up.bin", bytes.NewReader(make([]byte, 256*1024)))
	require.NoError(t, err)

	var fractions []float64
	ch := make(chan Result, 1)
	require.NoError(t, client.Submit(New(req, Callbacks{
		Done:           func(res Result) { ch <- res },
		UploadProgress: func(f float64) { fractions = append(fractions, f) },
	}, WithExpect(ExpectObject))))

	res := await(t, ch)
	require.Nil(t, res.Err)
	assert.Equal(t, float64(256*1024), res.Response.Object()["bytes"])
	require.NotEmpty(t, fractions)
	assert.Equal(t, 1.0, fractions[len(fractions)-1])
}

func TestNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewClient()
	defer client.Close()

	cb, ch := resultChan()
	require.NoError(t, client.Submit(newGet(t, url+"/1/account/info", cb)))
	res := await(t, ch)

	require.NotNil(t, res.Err)
	assert.Equal(t, KindNetwork, res.Err.Kind)
	assert.True(t, errors.Is(res.Err, ErrNetwork))
	assert.False(t, errors.Is(res.Err, ErrHTTP))
	assert.Equal(t, "/1/account/info", res.Err.Path)
}

func TestNetworkActivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	var events []bool
	client := NewClient(OnNetworkActivity(func(started bool) { events = append(events, started) }))
	defer client.Close()

	require.NoError(t, client.Submit(newGet(t, srv.URL, Callbacks{})))
	client.Wait()
	require.Eventually(t, func() bool { return client.Executing() == 0 }, time.Second, time.Millisecond)
	flush(client)

	assert.Equal(t, []bool{true, false}, events)
}

func TestCloseCancelsOutstanding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient(WithMaxConcurrent(1))
	a := newGet(t, srv.URL, Callbacks{Done: func(Result) { t.Error("callback after close") }})
	b := newGet(t, srv.URL, Callbacks{Done: func(Result) { t.Error("callback after close") }})
	require.NoError(t, client.Submit(a))
	require.NoError(t, client.Submit(b))

	client.Close()
	assert.Equal(t, StateCancelled, a.State())
	assert.Equal(t, StateCancelled, b.State())
	assert.Equal(t, 0, client.Outstanding())
}

func TestErrorToServiceError(t *testing.T) {
	err := &Error{Kind: KindSignatureRejected, Op: "GET", Path: "/1/account/info", StatusCode: 401, Message: "Invalid signature"}

	mapped := err.ToServiceError()
	require.NotNil(t, mapped)
	assert.Equal(t, goerrors.CategoryAuth, mapped.Category)
	assert.Equal(t, 401, mapped.Code)
	assert.Equal(t, TextCodeSignatureRejected, mapped.TextCode)
	assert.Equal(t, "signature_rejected", mapped.Metadata["kind"])

	notFound := (&Error{Kind: KindHTTP, StatusCode: 404}).ToServiceError()
	assert.Equal(t, goerrors.CategoryNotFound, notFound.Category)
	assert.Equal(t, 404, notFound.Code)

	wrapped := (&Error{Kind: KindNetwork, Err: io.ErrUnexpectedEOF}).ToServiceError()
	assert.Equal(t, goerrors.CategoryExternal, wrapped.Category)
	assert.Equal(t, TextCodeNetwork, wrapped.TextCode)
}

type trackedBody struct {
	io.Reader
	closed atomic.Int32
}

func (b *trackedBody) Close() error {
	b.closed.Add(1)
	return nil
}

func TestCancelQueuedRequestClosesBody(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	client := NewClient(WithMaxConcurrent(1))
	defer client.Close()

	blocker := newGet(t, srv.URL, Callbacks{})
	require.NoError(t, client.Submit(blocker))
	assert.Eventually(t, func() bool { return blocker.State() == StateExecuting }, 2*time.Second, 10*time.Millisecond)

	body := &trackedBody{Reader: bytes.NewReader([]byte("data"))}
	req, err := http.NewRequest(http.MethodPut, srv.URL, body)
	require.NoError(t, err)
	queued := New(req, Callbacks{})
	require.NoError(t, client.Submit(queued))

	assert.True(t, queued.Cancel())
	assert.Equal(t, int32(1), body.closed.Load())
	assert.False(t, queued.Cancel())
	assert.Equal(t, int32(1), body.closed.Load())

	unsent := &trackedBody{Reader: bytes.NewReader([]byte("data"))}
	req, err = http.NewRequest(http.MethodPut, srv.URL, unsent)
	require.NoError(t, err)
	never := New(req, Callbacks{})
	assert.True(t, never.Cancel())
	assert.Equal(t, int32(1), unsent.closed.Load())
	assert.ErrorIs(t, client.Submit(never), ErrCancelledBeforeSubmit)
}
