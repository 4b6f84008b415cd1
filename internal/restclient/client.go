// Package restclient wraps the Dropbox v1 REST endpoints on top of an
// OAuth-signed api.Client.
package restclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/dvcrn/dropbox-sdk/internal/api"
	"github.com/dvcrn/dropbox-sdk/internal/oauth"
	"github.com/dvcrn/dropbox-sdk/internal/request"
)

// DefaultContentURL serves file bodies, thumbnails and uploads.
const DefaultContentURL = "https://api-content.dropbox.com/1/"

const (
	DefaultRevisionLimit = 10
	MaxRevisionLimit     = 1000

	ThumbnailSmall  = "small"
	ThumbnailMedium = "medium"
	ThumbnailLarge  = "large"
)

type (
	MetadataFunc func(meta *Metadata, err error)
	// LoadMetadataFunc reports changed=false when the folder hash matched.
	LoadMetadataFunc func(meta *Metadata, changed bool, err error)
	// LoadFileFunc receives the Content-Type header and the
	// x-dropbox-metadata of the downloaded file.
	LoadFileFunc func(contentType string, meta *Metadata, err error)
	ListFunc     func(entries []Metadata, err error)
	ErrFunc      func(err error)
)

// Client issues Dropbox v1 calls for one linked account.
type Client struct {
	api        *api.Client
	root       string
	contentURL *url.URL
	logger     zerolog.Logger
}

type Option func(*Client)

func WithContentURL(raw string) Option {
	return func(c *Client) {
		if u, err := url.Parse(raw); err == nil && u.IsAbs() {
			c.contentURL = u
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New binds a client to an API client and a path root ("dropbox" or
// "sandbox").
func New(apiClient *api.Client, root string, opts ...Option) *Client {
	c := &Client{
		api:    apiClient,
		root:   root,
		logger: zerolog.Nop(),
	}
	c.contentURL, _ = url.Parse(DefaultContentURL)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) API() *api.Client { return c.api }

func (c *Client) Root() string { return c.root }

// LoadMetadata lists path. With a non-empty hash a 304 from the server is
// reported as unchanged.
func (c *Client) LoadMetadata(ctx context.Context, path, hash string, done LoadMetadataFunc) (*request.Request, error) {
	params := oauth.NewParameters("list", "true")
	if hash != "" {
		params = params.Add("hash", hash)
	}
	return c.loadMetadata(ctx, path, params, hash != "", done)
}

// LoadMetadataAtRev loads the metadata of path as of rev.
func (c *Client) LoadMetadataAtRev(ctx context.Context, path, rev string, done LoadMetadataFunc) (*request.Request, error) {
	return c.loadMetadata(ctx, path, oauth.NewParameters("rev", rev), false, done)
}

func (c *Client) loadMetadata(ctx context.Context, path string, params oauth.Parameters, allowNotModified bool, done LoadMetadataFunc) (*request.Request, error) {
	opts := []request.Option{
		request.WithExpect(request.ExpectObject),
		request.WithTag(request.Tag{Kind: request.TagMetadata, Path: path}),
	}
	if allowNotModified {
		opts = append(opts, request.WithNotModified())
	}
	return c.get(ctx, c.apiURL("metadata", c.root, path), params, request.Callbacks{
		Done: func(res request.Result) {
			if res.Err != nil {
				done(nil, false, res.Err)
				return
			}
			if res.Response.NotModified {
				done(nil, false, nil)
				return
			}
			meta, err := decode[Metadata](res.Response)
			done(meta, err == nil, err)
		},
	}, opts...)
}

// LoadDelta pages through changes since cursor. An empty cursor starts from
// the beginning.
func (c *Client) LoadDelta(ctx context.Context, cursor string, done func(delta *Delta, err error)) (*request.Request, error) {
	var params oauth.Parameters
	if cursor != "" {
		params = params.Add("cursor", cursor)
	}
	return c.post(ctx, c.apiURL("delta"), params, request.Callbacks{
		Done: func(res request.Result) {
			if res.Err != nil {
				done(nil, res.Err)
				return
			}
			done(decode[Delta](res.Response))
		},
	}, request.WithExpect(request.ExpectObject))
}

// LoadFile downloads path, at rev if non-empty, into dest. dest is only
// written once the whole body arrived.
func (c *Client) LoadFile(ctx context.Context, path, rev, dest string, progress func(float64), done LoadFileFunc) (*request.Request, error) {
	var params oauth.Parameters
	if rev != "" {
		params = params.Add("rev", rev)
	}
	return c.get(ctx, c.contentAt("files", c.root, path), params, request.Callbacks{
		DownloadProgress: progress,
		Done: func(res request.Result) {
			if res.Err != nil {
				done("", nil, res.Err)
				return
			}
			meta, err := headerMetadata(res.Response)
			done(res.Response.Header.Get("Content-Type"), meta, err)
		},
	}, request.WithDestination(dest), request.WithTag(request.Tag{Kind: request.TagFile, Path: path}))
}

// CancelFileLoad cancels every download of path.
func (c *Client) CancelFileLoad(path string) int {
	return c.api.CancelRequests(func(t request.Tag) bool {
		return t.Kind == request.TagFile && t.Path == path
	})
}

// LoadThumbnail downloads a JPEG thumbnail of path at size into dest.
func (c *Client) LoadThumbnail(ctx context.Context, path, size, dest string, done LoadFileFunc) (*request.Request, error) {
	if size == "" {
		size = ThumbnailSmall
	}
	params := oauth.NewParameters("size", size, "format", "JPEG")
	return c.get(ctx, c.contentAt("thumbnails", c.root, path), params, request.Callbacks{
		Done: func(res request.Result) {
			if res.Err != nil {
				done("", nil, res.Err)
				return
			}
			meta, err := headerMetadata(res.Response)
			done(res.Response.Header.Get("Content-Type"), meta, err)
		},
	}, request.WithDestination(dest), request.WithTag(request.Tag{Kind: request.TagThumbnail, Path: path, Size: size}))
}

func (c *Client) CancelThumbnailLoad(path, size string) int {
	return c.api.CancelRequests(func(t request.Tag) bool {
		return t.Kind == request.TagThumbnail && t.Path == path && (size == "" || t.Size == size)
	})
}

// UploadFile uploads the local file src as dir/filename. parentRev is the
// rev the local copy was based on; empty for a new file. The server renames
// on conflict.
func (c *Client) UploadFile(ctx context.Context, filename, dir, parentRev, src string, progress func(float64), done MetadataFunc) (*request.Request, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("open upload source: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat upload source: %w", err)
	}

	dest := joinPath(dir, filename)
	params := oauth.NewParameters("overwrite", "false")
	if parentRev != "" {
		params = params.Add("parent_rev", parentRev)
	}

	r, err := c.api.PerformURLRequest(ctx, api.Call{
		Method:        http.MethodPut,
		URL:           c.contentAt("files_put", c.root, dest),
		Params:        params,
		Body:          f,
		ContentLength: info.Size(),
		ContentType:   "application/octet-stream",
	}, request.Callbacks{
		UploadProgress: progress,
		Done: func(res request.Result) {
			if res.Err != nil {
				done(nil, res.Err)
				return
			}
			done(decode[Metadata](res.Response))
		},
	}, request.WithExpect(request.ExpectObject), request.WithTag(request.Tag{Kind: request.TagUpload, Path: dest}))
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// CancelFileUpload cancels uploads whose destination is path.
func (c *Client) CancelFileUpload(path string) int {
	return c.api.CancelRequests(func(t request.Tag) bool {
		return t.Kind == request.TagUpload && t.Path == path
	})
}

// LoadRevisions lists up to limit past revisions of path.
func (c *Client) LoadRevisions(ctx context.Context, path string, limit int, done ListFunc) (*request.Request, error) {
	if limit <= 0 {
		limit = DefaultRevisionLimit
	}
	limit = min(limit, MaxRevisionLimit)
	params := oauth.NewParameters("rev_limit", strconv.Itoa(limit))
	return c.get(ctx, c.apiURL("revisions", c.root, path), params, listCallbacks(done), request.WithExpect(request.ExpectArray))
}

// RestoreFile restores path to rev.
func (c *Client) RestoreFile(ctx context.Context, path, rev string, done MetadataFunc) (*request.Request, error) {
	return c.post(ctx, c.apiURL("restore", c.root, path), oauth.NewParameters("rev", rev), metadataCallbacks(done), request.WithExpect(request.ExpectObject))
}

func (c *Client) CreateFolder(ctx context.Context, path string, done MetadataFunc) (*request.Request, error) {
	params := oauth.NewParameters("root", c.root, "path", path)
	return c.post(ctx, c.apiURL("fileops", "create_folder"), params, metadataCallbacks(done), request.WithExpect(request.ExpectObject))
}

func (c *Client) DeletePath(ctx context.Context, path string, done ErrFunc) (*request.Request, error) {
	params := oauth.NewParameters("root", c.root, "path", path)
	return c.post(ctx, c.apiURL("fileops", "delete"), params, request.Callbacks{
		Done: func(res request.Result) {
			if res.Err != nil {
				done(res.Err)
				return
			}
			done(nil)
		},
	}, request.WithExpect(request.ExpectObject))
}

// Copy copies from to to and reports the metadata of the copy.
func (c *Client) Copy(ctx context.Context, from, to string, done MetadataFunc) (*request.Request, error) {
	params := oauth.NewParameters("root", c.root, "from_path", from, "to_path", to)
	return c.post(ctx, c.apiURL("fileops", "copy"), params, metadataCallbacks(done), request.WithExpect(request.ExpectObject))
}

// CreateCopyRef returns a reference that another account can copy from.
func (c *Client) CreateCopyRef(ctx context.Context, path string, done func(ref *CopyRef, err error)) (*request.Request, error) {
	return c.get(ctx, c.apiURL("copy_ref", c.root, path), nil, request.Callbacks{
		Done: func(res request.Result) {
			if res.Err != nil {
				done(nil, res.Err)
				return
			}
			done(decode[CopyRef](res.Response))
		},
	}, request.WithExpect(request.ExpectObject))
}

func (c *Client) CopyFromRef(ctx context.Context, ref, to string, done MetadataFunc) (*request.Request, error) {
	params := oauth.NewParameters("root", c.root, "from_copy_ref", ref, "to_path", to)
	return c.post(ctx, c.apiURL("fileops", "copy"), params, metadataCallbacks(done), request.WithExpect(request.ExpectObject))
}

// Move moves from to to and reports the metadata at the new path.
func (c *Client) Move(ctx context.Context, from, to string, done MetadataFunc) (*request.Request, error) {
	params := oauth.NewParameters("root", c.root, "from_path", from, "to_path", to)
	return c.post(ctx, c.apiURL("fileops", "move"), params, metadataCallbacks(done), request.WithExpect(request.ExpectObject))
}

func (c *Client) LoadAccountInfo(ctx context.Context, done func(info *AccountInfo, err error)) (*request.Request, error) {
	return c.get(ctx, c.apiURL("account", "info"), nil, request.Callbacks{
		Done: func(res request.Result) {
			if res.Err != nil {
				done(nil, res.Err)
				return
			}
			done(decode[AccountInfo](res.Response))
		},
	}, request.WithExpect(request.ExpectObject))
}

// Search finds entries under path whose names contain query.
func (c *Client) Search(ctx context.Context, path, query string, done ListFunc) (*request.Request, error) {
	return c.get(ctx, c.apiURL("search", c.root, path), oauth.NewParameters("query", query), listCallbacks(done), request.WithExpect(request.ExpectArray))
}

// LoadShareableLink creates a public link to path.
func (c *Client) LoadShareableLink(ctx context.Context, path string, done func(link *Link, err error)) (*request.Request, error) {
	return c.post(ctx, c.apiURL("shares", c.root, path), nil, linkCallbacks(done), request.WithExpect(request.ExpectObject))
}

// LoadStreamableURL returns a direct, expiring URL to the file contents.
func (c *Client) LoadStreamableURL(ctx context.Context, path string, done func(link *Link, err error)) (*request.Request, error) {
	return c.post(ctx, c.apiURL("media", c.root, path), nil, linkCallbacks(done), request.WithExpect(request.ExpectObject))
}

// CancelAll cancels every outstanding request of this account. No callback
// is delivered for them.
func (c *Client) CancelAll() int {
	return c.api.CancelRequests(func(request.Tag) bool { return true })
}

// Wait blocks until no request is outstanding. It must not be called from
// a callback.
func (c *Client) Wait() {
	c.api.Queue().Wait()
}

func (c *Client) get(ctx context.Context, u *url.URL, params oauth.Parameters, cb request.Callbacks, opts ...request.Option) (*request.Request, error) {
	return c.api.PerformMethodAtURL(ctx, u, params, cb, opts...)
}

func (c *Client) post(ctx context.Context, u *url.URL, params oauth.Parameters, cb request.Callbacks, opts ...request.Option) (*request.Request, error) {
	return c.api.PerformURLRequest(ctx, api.Call{Method: http.MethodPost, URL: u, Params: params}, cb, opts...)
}

func (c *Client) apiURL(elem ...string) *url.URL {
	return c.api.BaseURL().JoinPath(elem...)
}

func (c *Client) contentAt(elem ...string) *url.URL {
	return c.contentURL.JoinPath(elem...)
}

func joinPath(dir, filename string) string {
	if dir == "" || dir[len(dir)-1] != '/' {
		dir += "/"
	}
	return dir + filename
}

func metadataCallbacks(done MetadataFunc) request.Callbacks {
	return request.Callbacks{
		Done: func(res request.Result) {
			if res.Err != nil {
				done(nil, res.Err)
				return
			}
			done(decode[Metadata](res.Response))
		},
	}
}

func listCallbacks(done ListFunc) request.Callbacks {
	return request.Callbacks{
		Done: func(res request.Result) {
			if res.Err != nil {
				done(nil, res.Err)
				return
			}
			list, err := decode[[]Metadata](res.Response)
			if err != nil {
				done(nil, err)
				return
			}
			done(*list, nil)
		},
	}
}

func linkCallbacks(done func(*Link, error)) request.Callbacks {
	return request.Callbacks{
		Done: func(res request.Result) {
			if res.Err != nil {
				done(nil, res.Err)
				return
			}
			done(decode[Link](res.Response))
		},
	}
}

// decode unmarshals a classified body, reporting shape mismatches as parse
// errors.
func decode[T any](resp *request.Response) (*T, error) {
	var v T
	if err := resp.Decode(&v); err != nil {
		return nil, &request.Error{Kind: request.KindParse, StatusCode: resp.StatusCode, Body: resp.Body, Err: err}
	}
	return &v, nil
}

func headerMetadata(resp *request.Response) (*Metadata, error) {
	if resp.Metadata == nil {
		return nil, nil
	}
	raw, err := json.Marshal(resp.Metadata)
	if err != nil {
		return nil, &request.Error{Kind: request.KindParse, StatusCode: resp.StatusCode, Err: err}
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, &request.Error{Kind: request.KindParse, StatusCode: resp.StatusCode, Err: err}
	}
	return &meta, nil
}
