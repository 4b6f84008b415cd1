// Package api is the OAuth-signed API client: it owns one credential store
// and its authentication method, signs every call and hands it to the
// request queue.
package api

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dghubble/oauth1"
	"github.com/rs/zerolog"

	"github.com/dvcrn/dropbox-sdk/internal/auth"
	"github.com/dvcrn/dropbox-sdk/internal/oauth"
	"github.com/dvcrn/dropbox-sdk/internal/request"
)

// DefaultBaseURL is the Dropbox v1 API root.
const DefaultBaseURL = "https://api.dropbox.com/1/"

// AuthState is the client's view of authentication.
type AuthState int

const (
	Unauthenticated AuthState = iota
	Authenticating
	Authenticated
)

func (s AuthState) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	}
	return "unauthenticated"
}

// Config holds what is needed to talk to one OAuth 1.0 protected API.
type Config struct {
	BaseURL         string
	Endpoint        oauth1.Endpoint
	SignatureMethod oauth.SignatureMethod
	Style           oauth.Style
	// PrivateKey is required for RSA-SHA1.
	PrivateKey      *rsa.PrivateKey
	RefreshInterval time.Duration
	// LegacyOAuth disables the 1.0a callback and verifier parameters.
	LegacyOAuth   bool
	MaxConcurrent int
}

// Call describes one signed request. Params are signed and sent in the
// query, or as a form body for a POST without Body.
type Call struct {
	Method        string
	URL           *url.URL
	Params        oauth.Parameters
	Body          io.Reader
	ContentLength int64
	ContentType   string
}

// Client signs and dispatches calls for one credential store.
type Client struct {
	cfg     Config
	baseURL *url.URL
	store   *oauth.CredentialStore
	factory *oauth.ParameterFactory
	signer  *oauth.Signer
	method  *auth.Method
	queue   *request.Client
	ownsQ   bool
	http    request.HTTPClient
	logger  zerolog.Logger

	authOpts     []auth.Option
	factoryOpts  []oauth.FactoryOption
	queueOpts    []request.ClientOption
	onRejected   func(error)
	onChanged    func(oauth.Credentials)
	onAuthState  func(AuthState)
	onAuthFailed func(error)

	mu    sync.Mutex
	state AuthState
}

type Option func(*Client)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient sets the transport used for both the queue and the
// handshake.
func WithHTTPClient(client request.HTTPClient) Option {
	return func(c *Client) { c.http = client }
}

// WithQueue shares an existing request queue. The client does not close it.
func WithQueue(queue *request.Client) Option {
	return func(c *Client) { c.queue = queue }
}

// WithQueueOptions is applied when the client creates its own queue.
func WithQueueOptions(opts ...request.ClientOption) Option {
	return func(c *Client) { c.queueOpts = append(c.queueOpts, opts...) }
}

// WithAuthOptions passes options such as a Delegate to the authentication
// method.
func WithAuthOptions(opts ...auth.Option) Option {
	return func(c *Client) { c.authOpts = append(c.authOpts, opts...) }
}

// WithFactoryOptions is used to pin nonce and clock in tests.
func WithFactoryOptions(opts ...oauth.FactoryOption) Option {
	return func(c *Client) { c.factoryOpts = append(c.factoryOpts, opts...) }
}

// OnAccessTokenRejected is called whenever the provider refuses the access
// token, either on refresh or on a signed call.
func OnAccessTokenRejected(fn func(error)) Option {
	return func(c *Client) { c.onRejected = fn }
}

// OnCredentialsChanged receives a snapshot after every token change:
// handshake, refresh, rejection, discard or a named credential update.
func OnCredentialsChanged(fn func(oauth.Credentials)) Option {
	return func(c *Client) { c.onChanged = fn }
}

func OnAuthStateChanged(fn func(AuthState)) Option {
	return func(c *Client) { c.onAuthState = fn }
}

// OnAuthenticationFailed is called when a handshake step fails.
func OnAuthenticationFailed(fn func(error)) Option {
	return func(c *Client) { c.onAuthFailed = fn }
}

// New creates a client for store. With an access token already present the
// client starts out Authenticated.
func New(cfg Config, store *oauth.CredentialStore, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Endpoint == (oauth1.Endpoint{}) {
		cfg.Endpoint = auth.DropboxEndpoint
	}
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil || !baseURL.IsAbs() {
		return nil, fmt.Errorf("api: invalid base url %q", cfg.BaseURL)
	}
	if cfg.SignatureMethod == oauth.RSASHA1 && cfg.PrivateKey == nil {
		return nil, errors.New("api: RSA-SHA1 requires a private key")
	}

	c := &Client{
		cfg:     cfg,
		baseURL: baseURL,
		store:   store,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = request.NewHTTPClient()
	}

	c.factory = oauth.NewParameterFactory(store, c.factoryOpts...)
	c.signer = oauth.NewSigner(cfg.SignatureMethod, oauth.WithStyle(cfg.Style), oauth.WithPrivateKey(cfg.PrivateKey))

	if c.queue == nil {
		qopts := append([]request.ClientOption{
			request.WithHTTPClient(c.http),
			request.WithMaxConcurrent(cfg.MaxConcurrent),
			request.WithLogger(c.logger),
		}, c.queueOpts...)
		c.queue = request.NewClient(qopts...)
		c.ownsQ = true
	}

	interval := cfg.RefreshInterval
	if interval == 0 {
		interval = auth.DefaultRefreshInterval
	}
	authOpts := append([]auth.Option{
		auth.WithSigner(c.signer),
		auth.WithParameterFactory(c.factory),
		auth.WithHTTPClient(c.http),
		auth.WithRefreshInterval(max(interval, 0)),
		auth.WithOAuth10a(!cfg.LegacyOAuth),
		auth.WithLogger(c.logger),
	}, c.authOpts...)
	authOpts = append(authOpts, auth.WithHooks(auth.Hooks{OnEvent: c.handleAuthEvent}))
	c.method = auth.New(store, cfg.Endpoint, authOpts...)

	if store.Snapshot().HasAccessToken() {
		c.state = Authenticated
		// arms the refresh timer; no network round trip with a token present
		_ = c.method.Authenticate(context.Background())
	}
	return c, nil
}

func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Store is the credential store this client signs with.
func (c *Client) Store() *oauth.CredentialStore { return c.store }

// Queue is the request queue calls are submitted to.
func (c *Client) Queue() *request.Client { return c.queue }

// Method exposes the authentication method, e.g. for UserAuthorized.
func (c *Client) Method() *auth.Method { return c.method }

// Authenticate starts the OAuth handshake. It is a no-op while one is
// already running.
func (c *Client) Authenticate(ctx context.Context) error {
	if !c.method.Authenticating() && !c.store.Snapshot().HasAccessToken() {
		c.setState(Authenticating)
	}
	return c.method.Authenticate(ctx)
}

// UserAuthorized completes the handshake after the user approved access.
func (c *Client) UserAuthorized(ctx context.Context, verifier string) error {
	return c.method.UserAuthorized(ctx, verifier)
}

func (c *Client) AuthenticationState() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) IsAuthenticated() bool {
	return c.AuthenticationState() == Authenticated && c.store.Snapshot().HasAccessToken()
}

// CredentialNamed returns an ad-hoc or well-known credential.
func (c *Client) CredentialNamed(name string) (string, bool) {
	return c.store.Credential(name)
}

func (c *Client) SetCredential(name, value string) {
	c.store.SetCredential(name, value)
	c.credentialsChanged()
}

func (c *Client) RemoveCredentialNamed(name string) {
	c.store.RemoveCredential(name)
	c.credentialsChanged()
}

// DiscardCredentials clears every token and returns to Unauthenticated. The
// response of an in-flight handshake or refresh is ignored.
func (c *Client) DiscardCredentials() {
	c.method.Cancel()
	c.store.Reset()
	c.setState(Unauthenticated)
	c.logger.Info().Msg("🗑️  Discarded OAuth credentials")
	c.credentialsChanged()
}

// PerformMethod GETs a path relative to the base URL.
func (c *Client) PerformMethod(ctx context.Context, method string, params oauth.Parameters, cb request.Callbacks, opts ...request.Option) (*request.Request, error) {
	u, err := c.resolve(method)
	if err != nil {
		return nil, err
	}
	return c.PerformURLRequest(ctx, Call{Method: http.MethodGet, URL: u, Params: params}, cb, opts...)
}

// PerformMethodAtURL GETs an absolute URL.
func (c *Client) PerformMethodAtURL(ctx context.Context, u *url.URL, params oauth.Parameters, cb request.Callbacks, opts ...request.Option) (*request.Request, error) {
	return c.PerformURLRequest(ctx, Call{Method: http.MethodGet, URL: u, Params: params}, cb, opts...)
}

// PerformPOSTMethod POSTs params as a form to a path relative to the base
// URL.
func (c *Client) PerformPOSTMethod(ctx context.Context, method string, params oauth.Parameters, cb request.Callbacks, opts ...request.Option) (*request.Request, error) {
	u, err := c.resolve(method)
	if err != nil {
		return nil, err
	}
	return c.PerformURLRequest(ctx, Call{Method: http.MethodPost, URL: u, Params: params}, cb, opts...)
}

// PerformURLRequest signs call and submits it to the queue. Signature
// rejections are routed to the authentication method before the failure
// reaches cb.Done.
func (c *Client) PerformURLRequest(ctx context.Context, call Call, cb request.Callbacks, opts ...request.Option) (*request.Request, error) {
	httpReq, err := c.sign(ctx, call)
	if err != nil {
		return nil, err
	}

	done := cb.Done
	cb.Done = func(res request.Result) {
		if res.Err != nil && res.Err.Kind == request.KindSignatureRejected {
			c.signatureRejected(ctx, res.Err)
		}
		if done != nil {
			done(res)
		}
	}

	r := request.New(httpReq, cb, append(opts[:len(opts):len(opts)], request.WithOwner(c))...)
	if err := c.queue.Submit(r); err != nil {
		return nil, err
	}
	return r, nil
}

// DataForMethod performs a signed GET synchronously and returns the body.
func (c *Client) DataForMethod(ctx context.Context, method string, params oauth.Parameters) ([]byte, error) {
	u, err := c.resolve(method)
	if err != nil {
		return nil, err
	}
	return c.DataForURL(ctx, u, http.MethodGet, params)
}

// DataForURL performs a signed call synchronously, outside the queue. It
// must not be used from the callback queue.
func (c *Client) DataForURL(ctx context.Context, u *url.URL, httpMethod string, params oauth.Parameters) ([]byte, error) {
	httpReq, err := c.sign(ctx, Call{Method: httpMethod, URL: u, Params: params})
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		kind := request.KindNetwork
		if ctx.Err() != nil {
			kind = request.KindCancelled
		}
		return nil, &request.Error{Kind: kind, Op: httpReq.Method, Path: u.Path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &request.Error{Kind: request.KindNetwork, Op: httpReq.Method, Path: u.Path, StatusCode: resp.StatusCode, Err: err}
	}
	if _, rerr := request.Classify(resp, body, request.Expectation{}); rerr != nil {
		if rerr.Kind == request.KindSignatureRejected {
			c.signatureRejected(ctx, rerr)
		}
		return nil, rerr
	}
	return body, nil
}

// CancelRequests cancels this client's outstanding requests whose tag
// satisfies match. Requests other clients put on a shared queue are left
// alone.
func (c *Client) CancelRequests(match func(request.Tag) bool) int {
	return c.queue.CancelMatching(func(t request.Tag) bool {
		return t.Owner == c && match(t)
	})
}

// Close stops the refresh timer and cancels outstanding requests. A queue
// the client created is closed as well.
func (c *Client) Close() {
	c.method.Close()
	if c.ownsQ {
		c.queue.Close()
		return
	}
	c.CancelRequests(func(request.Tag) bool { return true })
}

func (c *Client) resolve(method string) (*url.URL, error) {
	ref, err := url.Parse(method)
	if err != nil {
		return nil, fmt.Errorf("api: invalid method %q: %w", method, err)
	}
	return c.baseURL.ResolveReference(ref), nil
}

func (c *Client) sign(ctx context.Context, call Call) (*http.Request, error) {
	if call.Method == "" {
		call.Method = http.MethodGet
	}
	params, key := c.factory.Prepare(c.signer.Method())
	signed, err := c.signer.Sign(oauth.Request{Method: call.Method, URL: call.URL, Params: call.Params}, params, key)
	if err != nil {
		return nil, err
	}
	httpReq, err := signed.HTTPRequest(ctx, call.Body, call.ContentType)
	if err != nil {
		return nil, err
	}
	if call.ContentLength > 0 {
		httpReq.ContentLength = call.ContentLength
	}
	return httpReq, nil
}

func (c *Client) signatureRejected(ctx context.Context, err *request.Error) {
	c.logger.Warn().Str("path", err.Path).Int("status", err.StatusCode).Msg("⚠️  Signed request rejected, re-authenticating")
	c.method.RejectAccessToken(ctx, err)
}

func (c *Client) handleAuthEvent(ev auth.Event, err error) {
	c.logger.Debug().Str("event", ev.String()).Err(err).Msg("Authentication event")

	switch ev {
	case auth.EventRequestTokenReceived:
		c.setState(Authenticating)
	case auth.EventAccessTokenReceived, auth.EventAccessTokenRefreshed:
		// A DiscardCredentials racing the exchange wins.
		if !c.store.Snapshot().HasAccessToken() {
			return
		}
		c.setState(Authenticated)
		c.credentialsChanged()
	case auth.EventCredentialsReady:
		if c.store.Snapshot().HasAccessToken() {
			c.setState(Authenticated)
		}
	case auth.EventAccessTokenRejected:
		if c.method.Authenticating() {
			c.setState(Authenticating)
		} else {
			c.setState(Unauthenticated)
		}
		c.credentialsChanged()
		if c.onRejected != nil {
			c.onRejected(err)
		}
	case auth.EventRequestTokenRejected, auth.EventError:
		if c.store.Snapshot().HasAccessToken() {
			c.setState(Authenticated)
		} else {
			c.setState(Unauthenticated)
		}
		if c.onAuthFailed != nil {
			c.onAuthFailed(err)
		}
	}
}

func (c *Client) setState(state AuthState) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()

	if changed {
		c.logger.Debug().Str("state", state.String()).Msg("Authentication state changed")
		if c.onAuthState != nil {
			c.onAuthState(state)
		}
	}
}

func (c *Client) credentialsChanged() {
	if c.onChanged != nil {
		c.onChanged(c.store.Snapshot())
	}
}
