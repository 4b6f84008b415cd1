package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dghubble/oauth1"
	"github.com/rs/zerolog"

	"github.com/dvcrn/dropbox-sdk/internal/oauth"
	"github.com/dvcrn/dropbox-sdk/internal/request"
)

// DropboxEndpoint is the Dropbox v1 OAuth 1.0 endpoint set.
var DropboxEndpoint = oauth1.Endpoint{
	RequestTokenURL: "https://api.dropbox.com/1/oauth/request_token",
	AuthorizeURL:    "https://www.dropbox.com/1/oauth/authorize",
	AccessTokenURL:  "https://api.dropbox.com/1/oauth/access_token",
}

// DefaultRefreshInterval is how often a linked Method refreshes its access
// token.
const DefaultRefreshInterval = time.Hour

var (
	ErrNoRequestToken = errors.New("auth: no request token awaiting authorization")
	// ErrSuperseded is returned when Cancel or a rejection dropped the
	// response of an in-flight exchange.
	ErrSuperseded = errors.New("auth: exchange superseded")
	ErrClosed     = errors.New("auth: method closed")
)

// Method drives the three-legged OAuth 1.0 handshake for one credential
// store and keeps the resulting access token fresh.
type Method struct {
	store    *oauth.CredentialStore
	endpoint oauth1.Endpoint
	factory  *oauth.ParameterFactory
	signer   *oauth.Signer
	http     request.HTTPClient
	delegate Delegate
	verifier VerifierSource
	browser  func(authURL string) error
	hooks    Hooks
	interval time.Duration
	oauth10a bool
	reauth   bool
	clock    func() time.Time
	logger   zerolog.Logger

	mu         sync.Mutex
	state      State
	inFlight   bool
	refreshing bool
	generation uint64
	authURL    string
	stopCh     chan struct{}
	closed     bool
}

type Option func(*Method)

func WithSigner(signer *oauth.Signer) Option {
	return func(m *Method) { m.signer = signer }
}

// WithParameterFactory must be bound to the same store as the Method.
func WithParameterFactory(factory *oauth.ParameterFactory) Option {
	return func(m *Method) { m.factory = factory }
}

func WithHTTPClient(client request.HTTPClient) Option {
	return func(m *Method) { m.http = client }
}

func WithDelegate(delegate Delegate) Option {
	return func(m *Method) { m.delegate = delegate }
}

func WithVerifierSource(source VerifierSource) Option {
	return func(m *Method) { m.verifier = source }
}

// WithBrowser opens the authorization URL when the delegate asks for it.
func WithBrowser(open func(authURL string) error) Option {
	return func(m *Method) { m.browser = open }
}

func WithHooks(hooks Hooks) Option {
	return func(m *Method) { m.hooks = hooks }
}

// WithRefreshInterval sets the refresh period. Zero disables the timer.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Method) { m.interval = d }
}

// WithOAuth10a toggles sending oauth_callback and oauth_verifier.
func WithOAuth10a(enabled bool) Option {
	return func(m *Method) { m.oauth10a = enabled }
}

// WithReauthenticate controls whether a rejected access token immediately
// starts a new handshake.
func WithReauthenticate(enabled bool) Option {
	return func(m *Method) { m.reauth = enabled }
}

func WithClock(clock func() time.Time) Option {
	return func(m *Method) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Method) { m.logger = logger }
}

// New creates a Method for store. It does not start the handshake.
func New(store *oauth.CredentialStore, endpoint oauth1.Endpoint, opts ...Option) *Method {
	m := &Method{
		store:    store,
		endpoint: endpoint,
		interval: DefaultRefreshInterval,
		oauth10a: true,
		reauth:   true,
		clock:    time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.factory == nil {
		m.factory = oauth.NewParameterFactory(store)
	}
	if m.signer == nil {
		m.signer = oauth.NewSigner(oauth.HMACSHA1)
	}
	if m.http == nil {
		m.http = request.NewHTTPClient()
	}
	return m
}

func (m *Method) Endpoint() oauth1.Endpoint { return m.endpoint }

func (m *Method) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Authenticating reports whether a handshake is under way.
func (m *Method) Authenticating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

// AuthorizationURL is the URL the user must visit, once a request token
// has been obtained.
func (m *Method) AuthorizationURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authURL
}

// Authenticate starts the handshake. With an access token already in the
// store it only arms the refresh timer. A call while a handshake is in
// flight is a no-op.
func (m *Method) Authenticate(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.inFlight {
		m.mu.Unlock()
		m.logger.Debug().Msg("Handshake already in progress")
		return nil
	}
	if m.store.Snapshot().HasAccessToken() {
		m.state = StateAccessTokenObtained
		m.startRefreshLocked()
		m.mu.Unlock()
		m.hooks.emit(EventCredentialsReady, nil)
		return nil
	}
	gen := m.beginLocked()
	m.mu.Unlock()

	return m.requestToken(ctx, gen)
}

// UserAuthorized is called once the user approved the request token. It
// exchanges the request token for an access token. verifier may be empty,
// in which case the VerifierSource is consulted.
func (m *Method) UserAuthorized(ctx context.Context, verifier string) error {
	m.mu.Lock()
	if m.state != StateRequestTokenObtained {
		m.mu.Unlock()
		return ErrNoRequestToken
	}
	m.state = StateUserAuthorized
	gen := m.generation
	m.mu.Unlock()

	if verifier == "" && m.verifier != nil {
		verifier = m.verifier.Verifier()
	}
	var extra oauth.Parameters
	if m.oauth10a && verifier != "" {
		extra = extra.Add(oauth.ParamVerifier, verifier)
	}

	tok, err := m.exchange(ctx, m.endpoint.AccessTokenURL, extra)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return ErrSuperseded
	}
	m.inFlight = false
	m.authURL = ""
	if err != nil {
		m.state = StateNoToken
		m.store.Update(func(c *oauth.Credentials) {
			c.RequestToken = ""
			c.RequestTokenSecret = ""
		})
		m.mu.Unlock()

		m.logger.Error().Err(err).Msg("❌ Access token exchange failed")
		m.hooks.emit(EventError, err)
		return err
	}

	now := m.clock()
	m.store.Update(func(c *oauth.Credentials) {
		c.AccessToken = tok.Token
		c.AccessTokenSecret = tok.TokenSecret
		c.SessionHandle = tok.SessionHandle
		c.RequestToken = ""
		c.RequestTokenSecret = ""
		c.RefreshedAt = now
	})
	for name, value := range tok.Extra {
		m.store.SetCredential(name, value)
	}
	m.state = StateAccessTokenObtained
	m.startRefreshLocked()
	m.mu.Unlock()

	m.logger.Info().Msg("✅ OAuth access token obtained")
	m.hooks.emit(EventAccessTokenReceived, nil)
	m.hooks.emit(EventCredentialsReady, nil)
	return nil
}

// RefreshAccessToken exchanges the current access token and session handle
// for a new pair. Without a session handle there is nothing to refresh.
// A rejection discards every token.
func (m *Method) RefreshAccessToken(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateAccessTokenObtained || m.refreshing {
		m.mu.Unlock()
		return nil
	}
	snap := m.store.Snapshot()
	if snap.SessionHandle == "" {
		m.mu.Unlock()
		m.logger.Debug().Msg("No session handle, skipping token refresh")
		return nil
	}
	m.refreshing = true
	gen := m.generation
	m.mu.Unlock()

	m.logger.Info().Msg("🔄 Refreshing OAuth access token")
	tok, err := m.exchange(ctx, m.endpoint.AccessTokenURL, oauth.NewParameters(oauth.ParamSessionHandle, snap.SessionHandle))

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return ErrSuperseded
	}
	m.refreshing = false
	if err != nil {
		if !errors.Is(err, request.ErrSignatureRejected) {
			m.mu.Unlock()
			m.logger.Error().Err(err).Msg("❌ Failed to refresh OAuth access token")
			m.hooks.emit(EventError, err)
			return err
		}
		gen, reauth := m.rejectLocked()
		m.mu.Unlock()

		m.logger.Error().Err(err).Msg("❌ Access token rejected during refresh")
		m.rejected(ctx, err, gen, reauth)
		return err
	}

	now := m.clock()
	m.store.Update(func(c *oauth.Credentials) {
		c.AccessToken = tok.Token
		c.AccessTokenSecret = tok.TokenSecret
		if tok.SessionHandle != "" {
			c.SessionHandle = tok.SessionHandle
		}
		c.RefreshedAt = now
	})
	m.mu.Unlock()

	m.logger.Info().Msg("✅ OAuth access token refreshed")
	m.hooks.emit(EventAccessTokenRefreshed, nil)
	return nil
}

// RejectAccessToken is called when the provider refused a signed request.
// It discards the tokens and, unless disabled, starts one new handshake.
// It returns false without doing anything if a handshake is already in
// flight.
func (m *Method) RejectAccessToken(ctx context.Context, cause error) bool {
	m.mu.Lock()
	if m.closed || m.inFlight {
		m.mu.Unlock()
		return false
	}
	gen, reauth := m.rejectLocked()
	m.mu.Unlock()

	m.logger.Warn().Err(cause).Msg("⚠️  Access token rejected by provider")
	m.rejected(ctx, cause, gen, reauth)
	return true
}

// Cancel abandons any in-flight handshake or refresh; their responses are
// dropped. Stored credentials are left alone.
func (m *Method) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.inFlight = false
	m.refreshing = false
	m.state = StateNoToken
	m.authURL = ""
	m.stopRefreshLocked()
}

// Close stops the refresh timer. The Method cannot be used afterwards.
func (m *Method) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.generation++
	m.stopRefreshLocked()
}

func (m *Method) beginLocked() uint64 {
	m.inFlight = true
	m.state = StateNoToken
	m.authURL = ""
	m.store.Update(func(c *oauth.Credentials) {
		c.RequestToken = ""
		c.RequestTokenSecret = ""
	})
	return m.generation
}

// rejectLocked discards all tokens and, if re-authentication is enabled,
// claims the handshake slot so concurrent rejections start only one.
func (m *Method) rejectLocked() (uint64, bool) {
	m.generation++
	m.refreshing = false
	m.store.Update(func(c *oauth.Credentials) {
		c.AccessToken = ""
		c.AccessTokenSecret = ""
		c.SessionHandle = ""
		c.RequestToken = ""
		c.RequestTokenSecret = ""
	})
	m.state = StateNoToken
	m.stopRefreshLocked()
	if !m.reauth {
		return 0, false
	}
	return m.beginLocked(), true
}

func (m *Method) rejected(ctx context.Context, cause error, gen uint64, reauth bool) {
	m.hooks.emit(EventAccessTokenRejected, cause)
	if !reauth {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := m.requestToken(ctx, gen); err != nil {
			m.logger.Debug().Err(err).Msg("Re-authentication did not start")
		}
	}()
}

func (m *Method) requestToken(ctx context.Context, gen uint64) error {
	callbackURL := ""
	if m.delegate != nil {
		callbackURL = m.delegate.CallbackURL()
	}
	var extra oauth.Parameters
	if m.oauth10a && callbackURL != "" {
		extra = extra.Add(oauth.ParamCallback, callbackURL)
	}

	m.logger.Info().Msg("🔑 Requesting OAuth request token")
	tok, err := m.exchange(ctx, m.endpoint.RequestTokenURL, extra)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		m.inFlight = false
		m.state = StateNoToken
		m.mu.Unlock()

		m.logger.Error().Err(err).Msg("❌ Request token rejected")
		m.hooks.emit(EventRequestTokenRejected, err)
		return err
	}
	m.store.Update(func(c *oauth.Credentials) {
		c.RequestToken = tok.Token
		c.RequestTokenSecret = tok.TokenSecret
	})
	m.state = StateRequestTokenObtained
	authURL, err := m.authorizationURL(tok.Token, callbackURL)
	if err != nil {
		m.inFlight = false
		m.state = StateNoToken
		m.mu.Unlock()
		m.hooks.emit(EventError, err)
		return err
	}
	m.authURL = authURL
	m.mu.Unlock()

	m.logger.Info().Str("url", authURL).Msg("🔗 Request token received, waiting for user authorization")
	m.hooks.emit(EventRequestTokenReceived, nil)

	if m.delegate != nil && m.delegate.RequestUserAuthorization(authURL, callbackURL) && m.browser != nil {
		if err := m.browser(authURL); err != nil {
			m.logger.Warn().Err(err).Msg("⚠️  Could not open authorization URL")
		}
	}
	return nil
}

func (m *Method) authorizationURL(token, callbackURL string) (string, error) {
	u, err := url.Parse(m.endpoint.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("parse authorize url: %w", err)
	}
	params := oauth.ParametersFromValues(u.Query()).Add(oauth.ParamToken, token)
	if callbackURL != "" {
		params = params.Add(oauth.ParamCallback, callbackURL)
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// exchange performs one signed POST against a token endpoint.
func (m *Method) exchange(ctx context.Context, endpoint string, extra oauth.Parameters) (*TokenResponse, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse token endpoint: %w", err)
	}

	params, key := m.factory.Prepare(m.signer.Method())
	params = append(params, extra...)
	signed, err := m.signer.Sign(oauth.Request{Method: http.MethodPost, URL: u}, params, key)
	if err != nil {
		return nil, err
	}
	req, err := signed.HTTPRequest(ctx, nil, "")
	if err != nil {
		return nil, err
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, &request.Error{Kind: request.KindNetwork, Op: req.Method, Path: u.Path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &request.Error{Kind: request.KindNetwork, Op: req.Method, Path: u.Path, StatusCode: resp.StatusCode, Err: err}
	}
	if _, rerr := request.Classify(resp, body, request.Expectation{}); rerr != nil {
		return nil, rerr
	}
	return ParseTokenResponse(body)
}

func (m *Method) startRefreshLocked() {
	if m.interval <= 0 || m.stopCh != nil || m.closed {
		return
	}
	first := m.interval
	if last := m.store.Snapshot().RefreshedAt; !last.IsZero() {
		first = max(m.interval-m.clock().Sub(last), 0)
	}
	stop := make(chan struct{})
	m.stopCh = stop
	go m.refreshLoop(stop, first)
}

func (m *Method) stopRefreshLocked() {
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
}

func (m *Method) refreshLoop(stop <-chan struct{}, first time.Duration) {
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if err := m.RefreshAccessToken(context.Background()); err != nil {
				m.logger.Debug().Err(err).Msg("Background refresh failed")
			}
			timer.Reset(m.interval)
		case <-stop:
			m.logger.Debug().Msg("Background token refresh stopped")
			return
		}
	}
}
