package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dghubble/oauth1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvcrn/dropbox-sdk/internal/oauth"
	"github.com/dvcrn/dropbox-sdk/internal/request"
)

// provider is a fake OAuth 1.0 service provider that verifies HMAC-SHA1
// signatures against the secrets it handed out.
type provider struct {
	t *testing.T

	mu            sync.Mutex
	requestTokens int32
	accessCalls   int32
	refreshCalls  int32
	verifiers     []string
	rejectAccess  bool
	rejectRefresh bool
	blockRequest  chan struct{}
	secrets       map[string]string
}

func newProvider(t *testing.T) (*provider, *httptest.Server) {
	p := &provider{t: t, secrets: map[string]string{"": ""}}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/request_token", p.requestToken)
	mux.HandleFunc("/oauth/access_token", p.accessToken)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return p, srv
}

func endpointFor(srv *httptest.Server) oauth1.Endpoint {
	return oauth1.Endpoint{
		RequestTokenURL: srv.URL + "/oauth/request_token",
		AuthorizeURL:    srv.URL + "/oauth/authorize",
		AccessTokenURL:  srv.URL + "/oauth/access_token",
	}
}

func (p *provider) verify(w http.ResponseWriter, r *http.Request) (oauth.Parameters, bool) {
	params, err := oauth.ParseAuthorization(r.Header.Get(oauth.AuthorizationHeader))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	token, _ := params.Get(oauth.ParamToken)

	p.mu.Lock()
	secret, known := p.secrets[token]
	p.mu.Unlock()
	if !known {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": "Invalid oauth_token"}`)
		return nil, false
	}

	signature, _ := params.Get(oauth.ParamSignature)
	base := oauth.BaseString(r.Method, "http://"+r.Host+r.URL.Path, params.Without(oauth.ParamSignature))
	mac := hmac.New(sha1.New, []byte("cs&"+secret))
	mac.Write([]byte(base))
	if base64.StdEncoding.EncodeToString(mac.Sum(nil)) != signature {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": "Bad oauth_signature"}`)
		return nil, false
	}
	return params, true
}

// set mutates the provider under its lock.
func (p *provider) set(fn func(p *provider)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *provider) requestToken(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&p.requestTokens, 1)
	p.mu.Lock()
	block := p.blockRequest
	p.mu.Unlock()
	if block != nil {
		<-block
	}
	if _, ok := p.verify(w, r); !ok {
		return
	}
	p.mu.Lock()
	p.secrets["rt"] = "rs"
	p.mu.Unlock()
	fmt.Fprint(w, "oauth_token=rt&oauth_token_secret=rs")
}

func (p *provider) accessToken(w http.ResponseWriter, r *http.Request) {
	params, ok := p.verify(w, r)
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, refresh := params.Get(oauth.ParamSessionHandle); refresh {
		atomic.AddInt32(&p.refreshCalls, 1)
		if p.rejectRefresh {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error": "Token expired"}`)
			return
		}
		p.secrets["at2"] = "as2"
		fmt.Fprint(w, "oauth_token=at2&oauth_token_secret=as2")
		return
	}

	atomic.AddInt32(&p.accessCalls, 1)
	verifier, _ := params.Get(oauth.ParamVerifier)
	p.verifiers = append(p.verifiers, verifier)
	if p.rejectAccess {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": "Request token not authorized"}`)
		return
	}
	p.secrets["at"] = "as"
	fmt.Fprint(w, "oauth_token=at&oauth_token_secret=as&oauth_session_handle=sh&uid=42")
}

type recordingDelegate struct {
	mu       sync.Mutex
	authURLs []string
}

func (d *recordingDelegate) CallbackURL() string { return "http://localhost/callback" }

func (d *recordingDelegate) RequestUserAuthorization(authURL, callbackURL string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.authURLs = append(d.authURLs, authURL)
	return false
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) hooks() Hooks {
	return Hooks{OnEvent: func(ev Event, err error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, ev)
	}}
}

func (l *eventLog) list() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func newMethod(srv *httptest.Server, store *oauth.CredentialStore, opts ...Option) *Method {
	opts = append([]Option{WithHTTPClient(srv.Client()), WithRefreshInterval(0)}, opts...)
	return New(store, endpointFor(srv), opts...)
}

func TestHandshake(t *testing.T) {
	p, srv := newProvider(t)
	store := oauth.NewCredentialStore(oauth.Credentials{ConsumerKey: "ck", ConsumerSecret: "cs"})
	delegate := &recordingDelegate{}
	log := &eventLog{}
	m := newMethod(srv, store, WithDelegate(delegate), WithHooks(log.hooks()))
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Authenticate(ctx))
	assert.Equal(t, StateRequestTokenObtained, m.State())
	assert.True(t, m.Authenticating())
	assert.Equal(t, "cs&rs", store.SigningKey())

	require.Len(t, delegate.authURLs, 1)
	assert.Equal(t, srv.URL+"/oauth/authorize?oauth_callback=http%3A%2F%2Flocalhost%2Fcallback&oauth_token=rt", delegate.authURLs[0])
	assert.Equal(t, delegate.authURLs[0], m.AuthorizationURL())

	require.NoError(t, m.UserAuthorized(ctx, "v1"))
	assert.Equal(t, StateAccessTokenObtained, m.State())
	assert.False(t, m.Authenticating())

	snap := store.Snapshot()
	assert.Equal(t, "at", snap.AccessToken)
	assert.Equal(t, "as", snap.AccessTokenSecret)
	assert.Equal(t, "sh", snap.SessionHandle)
	assert.Empty(t, snap.RequestToken)
	assert.False(t, snap.RefreshedAt.IsZero())
	assert.Equal(t, "cs&as", store.SigningKey())

	uid, ok := store.Credential("uid")
	require.True(t, ok)
	assert.Equal(t, "42", uid)

	p.set(func(p *provider) { assert.Equal(t, []string{"v1"}, p.verifiers) })
	assert.Equal(t, []Event{EventRequestTokenReceived, EventAccessTokenReceived, EventCredentialsReady}, log.list())
}

func TestAuthenticateWhileInFlightIsNoop(t *testing.T) {
	p, srv := newProvider(t)
	store := oauth.NewCredentialStore(oauth.Credentials{ConsumerKey: "ck", ConsumerSecret: "cs"})
	m := newMethod(srv, store)
	defer m.Close()

	require.NoError(t, m.Authenticate(context.Background()))
	require.NoError(t, m.Authenticate(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.requestTokens))
}

func TestAuthenticateWithExistingAccessToken(t *testing.T) {
	p, srv := newProvider(t)
	store := oauth.NewCredentialStore(oauth.Credentials{
		ConsumerKey: "ck", ConsumerSecret: "cs", AccessToken: "at", AccessTokenSecret: "as",
	})
	log := &eventLog{}
	m := newMethod(srv, store, WithHooks(log.hooks()))
	defer m.Close()

	require.NoError(t, m.Authenticate(context.Background()))
	assert.Equal(t, StateAccessTokenObtained, m.State())
	assert.Equal(t, int32(0), atomic.LoadInt32(&p.requestTokens))
	assert.Equal(t, []Event{EventCredentialsReady}, log.list())
}

func TestUserAuthorizedWithoutRequestToken(t *testing.T) {
	_, srv := newProvider(t)
	m := newMethod(srv, oauth.NewCredentialStore(oauth.Credentials{ConsumerKey: "ck", ConsumerSecret: "cs"}))
	defer m.Close()
	assert.ErrorIs(t, m.UserAuthorized(context.Background(), ""), ErrNoRequestToken)
}

type fixedVerifier string

func (v fixedVerifier) Verifier() string { return string(v) }

func TestVerifierSourceAndLegacyMode(t *testing.T) {
	p, srv := newProvider(t)

	store := oauth.NewCredentialStore(oauth.Credentials{ConsumerKey: "ck", ConsumerSecret: "cs"})
	m := newMethod(srv, store, WithVerifierSource(fixedVerifier("from-source")))
	require.NoError(t, m.Authenticate(context.Background()))
	require.NoError(t, m.UserAuthorized(context.Background(), ""))
	m.Close()

	legacy := oauth.NewCredentialStore(oauth.Credentials{ConsumerKey: "ck", ConsumerSecret: "cs"})
	m = newMethod(srv, legacy, WithOAuth10a(false))
	require.NoError(t, m.Authenticate(context.Background()))
	require.NoError(t, m.UserAuthorized(context.Background(), "ignored"))
	m.Close()

	p.set(func(p *provider) { assert.Equal(t, []string{"from-source", ""}, p.verifiers) })
}

func TestAccessTokenFailureRevertsToNoToken(t *testing.T) {
	p, srv := newProvider(t)
	p.set(func(p *provider) { p.rejectAccess = true })
	store := oauth.NewCredentialStore(oauth.Credentials{ConsumerKey: "ck", ConsumerSecret: "cs"})
	log := &eventLog{}
	m := newMethod(srv, store, WithHooks(log.hooks()))
	defer m.Close()

	require.NoError(t, m.Authenticate(context.Background()))
	err := m.UserAuthorized(context.Background(), "v")
	require.Error(t, err)
	assert.ErrorIs(t, err, request.ErrSignatureRejected)

	assert.Equal(t, StateNoToken, m.State())
	assert.False(t, m.Authenticating())
	assert.Empty(t, store.Snapshot().RequestToken)
	assert.Equal(t, []Event{EventRequestTokenReceived, EventError}, log.list())
}

func TestRequestTokenFailure(t *testing.T) {
	_, srv := newProvider(t)
	// unknown consumer secret makes the provider reject the signature
	store := oauth.NewCredentialStore(oauth.Credentials{ConsumerKey: "ck", ConsumerSecret: "wrong"})
	log := &eventLog{}
	m := newMethod(srv, store, WithHooks(log.hooks()))
	defer m.Close()

	err := m.Authenticate(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateNoToken, m.State())
	assert.False(t, m.Authenticating())
	assert.Equal(t, []Event{EventRequestTokenRejected}, log.list())
}

func linkedMethod(t *testing.T, srv *httptest.Server, opts ...Option) (*Method, *oauth.CredentialStore) {
	t.Helper()
	store := oauth.NewCredentialStore(oauth.Credentials{ConsumerKey: "ck", ConsumerSecret: "cs"})
	m := newMethod(srv, store, opts...)
	t.Cleanup(m.Close)
	require.NoError(t, m.Authenticate(context.Background()))
	require.NoError(t, m.UserAuthorized(context.Background(), "v"))
	return m, store
}

func TestRefreshUpdatesTokensInPlace(t *testing.T) {
	p, srv := newProvider(t)
	now := time.Unix(1700000000, 0)
	log := &eventLog{}
	m, store := linkedMethod(t, srv, WithHooks(log.hooks()), WithClock(func() time.Time { return now }))

	now = now.Add(time.Hour)
	require.NoError(t, m.RefreshAccessToken(context.Background()))

	snap := store.Snapshot()
	assert.Equal(t, "at2", snap.AccessToken)
	assert.Equal(t, "as2", snap.AccessTokenSecret)
	assert.Equal(t, "sh", snap.SessionHandle)
	assert.Equal(t, now, snap.RefreshedAt)
	assert.Equal(t, StateAccessTokenObtained, m.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.refreshCalls))
	assert.Contains(t, log.list(), EventAccessTokenRefreshed)
}

func TestRefreshWithoutSessionHandleIsSkipped(t *testing.T) {
	p, srv := newProvider(t)
	store := oauth.NewCredentialStore(oauth.Credentials{
		ConsumerKey: "ck", ConsumerSecret: "cs", AccessToken: "at", AccessTokenSecret: "as",
	})
	m := newMethod(srv, store)
	defer m.Close()
	require.NoError(t, m.Authenticate(context.Background()))

	require.NoError(t, m.RefreshAccessToken(context.Background()))
	assert.Equal(t, int32(0), atomic.LoadInt32(&p.refreshCalls))
}

func TestRefreshRejectedDiscardsTokensAndReauthenticates(t *testing.T) {
	p, srv := newProvider(t)
	log := &eventLog{}
	m, store := linkedMethod(t, srv, WithHooks(log.hooks()))
	p.set(func(p *provider) { p.rejectRefresh = true })

	err := m.RefreshAccessToken(context.Background())
	require.ErrorIs(t, err, request.ErrSignatureRejected)

	snap := store.Snapshot()
	assert.False(t, snap.HasAccessToken())
	assert.Empty(t, snap.SessionHandle)
	assert.Contains(t, log.list(), EventAccessTokenRejected)

	// exactly one new handshake
	require.Eventually(t, func() bool { return m.State() == StateRequestTokenObtained }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.requestTokens))
}

func TestRejectAccessTokenWithoutReauth(t *testing.T) {
	p, srv := newProvider(t)
	m, store := linkedMethod(t, srv, WithReauthenticate(false))

	assert.True(t, m.RejectAccessToken(context.Background(), request.ErrSignatureRejected))
	assert.False(t, store.Snapshot().HasAccessToken())
	assert.Equal(t, StateNoToken, m.State())
	assert.False(t, m.Authenticating())
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.requestTokens))
}

func TestRejectAccessTokenStartsOneHandshake(t *testing.T) {
	p, srv := newProvider(t)
	m, _ := linkedMethod(t, srv)
	block := make(chan struct{})
	p.set(func(p *provider) { p.blockRequest = block })

	assert.True(t, m.RejectAccessToken(context.Background(), request.ErrSignatureRejected))
	assert.False(t, m.RejectAccessToken(context.Background(), request.ErrSignatureRejected))
	assert.True(t, m.Authenticating())
	close(block)

	require.Eventually(t, func() bool { return m.State() == StateRequestTokenObtained }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.requestTokens))
}

func TestCancelDropsInFlightResponse(t *testing.T) {
	p, srv := newProvider(t)
	block := make(chan struct{})
	p.set(func(p *provider) { p.blockRequest = block })
	store := oauth.NewCredentialStore(oauth.Credentials{ConsumerKey: "ck", ConsumerSecret: "cs"})
	log := &eventLog{}
	m := newMethod(srv, store, WithHooks(log.hooks()))
	defer m.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Authenticate(context.Background()) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&p.requestTokens) == 1 }, 2*time.Second, time.Millisecond)
	m.Cancel()
	close(block)

	assert.ErrorIs(t, <-errCh, ErrSuperseded)
	assert.Equal(t, StateNoToken, m.State())
	assert.Empty(t, store.Snapshot().RequestToken)
	assert.Empty(t, log.list())
}

func TestRefreshTimerFires(t *testing.T) {
	p, srv := newProvider(t)
	linkedMethod(t, srv, WithRefreshInterval(20*time.Millisecond))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&p.refreshCalls) >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestCloseStopsTimer(t *testing.T) {
	p, srv := newProvider(t)
	m, _ := linkedMethod(t, srv, WithRefreshInterval(10*time.Millisecond))
	m.Close()
	time.Sleep(20 * time.Millisecond)
	calls := atomic.LoadInt32(&p.refreshCalls)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, atomic.LoadInt32(&p.refreshCalls))
	assert.ErrorIs(t, m.Authenticate(context.Background()), ErrClosed)
}
