package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dghubble/oauth1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvcrn/dropbox-sdk/internal/api"
	"github.com/dvcrn/dropbox-sdk/internal/credentials"
	"github.com/dvcrn/dropbox-sdk/internal/request"
)

func newProvider(t *testing.T, rejectCalls *atomic.Bool) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/1/oauth/request_token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "oauth_token=rt&oauth_token_secret=rs")
	})
	mux.HandleFunc("/1/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "oauth_token=at&oauth_token_secret=as&uid=42")
	})
	mux.HandleFunc("/1/account/info", func(w http.ResponseWriter, r *http.Request) {
		if rejectCalls != nil && rejectCalls.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error": "Access token revoked"}`)
			return
		}
		fmt.Fprint(w, `{"uid": 42}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(srv *httptest.Server) Config {
	return Config{
		AppKey:    "ck",
		AppSecret: "cs",
		API: api.Config{
			BaseURL: srv.URL + "/1/",
			Endpoint: oauth1.Endpoint{
				RequestTokenURL: srv.URL + "/1/oauth/request_token",
				AuthorizeURL:    srv.URL + "/1/oauth/authorize",
				AccessTokenURL:  srv.URL + "/1/oauth/access_token",
			},
			RefreshInterval: -1,
		},
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{AppKey: "ck"}, nil)
	assert.ErrorIs(t, err, ErrMissingApp)

	_, err = New(Config{AppKey: "ck", AppSecret: "cs", Root: "elsewhere"}, nil)
	assert.Error(t, err)

	s, err := New(Config{AppKey: "ck", AppSecret: "cs"}, nil)
	require.NoError(t, err)
	assert.Equal(t, RootDropbox, s.Root())
	assert.False(t, s.IsLinked())
}

func TestLoadRestoresValidAccounts(t *testing.T) {
	persist := credentials.NewMemoryStore()
	require.NoError(t, persist.Save("42", &credentials.Record{AccessToken: "at", AccessTokenSecret: "as", Extra: map[string]string{"uid": "42"}}))
	require.NoError(t, persist.Save("7", &credentials.Record{AccessToken: "half"}))

	s, err := New(Config{AppKey: "ck", AppSecret: "cs", Root: RootAppFolder}, persist)
	require.NoError(t, err)
	require.NoError(t, s.Load(context.Background()))

	assert.True(t, s.IsLinked())
	assert.Equal(t, []string{"42"}, s.UserIDs())

	store, ok := s.CredentialStoreFor("42")
	require.True(t, ok)
	creds := store.Snapshot()
	assert.Equal(t, "ck", creds.ConsumerKey)
	assert.Equal(t, "cs&as", creds.SigningKey())
	uid, _ := store.Credential("uid")
	assert.Equal(t, "42", uid)

	_, ok = s.CredentialStoreFor("7")
	assert.False(t, ok)
}

func TestLoadHonoursContext(t *testing.T) {
	persist := credentials.NewMemoryStore()
	require.NoError(t, persist.Save("42", &credentials.Record{AccessToken: "at", AccessTokenSecret: "as"}))
	s, err := New(Config{AppKey: "ck", AppSecret: "cs"}, persist)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Load(ctx), context.Canceled)
}

func TestUpdateAccessTokenPersists(t *testing.T) {
	persist := credentials.NewMemoryStore()
	s, err := New(Config{AppKey: "ck", AppSecret: "cs"}, persist)
	require.NoError(t, err)

	require.NoError(t, s.UpdateAccessToken("at", "as", "42"))
	require.NoError(t, s.UpdateAccessToken("at2", "as2", "42"))

	rec, err := persist.Load("42")
	require.NoError(t, err)
	assert.Equal(t, "at2", rec.AccessToken)
	assert.Equal(t, []string{"42"}, s.UserIDs())

	require.NoError(t, s.UpdateAccessToken("x", "y", ""))
	assert.Equal(t, []string{"42", UnknownUserID}, s.UserIDs())
}

func TestUnlinkUser(t *testing.T) {
	persist := credentials.NewMemoryStore()
	s, err := New(Config{AppKey: "ck", AppSecret: "cs"}, persist)
	require.NoError(t, err)
	require.NoError(t, s.UpdateAccessToken("at", "as", "42"))
	store, _ := s.CredentialStoreFor("42")

	require.NoError(t, s.UnlinkUser("42"))

	assert.False(t, s.IsLinked())
	assert.False(t, store.Snapshot().HasAccessToken())
	_, err = persist.Load("42")
	assert.ErrorIs(t, err, credentials.ErrNotFound)

	require.NoError(t, s.UnlinkUser("never-linked"))
}

func TestUnlinkAllIncludesPersistedOnly(t *testing.T) {
	persist := credentials.NewMemoryStore()
	require.NoError(t, persist.Save("9", &credentials.Record{AccessToken: "a", AccessTokenSecret: "b"}))
	s, err := New(Config{AppKey: "ck", AppSecret: "cs"}, persist)
	require.NoError(t, err)
	require.NoError(t, s.UpdateAccessToken("at", "as", "42"))

	require.NoError(t, s.UnlinkAll())

	ids, err := persist.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, s.UserIDs())
}

func TestNewAPIClientUnknownUser(t *testing.T) {
	s, err := New(Config{AppKey: "ck", AppSecret: "cs"}, nil)
	require.NoError(t, err)

	_, err = s.NewAPIClient("42")
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestHandshakeLinksAnonymousStoreUnderUID(t *testing.T) {
	srv := newProvider(t, nil)
	persist := credentials.NewMemoryStore()
	s, err := New(testConfig(srv), persist)
	require.NoError(t, err)

	anonymous, _ := s.CredentialStoreFor("")
	client, err := s.NewAPIClient("")
	require.NoError(t, err)
	t.Cleanup(client.Close)

	ctx := context.Background()
	require.NoError(t, client.Authenticate(ctx))
	require.NoError(t, client.UserAuthorized(ctx, "v"))

	assert.Equal(t, []string{"42"}, s.UserIDs())
	linked, ok := s.CredentialStoreFor("42")
	require.True(t, ok)
	assert.Same(t, anonymous, linked)

	fresh, _ := s.CredentialStoreFor("")
	assert.NotSame(t, anonymous, fresh)
	assert.False(t, fresh.Snapshot().HasAccessToken())

	rec, err := persist.Load("42")
	require.NoError(t, err)
	assert.Equal(t, "at", rec.AccessToken)
	assert.Equal(t, "42", rec.Extra["uid"])
}

func TestAuthorizationFailureReportsUser(t *testing.T) {
	var reject atomic.Bool
	reject.Store(true)
	srv := newProvider(t, &reject)
	persist := credentials.NewMemoryStore()

	failures := make(chan string, 1)
	s, err := New(testConfig(srv), persist, OnAuthorizationFailure(func(userID string, err error) {
		failures <- userID
	}))
	require.NoError(t, err)
	require.NoError(t, s.UpdateAccessToken("at", "as", "42"))

	client, err := s.NewAPIClient("42")
	require.NoError(t, err)
	t.Cleanup(client.Close)

	done := make(chan request.Result, 1)
	_, err = client.PerformMethod(context.Background(), "account/info", nil, request.Callbacks{
		Done: func(res request.Result) { done <- res },
	})
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NotNil(t, res.Err)
		assert.Equal(t, request.KindSignatureRejected, res.Err.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not complete")
	}
	assert.Equal(t, "42", <-failures)

	_, err = persist.Load("42")
	assert.ErrorIs(t, err, credentials.ErrNotFound)
	store, ok := s.CredentialStoreFor("42")
	require.True(t, ok)
	assert.False(t, store.Snapshot().HasAccessToken())
}

func TestShared(t *testing.T) {
	t.Cleanup(func() { SetShared(nil) })
	assert.Nil(t, Shared())

	s, err := New(Config{AppKey: "ck", AppSecret: "cs"}, nil)
	require.NoError(t, err)
	SetShared(s)
	assert.Same(t, s, Shared())
}

func TestNamedCredentialsSurviveReload(t *testing.T) {
	srv := newProvider(t, nil)
	persist := credentials.NewMemoryStore()
	s, err := New(testConfig(srv), persist)
	require.NoError(t, err)
	require.NoError(t, s.UpdateAccessToken("at", "as", "42"))

	client, err := s.NewAPIClient("42")
	require.NoError(t, err)
	t.Cleanup(client.Close)
	client.SetCredential("cursor", "c9")
	client.SetCredential("scratch", "x")
	client.RemoveCredentialNamed("scratch")

	rec, err := persist.Load("42")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"cursor": "c9"}, rec.Extra)

	reloaded, err := New(testConfig(srv), persist)
	require.NoError(t, err)
	require.NoError(t, reloaded.Load(context.Background()))
	store, ok := reloaded.CredentialStoreFor("42")
	require.True(t, ok)
	v, ok := store.Credential("cursor")
	require.True(t, ok)
	assert.Equal(t, "c9", v)
}
