package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLinker struct {
	mu         sync.Mutex
	authURL    string
	startErr   error
	authErr    error
	callbacks  []Callback
	denied     []error
	accounts   []string
	unlinked   []string
	unlinkFail bool
}

func (f *fakeLinker) Start(context.Context) (string, error) {
	return f.authURL, f.startErr
}

func (f *fakeLinker) Authorized(_ context.Context, cb Callback) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, cb)
	if f.authErr != nil {
		return "", f.authErr
	}
	return cb.UID, nil
}

func (f *fakeLinker) Denied(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denied = append(f.denied, err)
}

func (f *fakeLinker) Accounts() []string { return f.accounts }

func (f *fakeLinker) Unlink(userID string) error {
	if f.unlinkFail {
		return errors.New("boom")
	}
	f.unlinked = append(f.unlinked, userID)
	return nil
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := New(zerolog.Nop(), &fakeLinker{})

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())

	rec = serve(s, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStartRedirects(t *testing.T) {
	s := New(zerolog.Nop(), &fakeLinker{authURL: "https://www.dropbox.com/1/oauth/authorize?oauth_token=rt"})

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/oauth/start", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://www.dropbox.com/1/oauth/authorize?oauth_token=rt", rec.Header().Get("Location"))

	s = New(zerolog.Nop(), &fakeLinker{startErr: errors.New("provider down")})
	rec = serve(s, httptest.NewRequest(http.MethodGet, "/oauth/start", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCallback(t *testing.T) {
	linker := &fakeLinker{}
	s := New(zerolog.Nop(), linker)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/oauth/callback?oauth_token=rt&oauth_verifier=v&uid=42", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "42")
	require.Len(t, linker.callbacks, 1)
	assert.Equal(t, Callback{Token: "rt", Verifier: "v", UID: "42"}, linker.callbacks[0])
}

func TestCallbackRejections(t *testing.T) {
	linker := &fakeLinker{}
	s := New(zerolog.Nop(), linker)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/oauth/callback?not_approved=true", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.Len(t, linker.denied, 1)
	assert.ErrorIs(t, linker.denied[0], ErrNotApproved)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/oauth/callback", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	linker.authErr = errors.New("token <mismatch>")
	rec = serve(s, httptest.NewRequest(http.MethodGet, "/oauth/callback?oauth_token=rt", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "token &lt;mismatch&gt;")
	assert.Len(t, linker.denied, 2)
}

func TestAccountsRequireAdminKey(t *testing.T) {
	linker := &fakeLinker{accounts: []string{"42", "7"}}

	s := New(zerolog.Nop(), linker)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/accounts", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	s = New(zerolog.Nop(), linker, WithAdminKey("secret"))
	rec = serve(s, httptest.NewRequest(http.MethodGet, "/accounts", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/accounts", nil)
	req.Header.Set("Authorization", "Basic secret")
	assert.Equal(t, http.StatusUnauthorized, serve(s, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/accounts", nil)
	req.Header.Set("X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(s, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/accounts", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = serve(s, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accounts": ["42", "7"]}`, rec.Body.String())
}

func TestUnlink(t *testing.T) {
	linker := &fakeLinker{}
	s := New(zerolog.Nop(), linker, WithAdminKey("secret"))

	req := httptest.NewRequest(http.MethodDelete, "/accounts/42", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := serve(s, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"42"}, linker.unlinked)

	linker.unlinkFail = true
	req = httptest.NewRequest(http.MethodDelete, "/accounts/42", nil)
	req.Header.Set("X-API-Key", "secret")
	assert.Equal(t, http.StatusInternalServerError, serve(s, req).Code)
}

func TestNotFound(t *testing.T) {
	s := New(zerolog.Nop(), &fakeLinker{})
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
