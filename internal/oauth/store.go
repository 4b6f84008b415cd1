package oauth

import (
	"sync"
	"time"
)

// Credential names accepted by CredentialStore. They match the OAuth wire
// names so token endpoint responses can be applied directly.
const (
	CredentialConsumerKey        = ParamConsumerKey
	CredentialConsumerSecret     = "oauth_consumer_secret"
	CredentialRequestToken       = "oauth_request_token"
	CredentialRequestTokenSecret = "oauth_request_token_secret"
	CredentialAccessToken        = ParamToken
	CredentialAccessTokenSecret  = ParamTokenSecret
	CredentialSessionHandle      = ParamSessionHandle
)

// Credentials is one user's token material.
type Credentials struct {
	ConsumerKey        string    `json:"consumer_key,omitempty"`
	ConsumerSecret     string    `json:"-"`
	RequestToken       string    `json:"request_token,omitempty"`
	RequestTokenSecret string    `json:"request_token_secret,omitempty"`
	AccessToken        string    `json:"access_token,omitempty"`
	AccessTokenSecret  string    `json:"access_token_secret,omitempty"`
	SessionHandle      string    `json:"session_handle,omitempty"`
	RefreshedAt        time.Time `json:"refreshed_at,omitempty"`
}

// HasAccessToken reports whether the access token pair is present.
func (c Credentials) HasAccessToken() bool {
	return c.AccessToken != "" && c.AccessTokenSecret != ""
}

// Token is the token sent as oauth_token: the access token if linked,
// otherwise the request token.
func (c Credentials) Token() string {
	if c.AccessToken != "" {
		return c.AccessToken
	}
	return c.RequestToken
}

// TokenSecret pairs with Token.
func (c Credentials) TokenSecret() string {
	if c.AccessTokenSecret != "" {
		return c.AccessTokenSecret
	}
	return c.RequestTokenSecret
}

// SigningKey derives the HMAC key. It is never stored.
func (c Credentials) SigningKey() string {
	return Escape(c.ConsumerSecret) + "&" + Escape(c.TokenSecret())
}

// CredentialStore guards one Credentials value plus ad-hoc named
// credentials. Readers always observe a consistent token/secret pair.
type CredentialStore struct {
	mu    sync.RWMutex
	creds Credentials
	extra map[string]string
}

func NewCredentialStore(creds Credentials) *CredentialStore {
	return &CredentialStore{creds: creds, extra: map[string]string{}}
}

// Credential returns the named value.
func (s *CredentialStore) Credential(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if field := s.fieldLocked(name); field != nil {
		view := s.viewLocked()
		value := *view.field(name)
		return value, value != ""
	}
	v, ok := s.extra[name]
	return v, ok
}

// Extra returns a copy of the ad-hoc named credentials.
func (s *CredentialStore) Extra() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.extra))
	for k, v := range s.extra {
		out[k] = v
	}
	return out
}

// SetCredential stores a value. One half of the access token pair stays
// invisible until the other half is set; clearing either half clears both.
func (s *CredentialStore) SetCredential(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if field := s.fieldLocked(name); field != nil {
		*field = value
		if value == "" {
			s.clearHalfPairLocked(name)
		}
		return
	}
	s.extra[name] = value
}

// RemoveCredential deletes a value.
func (s *CredentialStore) RemoveCredential(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if field := s.fieldLocked(name); field != nil {
		*field = ""
		s.clearHalfPairLocked(name)
		return
	}
	delete(s.extra, name)
}

// SetAccessToken replaces the access token pair in one step.
func (s *CredentialStore) SetAccessToken(token, secret string) {
	s.Update(func(c *Credentials) {
		c.AccessToken = token
		c.AccessTokenSecret = secret
	})
}

// ClearAccessToken removes the access token pair and the session handle.
func (s *CredentialStore) ClearAccessToken() {
	s.Update(func(c *Credentials) {
		c.AccessToken = ""
		c.AccessTokenSecret = ""
		c.SessionHandle = ""
	})
}

// Update applies fn atomically.
func (s *CredentialStore) Update(fn func(*Credentials)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.creds)
}

// Snapshot returns a copy of the current credentials.
func (s *CredentialStore) Snapshot() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewLocked()
}

// SigningKey returns the signing key for the current snapshot.
func (s *CredentialStore) SigningKey() string {
	return s.Snapshot().SigningKey()
}

// Reset discards all token material but keeps the consumer key and secret.
func (s *CredentialStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{
		ConsumerKey:    s.creds.ConsumerKey,
		ConsumerSecret: s.creds.ConsumerSecret,
	}
	s.extra = map[string]string{}
}

func (s *CredentialStore) fieldLocked(name string) *string {
	return s.creds.field(name)
}

func (s *CredentialStore) clearHalfPairLocked(name string) {
	if name == CredentialAccessToken || name == CredentialAccessTokenSecret {
		s.creds.AccessToken = ""
		s.creds.AccessTokenSecret = ""
	}
}

// viewLocked hides a half-set access token pair.
func (s *CredentialStore) viewLocked() Credentials {
	view := s.creds
	if view.AccessToken == "" || view.AccessTokenSecret == "" {
		view.AccessToken = ""
		view.AccessTokenSecret = ""
	}
	return view
}

func (c *Credentials) field(name string) *string {
	switch name {
	case CredentialConsumerKey:
		return &c.ConsumerKey
	case CredentialConsumerSecret:
		return &c.ConsumerSecret
	case CredentialRequestToken:
		return &c.RequestToken
	case CredentialRequestTokenSecret:
		return &c.RequestTokenSecret
	case CredentialAccessToken:
		return &c.AccessToken
	case CredentialAccessTokenSecret:
		return &c.AccessTokenSecret
	case CredentialSessionHandle:
		return &c.SessionHandle
	}
	return nil
}
