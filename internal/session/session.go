// Package session holds the application credentials and one OAuth
// credential store per linked Dropbox account.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dvcrn/dropbox-sdk/internal/api"
	"github.com/dvcrn/dropbox-sdk/internal/credentials"
	"github.com/dvcrn/dropbox-sdk/internal/oauth"
)

const (
	RootDropbox   = "dropbox"
	RootAppFolder = "sandbox"

	// UnknownUserID keys an account whose handshake did not report a uid.
	UnknownUserID = "unknown"

	// CredentialUserID is the extra field the access token endpoint returns
	// with the account id.
	CredentialUserID = "uid"
)

var (
	ErrUnknownUser = errors.New("session: unknown user")
	ErrMissingApp  = errors.New("session: app key and secret are required")
)

// Config identifies the application.
type Config struct {
	AppKey    string
	AppSecret string
	// Root is RootDropbox for full access or RootAppFolder for an app folder.
	Root string
	API  api.Config
}

// Session maps user ids to credential stores. Stores are created by Load,
// UpdateAccessToken or a completed handshake on the anonymous store.
type Session struct {
	cfg     Config
	persist credentials.Store
	logger  zerolog.Logger

	apiOpts       []api.Option
	onAuthFailure func(userID string, err error)

	mu        sync.Mutex
	stores    map[string]*oauth.CredentialStore
	anonymous *oauth.CredentialStore
}

type Option func(*Session)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithAPIOptions are applied to every client built by NewAPIClient.
func WithAPIOptions(opts ...api.Option) Option {
	return func(s *Session) { s.apiOpts = append(s.apiOpts, opts...) }
}

// OnAuthorizationFailure is called when the provider rejects a user's
// access token.
func OnAuthorizationFailure(fn func(userID string, err error)) Option {
	return func(s *Session) { s.onAuthFailure = fn }
}

// New creates a session. persist may be nil, in which case credentials are
// only kept in memory.
func New(cfg Config, persist credentials.Store, opts ...Option) (*Session, error) {
	if cfg.AppKey == "" || cfg.AppSecret == "" {
		return nil, ErrMissingApp
	}
	switch cfg.Root {
	case "":
		cfg.Root = RootDropbox
	case RootDropbox, RootAppFolder:
	default:
		return nil, fmt.Errorf("session: invalid root %q", cfg.Root)
	}
	if persist == nil {
		persist = credentials.NewMemoryStore()
	}

	s := &Session{
		cfg:     cfg,
		persist: persist,
		logger:  zerolog.Nop(),
		stores:  map[string]*oauth.CredentialStore{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.anonymous = s.newStore()
	return s, nil
}

// Root is the path root passed to every file operation.
func (s *Session) Root() string { return s.cfg.Root }

func (s *Session) AppKey() string { return s.cfg.AppKey }

// Load restores every valid persisted account. Records without a complete
// token pair are skipped.
func (s *Session) Load(ctx context.Context) error {
	ids, err := s.persist.List()
	if err != nil {
		return fmt.Errorf("list stored credentials: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := s.persist.Load(id)
		if errors.Is(err, credentials.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load credentials for %s: %w", id, err)
		}
		if !rec.Valid() {
			s.logger.Warn().Str("user_id", id).Msg("⚠️  Skipping incomplete stored credentials")
			continue
		}

		store := s.newStore()
		store.Update(func(c *oauth.Credentials) {
			c.AccessToken = rec.AccessToken
			c.AccessTokenSecret = rec.AccessTokenSecret
			c.SessionHandle = rec.SessionHandle
			c.RefreshedAt = rec.RefreshedAt
		})
		for name, value := range rec.Extra {
			store.SetCredential(name, value)
		}

		s.mu.Lock()
		s.stores[id] = store
		s.mu.Unlock()
	}

	s.logger.Info().Int("accounts", len(s.UserIDs())).Msg("📂 Loaded linked accounts")
	return nil
}

// IsLinked reports whether at least one account is linked.
func (s *Session) IsLinked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stores) > 0
}

// UserIDs lists linked accounts in sorted order.
func (s *Session) UserIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.stores))
	for id := range s.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CredentialStoreFor returns the store for userID. The empty id selects the
// anonymous store used to link a new account.
func (s *Session) CredentialStoreFor(userID string) (*oauth.CredentialStore, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userID == "" {
		return s.anonymous, true
	}
	store, ok := s.stores[userID]
	return store, ok
}

// UpdateAccessToken links userID with an access token obtained elsewhere.
func (s *Session) UpdateAccessToken(token, secret, userID string) error {
	if userID == "" {
		userID = UnknownUserID
	}

	s.mu.Lock()
	store, ok := s.stores[userID]
	if !ok {
		store = s.newStore()
		s.stores[userID] = store
	}
	s.mu.Unlock()

	store.SetAccessToken(token, secret)
	return s.save(userID, store)
}

// UnlinkUser forgets an account and removes its persisted credentials.
// Clients bound to it become unauthenticated.
func (s *Session) UnlinkUser(userID string) error {
	s.mu.Lock()
	store, ok := s.stores[userID]
	delete(s.stores, userID)
	s.mu.Unlock()

	if ok {
		store.Reset()
	}
	if err := s.persist.Remove(userID); err != nil && !errors.Is(err, credentials.ErrNotFound) {
		return fmt.Errorf("remove credentials for %s: %w", userID, err)
	}
	s.logger.Info().Str("user_id", userID).Msg("🔓 Unlinked account")
	return nil
}

// UnlinkAll unlinks every account, including ones only present in
// persistence.
func (s *Session) UnlinkAll() error {
	ids := s.UserIDs()
	if stored, err := s.persist.List(); err == nil {
		ids = append(ids, stored...)
	}
	s.anonymous.Reset()

	var errs []error
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := s.UnlinkUser(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewAPIClient builds a client bound to userID's store, or to the anonymous
// store when userID is empty. Token changes are persisted; a completed
// handshake on the anonymous store links the account under its uid.
func (s *Session) NewAPIClient(userID string, opts ...api.Option) (*api.Client, error) {
	store, ok := s.CredentialStoreFor(userID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}

	wired := []api.Option{
		api.WithLogger(s.logger),
		api.OnCredentialsChanged(func(creds oauth.Credentials) {
			s.credentialsChanged(store, creds)
		}),
		api.OnAccessTokenRejected(func(err error) {
			id := s.userIDFor(store)
			s.logger.Warn().Str("user_id", id).Err(err).Msg("⚠️  Authorization failure")
			if s.onAuthFailure != nil {
				s.onAuthFailure(id, err)
			}
		}),
	}
	all := append(append(wired, s.apiOpts...), opts...)
	return api.New(s.cfg.API, store, all...)
}

func (s *Session) credentialsChanged(store *oauth.CredentialStore, creds oauth.Credentials) {
	id := s.userIDFor(store)
	if !creds.HasAccessToken() {
		if id == "" {
			return
		}
		if err := s.persist.Remove(id); err != nil && !errors.Is(err, credentials.ErrNotFound) {
			s.logger.Error().Err(err).Str("user_id", id).Msg("❌ Failed to remove stored credentials")
		}
		return
	}

	if id == "" {
		id = s.adopt(store)
	}
	if err := s.save(id, store); err != nil {
		s.logger.Error().Err(err).Str("user_id", id).Msg("❌ Failed to save credentials")
	}
}

// adopt moves a freshly linked anonymous store under its uid and replaces
// the anonymous store.
func (s *Session) adopt(store *oauth.CredentialStore) string {
	id, _ := store.Credential(CredentialUserID)
	if id == "" {
		id = UnknownUserID
	}

	s.mu.Lock()
	if s.anonymous == store {
		s.anonymous = s.newStore()
	}
	s.stores[id] = store
	s.mu.Unlock()

	s.logger.Info().Str("user_id", id).Msg("🔗 Linked account")
	return id
}

func (s *Session) userIDFor(store *oauth.CredentialStore) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.stores {
		if st == store {
			return id
		}
	}
	return ""
}

func (s *Session) save(userID string, store *oauth.CredentialStore) error {
	creds := store.Snapshot()
	rec := &credentials.Record{
		AccessToken:       creds.AccessToken,
		AccessTokenSecret: creds.AccessTokenSecret,
		SessionHandle:     creds.SessionHandle,
		RefreshedAt:       creds.RefreshedAt,
	}
	if extra := store.Extra(); len(extra) > 0 {
		rec.Extra = extra
	}
	if err := s.persist.Save(userID, rec); err != nil {
		return fmt.Errorf("save credentials for %s: %w", userID, err)
	}
	return nil
}

func (s *Session) newStore() *oauth.CredentialStore {
	return oauth.NewCredentialStore(oauth.Credentials{
		ConsumerKey:    s.cfg.AppKey,
		ConsumerSecret: s.cfg.AppSecret,
	})
}

var (
	sharedMu sync.RWMutex
	shared   *Session
)

// Shared returns the session registered with SetShared, if any.
func Shared() *Session {
	sharedMu.RLock()
	defer sharedMu.RUnlock()
	return shared
}

func SetShared(s *Session) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	shared = s
}
