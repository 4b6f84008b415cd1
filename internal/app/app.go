// Package app wires configuration, persistence and the session together
// for the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dghubble/oauth1"
	"github.com/rs/zerolog"

	"github.com/dvcrn/dropbox-sdk/internal/api"
	"github.com/dvcrn/dropbox-sdk/internal/auth"
	"github.com/dvcrn/dropbox-sdk/internal/config"
	"github.com/dvcrn/dropbox-sdk/internal/credentials"
	"github.com/dvcrn/dropbox-sdk/internal/oauth"
	"github.com/dvcrn/dropbox-sdk/internal/request"
	"github.com/dvcrn/dropbox-sdk/internal/restclient"
	"github.com/dvcrn/dropbox-sdk/internal/session"
)

var (
	ErrNotLinked     = errors.New("no linked Dropbox account, run `dbsdk link` first")
	ErrAmbiguousUser = errors.New("several accounts are linked, pick one with --user")
)

// App is the shared runtime of the CLI and the worker.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Session *session.Session
	Queue   *request.Client

	mu      sync.Mutex
	clients map[string]*api.Client
}

type Option func(*options)

type options struct {
	persist credentials.Store
	http    request.HTTPClient
}

// WithPersistence overrides the backend selected by the configuration.
func WithPersistence(store credentials.Store) Option {
	return func(o *options) { o.persist = store }
}

func WithHTTPClient(client request.HTTPClient) Option {
	return func(o *options) { o.http = client }
}

// NewPersistence returns the credential backend named by cfg.Credentials.
func NewPersistence(cfg *config.Config) (credentials.Store, error) {
	switch cfg.Credentials {
	case config.BackendFile:
		if cfg.CredentialsPath == "" {
			return nil, errors.New("no credentials path configured")
		}
		return credentials.NewFileStore(cfg.CredentialsPath), nil
	case config.BackendKeyring:
		return credentials.NewKeyringStore(credentials.DefaultKeyringService), nil
	case config.BackendEnv:
		return credentials.NewEnvStore(), nil
	case config.BackendMemory:
		return credentials.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown credentials backend %q", cfg.Credentials)
}

// New builds the session and restores linked accounts.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	if err := cfg.RequireApp(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.persist == nil {
		persist, err := NewPersistence(cfg)
		if err != nil {
			return nil, err
		}
		o.persist = persist
	}
	if o.http == nil {
		o.http = request.NewHTTPClient()
	}

	method, err := oauth.ParseSignatureMethod(cfg.SignatureMethod)
	if err != nil {
		return nil, err
	}

	queue := request.NewClient(
		request.WithMaxConcurrent(cfg.MaxConcurrent),
		request.WithHTTPClient(o.http),
		request.WithLogger(logger),
	)

	sess, err := session.New(session.Config{
		AppKey:    cfg.AppKey,
		AppSecret: cfg.AppSecret,
		Root:      cfg.Root,
		API: api.Config{
			BaseURL:         cfg.BaseURL,
			Endpoint:        endpointFor(cfg.BaseURL),
			SignatureMethod: method,
			RefreshInterval: cfg.RefreshInterval,
			MaxConcurrent:   cfg.MaxConcurrent,
		},
	}, o.persist,
		session.WithLogger(logger),
		session.WithAPIOptions(api.WithQueue(queue), api.WithHTTPClient(o.http)),
		session.OnAuthorizationFailure(func(userID string, err error) {
			logger.Error().Str("user_id", userID).Err(err).Msg("❌ Dropbox rejected the stored access token, run `dbsdk link` again")
		}),
	)
	if err != nil {
		queue.Close()
		return nil, err
	}
	if err := sess.Load(ctx); err != nil {
		queue.Close()
		return nil, err
	}

	return &App{
		Config:  cfg,
		Logger:  logger,
		Session: sess,
		Queue:   queue,
		clients: map[string]*api.Client{},
	}, nil
}

// endpointFor keeps the OAuth endpoints next to a non-default API host.
func endpointFor(baseURL string) oauth1.Endpoint {
	if baseURL == "" || baseURL == api.DefaultBaseURL {
		return auth.DropboxEndpoint
	}
	base := strings.TrimSuffix(baseURL, "/")
	return oauth1.Endpoint{
		RequestTokenURL: base + "/oauth/request_token",
		AuthorizeURL:    base + "/oauth/authorize",
		AccessTokenURL:  base + "/oauth/access_token",
	}
}

// ResolveUser picks userID, or the only linked account when it is empty.
func (a *App) ResolveUser(userID string) (string, error) {
	ids := a.Session.UserIDs()
	if userID != "" {
		for _, id := range ids {
			if id == userID {
				return id, nil
			}
		}
		return "", fmt.Errorf("%w: %s", session.ErrUnknownUser, userID)
	}
	switch len(ids) {
	case 0:
		return "", ErrNotLinked
	case 1:
		return ids[0], nil
	}
	return "", ErrAmbiguousUser
}

// APIClient returns the cached signed client for a linked account.
func (a *App) APIClient(userID string) (*api.Client, error) {
	id, err := a.ResolveUser(userID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[id]; ok {
		return c, nil
	}
	c, err := a.Session.NewAPIClient(id)
	if err != nil {
		return nil, err
	}
	a.clients[id] = c
	return c, nil
}

// RestClient returns a Dropbox v1 client for a linked account.
func (a *App) RestClient(userID string) (*restclient.Client, error) {
	c, err := a.APIClient(userID)
	if err != nil {
		return nil, err
	}
	return restclient.New(c, a.Session.Root(),
		restclient.WithContentURL(a.Config.ContentURL),
		restclient.WithLogger(a.Logger),
	), nil
}

// Unlink drops the cached client of userID and forgets the account.
func (a *App) Unlink(userID string) error {
	a.mu.Lock()
	if c, ok := a.clients[userID]; ok {
		c.Close()
		delete(a.clients, userID)
	}
	a.mu.Unlock()
	return a.Session.UnlinkUser(userID)
}

// Close stops refresh timers and cancels outstanding requests.
func (a *App) Close() {
	a.mu.Lock()
	for id, c := range a.clients {
		c.Close()
		delete(a.clients, id)
	}
	a.mu.Unlock()
	a.Queue.Close()
}
