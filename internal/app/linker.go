package app

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/dvcrn/dropbox-sdk/internal/api"
	"github.com/dvcrn/dropbox-sdk/internal/auth"
	"github.com/dvcrn/dropbox-sdk/internal/server"
	"github.com/dvcrn/dropbox-sdk/internal/session"
)

var (
	ErrNoHandshake   = errors.New("no authorization in progress")
	ErrTokenMismatch = errors.New("callback token does not match the pending request token")
)

type linkResult struct {
	userID string
	err    error
}

// Linker links new accounts through the anonymous credential store. It
// implements server.Linker and auth.Delegate.
type Linker struct {
	app         *App
	callbackURL string
	browser     func(string) error

	mu     sync.Mutex
	client *api.Client
	done   chan linkResult
}

var (
	_ server.Linker = (*Linker)(nil)
	_ auth.Delegate = (*Linker)(nil)
)

// NewLinker creates a linker whose provider redirects to callbackURL. A
// nil browser leaves opening the authorization URL to the caller.
func (a *App) NewLinker(callbackURL string, browser func(string) error) *Linker {
	return &Linker{
		app:         a,
		callbackURL: callbackURL,
		browser:     browser,
		done:        make(chan linkResult, 1),
	}
}

func (l *Linker) CallbackURL() string { return l.callbackURL }

func (l *Linker) RequestUserAuthorization(authURL, callbackURL string) bool {
	return l.browser != nil
}

// Start obtains a request token and returns the authorization URL.
func (l *Linker) Start(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.client == nil {
		opts := []auth.Option{auth.WithDelegate(l)}
		if l.browser != nil {
			opts = append(opts, auth.WithBrowser(l.browser))
		}
		client, err := l.app.Session.NewAPIClient("", api.WithAuthOptions(opts...))
		if err != nil {
			return "", err
		}
		l.client = client
	}

	if err := l.client.Authenticate(ctx); err != nil {
		return "", err
	}
	authURL := l.client.Method().AuthorizationURL()
	if authURL == "" {
		return "", ErrNoHandshake
	}
	return authURL, nil
}

// Authorized exchanges the approved request token for an access token.
func (l *Linker) Authorized(ctx context.Context, cb server.Callback) (string, error) {
	l.mu.Lock()
	client := l.client
	l.mu.Unlock()
	if client == nil {
		return "", ErrNoHandshake
	}

	store := client.Store()
	if pending := store.Snapshot().RequestToken; pending == "" || pending != cb.Token {
		return "", ErrTokenMismatch
	}
	if cb.UID != "" {
		store.SetCredential(session.CredentialUserID, cb.UID)
	}
	if err := client.UserAuthorized(ctx, cb.Verifier); err != nil {
		return "", fmt.Errorf("exchange request token: %w", err)
	}

	userID, ok := store.Credential(session.CredentialUserID)
	if !ok || userID == "" {
		userID = session.UnknownUserID
	}

	l.mu.Lock()
	if l.client == client {
		l.client = nil
	}
	l.mu.Unlock()
	client.Close()

	l.signal(linkResult{userID: userID})
	return userID, nil
}

func (l *Linker) Denied(err error) {
	l.signal(linkResult{err: err})
}

func (l *Linker) Accounts() []string {
	return l.app.Session.UserIDs()
}

func (l *Linker) Unlink(userID string) error {
	return l.app.Unlink(userID)
}

// Wait blocks until the callback linked an account or was refused.
func (l *Linker) Wait(ctx context.Context) (string, error) {
	select {
	case res := <-l.done:
		return res.userID, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (l *Linker) signal(res linkResult) {
	select {
	case l.done <- res:
	default:
	}
}

// OpenBrowser opens url with the platform's default handler.
func OpenBrowser(url string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
		args = []string{url}
	case "linux":
		cmd = "xdg-open"
		args = []string{url}
	case "windows":
		cmd = "rundll32"
		args = []string{"url.dll,FileProtocolHandler", url}
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	return exec.Command(cmd, args...).Start()
}

// CallbackURL turns a listen address into the callback URL the provider
// redirects to. A value that already carries a scheme is used as is.
func CallbackURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr + "/oauth/callback"
}
