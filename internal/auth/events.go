package auth

// State is the handshake position.
type State int

const (
	StateNoToken State = iota
	StateRequestTokenObtained
	StateUserAuthorized
	StateAccessTokenObtained
)

func (s State) String() string {
	switch s {
	case StateRequestTokenObtained:
		return "request_token_obtained"
	case StateUserAuthorized:
		return "user_authorized"
	case StateAccessTokenObtained:
		return "access_token_obtained"
	}
	return "no_token"
}

// Event is a handshake or refresh notification.
type Event int

const (
	EventRequestTokenReceived Event = iota + 1
	EventRequestTokenRejected
	EventAccessTokenReceived
	EventAccessTokenRejected
	EventAccessTokenRefreshed
	EventCredentialsReady
	EventError
)

func (e Event) String() string {
	switch e {
	case EventRequestTokenReceived:
		return "request_token_received"
	case EventRequestTokenRejected:
		return "request_token_rejected"
	case EventAccessTokenReceived:
		return "access_token_received"
	case EventAccessTokenRejected:
		return "access_token_rejected"
	case EventAccessTokenRefreshed:
		return "access_token_refreshed"
	case EventCredentialsReady:
		return "credentials_ready"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Delegate drives the user through authorization.
type Delegate interface {
	// CallbackURL is where the provider redirects after approval.
	CallbackURL() string
	// RequestUserAuthorization is handed the authorization URL. Returning
	// true asks the Method to open it with its Browser, if any.
	RequestUserAuthorization(authURL, callbackURL string) bool
}

// VerifierSource supplies the oauth_verifier when UserAuthorized is called
// without one.
type VerifierSource interface {
	Verifier() string
}

// Hooks are non-owning closures notified of events. err is set for the
// rejected and error events.
type Hooks struct {
	OnEvent func(ev Event, err error)
}

func (h Hooks) emit(ev Event, err error) {
	if h.OnEvent != nil {
		h.OnEvent(ev, err)
	}
}
