package auth

import (
	"fmt"
	"net/url"

	"github.com/dvcrn/dropbox-sdk/internal/oauth"
)

// TokenResponse is a decoded request-token or access-token endpoint reply.
type TokenResponse struct {
	Token         string
	TokenSecret   string
	SessionHandle string
	// Extra holds the non-protocol fields, e.g. uid.
	Extra map[string]string
}

// ParseTokenResponse decodes a form-encoded token endpoint body.
func ParseTokenResponse(body []byte) (*TokenResponse, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}

	resp := &TokenResponse{
		Token:         values.Get(oauth.ParamToken),
		TokenSecret:   values.Get(oauth.ParamTokenSecret),
		SessionHandle: values.Get(oauth.ParamSessionHandle),
		Extra:         map[string]string{},
	}
	if resp.Token == "" || resp.TokenSecret == "" {
		return nil, fmt.Errorf("token response is missing %s or %s", oauth.ParamToken, oauth.ParamTokenSecret)
	}
	for name := range values {
		if oauth.IsProtocol(name) {
			continue
		}
		resp.Extra[name] = values.Get(name)
	}
	return resp, nil
}
