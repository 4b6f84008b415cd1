package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	AuthorizationHeader = "Authorization"
	authorizationPrefix = "OAuth "
	formContentType     = "application/x-www-form-urlencoded"
)

// SignedRequest is the immutable result of Signer.Sign. Accessors return
// copies; sign again to change parameters.
type SignedRequest struct {
	method        string
	baseURL       string
	protocol      Parameters
	requestParams Parameters
	signature     string
	baseString    string
	style         Style
	target        url.URL
}

func (r *SignedRequest) Method() string { return r.method }

// BaseURL is the normalized URL without query.
func (r *SignedRequest) BaseURL() string { return r.baseURL }

func (r *SignedRequest) Signature() string { return r.signature }

func (r *SignedRequest) BaseString() string { return r.baseString }

func (r *SignedRequest) Style() Style { return r.style }

// Protocol returns the oauth_ parameters including oauth_signature.
func (r *SignedRequest) Protocol() Parameters { return r.protocol.Clone() }

// RequestParams returns the non-protocol parameters.
func (r *SignedRequest) RequestParams() Parameters { return r.requestParams.Clone() }

// Params returns every parameter, sorted.
func (r *SignedRequest) Params() Parameters {
	return append(r.protocol.Clone(), r.requestParams...).Sorted()
}

// Authorization renders the Authorization header value.
func (r *SignedRequest) Authorization() string {
	sorted := r.protocol.Sorted()
	parts := make([]string, 0, len(sorted))
	for _, p := range sorted {
		parts = append(parts, Escape(p.Name)+`="`+Escape(p.Value)+`"`)
	}
	return authorizationPrefix + strings.Join(parts, ", ")
}

// URL returns the authenticated URL. In query style it carries every
// parameter; in header style only the request parameters, unless isForm
// moves them into the body.
func (r *SignedRequest) URL(isForm bool) *url.URL {
	var query Parameters
	switch {
	case r.style == StyleQuery:
		query = r.Params()
	case !isForm:
		query = r.requestParams
	}

	u := r.target
	u.RawQuery = query.Encode()
	return &u
}

// HTTPRequest builds the authenticated *http.Request. With a nil body and a
// POST method the request parameters are sent as a form body; otherwise they
// travel in the query and body is sent as-is.
func (r *SignedRequest) HTTPRequest(ctx context.Context, body io.Reader, contentType string) (*http.Request, error) {
	isForm := body == nil && r.method == http.MethodPost && r.style == StyleHeader

	var reqBody io.Reader = body
	if isForm {
		reqBody = strings.NewReader(r.requestParams.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.URL(isForm).String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("oauth: build request: %w", err)
	}
	if r.style == StyleHeader {
		req.Header.Set(AuthorizationHeader, r.Authorization())
	}
	switch {
	case isForm:
		req.Header.Set("Content-Type", formContentType)
	case contentType != "":
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// ParseAuthorization decodes an "OAuth k="v", ..." header value.
func ParseAuthorization(header string) (Parameters, error) {
	if !strings.HasPrefix(header, authorizationPrefix) {
		return nil, fmt.Errorf("oauth: not an OAuth authorization header")
	}
	var out Parameters
	for _, part := range strings.Split(strings.TrimPrefix(header, authorizationPrefix), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, quoted, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("oauth: malformed authorization parameter %q", part)
		}
		name, err := Unescape(name)
		if err != nil {
			return nil, err
		}
		value, err := Unescape(strings.Trim(quoted, `"`))
		if err != nil {
			return nil, err
		}
		out = append(out, Parameter{Name: name, Value: value})
	}
	return out, nil
}
