package oauth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
)

// SignatureMethod selects how oauth_signature is computed.
type SignatureMethod int

const (
	HMACSHA1 SignatureMethod = iota
	PlainText
	RSASHA1
)

func (m SignatureMethod) String() string {
	switch m {
	case PlainText:
		return "PLAINTEXT"
	case RSASHA1:
		return "RSA-SHA1"
	default:
		return "HMAC-SHA1"
	}
}

// ParseSignatureMethod accepts the wire names, case-insensitively.
func ParseSignatureMethod(s string) (SignatureMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "HMAC-SHA1":
		return HMACSHA1, nil
	case "PLAINTEXT":
		return PlainText, nil
	case "RSA-SHA1":
		return RSASHA1, nil
	}
	return HMACSHA1, fmt.Errorf("oauth: unsupported signature method %q", s)
}

// Style selects where the protocol parameters travel.
type Style int

const (
	// StyleHeader sends protocol parameters in the Authorization header.
	StyleHeader Style = iota
	// StyleQuery injects every parameter into the query string.
	StyleQuery
)

// Request describes the HTTP request to be signed. Form parameters are part
// of the signature and are sent in the body for POST, in the query otherwise.
// A raw body is never part of the signature.
type Request struct {
	Method string
	URL    *url.URL
	Params Parameters
}

var ErrInvalidRequest = errors.New("oauth: request must have a method and an absolute URL")

// Signer computes OAuth 1.0 signatures.
type Signer struct {
	method     SignatureMethod
	style      Style
	privateKey *rsa.PrivateKey
	rand       io.Reader
}

type SignerOption func(*Signer)

// WithStyle selects header (default) or query-string parameter transport.
func WithStyle(style Style) SignerOption {
	return func(s *Signer) { s.style = style }
}

// WithPrivateKey sets the RSA key used by RSA-SHA1.
func WithPrivateKey(key *rsa.PrivateKey) SignerOption {
	return func(s *Signer) { s.privateKey = key }
}

func NewSigner(method SignatureMethod, opts ...SignerOption) *Signer {
	s := &Signer{method: method, style: StyleHeader, rand: rand.Reader}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Signer) Method() SignatureMethod { return s.method }

func (s *Signer) Style() Style { return s.style }

// Sign signs req with the given protocol parameters and signing key. The
// request's own query and form parameters are folded into the signature.
func (s *Signer) Sign(req Request, protocol Parameters, signingKey string) (*SignedRequest, error) {
	if req.Method == "" || req.URL == nil || !req.URL.IsAbs() || req.URL.Host == "" {
		return nil, ErrInvalidRequest
	}

	method := strings.ToUpper(req.Method)
	baseURL := NormalizeURL(req.URL)

	requestParams := ParametersFromValues(req.URL.Query())
	requestParams = append(requestParams, req.Params...)

	all := append(protocol.Without(ParamSignature), requestParams...)
	baseString := BaseString(method, baseURL, all)

	signature, err := s.signature(baseString, signingKey)
	if err != nil {
		return nil, err
	}

	target := *req.URL
	target.RawQuery = ""
	target.Fragment = ""

	return &SignedRequest{
		method:        method,
		baseURL:       baseURL,
		protocol:      protocol.Without(ParamSignature).Add(ParamSignature, signature),
		requestParams: requestParams,
		signature:     signature,
		baseString:    baseString,
		style:         s.style,
		target:        target,
	}, nil
}

// Verify recomputes the signature of signed and compares it.
func (s *Signer) Verify(signed *SignedRequest, signingKey string) error {
	if signed == nil {
		return ErrInvalidRequest
	}
	all := append(signed.Protocol().Without(ParamSignature), signed.requestParams...)
	baseString := BaseString(signed.method, signed.baseURL, all)

	if s.method == RSASHA1 {
		if s.privateKey == nil {
			return errors.New("oauth: RSA-SHA1 requires a private key")
		}
		raw, err := base64.StdEncoding.DecodeString(signed.signature)
		if err != nil {
			return fmt.Errorf("oauth: decode signature: %w", err)
		}
		digest := sha1.Sum([]byte(baseString))
		if err := rsa.VerifyPKCS1v15(&s.privateKey.PublicKey, crypto.SHA1, digest[:], raw); err != nil {
			return fmt.Errorf("oauth: signature did not match: %w", err)
		}
		return nil
	}

	expected, err := s.signature(baseString, signingKey)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signed.signature)) != 1 {
		return errors.New("oauth: signature did not match")
	}
	return nil
}

func (s *Signer) signature(baseString, signingKey string) (string, error) {
	switch s.method {
	case PlainText:
		return signingKey, nil
	case RSASHA1:
		if s.privateKey == nil {
			return "", errors.New("oauth: RSA-SHA1 requires a private key")
		}
		digest := sha1.Sum([]byte(baseString))
		raw, err := rsa.SignPKCS1v15(s.rand, s.privateKey, crypto.SHA1, digest[:])
		if err != nil {
			return "", fmt.Errorf("oauth: rsa sign: %w", err)
		}
		return base64.StdEncoding.EncodeToString(raw), nil
	default:
		mac := hmac.New(sha1.New, []byte(signingKey))
		mac.Write([]byte(baseString))
		return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
	}
}

// BaseString builds the signature base string:
// METHOD & escape(baseURL) & escape(normalized parameters).
func BaseString(method, baseURL string, params Parameters) string {
	return strings.ToUpper(method) + "&" + Escape(baseURL) + "&" + Escape(params.Encode())
}

// NormalizeURL returns scheme://host[:port]/path with the scheme and host
// lower-cased, default ports dropped and the query and fragment removed.
// The path keeps its '/' separators.
func NormalizeURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if h, port, err := net.SplitHostPort(host); err == nil {
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			host = h
		}
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}
