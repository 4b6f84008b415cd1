package request

import (
	"errors"
	"fmt"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

// Kind classifies a failed request.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindHTTP
	KindSignatureRejected
	KindParse
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindHTTP:
		return "http"
	case KindSignatureRejected:
		return "signature_rejected"
	case KindParse:
		return "parse"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrNetwork           = errors.New("request: network failure")
	ErrHTTP              = errors.New("request: unexpected http status")
	ErrSignatureRejected = errors.New("request: oauth signature rejected")
	ErrParse             = errors.New("request: malformed response")
	ErrCancelled         = errors.New("request: cancelled")
)

// Text codes used when an Error is converted to a go-errors envelope.
const (
	TextCodeNetwork           = "DROPBOX_NETWORK_ERROR"
	TextCodeHTTP              = "DROPBOX_HTTP_ERROR"
	TextCodeSignatureRejected = "DROPBOX_SIGNATURE_REJECTED"
	TextCodeParse             = "DROPBOX_MALFORMED_RESPONSE"
	TextCodeCancelled         = "DROPBOX_REQUEST_CANCELLED"
)

// Error is the failure half of a Result.
type Error struct {
	Kind       Kind
	Op         string
	Path       string
	StatusCode int
	Body       []byte
	// Message is the server supplied "error" text, if any.
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("request: %s %s", e.Op, e.Path)
	switch e.Kind {
	case KindHTTP, KindSignatureRejected:
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	default:
		msg += ": " + e.Kind.String()
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func (k Kind) sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindHTTP:
		return ErrHTTP
	case KindSignatureRejected:
		return ErrSignatureRejected
	case KindParse:
		return ErrParse
	case KindCancelled:
		return ErrCancelled
	}
	return nil
}

// ToServiceError maps the failure onto a go-errors envelope with an HTTP
// code suitable for surfacing to callers of a service.
func (e *Error) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}

	var (
		category goerrors.Category
		code     int
		textCode string
	)
	switch e.Kind {
	case KindSignatureRejected:
		category, code, textCode = goerrors.CategoryAuth, http.StatusUnauthorized, TextCodeSignatureRejected
	case KindHTTP:
		category, code, textCode = categoryForStatus(e.StatusCode), e.StatusCode, TextCodeHTTP
	case KindParse:
		category, code, textCode = goerrors.CategoryExternal, http.StatusBadGateway, TextCodeParse
	case KindCancelled:
		category, code, textCode = goerrors.CategoryOperation, 499, TextCodeCancelled
	default:
		category, code, textCode = goerrors.CategoryExternal, http.StatusBadGateway, TextCodeNetwork
	}

	var mapped *goerrors.Error
	if e.Err != nil {
		mapped = goerrors.Wrap(e.Err, category, e.Error())
	} else {
		mapped = goerrors.New(e.Error(), category)
	}
	mapped = mapped.WithCode(code).WithTextCode(textCode)

	metadata := map[string]any{
		"kind": e.Kind.String(),
		"op":   e.Op,
		"path": e.Path,
	}
	if e.StatusCode != 0 {
		metadata["status"] = e.StatusCode
	}
	if e.Message != "" {
		metadata["server_error"] = e.Message
	}
	mapped.WithMetadata(metadata)
	return mapped
}

func categoryForStatus(status int) goerrors.Category {
	switch {
	case status == http.StatusNotFound:
		return goerrors.CategoryNotFound
	case status == http.StatusConflict:
		return goerrors.CategoryConflict
	case status == http.StatusTooManyRequests, status == 503:
		return goerrors.CategoryRateLimit
	case status == http.StatusForbidden:
		return goerrors.CategoryAuthz
	case status >= 400 && status < 500:
		return goerrors.CategoryBadInput
	}
	return goerrors.CategoryExternal
}
