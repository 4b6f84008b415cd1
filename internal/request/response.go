package request

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Expect is the JSON shape a successful response must have.
type Expect int

const (
	// ExpectNone accepts any 2xx body without parsing it.
	ExpectNone Expect = iota
	ExpectObject
	ExpectArray
	// ExpectAny accepts any well-formed JSON value.
	ExpectAny
)

// MetadataHeader carries file metadata on file downloads.
const MetadataHeader = "X-Dropbox-Metadata"

// Response is the success half of a Result.
type Response struct {
	StatusCode int
	Header     http.Header
	// Body is nil when the response was written to a destination file.
	Body []byte
	JSON any
	// Metadata is the decoded MetadataHeader, if present.
	Metadata map[string]any
	// Path is the destination file, if any.
	Path        string
	NotModified bool
}

// Object returns the decoded JSON object, or nil.
func (r *Response) Object() map[string]any {
	obj, _ := r.JSON.(map[string]any)
	return obj
}

// Array returns the decoded JSON array, or nil.
func (r *Response) Array() []any {
	arr, _ := r.JSON.([]any)
	return arr
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("request: empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// Expectation controls how a response is classified.
type Expectation struct {
	Expect           Expect
	AllowNotModified bool
}

// Classify turns an HTTP response and its fully read body into a Response
// or an Error. A nil body with a 2xx status means the body went to a file
// and is not parsed.
func Classify(resp *http.Response, body []byte, exp Expectation) (*Response, *Error) {
	op, path := describe(resp.Request)

	if resp.StatusCode == http.StatusNotModified && exp.AllowNotModified {
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, NotModified: true}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := serverMessage(body)
		kind := KindHTTP
		if signatureRejected(resp.StatusCode, resp.Header, message, body) {
			kind = KindSignatureRejected
		}
		return nil, &Error{
			Kind:       kind,
			Op:         op,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       body,
			Message:    message,
		}
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}
	if raw := resp.Header.Get(MetadataHeader); raw != "" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			out.Metadata = meta
		}
	}

	if exp.Expect == ExpectNone || body == nil {
		return out, nil
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &Error{Kind: KindParse, Op: op, Path: path, StatusCode: resp.StatusCode, Body: body, Err: err}
	}
	switch exp.Expect {
	case ExpectObject:
		if _, ok := decoded.(map[string]any); !ok {
			return nil, &Error{Kind: KindParse, Op: op, Path: path, StatusCode: resp.StatusCode, Body: body, Message: "expected a JSON object"}
		}
	case ExpectArray:
		if _, ok := decoded.([]any); !ok {
			return nil, &Error{Kind: KindParse, Op: op, Path: path, StatusCode: resp.StatusCode, Body: body, Message: "expected a JSON array"}
		}
	}
	out.JSON = decoded
	return out, nil
}

func describe(req *http.Request) (string, string) {
	if req == nil || req.URL == nil {
		return "", ""
	}
	return req.Method, req.URL.Path
}

// serverMessage extracts the "error" field of a JSON error body.
func serverMessage(body []byte) string {
	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	if len(body) == 0 || json.Unmarshal(body, &payload) != nil || len(payload.Error) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(payload.Error, &text); err == nil {
		return text
	}

	// field errors: {"error": {"path": "invalid"}}
	var fields map[string]any
	if err := json.Unmarshal(payload.Error, &fields); err == nil {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %v", k, fields[k]))
		}
		return strings.Join(parts, "; ")
	}
	return string(payload.Error)
}

// signatureRejected reports whether the provider refused the OAuth
// credentials. 401 always does; 403 only when the provider says so.
func signatureRejected(status int, header http.Header, message string, body []byte) bool {
	switch status {
	case http.StatusUnauthorized:
		return true
	case http.StatusForbidden:
		if strings.HasPrefix(strings.ToLower(header.Get("WWW-Authenticate")), "oauth") {
			return true
		}
		text := message
		if text == "" {
			text = string(body[:min(len(body), 512)])
		}
		text = strings.ToLower(text)
		return strings.Contains(text, "oauth") || strings.Contains(text, "signature")
	}
	return false
}
