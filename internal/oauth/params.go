package oauth

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OAuth protocol parameter names.
const (
	ParamCallback        = "oauth_callback"
	ParamConsumerKey     = "oauth_consumer_key"
	ParamNonce           = "oauth_nonce"
	ParamSessionHandle   = "oauth_session_handle"
	ParamSignature       = "oauth_signature"
	ParamSignatureMethod = "oauth_signature_method"
	ParamTimestamp       = "oauth_timestamp"
	ParamToken           = "oauth_token"
	ParamTokenSecret     = "oauth_token_secret"
	ParamVerifier        = "oauth_verifier"
	ParamVersion         = "oauth_version"

	Version = "1.0"
)

// Parameter is a single name/value pair taking part in a signature.
type Parameter struct {
	Name  string
	Value string
}

// Parameters is an ordered parameter list. Duplicate names are kept as
// separate entries, never merged.
type Parameters []Parameter

// NewParameters builds a list from alternating name, value arguments.
// A trailing name without a value is dropped.
func NewParameters(pairs ...string) Parameters {
	out := make(Parameters, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Parameter{Name: pairs[i], Value: pairs[i+1]})
	}
	return out
}

// ParametersFromValues flattens url.Values into a parameter list.
func ParametersFromValues(values url.Values) Parameters {
	out := make(Parameters, 0, len(values))
	for name, vs := range values {
		for _, v := range vs {
			out = append(out, Parameter{Name: name, Value: v})
		}
	}
	return out.Sorted()
}

// Add returns the list with one more entry appended.
func (p Parameters) Add(name, value string) Parameters {
	return append(p, Parameter{Name: name, Value: value})
}

// Get returns the first value for name.
func (p Parameters) Get(name string) (string, bool) {
	for _, param := range p {
		if param.Name == name {
			return param.Value, true
		}
	}
	return "", false
}

// Without returns a copy with every entry named name removed.
func (p Parameters) Without(name string) Parameters {
	out := make(Parameters, 0, len(p))
	for _, param := range p {
		if param.Name != name {
			out = append(out, param)
		}
	}
	return out
}

// Clone returns an independent copy.
func (p Parameters) Clone() Parameters {
	return append(Parameters(nil), p...)
}

// Sorted returns a copy ordered lexicographically by name, then by value.
func (p Parameters) Sorted() Parameters {
	out := p.Clone()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// Encode produces the normalized form used in signature base strings and
// query strings: escaped name=value pairs, sorted, joined by '&'.
func (p Parameters) Encode() string {
	escaped := make(Parameters, 0, len(p))
	for _, param := range p {
		escaped = append(escaped, Parameter{Name: Escape(param.Name), Value: Escape(param.Value)})
	}
	// RFC 5849 3.4.1.3.2: sort after encoding.
	escaped = escaped.Sorted()

	encoded := make([]string, 0, len(escaped))
	for _, param := range escaped {
		encoded = append(encoded, param.Name+"="+param.Value)
	}
	return strings.Join(encoded, "&")
}

// Values converts the list back into url.Values.
func (p Parameters) Values() url.Values {
	values := url.Values{}
	for _, param := range p {
		values.Add(param.Name, param.Value)
	}
	return values
}

// IsProtocol reports whether name is an oauth_ protocol parameter.
func IsProtocol(name string) bool {
	return strings.HasPrefix(name, "oauth_")
}

// ParameterFactory produces the canonical OAuth parameter set for requests
// signed with a credential store.
type ParameterFactory struct {
	store *CredentialStore
	clock func() time.Time
	nonce func() string
}

type FactoryOption func(*ParameterFactory)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) FactoryOption {
	return func(f *ParameterFactory) {
		if clock != nil {
			f.clock = clock
		}
	}
}

// WithNonce overrides the nonce source.
func WithNonce(nonce func() string) FactoryOption {
	return func(f *ParameterFactory) {
		if nonce != nil {
			f.nonce = nonce
		}
	}
}

func NewParameterFactory(store *CredentialStore, opts ...FactoryOption) *ParameterFactory {
	f := &ParameterFactory{
		store: store,
		clock: time.Now,
		nonce: newNonce,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Parameters returns a fresh protocol parameter set. Every call draws a new
// nonce and timestamp.
func (f *ParameterFactory) Parameters(method SignatureMethod) Parameters {
	params, _ := f.Prepare(method)
	return params
}

// Prepare returns a fresh protocol parameter set and the matching signing
// key, both read from one snapshot so a concurrent refresh cannot pair a
// new token with an old secret.
func (f *ParameterFactory) Prepare(method SignatureMethod) (Parameters, string) {
	snap := f.store.Snapshot()

	params := Parameters{
		{Name: ParamConsumerKey, Value: snap.ConsumerKey},
		{Name: ParamNonce, Value: f.nonce()},
		{Name: ParamSignatureMethod, Value: method.String()},
		{Name: ParamTimestamp, Value: strconv.FormatInt(f.clock().Unix(), 10)},
		{Name: ParamVersion, Value: Version},
	}
	if token := snap.Token(); token != "" {
		params = append(params, Parameter{Name: ParamToken, Value: token})
	}
	return params, snap.SigningKey()
}

// Store returns the credential store the factory reads from.
func (f *ParameterFactory) Store() *CredentialStore { return f.store }

func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
