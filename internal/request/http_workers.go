//go:build js && wasm

package request

import (
	"net/http"

	"github.com/syumai/workers/cloudflare/fetch"
)

// NewHTTPClient uses the Workers fetch binding.
func NewHTTPClient() HTTPClient {
	return fetch.NewClient().HTTPClient(fetch.RedirectModeFollow)
}

var _ HTTPClient = (*http.Client)(nil)
