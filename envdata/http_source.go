package envdata

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpTimeout bounds a source HTTP poll, per spec.md §5 ("HTTP source
// polls may block up to 10 s").
const httpTimeout = 10 * time.Second

// HTTPFetcher implements Fetcher for the market/weather/custom source
// kinds: a plain GET against Endpoint, optional bearer auth, decoding a
// JSON object body. No example in the reference pack wires a dedicated
// HTTP client library for outbound polling (the pack's HTTP clients are
// all *servers*, e.g. prysm's api/client packages built for a specific
// JSON-RPC surface), so this uses net/http directly rather than
// fabricating a dependency with no grounding.
type HTTPFetcher struct {
	Endpoint    string
	BearerToken string
	client      *http.Client
}

// NewHTTPFetcher builds a fetcher against endpoint, optionally
// authenticating with a bearer token.
func NewHTTPFetcher(endpoint, bearerToken string) *HTTPFetcher {
	return &HTTPFetcher{
		Endpoint:    endpoint,
		BearerToken: bearerToken,
		client:      &http.Client{Timeout: httpTimeout},
	}
}

// Fetch performs the GET and decodes the JSON body into a field map.
func (f *HTTPFetcher) Fetch() (map[string]any, error) {
	req, err := http.NewRequest(http.MethodGet, f.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("envdata: build request: %w", err)
	}
	if f.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.BearerToken)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("envdata: request %s: %w", f.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("envdata: %s returned status %d", f.Endpoint, resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("envdata: decode response from %s: %w", f.Endpoint, err)
	}
	return payload, nil
}
