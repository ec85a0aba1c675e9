package throttleproxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultContentType = "text/html"

// Fetcher retrieves a remote resource.
// Implementations must not retry: any error is surfaced to the caller as is.
type Fetcher interface {
	Fetch(ctx context.Context, target string) (*Upstream, error)
}

// Upstream is a completely read response from the remote server.
type Upstream struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentType returns the upstream content type, defaulting to text/html.
func (u *Upstream) ContentType() string {
	if ct := u.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return defaultContentType
}

// HTTPFetcher fetches targets with a plain GET request.
// The upstream status code is not interpreted: any complete response is a success.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher with the given timeout for the whole exchange.
// A zero timeout waits indefinitely.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, target string) (*Upstream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	res, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Upstream{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
	}, nil
}
