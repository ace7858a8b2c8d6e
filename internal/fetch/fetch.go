// Package fetch retrieves PAC scripts from HTTP(S) URLs or local files.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultMaxRedirects = 10
	defaultMaxBodySize  = 4 << 20
	defaultTimeout      = 30 * time.Second
)

// ErrTooManyRedirects is returned when a redirect chain exceeds MaxRedirects.
var ErrTooManyRedirects = errors.New("too many redirects")

// StatusError reports a response status other than 200.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// NetworkError reports a transport-level failure (DNS, connect, reset).
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Fetcher downloads resources, following redirects itself so the depth
// can be bounded.
type Fetcher struct {
	// MaxRedirects caps the number of 3xx hops followed. Defaults to 10.
	MaxRedirects int

	// MaxBodySize caps the accepted body size in bytes. Defaults to 4 MiB.
	MaxBodySize int64

	client *http.Client
}

// New creates a Fetcher. A zero timeout uses 30s.
func New(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Fetcher{
		MaxRedirects: defaultMaxRedirects,
		MaxBodySize:  defaultMaxBodySize,
		client: &http.Client{
			// The proxy environment would point back at ourselves.
			Transport: &http.Transport{Proxy: nil, TLSHandshakeTimeout: timeout},
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Fetch returns the body of location as text. Locations with an http or
// https scheme are downloaded; file:// URLs and bare paths are read from disk.
func (f *Fetcher) Fetch(ctx context.Context, location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Windows drive letters parse as one-letter schemes.
		return f.readFile(location)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return f.get(ctx, u)
	case "file":
		return f.readFile(u.Path)
	default:
		return "", fmt.Errorf("fetch %q: unsupported scheme %q", location, u.Scheme)
	}
}

func (f *Fetcher) get(ctx context.Context, u *url.URL) (string, error) {
	maxRedirects := f.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = defaultMaxRedirects
	}

	for hop := 0; ; hop++ {
		body, next, err := f.getOnce(ctx, u)
		if err != nil {
			return "", err
		}
		if next == nil {
			return body, nil
		}
		if hop >= maxRedirects {
			return "", fmt.Errorf("GET %s: %w (%d)", u, ErrTooManyRedirects, maxRedirects)
		}
		u = next
	}
}

// getOnce performs a single GET. It returns either the body or the URL of
// the next redirect hop.
func (f *Fetcher) getOnce(ctx context.Context, u *url.URL) (string, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", nil, fmt.Errorf("GET %s: %w", u, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil, &NetworkError{URL: u.String(), Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := f.readBody(resp.Body)
		if err != nil {
			return "", nil, &NetworkError{URL: u.String(), Err: err}
		}
		return body, nil, nil
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		loc := resp.Header.Get("Location")
		if loc == "" {
			return "", nil, &StatusError{URL: u.String(), Code: resp.StatusCode}
		}
		next, err := u.Parse(loc)
		if err != nil {
			return "", nil, fmt.Errorf("GET %s: bad redirect location %q: %w", u, loc, err)
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", next, nil
	default:
		return "", nil, &StatusError{URL: u.String(), Code: resp.StatusCode}
	}
}

func (f *Fetcher) readBody(r io.Reader) (string, error) {
	limit := f.MaxBodySize
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(b)) > limit {
		return "", fmt.Errorf("body exceeds %d bytes", limit)
	}
	return string(b), nil
}

func (f *Fetcher) readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %q: %w", path, err)
	}
	return string(b), nil
}
