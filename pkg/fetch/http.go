package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the FDA's MAUDE download area.
const DefaultBaseURL = "https://www.accessdata.fda.gov/MAUDE/ftparea"

// DefaultUserAgent identifies the client to the archive host.
const DefaultUserAgent = "maude-sync/1.0"

// HTTPRemote serves archives from a plain HTTP(S) directory.
type HTTPRemote struct {
	baseURL   string
	client    *http.Client
	userAgent string
}

// NewHTTPRemote creates a remote rooted at baseURL. A nil client gets a
// default client without an overall timeout; attempts are bounded by the
// Fetcher's per-attempt context instead.
func NewHTTPRemote(baseURL string, client *http.Client, userAgent string) *HTTPRemote {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		}
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &HTTPRemote{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    client,
		userAgent: userAgent,
	}
}

// URL returns the download URL for filename.
func (r *HTTPRemote) URL(filename string) string {
	return r.baseURL + "/" + url.PathEscape(filename)
}

func (r *HTTPRemote) do(ctx context.Context, method, filename string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.URL(filename), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL, err)
	}
	return resp, nil
}

// Exists issues a HEAD request.
func (r *HTTPRemote) Exists(ctx context.Context, filename string) (bool, error) {
	resp, err := r.do(ctx, http.MethodHead, filename)
	if err != nil {
		return false, err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return false, nil
	default:
		return false, &StatusError{Code: resp.StatusCode, URL: r.URL(filename)}
	}
}

// Download streams the archive body into dst.
func (r *HTTPRemote) Download(ctx context.Context, filename string, dst Destination) (int64, error) {
	resp, err := r.do(ctx, http.MethodGet, filename)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return 0, fmt.Errorf("GET %s: %w", r.URL(filename), ErrNotFound)
	default:
		return 0, &StatusError{Code: resp.StatusCode, URL: r.URL(filename)}
	}

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, fmt.Errorf("read body of %s: %w", filename, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, fmt.Errorf("read body of %s: got %d of %d bytes: %w", filename, n, resp.ContentLength, io.ErrUnexpectedEOF)
	}
	return n, nil
}
