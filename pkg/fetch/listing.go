package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/eunmann/maude-sync/internal/logctx"
)

// ListingRemote answers existence probes from the host's HTML download page
// instead of one HEAD request per candidate. Downloads, and probes for
// names absent from a page that failed to load, go to the wrapped remote.
type ListingRemote struct {
	inner      Remote
	listingURL string
	client     *http.Client
	ttl        time.Duration

	mu       sync.Mutex
	names    map[string]bool
	loadedAt time.Time
}

// NewListingRemote wraps inner with a listing page at listingURL. The parsed
// listing is reused for ttl; a zero ttl keeps it for the process lifetime.
func NewListingRemote(inner Remote, listingURL string, client *http.Client, ttl time.Duration) *ListingRemote {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ListingRemote{
		inner:      inner,
		listingURL: listingURL,
		client:     client,
		ttl:        ttl,
	}
}

// Exists consults the listing page, falling back to the wrapped remote when
// the page cannot be loaded.
func (r *ListingRemote) Exists(ctx context.Context, filename string) (bool, error) {
	names, err := r.listing(ctx)
	if err != nil {
		log := logctx.FromContext(ctx)
		log.Warn().Err(err).Str("listing_url", r.listingURL).
			Msg("listing page unavailable, probing archive directly")
		return r.inner.Exists(ctx, filename)
	}
	return names[strings.ToLower(filename)], nil
}

// Download delegates to the wrapped remote.
func (r *ListingRemote) Download(ctx context.Context, filename string, dst Destination) (int64, error) {
	return r.inner.Download(ctx, filename, dst)
}

func (r *ListingRemote) listing(ctx context.Context) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.names != nil && (r.ttl == 0 || time.Since(r.loadedAt) < r.ttl) {
		return r.names, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.listingURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build listing request: %w", err)
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	res, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch listing %s: %w", r.listingURL, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: res.StatusCode, URL: r.listingURL}
	}

	doc, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return nil, fmt.Errorf("parse listing %s: %w", r.listingURL, err)
	}

	names := ParseListing(doc)
	log := logctx.FromContext(ctx)
	log.Debug().Int("archives", len(names)).Str("listing_url", r.listingURL).
		Msg("loaded archive listing")

	r.names = names
	r.loadedAt = time.Now()
	return names, nil
}

// ParseListing collects the lower-cased base names of every .zip link.
func ParseListing(doc *goquery.Document) map[string]bool {
	names := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		u, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		base := strings.ToLower(path.Base(u.Path))
		if strings.HasSuffix(base, ".zip") {
			names[base] = true
		}
	})
	return names
}
