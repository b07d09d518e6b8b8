// Package unfurl builds link previews from a page's title and OpenGraph
// tags. Results are cached; concurrent misses for one URL share a fetch.
package unfurl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/metrics"
	"golang.org/x/net/html"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidURL is returned for anything other than an absolute http(s) URL.
var ErrInvalidURL = errors.New("invalid url")

// Cache stores previews. A missing row yields (nil, nil).
type Cache interface {
	GetLinkPreview(ctx context.Context, url string) (*domain.LinkPreview, error)
	UpsertLinkPreview(ctx context.Context, preview *domain.LinkPreview) error
}

// Options configures fetching.
type Options struct {
	Timeout  time.Duration
	CacheTTL time.Duration
	MaxBytes int64
}

// Service fetches and caches previews.
type Service struct {
	cache  Cache
	client *http.Client
	opts   Options
	group  singleflight.Group
	now    func() time.Time
}

// New creates a Service. A nil client uses one with opts.Timeout.
func New(cache Cache, client *http.Client, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 1 << 20
	}
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Service{cache: cache, client: client, opts: opts, now: time.Now}
}

// ValidateURL normalizes raw and rejects non-http(s) URLs.
func ValidateURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", ErrInvalidURL
	}
	u.Fragment = ""
	return u.String(), nil
}

// Cached returns a fresh cached preview, or nil on a miss.
func (s *Service) Cached(ctx context.Context, pageURL string) (*domain.LinkPreview, error) {
	preview, err := s.cache.GetLinkPreview(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("get cached preview: %w", err)
	}
	if preview == nil || !preview.Fresh(s.now(), s.opts.CacheTTL) {
		return nil, nil
	}
	metrics.UnfurlFetches.WithLabelValues("hit").Inc()
	return preview, nil
}

// Fetch downloads pageURL, stores the preview and returns it. Callers
// racing on the same URL share one request.
func (s *Service) Fetch(ctx context.Context, pageURL string) (*domain.LinkPreview, error) {
	v, err, shared := s.group.Do(pageURL, func() (any, error) {
		// Detached so one caller giving up does not fail the others.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
		defer cancel()
		return s.fetch(fetchCtx, pageURL)
	})
	if err != nil {
		metrics.UnfurlFetches.WithLabelValues("error").Inc()
		return nil, err
	}
	if !shared {
		metrics.UnfurlFetches.WithLabelValues("miss").Inc()
	}
	return v.(*domain.LinkPreview), nil
}

func (s *Service) fetch(ctx context.Context, pageURL string) (*domain.LinkPreview, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "agentroom-unfurl/1.0")
	req.Header.Set("Accept", "text/html")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close unfurl body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch page: status %d", resp.StatusCode)
	}

	preview, err := Parse(io.LimitReader(resp.Body, s.opts.MaxBytes), pageURL)
	if err != nil {
		return nil, err
	}
	preview.FetchedAt = s.now()

	if err := s.cache.UpsertLinkPreview(ctx, preview); err != nil {
		slog.Warn("Failed to cache link preview", "url", pageURL, "error", err)
	}
	return preview, nil
}

// Parse extracts a preview from an HTML document. OpenGraph values win
// over <title> and the description meta tag.
func Parse(r io.Reader, pageURL string) (*domain.LinkPreview, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var title, ogTitle, description, ogDescription, siteName string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					title = n.FirstChild.Data
				}
			case "meta":
				key, content := metaPair(n)
				switch key {
				case "og:title":
					ogTitle = content
				case "og:description":
					ogDescription = content
				case "og:site_name":
					siteName = content
				case "description":
					description = content
				}
			case "body":
				// Preview metadata lives in <head>.
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	preview := &domain.LinkPreview{
		URL:         pageURL,
		Title:       strings.TrimSpace(firstNonEmpty(ogTitle, title)),
		Description: strings.TrimSpace(firstNonEmpty(ogDescription, description)),
		SiteName:    strings.TrimSpace(siteName),
	}
	if preview.Title == "" {
		if u, err := url.Parse(pageURL); err == nil {
			preview.Title = u.Host
		}
	}
	return preview, nil
}

func metaPair(n *html.Node) (key, content string) {
	for _, attr := range n.Attr {
		switch strings.ToLower(attr.Key) {
		case "property", "name":
			if key == "" {
				key = strings.ToLower(attr.Val)
			}
		case "content":
			content = attr.Val
		}
	}
	return key, content
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
