package unfurl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
)

type memoryCache struct {
	mu   sync.Mutex
	rows map[string]*domain.LinkPreview
}

func (c *memoryCache) GetLinkPreview(_ context.Context, url string) (*domain.LinkPreview, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows[url], nil
}

func (c *memoryCache) UpsertLinkPreview(_ context.Context, p *domain.LinkPreview) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rows == nil {
		c.rows = make(map[string]*domain.LinkPreview)
	}
	c.rows[p.URL] = p
	return nil
}

const page = `<!doctype html><html><head>
<title>Plain title</title>
<meta name="description" content="plain description">
<meta property="og:title" content="OG title">
<meta property="og:site_name" content="Example">
</head><body><meta property="og:title" content="ignored"></body></html>`

func TestParsePrefersOpenGraph(t *testing.T) {
	t.Parallel()
	p, err := Parse(strings.NewReader(page), "https://example.com/a")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Title != "OG title" {
		t.Errorf("expected OG title, got %q", p.Title)
	}
	if p.Description != "plain description" {
		t.Errorf("expected fallback description, got %q", p.Description)
	}
	if p.SiteName != "Example" {
		t.Errorf("expected site name, got %q", p.SiteName)
	}
}

func TestParseFallsBackToHost(t *testing.T) {
	t.Parallel()
	p, err := Parse(strings.NewReader("<html><body>hi</body></html>"), "https://example.org/x")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Title != "example.org" {
		t.Errorf("expected host as title, got %q", p.Title)
	}
}

func TestValidateURL(t *testing.T) {
	t.Parallel()
	if _, err := ValidateURL("ftp://example.com"); !errors.Is(err, ErrInvalidURL) {
		t.Errorf("expected ErrInvalidURL for ftp, got %v", err)
	}
	if _, err := ValidateURL("/relative"); !errors.Is(err, ErrInvalidURL) {
		t.Errorf("expected ErrInvalidURL for relative, got %v", err)
	}
	got, err := ValidateURL(" https://example.com/a#frag ")
	if err != nil || got != "https://example.com/a" {
		t.Errorf("unexpected normalization %q (%v)", got, err)
	}
}

func TestFetchCachesAndCollapsesConcurrentMisses(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		<-release
		fmt.Fprint(w, page)
	}))
	defer srv.Close()

	cache := &memoryCache{}
	s := New(cache, srv.Client(), Options{Timeout: 5 * time.Second})

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Fetch(context.Background(), srv.URL)
			if err == nil && p.Title != "OG title" {
				err = fmt.Errorf("unexpected title %q", p.Title)
			}
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("expected one upstream request, got %d", hits.Load())
	}

	cached, err := s.Cached(context.Background(), srv.URL)
	if err != nil || cached == nil {
		t.Fatalf("expected cache hit, got %+v (%v)", cached, err)
	}
}

func TestCachedTreatsStaleAsMiss(t *testing.T) {
	t.Parallel()
	cache := &memoryCache{}
	s := New(cache, nil, Options{CacheTTL: time.Hour})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_ = cache.UpsertLinkPreview(context.Background(), &domain.LinkPreview{URL: "https://a.example", Title: "A", FetchedAt: now.Add(-2 * time.Hour)})
	p, err := s.Cached(context.Background(), "https://a.example")
	if err != nil || p != nil {
		t.Fatalf("expected stale row to be a miss, got %+v (%v)", p, err)
	}
}

func TestFetchRejectsErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := New(&memoryCache{}, srv.Client(), Options{})
	if _, err := s.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 404")
	}
}
