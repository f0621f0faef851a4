// Package fetcher performs outbound requests to tenant-supplied URLs:
// reading news feeds and posting to webhooks. Every destination is checked
// with urlguard before a request is built.
package fetcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/mmcdole/gofeed"

	"bizdash/internal/urlguard"
)

const (
	maxFeedBytes  = 5 * 1024 * 1024
	maxHeadlines  = 20
	userAgent     = "BizDash/1.0"
	summaryLength = 300
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Feed is the parsed subset of a news feed shown on the dashboard.
type Feed struct {
	Title     string     `json:"title"`
	Headlines []Headline `json:"headlines"`
}

// Headline is a single feed item.
type Headline struct {
	Title     string     `json:"title"`
	Summary   string     `json:"summary,omitempty"`
	Link      string     `json:"link,omitempty"`
	GUID      string     `json:"guid"`
	Published *time.Time `json:"published,omitempty"`
}

// Fetcher makes guarded outbound requests.
type Fetcher struct {
	client HTTPClient
	log    *slog.Logger
}

// New creates a Fetcher with the given HTTP client. In production the client
// comes from urlguard.NewClient.
func New(client HTTPClient, log *slog.Logger) *Fetcher {
	return &Fetcher{client: client, log: log}
}

func (f *Fetcher) guard(raw string) error {
	c := urlguard.Classify(raw)
	if !c.Safe {
		f.log.Warn("outbound request refused", "url", raw, "reason", c.Reason)
		return urlguard.ErrUnsafeTarget
	}
	return nil
}

// FetchFeed downloads and parses the feed at url.
func (f *Fetcher) FetchFeed(ctx context.Context, url string) (*Feed, error) {
	if err := f.guard(url); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return summarize(parsed), nil
}

func summarize(feed *gofeed.Feed) *Feed {
	out := &Feed{Title: feed.Title, Headlines: []Headline{}}
	for i, item := range feed.Items {
		if i == maxHeadlines {
			break
		}
		summary := truncate(item.Description, summaryLength)
		out.Headlines = append(out.Headlines, Headline{
			Title:     item.Title,
			Summary:   summary,
			Link:      item.Link,
			GUID:      ItemGUID(item),
			Published: item.PublishedParsed,
		})
	}
	return out
}

// truncate shortens s to n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// ItemGUID returns the GUID for a feed item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ItemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

// PostJSON sends payload to url and returns the response status code.
func (f *Fetcher) PostJSON(ctx context.Context, url string, payload any) (int, error) {
	if err := f.guard(url); err != nil {
		return 0, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return resp.StatusCode, nil
}
