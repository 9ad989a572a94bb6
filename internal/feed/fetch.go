package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxBodyBytes caps how much of a feed body is read.
const DefaultMaxBodyBytes = 10 << 20

// ErrBodyTooLarge is returned when a feed body exceeds the configured cap.
var ErrBodyTooLarge = errors.New("feed body too large")

// FetchConfig holds the settings of the feed fetcher.
type FetchConfig struct {
	Timeout           time.Duration
	MaxBodyBytes      int64
	RequestsPerSecond float64
	UserAgent         string
}

// Response is the outcome of one conditional GET. Non-2xx statuses are
// reported here, not as errors.
type Response struct {
	StatusCode   int
	Body         []byte
	ETag         string
	LastModified string
}

// NotModified reports a 304.
func (r *Response) NotModified() bool {
	return r.StatusCode == http.StatusNotModified
}

// OK reports a 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// Permanent reports statuses that mean the feed URL itself is invalid.
func (r *Response) Permanent() bool {
	switch r.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// Fetcher issues conditional GETs for feeds.
type Fetcher struct {
	httpClient   *http.Client
	limiter      *rate.Limiter
	maxBodyBytes int64
	userAgent    string
}

// NewFetcher creates a new feed fetcher.
func NewFetcher(config FetchConfig) *Fetcher {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 2
	}
	if config.UserAgent == "" {
		config.UserAgent = "tminus-maintenance/1.0"
	}
	return &Fetcher{
		httpClient:   &http.Client{Timeout: config.Timeout},
		limiter:      rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 5),
		maxBodyBytes: config.MaxBodyBytes,
		userAgent:    config.UserAgent,
	}
}

// Fetch downloads a feed, sending the stored validators as conditional headers.
func (f *Fetcher) Fetch(ctx context.Context, feedURL, etag, lastModified string) (*Response, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL(feedURL), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	req.Header.Set("User-Agent", f.userAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching feed: %w", err)
	}
	defer resp.Body.Close()

	out := &Response{
		StatusCode:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	if !out.OK() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return out, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading feed body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	out.Body = body
	return out, nil
}

// httpURL maps the webcal scheme, common in calendar share links, to https.
func httpURL(feedURL string) string {
	lower := strings.ToLower(feedURL)
	switch {
	case strings.HasPrefix(lower, "webcals://"):
		return "https://" + feedURL[len("webcals://"):]
	case strings.HasPrefix(lower, "webcal://"):
		return "https://" + feedURL[len("webcal://"):]
	}
	return feedURL
}
