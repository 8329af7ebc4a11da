package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"github.com/nicobailon/pi-web-access/internal/config"
	"github.com/nicobailon/pi-web-access/internal/logging"
)

// maxFetchBytes caps how much of a response body is read.
const maxFetchBytes = 20 * 1024 * 1024

// fetchResult is a completed fetch with its classification.
type fetchResult struct {
	Body        []byte
	ContentType string
	Status      int
	StatusText  string
}

// httpError is a structured non-success response, not a transport failure.
type httpError struct {
	Status     int
	StatusText string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.StatusText)
}

// Fetcher retrieves resources with retries on transient failures and a
// process-wide politeness pacer for outbound requests.
type Fetcher struct {
	log     *logging.Logger
	client  *http.Client
	limiter *rate.Limiter
}

// NewFetcher builds a fetcher from configuration.
func NewFetcher(cfg config.FetchConfig, log *logging.Logger) *Fetcher {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil
	retryClient.HTTPClient.Timeout = cfg.Timeout

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	return &Fetcher{
		log:     log.Component("extract.fetch"),
		client:  retryClient.StandardClient(),
		limiter: limiter,
	}
}

// Get fetches one URL. A non-2xx status is returned as *httpError; any
// other error is a transport failure.
func (f *Fetcher) Get(ctx context.Context, url string) (*fetchResult, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; pi-web-access/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpError{
			Status:     resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mimetype.Detect(body).String()
	}

	return &fetchResult{
		Body:        body,
		ContentType: contentType,
		Status:      resp.StatusCode,
		StatusText:  http.StatusText(resp.StatusCode),
	}, nil
}

// isHTML reports whether the result should go through the HTML extractors.
func (r *fetchResult) isHTML() bool {
	ct := strings.ToLower(r.ContentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// isText reports whether the result is plain text eligible for passthrough.
func (r *fetchResult) isText() bool {
	ct := strings.ToLower(r.ContentType)
	if strings.HasPrefix(ct, "text/") && !r.isHTML() {
		return true
	}
	return strings.Contains(ct, "application/json") || strings.Contains(ct, "application/xml") ||
		strings.Contains(ct, "javascript")
}

// decodeToUTF8 converts a fetched body to UTF-8, detecting the charset when
// the header did not declare one.
func decodeToUTF8(body []byte, contentType string) string {
	name := charsetFromContentType(contentType)
	if name == "" {
		detector := chardet.NewTextDetector()
		if result, err := detector.DetectBest(body); err == nil && result != nil {
			name = strings.ToLower(result.Charset)
		}
	}
	if name == "" || name == "utf-8" {
		return string(body)
	}

	reader, err := charset.NewReaderLabel(name, bytes.NewReader(body))
	if err != nil {
		return string(body)
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return string(body)
	}
	return string(decoded)
}

func charsetFromContentType(contentType string) string {
	for _, part := range strings.Split(contentType, ";") {
		part = strings.TrimSpace(strings.ToLower(part))
		if value, ok := strings.CutPrefix(part, "charset="); ok {
			return strings.Trim(value, `"`)
		}
	}
	return ""
}
