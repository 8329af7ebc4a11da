package extract

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicobailon/pi-web-access/internal/config"
	"github.com/nicobailon/pi-web-access/internal/logging"
	"github.com/nicobailon/pi-web-access/internal/monitoring"
)

// Pipeline classifies fetched resources and applies the cheapest extractor
// that can succeed: readability article extraction, then flight-data
// recovery for hydration-only pages, plain-text passthrough for non-HTML
// text. Every outcome, including each failure branch, emits exactly one
// observability event.
type Pipeline struct {
	log     *logging.Logger
	metrics *monitoring.Metrics
	fetcher *Fetcher
	conv    *converter

	timeout     time.Duration
	maxChars    int
	concurrency int
}

// New builds the extraction pipeline from configuration.
func New(cfg config.FetchConfig, log *logging.Logger, metrics *monitoring.Metrics) *Pipeline {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Pipeline{
		log:         log.Component("extract"),
		metrics:     metrics,
		fetcher:     NewFetcher(cfg, log),
		conv:        newConverter(),
		timeout:     cfg.Timeout,
		maxChars:    cfg.MaxContentChars,
		concurrency: concurrency,
	}
}

// Extract fetches and extracts one URL. Failures are returned as data on
// the Content record, never as an error. timeout <= 0 uses the configured
// default; the caller's ctx and the timeout share one cancellation path.
func (p *Pipeline) Extract(ctx context.Context, rawURL string, timeout time.Duration) *Content {
	start := time.Now()
	content, fetched := p.run(ctx, rawURL, timeout)

	outcome := "success"
	if content.Failed() {
		outcome = "error"
		p.log.Debug("extraction failed",
			zap.String("url", rawURL), zap.String("reason", content.Error))
	} else {
		p.log.Debug("extraction complete",
			zap.String("url", rawURL), zap.Int("chars", len(content.Markdown)))
	}
	p.metrics.ObserveFetch(outcome, time.Since(start), fetched)
	return content
}

// ExtractAll extracts every URL with bounded concurrency, preserving one
// result per input position. A failure in one URL never aborts siblings.
func (p *Pipeline) ExtractAll(ctx context.Context, urls []string) []*Content {
	results := make([]*Content, len(urls))

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			results[i] = p.Extract(ctx, u, p.timeout)
			return nil
		})
	}
	// Workers only report through the results slice.
	_ = g.Wait()
	return results
}

// run performs the fetch and extractor chain, returning the content record
// and the number of fetched body bytes for metrics.
func (p *Pipeline) run(ctx context.Context, rawURL string, timeout time.Duration) (*Content, int) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		// Local failure: no network cost.
		return failure(rawURL, "Invalid URL"), 0
	}

	if timeout <= 0 {
		timeout = p.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := p.fetcher.Get(ctx, rawURL)
	if err != nil {
		var httpErr *httpError
		switch {
		case errors.As(err, &httpErr):
			return failure(rawURL, httpErr.Error()), 0
		case errors.Is(err, context.DeadlineExceeded):
			return failure(rawURL, fmt.Sprintf("Request timed out after %s", timeout)), 0
		default:
			return failure(rawURL, fmt.Sprintf("Fetch failed: %v", err)), 0
		}
	}

	switch {
	case res.isHTML():
		content := p.extractHTML(rawURL, parsed, res)
		return content, len(res.Body)
	case res.isText():
		text := strings.TrimSpace(decodeToUTF8(res.Body, res.ContentType))
		if text == "" {
			return failure(rawURL, "Empty response body"), len(res.Body)
		}
		return &Content{URL: rawURL, Markdown: truncate(text, p.maxChars)}, len(res.Body)
	default:
		return failure(rawURL, fmt.Sprintf("Unsupported content type: %s", res.ContentType)), len(res.Body)
	}
}

// extractHTML runs the article extractor chain over an HTML document.
func (p *Pipeline) extractHTML(rawURL string, parsed *url.URL, res *fetchResult) *Content {
	html := decodeToUTF8(res.Body, res.ContentType)

	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		markdown, convErr := p.conv.Convert(article.Content)
		if convErr == nil && markdown != "" {
			return &Content{
				URL:      rawURL,
				Title:    strings.TrimSpace(article.Title),
				Markdown: truncate(markdown, p.maxChars),
			}
		}
	}

	// Hydration-only pages embed their content as flight data instead of
	// rendered markup.
	doc, docErr := goquery.NewDocumentFromReader(strings.NewReader(html))
	if docErr == nil {
		if title, text, ok := extractFlight(doc); ok {
			if title == "" {
				title = strings.TrimSpace(doc.Find("title").First().Text())
			}
			return &Content{URL: rawURL, Title: title, Markdown: truncate(text, p.maxChars)}
		}
	}

	return failure(rawURL, "Extraction failed: no readable content")
}
