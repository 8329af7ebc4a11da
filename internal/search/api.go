package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/nicobailon/pi-web-access/internal/logging"
)

// apiModel is the provider model used for grounded search answers.
const apiModel = "sonar"

// apiProvider is the direct API stage: an authenticated JSON request with
// recency and domain options mapped to provider-native filters.
type apiProvider struct {
	log     *logging.Logger
	client  *resty.Client
	baseURL string
	apiKey  string
}

func newAPIProvider(log *logging.Logger, baseURL, apiKey string, timeout time.Duration) *apiProvider {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "pi-web-access/1.0")
	return &apiProvider{
		log:     log.Component("search.api"),
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

func (p *apiProvider) Stage() Stage { return StageAPI }

// apiResponse is the subset of the provider payload we consume.
type apiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	SearchResults []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
	} `json:"search_results"`
	Citations []string `json:"citations"`
}

func (p *apiProvider) Search(ctx context.Context, q Query) (*Response, error) {
	q = q.normalized()

	payload := map[string]any{
		"model": apiModel,
		"messages": []map[string]string{
			{"role": "user", "content": q.Text},
		},
	}
	if q.Recency != "" {
		payload["search_recency_filter"] = string(q.Recency)
	}
	if filter := domainFilter(q); len(filter) > 0 {
		payload["search_domain_filter"] = filter
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+p.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(p.baseURL + "/chat/completions")
	if err != nil {
		return nil, &StageError{Stage: StageAPI, Class: ClassTransport, Err: err}
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusTooManyRequests:
		return nil, &StageError{Stage: StageAPI, Class: ClassAuthRejected,
			Err: fmt.Errorf("http %d: %s", code, resp.Status())}
	case code < 200 || code >= 300:
		return nil, &StageError{Stage: StageAPI, Class: ClassTransport,
			Err: fmt.Errorf("http %d: %s", code, resp.Status())}
	}

	var parsed apiResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, &StageError{Stage: StageAPI, Class: ClassMalformed, Err: err}
	}

	out := parsed.toResponse(q.MaxResults)
	if out.Empty() {
		return nil, &StageError{Stage: StageAPI, Class: ClassMalformed,
			Err: fmt.Errorf("provider returned no answer and no results")}
	}
	return out, nil
}

// toResponse normalizes the provider payload. Results missing a title get a
// positional "Source N" title; URLs are deduplicated and capped.
func (r *apiResponse) toResponse(maxResults int) *Response {
	out := &Response{}
	if len(r.Choices) > 0 {
		out.Answer = strings.TrimSpace(r.Choices[0].Message.Content)
	}

	seen := make(map[string]bool)
	add := func(title, url, snippet string) {
		if url == "" || seen[url] || len(out.Results) >= maxResults {
			return
		}
		seen[url] = true
		if title == "" {
			title = fmt.Sprintf("Source %d", len(out.Results)+1)
		}
		out.Results = append(out.Results, Result{Title: title, URL: url, Snippet: snippet})
	}

	for _, sr := range r.SearchResults {
		add(sr.Title, sr.URL, sr.Snippet)
	}
	for _, citation := range r.Citations {
		add("", citation, "")
	}
	return out
}

// domainFilter builds the provider-native domain filter list: allow entries
// verbatim, deny entries prefixed with a dash.
func domainFilter(q Query) []string {
	var filter []string
	filter = append(filter, validDomains(q.AllowDomains)...)
	for _, d := range validDomains(q.DenyDomains) {
		filter = append(filter, "-"+d)
	}
	return filter
}
