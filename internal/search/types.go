package search

// Recency restricts results to a trailing time window.
type Recency string

const (
	RecencyDay   Recency = "day"
	RecencyWeek  Recency = "week"
	RecencyMonth Recency = "month"
	RecencyYear  Recency = "year"
)

const (
	// DefaultMaxResults applies when a query does not bound result count.
	DefaultMaxResults = 5
	// MaxResults is the hard cap on requested results.
	MaxResults = 20
)

// Query is an immutable search request.
type Query struct {
	Text string
	// Recency optionally restricts result age.
	Recency Recency
	// AllowDomains and DenyDomains restrict result hosts. Entries that do
	// not look like hostnames are dropped, not fatal.
	AllowDomains []string
	DenyDomains  []string
	// MaxResults bounds returned results (1..20, default 5).
	MaxResults int
}

// normalized clamps the result bound into its valid range.
func (q Query) normalized() Query {
	if q.MaxResults <= 0 {
		q.MaxResults = DefaultMaxResults
	}
	if q.MaxResults > MaxResults {
		q.MaxResults = MaxResults
	}
	return q
}

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Response is a synthesized answer plus its supporting results. URLs are
// unique and the slice is capped at the query's result bound.
type Response struct {
	Answer  string   `json:"answer"`
	Results []Result `json:"results"`
}

// Empty reports whether the provider returned nothing usable.
func (r *Response) Empty() bool {
	return r == nil || (r.Answer == "" && len(r.Results) == 0)
}
