package extract

// Content is the outcome of extracting one URL. Either Error is set and
// Markdown is empty, or Error is empty and Markdown holds the (possibly
// truncated) extracted body.
type Content struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Markdown string `json:"markdown,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Failed reports whether extraction produced an error outcome.
func (c *Content) Failed() bool {
	return c.Error != ""
}

func failure(url, reason string) *Content {
	return &Content{URL: url, Error: reason}
}
