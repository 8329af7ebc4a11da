package extract

import (
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/microcosm-cc/bluemonday"
)

// TruncationMarker is appended whenever content is cut at the length limit.
// Truncation is never silent.
const TruncationMarker = "\n\n[content truncated]"

// converter turns sanitized article HTML into markdown.
type converter struct {
	sanitizer *bluemonday.Policy
	markdown  *md.Converter
}

func newConverter() *converter {
	return &converter{
		sanitizer: bluemonday.UGCPolicy(),
		markdown:  md.NewConverter("", true, nil),
	}
}

// Convert sanitizes HTML and renders it as markdown.
func (c *converter) Convert(html string) (string, error) {
	clean := c.sanitizer.Sanitize(html)
	out, err := c.markdown.ConvertString(clean)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// truncate cuts content at limit bytes and appends the marker. Content at
// or under the limit is returned byte-for-byte unmodified.
func truncate(content string, limit int) string {
	if limit <= 0 || len(content) <= limit {
		return content
	}
	return content[:limit] + TruncationMarker
}
