package extract

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Pages rendered by React server components often ship no readable markup,
// only a serialized "flight" payload pushed chunk by chunk for client-side
// hydration. The payload is parseable without rendering: it is a sequence
// of id-prefixed JSON rows whose element trees carry the page text.

// flightUsableChars is the minimum extracted text for the flight extractor
// to count as a success.
const flightUsableChars = 200

var flightChunkPattern = regexp.MustCompile(`self\.__next_f\.push\(\[1,\s*"((?:[^"\\]|\\.)*)"\]\)`)

// extractFlight recovers text content from framework flight-data chunks.
func extractFlight(doc *goquery.Document) (string, string, bool) {
	var chunks []string
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		for _, match := range flightChunkPattern.FindAllStringSubmatch(s.Text(), -1) {
			decoded, err := strconv.Unquote(`"` + match[1] + `"`)
			if err != nil {
				continue
			}
			chunks = append(chunks, decoded)
		}
	})
	if len(chunks) == 0 {
		return "", "", false
	}

	payload := strings.Join(chunks, "")

	var title string
	var blocks []string
	for _, row := range strings.Split(payload, "\n") {
		_, value, found := strings.Cut(row, ":")
		if !found {
			continue
		}
		var tree any
		if err := json.Unmarshal([]byte(value), &tree); err != nil {
			continue
		}
		walkFlight(tree, &title, &blocks)
	}

	text := strings.TrimSpace(strings.Join(blocks, "\n\n"))
	if len(text) < flightUsableChars {
		return "", "", false
	}
	return title, text, true
}

// walkFlight descends a flight element tree collecting text. Elements are
// encoded as ["$","tag",key,props]; everything else is containers or text.
func walkFlight(node any, title *string, blocks *[]string) {
	switch v := node.(type) {
	case string:
		if usableFlightText(v) {
			*blocks = append(*blocks, strings.TrimSpace(v))
		}
	case []any:
		if tag, props, ok := flightElement(v); ok {
			if tag == "title" && *title == "" {
				if text, ok := props["children"].(string); ok {
					*title = strings.TrimSpace(text)
				}
				return
			}
			if tag == "script" || tag == "style" || tag == "link" || tag == "meta" {
				return
			}
			walkFlight(props["children"], title, blocks)
			return
		}
		for _, item := range v {
			walkFlight(item, title, blocks)
		}
	case map[string]any:
		walkFlight(v["children"], title, blocks)
	}
}

// flightElement matches the ["$","tag",key,props] element encoding.
func flightElement(v []any) (string, map[string]any, bool) {
	if len(v) != 4 {
		return "", nil, false
	}
	marker, ok := v[0].(string)
	if !ok || marker != "$" {
		return "", nil, false
	}
	tag, ok := v[1].(string)
	if !ok {
		return "", nil, false
	}
	props, ok := v[3].(map[string]any)
	if !ok {
		return tag, map[string]any{}, true
	}
	return tag, props, true
}

// usableFlightText filters out reference markers and structural noise.
func usableFlightText(s string) bool {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 3 {
		return false
	}
	// "$L1"-style strings are references to other rows, not content.
	return !strings.HasPrefix(trimmed, "$")
}
