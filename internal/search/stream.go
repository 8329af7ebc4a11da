package search

import (
	"encoding/json"
	"strings"
)

// Stream payloads tag answer patches with a JSON-pointer-ish path; this one
// carries only progress percentages and must be ignored.
const progressPath = "/progress"

// streamEvent is one parsed server-sent event payload.
type streamEvent struct {
	Blocks []streamBlock `json:"blocks"`
}

// streamBlock is one content block inside an event.
type streamBlock struct {
	Kind       string        `json:"kind"`
	WebResults []sourceRow   `json:"web_results,omitempty"`
	Patches    []streamPatch `json:"patches,omitempty"`
}

type sourceRow struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type streamPatch struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

// Reconstruct folds a raw server-sent-event stream into a final response.
// Malformed event payloads are skipped, never fatal, and replaying a
// duplicated event does not duplicate text.
func Reconstruct(raw string, maxResults int) *Response {
	resp := &Response{}
	seen := make(map[string]bool)

	for _, event := range splitEvents(raw) {
		payload := eventData(event)
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}

		for _, block := range ev.Blocks {
			switch block.Kind {
			case "sources":
				for _, row := range block.WebResults {
					if row.URL == "" || seen[row.URL] {
						continue
					}
					if maxResults > 0 && len(resp.Results) >= maxResults {
						continue
					}
					seen[row.URL] = true
					resp.Results = append(resp.Results, Result{
						Title:   row.Name,
						URL:     row.URL,
						Snippet: row.Snippet,
					})
				}
			case "markdown_diff":
				for _, patch := range block.Patches {
					if patch.Path == progressPath {
						continue
					}
					resp.Answer = applyFragment(resp.Answer, patch.Value)
				}
			}
		}
	}

	resp.Answer = strings.TrimSpace(resp.Answer)
	return resp
}

// applyFragment merges one answer fragment into the accumulated answer.
// Fragments may be whole-answer resends or incremental tokens from the same
// transport; prefix growth replaces, known suffixes are dropped, anything
// else appends.
func applyFragment(acc, fragment string) string {
	if fragment == "" {
		return acc
	}
	if strings.HasPrefix(fragment, acc) {
		return fragment
	}
	if strings.HasSuffix(acc, fragment) {
		return acc
	}
	return acc + fragment
}

// splitEvents separates a raw SSE stream into blank-line-delimited events.
func splitEvents(raw string) []string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	return strings.Split(normalized, "\n\n")
}

// eventData concatenates an event's data lines into one payload.
func eventData(event string) string {
	var b strings.Builder
	for _, line := range strings.Split(event, "\n") {
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			b.WriteString(strings.TrimSpace(rest))
		}
	}
	return b.String()
}
