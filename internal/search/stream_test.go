package search

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sseEvent(payload string) string {
	return "data: " + payload + "\n\n"
}

func TestReconstructMonotonicGrowth(t *testing.T) {
	var b strings.Builder
	for _, fragment := range []string{"The", "The cat", "The cat sat"} {
		b.WriteString(sseEvent(`{"blocks":[{"kind":"markdown_diff","patches":[{"path":"/answer","value":"` + fragment + `"}]}]}`))
	}
	b.WriteString(sseEvent("[DONE]"))

	resp := Reconstruct(b.String(), 5)
	assert.Equal(t, "The cat sat", resp.Answer)
}

func TestReconstructOutOfOrderDuplicate(t *testing.T) {
	var b strings.Builder
	for _, fragment := range []string{"The cat sat", "The cat"} {
		b.WriteString(sseEvent(`{"blocks":[{"kind":"markdown_diff","patches":[{"path":"/answer","value":"` + fragment + `"}]}]}`))
	}

	resp := Reconstruct(b.String(), 5)
	assert.Equal(t, "The cat sat", resp.Answer)
}

func TestReconstructTokenStreamAppends(t *testing.T) {
	var b strings.Builder
	for _, fragment := range []string{"The cat", " sat", " down"} {
		b.WriteString(sseEvent(`{"blocks":[{"kind":"markdown_diff","patches":[{"path":"/answer","value":"` + fragment + `"}]}]}`))
	}

	resp := Reconstruct(b.String(), 5)
	assert.Equal(t, "The cat sat down", resp.Answer)
}

func TestReconstructIdempotentUnderDuplication(t *testing.T) {
	event := sseEvent(`{"blocks":[{"kind":"markdown_diff","patches":[{"path":"/answer","value":"The cat sat"}]},{"kind":"sources","web_results":[{"name":"A","url":"https://a.example"}]}]}`)

	once := Reconstruct(event, 5)
	twice := Reconstruct(event+event, 5)

	assert.Equal(t, once.Answer, twice.Answer)
	assert.Equal(t, once.Results, twice.Results)
	assert.Len(t, twice.Results, 1)
}

func TestReconstructSkipsProgressPath(t *testing.T) {
	raw := sseEvent(`{"blocks":[{"kind":"markdown_diff","patches":[{"path":"/progress","value":"42%"},{"path":"/answer","value":"real answer"}]}]}`)

	resp := Reconstruct(raw, 5)
	assert.Equal(t, "real answer", resp.Answer)
}

func TestReconstructDedupesAndCapsSources(t *testing.T) {
	raw := sseEvent(`{"blocks":[{"kind":"sources","web_results":[` +
		`{"name":"A","url":"https://a.example"},` +
		`{"name":"A again","url":"https://a.example"},` +
		`{"name":"B","url":"https://b.example"},` +
		`{"name":"C","url":"https://c.example"}]}]}`)

	resp := Reconstruct(raw, 2)
	assert.Len(t, resp.Results, 2)
	assert.Equal(t, "https://a.example", resp.Results[0].URL)
	assert.Equal(t, "https://b.example", resp.Results[1].URL)
}

func TestReconstructSkipsMalformedEvents(t *testing.T) {
	raw := sseEvent(`{not json`) +
		sseEvent(`{"blocks":[{"kind":"markdown_diff","patches":[{"path":"/answer","value":"ok"}]}]}`) +
		sseEvent("")

	resp := Reconstruct(raw, 5)
	assert.Equal(t, "ok", resp.Answer)
}

func TestReconstructMultilineDataAndCRLF(t *testing.T) {
	raw := "data: {\"blocks\":[{\"kind\":\"markdown_diff\",\r\ndata: \"patches\":[{\"path\":\"/answer\",\"value\":\"joined\"}]}]}\r\n\r\n"

	resp := Reconstruct(raw, 5)
	assert.Equal(t, "joined", resp.Answer)
}

func TestReconstructEmptyStream(t *testing.T) {
	resp := Reconstruct("", 5)
	assert.True(t, resp.Empty())
}
