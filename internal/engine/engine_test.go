package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicobailon/pi-web-access/internal/config"
	"github.com/nicobailon/pi-web-access/internal/extract"
	"github.com/nicobailon/pi-web-access/internal/logging"
	"github.com/nicobailon/pi-web-access/internal/repocache"
	"github.com/nicobailon/pi-web-access/internal/search"
	"github.com/nicobailon/pi-web-access/internal/store"
)

type fakeSearcher struct {
	resp *search.Response
	err  error
}

func (f *fakeSearcher) Search(ctx context.Context, q search.Query) (*search.Response, error) {
	return f.resp, f.err
}

type fakeExtractor struct {
	urls []string
}

func (f *fakeExtractor) ExtractAll(ctx context.Context, urls []string) []*extract.Content {
	f.urls = urls
	results := make([]*extract.Content, len(urls))
	for i, u := range urls {
		results[i] = &extract.Content{URL: u, Markdown: "extracted " + u}
	}
	return results
}

type fakeCloner struct {
	root  string
	err   error
	calls int
	force bool
}

func (f *fakeCloner) GetOrClone(ctx context.Context, id repocache.Identity, force bool) (string, error) {
	f.calls++
	f.force = force
	if f.err != nil {
		return "", f.err
	}
	return f.root, nil
}

func (f *fakeCloner) Reset(ctx context.Context) error { return nil }

type fakeLister struct {
	entries []repocache.RemoteEntry
	err     error
}

func (f *fakeLister) ListContents(ctx context.Context, id repocache.Identity, path string) ([]repocache.RemoteEntry, error) {
	return f.entries, f.err
}

// workingCopy lays out a fake clone on disk.
func workingCopy(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# demo\n\nHello."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "logo.png"), []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}, 0o644))
	return root
}

func testEngine(t *testing.T, searcher Searcher, extractor Extractor, repos RepoCloner, lister RepoLister, results *store.Store) *Engine {
	t.Helper()
	cfg := config.Default()
	return New(cfg, searcher, extractor, repos, lister, results, logging.NewNop())
}

func TestSearchPersistsResponse(t *testing.T) {
	results, err := store.Open(":memory:", logging.NewNop())
	require.NoError(t, err)
	defer results.Close()

	searcher := &fakeSearcher{resp: &search.Response{
		Answer:  "Go modules are versioned units of code.",
		Results: []search.Result{{Title: "Go Modules", URL: "https://go.dev/ref/mod"}},
	}}
	e := testEngine(t, searcher, &fakeExtractor{}, nil, nil, results)

	out, err := e.Search(context.Background(), search.Query{Text: "what are go modules"})
	require.NoError(t, err)
	require.NotEmpty(t, out.ID)

	rec, err := results.Get(context.Background(), out.ID)
	require.NoError(t, err)
	assert.Equal(t, "search", rec.Kind)
	assert.Equal(t, "what are go modules", rec.Source)
	assert.Contains(t, rec.Payload, "go.dev/ref/mod")
}

func TestSearchErrorPropagates(t *testing.T) {
	searcher := &fakeSearcher{err: search.ErrNoCredentials}
	e := testEngine(t, searcher, &fakeExtractor{}, nil, nil, nil)

	_, err := e.Search(context.Background(), search.Query{Text: "q"})
	assert.ErrorIs(t, err, search.ErrNoCredentials)
}

func TestFetchRoutesRepoURLsThroughCloneCache(t *testing.T) {
	cloner := &fakeCloner{root: workingCopy(t)}
	extractor := &fakeExtractor{}
	e := testEngine(t, &fakeSearcher{}, extractor, cloner, nil, nil)

	urls := []string{
		"https://example.com/article",
		"https://github.com/octo/demo/blob/main/README.md",
		"https://example.org/page",
	}
	results := e.Fetch(context.Background(), urls)

	require.Len(t, results, 3)
	assert.Equal(t, "extracted https://example.com/article", results[0].Markdown)
	assert.Contains(t, results[1].Markdown, "# demo")
	assert.Equal(t, "github.com/octo/demo/README.md", results[1].Title)
	assert.Equal(t, "extracted https://example.org/page", results[2].Markdown)

	assert.Equal(t, 1, cloner.calls)
	assert.Equal(t, []string{"https://example.com/article", "https://example.org/page"}, extractor.urls)
}

func TestReadRepoFile(t *testing.T) {
	cloner := &fakeCloner{root: workingCopy(t)}
	e := testEngine(t, &fakeSearcher{}, &fakeExtractor{}, cloner, nil, nil)

	view, err := e.ReadRepo(context.Background(), "https://github.com/octo/demo/blob/main/src/main.go", false)
	require.NoError(t, err)
	assert.False(t, view.IsDir)
	assert.Equal(t, "package main\n", view.Content)
	assert.Equal(t, "src/main.go", view.Path)
}

func TestReadRepoDirectoryListing(t *testing.T) {
	cloner := &fakeCloner{root: workingCopy(t)}
	e := testEngine(t, &fakeSearcher{}, &fakeExtractor{}, cloner, nil, nil)

	view, err := e.ReadRepo(context.Background(), "https://github.com/octo/demo", false)
	require.NoError(t, err)
	require.True(t, view.IsDir)

	names := make([]string, len(view.Entries))
	for i, entry := range view.Entries {
		names[i] = entry.Name
	}
	assert.Equal(t, []string{"src", "README.md", "logo.png"}, names, "directories first, then names, .git hidden")
}

func TestReadRepoRejectsEscapingPaths(t *testing.T) {
	cloner := &fakeCloner{root: workingCopy(t)}
	e := testEngine(t, &fakeSearcher{}, &fakeExtractor{}, cloner, nil, nil)

	// Dot-dot segments collapse against the working-copy root, so the read
	// resolves inside the clone and misses rather than escaping it.
	_, err := e.ReadRepo(context.Background(), "https://github.com/octo/demo/blob/main/..%2F..%2Fetc%2Fpasswd", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestReadRepoRejectsBinaryFiles(t *testing.T) {
	cloner := &fakeCloner{root: workingCopy(t)}
	e := testEngine(t, &fakeSearcher{}, &fakeExtractor{}, cloner, nil, nil)

	_, err := e.ReadRepo(context.Background(), "https://github.com/octo/demo/blob/main/logo.png", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binary file")
}

func TestReadRepoDegradedViewOnTooLarge(t *testing.T) {
	cloner := &fakeCloner{err: &repocache.TooLargeError{SizeMB: 900, LimitMB: 200}}
	lister := &fakeLister{entries: []repocache.RemoteEntry{
		{Name: "README.md", Path: "README.md", Type: "file", Size: 120},
		{Name: "src", Path: "src", Type: "dir"},
	}}
	e := testEngine(t, &fakeSearcher{}, &fakeExtractor{}, cloner, lister, nil)

	view, err := e.ReadRepo(context.Background(), "https://github.com/octo/huge", false)
	require.NoError(t, err)
	assert.True(t, view.Degraded)
	require.Len(t, view.Entries, 2)
	assert.Equal(t, "src", view.Entries[0].Name, "directories sort first")
}

func TestReadRepoTooLargeWithoutListerPropagates(t *testing.T) {
	cloner := &fakeCloner{err: &repocache.TooLargeError{SizeMB: 900, LimitMB: 200}}
	e := testEngine(t, &fakeSearcher{}, &fakeExtractor{}, cloner, nil, nil)

	_, err := e.ReadRepo(context.Background(), "https://github.com/octo/huge", false)
	var tooLarge *repocache.TooLargeError
	assert.ErrorAs(t, err, &tooLarge)
}

func TestReadRepoForcePassedThrough(t *testing.T) {
	cloner := &fakeCloner{root: workingCopy(t)}
	e := testEngine(t, &fakeSearcher{}, &fakeExtractor{}, cloner, nil, nil)

	_, err := e.ReadRepo(context.Background(), "https://github.com/octo/demo", true)
	require.NoError(t, err)
	assert.True(t, cloner.force)
}

func TestReadRepoUnrecognizedURL(t *testing.T) {
	e := testEngine(t, &fakeSearcher{}, &fakeExtractor{}, &fakeCloner{}, nil, nil)

	_, err := e.ReadRepo(context.Background(), "https://example.com/not-a-repo", false)
	assert.Error(t, err)
}

func TestTruncateAppliesMarker(t *testing.T) {
	long := strings.Repeat("x", 50)
	out := truncate(long, 10)
	assert.Equal(t, strings.Repeat("x", 10)+extract.TruncationMarker, out)
	assert.Equal(t, "short", truncate("short", 10))
}

func TestResolveInside(t *testing.T) {
	root := t.TempDir()

	target, err := resolveInside(root, "src/main.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "src", "main.go"), target)

	target, err = resolveInside(root, "../outside")
	require.NoError(t, err, "dot-dot segments collapse against the root")
	assert.Equal(t, filepath.Join(root, "outside"), target)

	target, err = resolveInside(root, "")
	require.NoError(t, err)
	assert.Equal(t, root, target)
}

func TestCloseResetsRepos(t *testing.T) {
	results, err := store.Open(":memory:", logging.NewNop())
	require.NoError(t, err)

	e := testEngine(t, &fakeSearcher{}, &fakeExtractor{}, &fakeCloner{root: t.TempDir()}, nil, results)
	assert.NoError(t, e.Close(context.Background()))

	_, err = results.Get(context.Background(), "any")
	assert.Error(t, err, "store is closed")
}

func TestFetchPersistsSuccessesOnly(t *testing.T) {
	results, err := store.Open(":memory:", logging.NewNop())
	require.NoError(t, err)
	defer results.Close()

	extractor := &failingExtractor{}
	e := testEngine(t, &fakeSearcher{}, extractor, nil, nil, results)

	e.Fetch(context.Background(), []string{"https://ok.example", "https://bad.example"})

	records, err := results.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "https://ok.example", records[0].Source)
}

type failingExtractor struct{}

func (f *failingExtractor) ExtractAll(ctx context.Context, urls []string) []*extract.Content {
	results := make([]*extract.Content, len(urls))
	for i, u := range urls {
		if strings.Contains(u, "bad") {
			results[i] = &extract.Content{URL: u, Error: "HTTP 500: Internal Server Error"}
		} else {
			results[i] = &extract.Content{URL: u, Markdown: "ok"}
		}
	}
	return results
}
