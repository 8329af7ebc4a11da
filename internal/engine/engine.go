// Package engine is the agent-facing front door: one place that routes
// search queries through the provider cascade, page URLs through the
// extraction pipeline, and repository URLs through the clone cache.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/nicobailon/pi-web-access/internal/config"
	"github.com/nicobailon/pi-web-access/internal/extract"
	"github.com/nicobailon/pi-web-access/internal/logging"
	"github.com/nicobailon/pi-web-access/internal/repocache"
	"github.com/nicobailon/pi-web-access/internal/search"
	"github.com/nicobailon/pi-web-access/internal/store"
)

// Searcher runs one search through the provider cascade.
type Searcher interface {
	Search(ctx context.Context, q search.Query) (*search.Response, error)
}

// Extractor turns URLs into markdown content records.
type Extractor interface {
	ExtractAll(ctx context.Context, urls []string) []*extract.Content
}

// RepoCloner materializes repositories as local working copies.
type RepoCloner interface {
	GetOrClone(ctx context.Context, id repocache.Identity, force bool) (string, error)
	Reset(ctx context.Context) error
}

// RepoLister lists repository contents through the hosting API, used for
// the degraded view of repositories too large to clone.
type RepoLister interface {
	ListContents(ctx context.Context, id repocache.Identity, path string) ([]repocache.RemoteEntry, error)
}

// SearchResult pairs a cascade response with its stored record ID. ID is
// empty when no result store is attached.
type SearchResult struct {
	Response *search.Response
	ID       string
}

// RepoEntry is one item of a repository directory listing.
type RepoEntry struct {
	Name string
	Dir  bool
	Size int64
}

// RepoView is the outcome of reading a path inside a repository. Exactly
// one of Entries or Content is populated; Degraded marks an API-backed
// listing of a repository that was too large to clone.
type RepoView struct {
	Repo     repocache.Identity
	Path     string
	IsDir    bool
	Entries  []RepoEntry
	Content  string
	Degraded bool
}

// Engine wires the retrieval subsystems behind three operations.
type Engine struct {
	log       *logging.Logger
	searcher  Searcher
	extractor Extractor
	repos     RepoCloner
	lister    RepoLister
	results   *store.Store // nil disables persistence

	maxChars int
}

// New assembles an engine. repos, lister and results may be nil to disable
// repository reading or persistence.
func New(cfg *config.Config, searcher Searcher, extractor Extractor, repos RepoCloner, lister RepoLister, results *store.Store, log *logging.Logger) *Engine {
	return &Engine{
		log:       log.Component("engine"),
		searcher:  searcher,
		extractor: extractor,
		repos:     repos,
		lister:    lister,
		results:   results,
		maxChars:  cfg.Fetch.MaxContentChars,
	}
}

// Search runs a query through the cascade and persists the response.
func (e *Engine) Search(ctx context.Context, q search.Query) (*SearchResult, error) {
	resp, err := e.searcher.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	result := &SearchResult{Response: resp}
	if e.results != nil {
		payload, marshalErr := json.Marshal(resp)
		if marshalErr == nil {
			if id, saveErr := e.results.Save(ctx, "search", q.Text, string(payload)); saveErr == nil {
				result.ID = id
			} else {
				e.log.Warn("failed to persist search result", zap.Error(saveErr))
			}
		}
	}
	return result, nil
}

// Fetch extracts every URL, preserving input order. Repository URLs are
// routed through the clone cache and rendered as a listing or file body;
// everything else goes through the extraction pipeline. Failures are data
// on the Content record.
func (e *Engine) Fetch(ctx context.Context, urls []string) []*extract.Content {
	results := make([]*extract.Content, len(urls))

	var webURLs []string
	var webIdx []int
	for i, raw := range urls {
		if id, subpath, ok := repocache.ParseRepoURL(raw); ok && e.repos != nil {
			results[i] = e.repoContent(ctx, raw, id, subpath)
			continue
		}
		webURLs = append(webURLs, raw)
		webIdx = append(webIdx, i)
	}

	for j, content := range e.extractor.ExtractAll(ctx, webURLs) {
		results[webIdx[j]] = content
	}

	if e.results != nil {
		for _, c := range results {
			if c.Failed() {
				continue
			}
			if _, err := e.results.Save(ctx, "fetch", c.URL, c.Markdown); err != nil {
				e.log.Warn("failed to persist fetched content", zap.Error(err))
			}
		}
	}
	return results
}

// ReadRepo clones (or reuses) a repository and reads the requested path
// inside the working copy. force bypasses the size limit. A repository
// over the limit without force yields a degraded API-backed listing when
// a lister is available, otherwise the size error propagates.
func (e *Engine) ReadRepo(ctx context.Context, rawURL string, force bool) (*RepoView, error) {
	id, subpath, ok := repocache.ParseRepoURL(rawURL)
	if !ok {
		return nil, fmt.Errorf("not a recognized repository URL: %s", rawURL)
	}
	if e.repos == nil {
		return nil, errors.New("repository reading is disabled")
	}
	return e.readRepoView(ctx, id, subpath, force)
}

// Close releases session-scoped resources: cloned repositories and the
// result store handle.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.repos != nil {
		if err := e.repos.Reset(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if e.results != nil {
		if err := e.results.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// repoContent renders a repository read as a fetch-style content record.
func (e *Engine) repoContent(ctx context.Context, rawURL string, id repocache.Identity, subpath string) *extract.Content {
	view, err := e.readRepoView(ctx, id, subpath, false)
	if err != nil {
		return &extract.Content{URL: rawURL, Error: err.Error()}
	}

	title := view.Repo.String()
	if view.Path != "" {
		title += "/" + view.Path
	}
	if view.IsDir {
		return &extract.Content{URL: rawURL, Title: title, Markdown: renderListing(view)}
	}
	return &extract.Content{URL: rawURL, Title: title, Markdown: view.Content}
}

func (e *Engine) readRepoView(ctx context.Context, id repocache.Identity, subpath string, force bool) (*RepoView, error) {
	root, err := e.repos.GetOrClone(ctx, id, force)
	if err != nil {
		var tooLarge *repocache.TooLargeError
		if errors.As(err, &tooLarge) && e.lister != nil {
			return e.degradedView(ctx, id, subpath, tooLarge)
		}
		return nil, err
	}
	return e.readWorkingCopy(root, id, subpath)
}

// degradedView lists the requested path through the hosting API instead of
// a working copy.
func (e *Engine) degradedView(ctx context.Context, id repocache.Identity, subpath string, cause *repocache.TooLargeError) (*RepoView, error) {
	remote, err := e.lister.ListContents(ctx, id, subpath)
	if err != nil {
		return nil, fmt.Errorf("%s; listing fallback also failed: %w", cause.Error(), err)
	}

	e.log.Info("serving degraded repository view",
		zap.String("repo", id.String()), zap.Int("size_mb", cause.SizeMB))

	entries := make([]RepoEntry, 0, len(remote))
	for _, r := range remote {
		entries = append(entries, RepoEntry{Name: r.Name, Dir: r.Type == "dir", Size: r.Size})
	}
	sortEntries(entries)
	return &RepoView{Repo: id, Path: subpath, IsDir: true, Entries: entries, Degraded: true}, nil
}

// readWorkingCopy reads a file or lists a directory inside the clone.
func (e *Engine) readWorkingCopy(root string, id repocache.Identity, subpath string) (*RepoView, error) {
	target, err := resolveInside(root, subpath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("path not found in repository: %s", subpath)
		}
		return nil, err
	}

	view := &RepoView{Repo: id, Path: subpath}
	if info.IsDir() {
		view.IsDir = true
		view.Entries, err = listDir(target)
		return view, err
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return nil, err
	}
	if !isTextFile(data) {
		return nil, fmt.Errorf("binary file: %s", subpath)
	}
	view.Content = truncate(string(data), e.maxChars)
	return view, nil
}

// resolveInside joins subpath onto root, rejecting escapes.
func resolveInside(root, subpath string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(subpath))
	target := filepath.Join(root, clean)
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes repository: %s", subpath)
	}
	return target, nil
}

func listDir(dir string) ([]RepoEntry, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	entries := make([]RepoEntry, 0, len(dirents))
	for _, d := range dirents {
		if d.Name() == ".git" {
			continue
		}
		entry := RepoEntry{Name: d.Name(), Dir: d.IsDir()}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
	}
	sortEntries(entries)
	return entries, nil
}

// sortEntries orders directories first, then names.
func sortEntries(entries []RepoEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Dir != entries[j].Dir {
			return entries[i].Dir
		}
		return entries[i].Name < entries[j].Name
	})
}

// isTextFile accepts anything whose detected type descends from text.
func isTextFile(data []byte) bool {
	for mt := mimetype.Detect(data); mt != nil; mt = mt.Parent() {
		if mt.Is("text/plain") {
			return true
		}
	}
	return false
}

func renderListing(view *RepoView) string {
	var b strings.Builder
	for _, entry := range view.Entries {
		if entry.Dir {
			fmt.Fprintf(&b, "%s/\n", entry.Name)
		} else {
			fmt.Fprintf(&b, "%s (%d bytes)\n", entry.Name, entry.Size)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// truncate caps content at limit characters, appending the marker used by
// the extraction pipeline so readers see one consistent signal.
func truncate(content string, limit int) string {
	if limit <= 0 || len(content) <= limit {
		return content
	}
	return content[:limit] + extract.TruncationMarker
}
