package repocache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Identity uniquely names a remote repository, independent of which branch
// or path within it is requested.
type Identity struct {
	Host  string
	Owner string
	Name  string
}

func (id Identity) String() string {
	return id.Host + "/" + id.Owner + "/" + id.Name
}

// CloneURL is the anonymous HTTPS clone endpoint.
func (id Identity) CloneURL() string {
	return fmt.Sprintf("https://%s/%s/%s.git", id.Host, id.Owner, id.Name)
}

// ParseRepoURL recognizes hosted-repository URLs and splits them into the
// repository identity and the path requested inside it. The branch segment
// of tree/blob URLs is consumed but not kept; clones use the default branch.
func ParseRepoURL(raw string) (Identity, string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return Identity{}, "", false
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	if host != "github.com" {
		return Identity{}, "", false
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return Identity{}, "", false
	}

	id := Identity{
		Host:  host,
		Owner: segments[0],
		Name:  strings.TrimSuffix(segments[1], ".git"),
	}

	rest := segments[2:]
	if len(rest) >= 2 && (rest[0] == "tree" || rest[0] == "blob") {
		rest = rest[2:]
	} else if len(rest) >= 1 && (rest[0] == "tree" || rest[0] == "blob") {
		rest = nil
	}
	return id, strings.Join(rest, "/"), true
}

// RemoteEntry is one item from a repository's remote content listing, used
// for the degraded non-clone view of oversized repositories.
type RemoteEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"` // "file" or "dir"
	Size int64  `json:"size"`
}

// GitHub is a thin metadata client for the hosting API.
type GitHub struct {
	client *resty.Client
}

// NewGitHub creates a metadata client; token may be empty for anonymous
// rate limits.
func NewGitHub(token string, timeout time.Duration) *GitHub {
	client := resty.New().
		SetBaseURL("https://api.github.com").
		SetTimeout(timeout).
		SetHeader("Accept", "application/vnd.github+json").
		SetHeader("User-Agent", "pi-web-access/1.0")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &GitHub{client: client}
}

// RepoSizeMB looks up the repository size without cloning.
func (g *GitHub) RepoSizeMB(ctx context.Context, id Identity) (int, error) {
	resp, err := g.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/repos/%s/%s", id.Owner, id.Name))
	if err != nil {
		return 0, err
	}
	if resp.StatusCode() != 200 {
		return 0, fmt.Errorf("repo metadata lookup: http %d", resp.StatusCode())
	}

	var meta struct {
		Size int64 `json:"size"` // kilobytes
	}
	if err := json.Unmarshal(resp.Body(), &meta); err != nil {
		return 0, err
	}
	return int(meta.Size / 1024), nil
}

// ListContents lists a directory through the hosting API, for the degraded
// view when a repository is too large to clone.
func (g *GitHub) ListContents(ctx context.Context, id Identity, path string) ([]RemoteEntry, error) {
	resp, err := g.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/repos/%s/%s/contents/%s", id.Owner, id.Name, path))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("contents lookup: http %d", resp.StatusCode())
	}

	var entries []RemoteEntry
	if err := json.Unmarshal(resp.Body(), &entries); err != nil {
		// A file path returns a single object rather than a list.
		var single RemoteEntry
		if err2 := json.Unmarshal(resp.Body(), &single); err2 != nil {
			return nil, err
		}
		entries = []RemoteEntry{single}
	}
	return entries, nil
}
