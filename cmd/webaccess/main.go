package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/nicobailon/pi-web-access/internal/browser"
	"github.com/nicobailon/pi-web-access/internal/config"
	"github.com/nicobailon/pi-web-access/internal/engine"
	"github.com/nicobailon/pi-web-access/internal/extract"
	"github.com/nicobailon/pi-web-access/internal/logging"
	"github.com/nicobailon/pi-web-access/internal/monitoring"
	"github.com/nicobailon/pi-web-access/internal/repocache"
	"github.com/nicobailon/pi-web-access/internal/search"
	"github.com/nicobailon/pi-web-access/internal/store"
)

const usage = `Usage:
  webaccess search [-n max] [-recency day|week|month|year] [-domains a.com,-b.com] <query>
  webaccess fetch <url> [url...]
  webaccess repo [-force] <repository-url>
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.LoadOrDefault()
	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e := buildEngine(cfg, log)
	defer func() {
		if err := e.Close(context.Background()); err != nil {
			log.Warn("cleanup failed", zap.Error(err))
		}
	}()

	var runErr error
	switch os.Args[1] {
	case "search":
		runErr = runSearch(ctx, e, os.Args[2:])
	case "fetch":
		runErr = runFetch(ctx, e, os.Args[2:])
	case "repo":
		runErr = runRepo(ctx, e, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if runErr != nil {
		log.Error("command failed", zap.String("command", os.Args[1]), zap.Error(runErr))
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		e.Close(context.Background())
		os.Exit(1)
	}
}

// buildEngine assembles the retrieval engine from configuration.
func buildEngine(cfg *config.Config, log *logging.Logger) *engine.Engine {
	metrics := monitoring.NewMetrics()

	var cookies search.CookieSource
	if cfg.Search.CookieAuth {
		cookies = browser.NewReader(log)
	}
	cascade := search.NewCascade(cfg.Search, cfg.Transport, cookies, log, metrics)
	pipeline := extract.New(cfg.Fetch, log, metrics)

	var repos engine.RepoCloner
	var lister engine.RepoLister
	if cfg.Clone.Enabled {
		gh := repocache.NewGitHub(cfg.Clone.GitHubToken, cfg.Fetch.Timeout)
		repos = repocache.New(cfg.Clone, gh, log, metrics)
		lister = gh
	}

	var results *store.Store
	if path := os.Getenv("RESULT_STORE_PATH"); path != "" {
		s, err := store.Open(path, log)
		if err != nil {
			log.Warn("result store unavailable", zap.Error(err))
		} else {
			results = s
		}
	}

	return engine.New(cfg, cascade, pipeline, repos, lister, results, log)
}

func runSearch(ctx context.Context, e *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	maxResults := fs.Int("n", search.DefaultMaxResults, "maximum number of sources")
	recency := fs.String("recency", "", "restrict to day, week, month or year")
	domains := fs.String("domains", "", "comma-separated domain filter; prefix with - to exclude")
	fs.Parse(args)

	if fs.NArg() == 0 {
		return fmt.Errorf("search: query required")
	}

	q := search.Query{
		Text:       strings.Join(fs.Args(), " "),
		MaxResults: *maxResults,
		Recency:    search.Recency(*recency),
	}
	for _, d := range strings.Split(*domains, ",") {
		d = strings.TrimSpace(d)
		switch {
		case d == "":
		case strings.HasPrefix(d, "-"):
			q.DenyDomains = append(q.DenyDomains, strings.TrimPrefix(d, "-"))
		default:
			q.AllowDomains = append(q.AllowDomains, d)
		}
	}

	result, err := e.Search(ctx, q)
	if err != nil {
		return err
	}

	fmt.Println(result.Response.Answer)
	for i, r := range result.Response.Results {
		fmt.Printf("\n[%d] %s\n    %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Printf("    %s\n", r.Snippet)
		}
	}
	if result.ID != "" {
		fmt.Printf("\nsaved: %s\n", result.ID)
	}
	return nil
}

func runFetch(ctx context.Context, e *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit JSON records")
	fs.Parse(args)

	if fs.NArg() == 0 {
		return fmt.Errorf("fetch: at least one URL required")
	}

	contents := e.Fetch(ctx, fs.Args())
	if *asJSON {
		return json.NewEncoder(os.Stdout).Encode(contents)
	}

	for _, c := range contents {
		fmt.Printf("=== %s\n", c.URL)
		if c.Failed() {
			fmt.Printf("failed: %s\n\n", c.Error)
			continue
		}
		if c.Title != "" {
			fmt.Printf("# %s\n\n", c.Title)
		}
		fmt.Println(c.Markdown)
		fmt.Println()
	}
	return nil
}

func runRepo(ctx context.Context, e *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("repo", flag.ExitOnError)
	force := fs.Bool("force", false, "clone even when over the size limit")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("repo: exactly one repository URL required")
	}

	view, err := e.ReadRepo(ctx, fs.Arg(0), *force)
	if err != nil {
		return err
	}

	header := view.Repo.String()
	if view.Path != "" {
		header += "/" + view.Path
	}
	if view.Degraded {
		header += " (listing only: repository too large to clone)"
	}
	fmt.Println(header)

	if view.IsDir {
		for _, entry := range view.Entries {
			if entry.Dir {
				fmt.Printf("  %s/\n", entry.Name)
			} else {
				fmt.Printf("  %s (%d bytes)\n", entry.Name, entry.Size)
			}
		}
		return nil
	}
	fmt.Println(view.Content)
	return nil
}
