// Package fetcher retrieves commit-pinned repository content from the GitHub
// API, applies the guardrail filter, and enforces the per-file and
// per-evaluation byte budgets. Everything operates on immutable commits;
// branch tips are unreachable by construction.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/repograde/repograde/internal/evalerr"
	"github.com/repograde/repograde/internal/gitref"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"
)

// Client fetches commit-pinned repository content.
type Client interface {
	ListTree(ctx context.Context, ref gitref.CommitRef) ([]string, error)
	GetFile(ctx context.Context, ref gitref.CommitRef, path string, budget *Budget) (File, error)
}

// File is one fetched evidence file. Truncated files carry only a sentinel
// header line instead of their content.
type File struct {
	Path      string
	Content   []byte
	Truncated bool
}

// Options configure the GitHub-backed fetcher.
type Options struct {
	BaseURL      string
	Token        string
	MaxFileBytes int64
	MaxAttempts  int
	WallBudget   time.Duration
	HTTPTimeout  time.Duration
}

// DefaultOptions returns the fetcher defaults: 3 attempts inside a 30-second
// wall budget per call and a 512 KiB per-file cap.
func DefaultOptions() Options {
	return Options{
		BaseURL:      "https://api.github.com",
		MaxFileBytes: 512 * 1024,
		MaxAttempts:  3,
		WallBudget:   30 * time.Second,
		HTTPTimeout:  30 * time.Second,
	}
}

// GitHub implements Client against the GitHub REST API.
type GitHub struct {
	opts   Options
	client *http.Client
	group  singleflight.Group
	log    *slog.Logger
}

// NewGitHub returns a fetcher for the configured API base.
func NewGitHub(opts Options, log *slog.Logger) *GitHub {
	def := DefaultOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = def.BaseURL
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = def.MaxFileBytes
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.WallBudget <= 0 {
		opts.WallBudget = def.WallBudget
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = def.HTTPTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &GitHub{
		opts:   opts,
		client: &http.Client{Timeout: opts.HTTPTimeout},
		log:    log,
	}
}

type treeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

type treeResponse struct {
	Tree      []treeEntry `json:"tree"`
	Truncated bool        `json:"truncated"`
}

// ListTree returns the guardrail-filtered blob paths at the commit.
// Concurrent listings of the same commit share one upstream call.
func (g *GitHub) ListTree(ctx context.Context, ref gitref.CommitRef) ([]string, error) {
	v, err, _ := g.group.Do(ref.String(), func() (any, error) {
		return g.listTree(ctx, ref)
	})
	if err != nil {
		return nil, err
	}
	shared := v.([]string)
	out := make([]string, len(shared))
	copy(out, shared)
	return out, nil
}

func (g *GitHub) listTree(ctx context.Context, ref gitref.CommitRef) ([]string, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=1",
		g.opts.BaseURL, url.PathEscape(ref.Owner), url.PathEscape(ref.Repo), url.PathEscape(ref.Hash))

	body, _, err := g.fetch(ctx, u, "application/vnd.github+json", 0)
	if err != nil {
		return nil, fmt.Errorf("list tree %s: %w", ref, err)
	}

	var tree treeResponse
	if err := json.Unmarshal(body, &tree); err != nil {
		return nil, evalerr.Wrap(evalerr.UpstreamUnavailable, "malformed tree response", err)
	}
	if tree.Truncated {
		g.log.Warn("tree listing truncated by upstream", "ref", ref.String())
	}

	paths := make([]string, 0, len(tree.Tree))
	for _, e := range tree.Tree {
		if e.Type != "blob" {
			continue
		}
		paths = append(paths, e.Path)
	}
	return ApplyGuardrail(paths), nil
}

// GetFile returns the file content at the commit, subject to the per-file
// cap and the evaluation's aggregate budget. Filtered paths are rejected;
// missing paths surface as NotFound.
func (g *GitHub) GetFile(ctx context.Context, ref gitref.CommitRef, path string, budget *Budget) (File, error) {
	if !Allowed(path) {
		return File{}, evalerr.Errorf(evalerr.InvalidInput, "path %q is excluded by the guardrail filter", path)
	}

	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s",
		g.opts.BaseURL, url.PathEscape(ref.Owner), url.PathEscape(ref.Repo),
		escapePath(path), url.QueryEscape(ref.Hash))

	body, truncated, err := g.fetch(ctx, u, "application/vnd.github.raw+json", g.opts.MaxFileBytes)
	if err != nil {
		return File{}, fmt.Errorf("get file %s at %s: %w", path, ref, err)
	}

	if truncated {
		g.log.Info("file over per-file cap, returning sentinel",
			"path", path, "cap", humanize.Bytes(uint64(g.opts.MaxFileBytes)))
		sentinel := fmt.Sprintf("[truncated: %s exceeds the %s per-file limit]\n",
			path, humanize.Bytes(uint64(g.opts.MaxFileBytes)))
		return File{Path: path, Content: []byte(sentinel), Truncated: true}, nil
	}

	if budget != nil {
		if err := budget.Debit(int64(len(body))); err != nil {
			return File{}, err
		}
	}
	return File{Path: path, Content: body}, nil
}

// fetch performs a GET with retry. Transport errors and 5xx responses are
// retried with jittered exponential backoff, capped by MaxAttempts and the
// wall budget; 404 and rate limits are permanent. When limit > 0 a body
// beyond limit bytes is discarded and reported as truncated.
func (g *GitHub) fetch(ctx context.Context, u, accept string, limit int64) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.WallBudget)
	defer cancel()

	backoff := retry.WithMaxDuration(g.opts.WallBudget,
		retry.WithMaxRetries(uint64(g.opts.MaxAttempts-1),
			retry.WithJitter(250*time.Millisecond,
				retry.NewExponential(500*time.Millisecond))))

	var body []byte
	var truncated bool
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", accept)
		if g.opts.Token != "" {
			req.Header.Set("Authorization", "Bearer "+g.opts.Token)
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("github request: %w", err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return evalerr.New(evalerr.NotFound, "repository, commit, or file not found (or private)")
		case resp.StatusCode == http.StatusTooManyRequests || isRateLimited(resp):
			return evalerr.New(evalerr.RateLimited, "github API rate limit reached")
		case resp.StatusCode >= 500:
			return retry.RetryableError(evalerr.Errorf(evalerr.UpstreamUnavailable, "github responded %d", resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return evalerr.Errorf(evalerr.UpstreamUnavailable, "github responded %d", resp.StatusCode)
		}

		reader := io.Reader(resp.Body)
		if limit > 0 {
			reader = io.LimitReader(resp.Body, limit+1)
		}
		b, err := io.ReadAll(reader)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("read response: %w", err))
		}
		if limit > 0 && int64(len(b)) > limit {
			body, truncated = nil, true
			return nil
		}
		body, truncated = b, false
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return body, truncated, nil
}

// isRateLimited detects GitHub's 403-with-exhausted-quota responses.
func isRateLimited(resp *http.Response) bool {
	return resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0"
}

// escapePath escapes each path segment while keeping separators.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
