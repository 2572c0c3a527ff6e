package fetcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoindex/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultGitHubAPIURL = "https://api.github.com"
	githubAPIVersion    = "2022-11-28"
)

// GitHubSource reads repository trees and blobs through the GitHub REST API.
type GitHubSource struct {
	BaseURL     string
	HTTPClient  *http.Client
	Concurrency int
}

// NewGitHubSource creates a source against baseURL, fetching up to
// concurrency blobs at once.
func NewGitHubSource(baseURL string, concurrency int) *GitHubSource {
	if baseURL == "" {
		baseURL = DefaultGitHubAPIURL
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &GitHubSource{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		Concurrency: concurrency,
	}
}

type githubRepo struct {
	DefaultBranch string `json:"default_branch"`
}

type githubBranch struct {
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

type githubTree struct {
	SHA       string `json:"sha"`
	Truncated bool   `json:"truncated"`
	Tree      []struct {
		Path string `json:"path"`
		Type string `json:"type"`
		SHA  string `json:"sha"`
		Size int64  `json:"size"`
	} `json:"tree"`
}

type githubBlob struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Size     int64  `json:"size"`
}

func (g *GitHubSource) repoURL(ref models.RepositoryRef, parts ...string) string {
	u := g.BaseURL + "/repos/" + url.PathEscape(ref.Owner) + "/" + url.PathEscape(ref.Name)
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

// Resolve returns the head commit of ref.Branch, or of the default branch
// when none is set.
func (g *GitHubSource) Resolve(ctx context.Context, ref models.RepositoryRef, credential string) (string, error) {
	branch := ref.Branch
	if branch == "" {
		var repo githubRepo
		if err := g.get(ctx, g.repoURL(ref), credential, &repo); err != nil {
			return "", err
		}
		branch = repo.DefaultBranch
	}

	var b githubBranch
	if err := g.get(ctx, g.repoURL(ref, "branches", url.PathEscape(branch)), credential, &b); err != nil {
		return "", err
	}
	if b.Commit.SHA == "" {
		return "", fmt.Errorf("%w: branch %s has no commit", ErrSourceUnavailable, branch)
	}
	return b.Commit.SHA, nil
}

// Fetch lists the tree at commitSHA and downloads eligible blobs concurrently.
func (g *GitHubSource) Fetch(ctx context.Context, ref models.RepositoryRef, commitSHA, credential string) ([]models.RawFile, error) {
	var tree githubTree
	if err := g.get(ctx, g.repoURL(ref, "git", "trees", url.PathEscape(commitSHA))+"?recursive=1", credential, &tree); err != nil {
		return nil, err
	}
	if tree.Truncated {
		log.Warn().Str("repo", ref.FullName()).Str("commit", commitSHA).Msg("tree listing truncated by GitHub")
	}

	type entry struct {
		path, sha string
		size      int64
	}
	var entries []entry
	for _, item := range tree.Tree {
		if item.Type != "blob" || ShouldSkip(item.Path) || item.Size > MaxFileSize {
			continue
		}
		entries = append(entries, entry{path: item.Path, sha: item.SHA, size: item.Size})
	}

	files := make([]*models.RawFile, len(entries))
	g2, gctx := errgroup.WithContext(ctx)
	g2.SetLimit(g.Concurrency)
	for i, e := range entries {
		g2.Go(func() error {
			content, err := g.blob(gctx, ref, e.sha, credential)
			if err != nil {
				var se *StatusError
				if errors.As(err, &se) && se.Code == http.StatusNotFound {
					log.Warn().Str("path", e.path).Msg("blob not found, skipping")
					return nil
				}
				return err
			}
			if !acceptContent(content) {
				return nil
			}
			files[i] = &models.RawFile{
				Path:     e.path,
				Language: GuessLang(e.path),
				Content:  content,
				Size:     int64(len(content)),
				BlobSHA:  e.sha,
			}
			return nil
		})
	}
	if err := g2.Wait(); err != nil {
		return nil, err
	}

	out := make([]models.RawFile, 0, len(files))
	for _, f := range files {
		if f != nil {
			out = append(out, *f)
		}
	}
	if len(out) == 0 {
		return nil, ErrRepositoryEmpty
	}
	slices.SortFunc(out, func(a, b models.RawFile) int { return strings.Compare(a.Path, b.Path) })

	log.Info().Str("repo", ref.FullName()).Str("commit", commitSHA).
		Int("tree_entries", len(tree.Tree)).
		Int("files", len(out)).
		Msg("fetched repository tree")
	return out, nil
}

func (g *GitHubSource) blob(ctx context.Context, ref models.RepositoryRef, sha, credential string) ([]byte, error) {
	var b githubBlob
	if err := g.get(ctx, g.repoURL(ref, "git", "blobs", url.PathEscape(sha)), credential, &b); err != nil {
		return nil, err
	}
	switch b.Encoding {
	case "base64":
		raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(b.Content, "\n", ""))
		if err != nil {
			return nil, fmt.Errorf("decode blob %s: %w", sha, err)
		}
		return raw, nil
	case "utf-8", "":
		return []byte(b.Content), nil
	default:
		return nil, fmt.Errorf("blob %s: unsupported encoding %q", sha, b.Encoding)
	}
}

func (g *GitHubSource) get(ctx context.Context, u, credential string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Debug().Err(err).Msg("failed to close response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, URL: u, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrSourceUnavailable, u, err)
	}
	return nil
}
