// Package gitlab is a thin adapter over the GitLab REST API. It exposes only
// the operations the pipeline needs and normalizes every quirk of the wire
// format (base64 file payloads, tolerant timestamp parsing, pagination) so the
// rest of the system never sees them.
package gitlab

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/revizor-dev/revizor/internal/types"
)

// ErrNotFound is returned when a requested file or object does not exist at
// the given ref. Callers treat it as "no content", not as a failure.
var ErrNotFound = errors.New("not found")

// maxTreePages bounds repository tree pagination; 20 pages of 100 entries is
// plenty for the discovery catalog, which is capped downstream anyway.
const maxTreePages = 20

// Client provides access to the GitLab REST API v4.
type Client struct {
	baseURL string
	token   string
	httpCli *http.Client
	log     *zap.Logger
}

// NewClient creates a GitLab client for the given instance URL and token.
func NewClient(baseURL, token string, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpCli: &http.Client{Timeout: 60 * time.Second},
		log:     log,
	}
}

// FileDiff is one file's patch within a commit diff.
type FileDiff struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
	Diff    string `json:"diff"`
}

type commitWire struct {
	ID         string   `json:"id"`
	CreatedAt  string   `json:"created_at"`
	Title      string   `json:"title"`
	AuthorName string   `json:"author_name"`
	ParentIDs  []string `json:"parent_ids"`
}

// ListCommits returns the most recent commits of the project's default branch,
// newest first (the order the API returns them in).
func (c *Client) ListCommits(ctx context.Context, project string, perPage int) ([]types.Commit, error) {
	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/repository/commits?per_page=%d",
		c.baseURL, url.PathEscape(project), perPage)

	body, _, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("listing commits for %s: %w", project, err)
	}

	var wire []commitWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parsing commit list: %w", err)
	}

	commits := make([]types.Commit, 0, len(wire))
	for _, w := range wire {
		createdAt, err := ParseTime(w.CreatedAt)
		if err != nil {
			c.log.Warn("skipping commit with unparseable timestamp",
				zap.String("commit", w.ID), zap.String("created_at", w.CreatedAt))
			continue
		}
		commits = append(commits, types.Commit{
			ID:         w.ID,
			CreatedAt:  createdAt,
			Title:      w.Title,
			AuthorName: w.AuthorName,
			ParentIDs:  w.ParentIDs,
		})
	}
	return commits, nil
}

// GetDiff returns the per-file patches of a commit.
func (c *Client) GetDiff(ctx context.Context, project, sha string) ([]FileDiff, error) {
	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/repository/commits/%s/diff",
		c.baseURL, url.PathEscape(project), url.PathEscape(sha))

	body, _, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("fetching diff for %s@%s: %w", project, sha, err)
	}

	var diffs []FileDiff
	if err := json.Unmarshal(body, &diffs); err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}
	return diffs, nil
}

type fileWire struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// GetFileContent returns the decoded content of a repository file at the given
// ref. The API may deliver content base64-encoded or as plain text; both are
// normalized here, once, so callers always receive a ready-to-use string.
// A missing file yields ErrNotFound.
func (c *Client) GetFileContent(ctx context.Context, project, path, ref string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/repository/files/%s?ref=%s",
		c.baseURL, url.PathEscape(project), url.PathEscape(path), url.QueryEscape(ref))

	body, status, err := c.get(ctx, endpoint)
	if status == http.StatusNotFound {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("fetching file %s: %w", path, err)
	}

	var wire fileWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return "", fmt.Errorf("parsing file payload for %s: %w", path, err)
	}

	if wire.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(wire.Content)
		if err != nil {
			return "", fmt.Errorf("decoding base64 content of %s: %w", path, err)
		}
		return string(decoded), nil
	}
	return wire.Content, nil
}

type treeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// ListFiles returns all blob paths in the repository tree at the given ref,
// following page-based pagination.
func (c *Client) ListFiles(ctx context.Context, project, ref string) ([]string, error) {
	var paths []string
	page := 1

	for page > 0 && page <= maxTreePages {
		endpoint := fmt.Sprintf("%s/api/v4/projects/%s/repository/tree?ref=%s&recursive=true&per_page=100&page=%d",
			c.baseURL, url.PathEscape(project), url.QueryEscape(ref), page)

		body, next, err := c.getPaged(ctx, endpoint)
		if err != nil {
			return nil, fmt.Errorf("listing repository tree for %s: %w", project, err)
		}

		var entries []treeEntry
		if err := json.Unmarshal(body, &entries); err != nil {
			return nil, fmt.Errorf("parsing repository tree: %w", err)
		}
		for _, e := range entries {
			if e.Type == "blob" {
				paths = append(paths, e.Path)
			}
		}
		page = next
	}
	return paths, nil
}

// get issues an authenticated GET and returns the body and status code.
// Non-2xx statuses are reported as errors, with the status also returned so
// callers can special-case 404.
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, fmt.Errorf("GitLab API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, resp.StatusCode, nil
}

// getPaged is get plus X-Next-Page handling; it returns 0 when there is no
// further page.
func (c *Client) getPaged(ctx context.Context, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("GitLab API error (status %d): %s", resp.StatusCode, string(body))
	}

	next := 0
	if v := resp.Header.Get("X-Next-Page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			next = n
		}
	}
	return body, next, nil
}

// timeLayouts are the timestamp shapes GitLab instances have been observed to
// emit: with and without sub-second precision, with "Z", "+02:00" or "+0200"
// zone suffixes.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05Z",
}

// ParseTime parses a GitLab timestamp, trying each known layout in turn.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
