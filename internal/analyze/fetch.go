package analyze

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/revizor-dev/revizor/internal/gitlab"
	"github.com/revizor-dev/revizor/internal/types"
)

// FileGetter is the slice of the GitLab client the fetcher needs.
type FileGetter interface {
	GetFileContent(ctx context.Context, project, path, ref string) (string, error)
}

// Fetcher resolves context requests into file contents. Misses never fail the
// pipeline: a requested file that does not exist at the ref is dropped, loudly
// when the model called it important.
type Fetcher struct {
	files       FileGetter
	maxFileSize int
	log         *zap.Logger
}

// NewFetcher creates a context file fetcher. maxFileSize is the per-file
// character cap before truncation.
func NewFetcher(files FileGetter, maxFileSize int, log *zap.Logger) *Fetcher {
	return &Fetcher{files: files, maxFileSize: maxFileSize, log: log}
}

// Fetch downloads the requested context files at the given ref. Duplicate
// paths collapse to the most important request (lowest priority number).
// Contents are truncated to the configured cap.
func (f *Fetcher) Fetch(ctx context.Context, project, ref string, requests []types.ContextRequest) ([]types.ContextFile, error) {
	byPath := make(map[string]types.ContextRequest)
	var order []string
	for _, req := range requests {
		existing, seen := byPath[req.Path]
		if !seen {
			byPath[req.Path] = req
			order = append(order, req.Path)
			continue
		}
		if req.Priority < existing.Priority {
			byPath[req.Path] = req
		}
	}

	var files []types.ContextFile
	for _, path := range order {
		req := byPath[path]

		content, err := f.files.GetFileContent(ctx, project, path, ref)
		if errors.Is(err, gitlab.ErrNotFound) {
			// The model sometimes invents paths. A missing critical file
			// is worth the operator's attention; the rest is noise.
			if req.Priority <= types.PriorityImportant {
				f.log.Warn("requested context file not found",
					zap.String("path", path),
					zap.Int("priority", req.Priority),
					zap.String("reason", req.Reason))
			} else {
				f.log.Debug("requested context file not found",
					zap.String("path", path),
					zap.Int("priority", req.Priority))
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		files = append(files, types.ContextFile{
			Path:     path,
			Content:  types.Truncate(content, f.maxFileSize),
			Priority: req.Priority,
		})
	}

	f.log.Debug("context files fetched",
		zap.Int("requested", len(requests)),
		zap.Int("fetched", len(files)))
	return files, nil
}
