// Package analyze turns a commit's changed files into an analysis verdict. It
// runs the two model phases of the pipeline (context discovery, batch
// analysis) plus the deterministic glue between them: context fetching with
// truncation and greedy size-budget batch planning.
package analyze

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/revizor-dev/revizor/internal/llm"
	"github.com/revizor-dev/revizor/internal/types"
)

// discoveryMaxTokens bounds the discovery completion; the answer is a short
// file list, not prose.
const discoveryMaxTokens = 1500

// Discoverer asks the model which repository files are needed as context for
// analyzing a commit. Discovery is advisory: every failure degrades to "no
// context" so the analysis phase always runs.
type Discoverer struct {
	completer llm.Completer
	retry     *llm.RetryPolicy
	log       *zap.Logger
}

// NewDiscoverer creates a context discoverer.
func NewDiscoverer(completer llm.Completer, retry *llm.RetryPolicy, log *zap.Logger) *Discoverer {
	return &Discoverer{completer: completer, retry: retry, log: log}
}

type discoveryWire struct {
	RequiredFiles []struct {
		Path     string `json:"path"`
		Reason   string `json:"reason"`
		Priority int    `json:"priority"`
	} `json:"required_files"`
	Explanation string `json:"explanation"`
}

// Discover returns the model's context requests for the changed files, sorted
// by ascending priority number (most important first) with path as the tie
// break so the result is deterministic. On any error it logs and returns an
// empty list.
func (d *Discoverer) Discover(ctx context.Context, modified []types.ChangedFile, available []string) []types.ContextRequest {
	if len(modified) == 0 {
		return nil
	}

	prompt := buildDiscoveryPrompt(modified, available)

	var response string
	err := d.retry.Do(ctx, "context-discovery", func(ctx context.Context) error {
		var callErr error
		response, callErr = d.completer.Complete(ctx, llm.Request{
			User:      prompt,
			MaxTokens: discoveryMaxTokens,
		})
		return callErr
	})
	if err != nil {
		d.log.Warn("context discovery failed, proceeding without context", zap.Error(err))
		return nil
	}

	parsed := llm.Parse[discoveryWire](response)
	if !parsed.OK {
		d.log.Warn("context discovery returned unparseable response, proceeding without context",
			zap.String("parse_error", parsed.Err))
		return nil
	}

	requests := make([]types.ContextRequest, 0, len(parsed.Data.RequiredFiles))
	for _, f := range parsed.Data.RequiredFiles {
		if f.Path == "" {
			continue
		}
		requests = append(requests, types.ContextRequest{
			Path:     f.Path,
			Reason:   f.Reason,
			Priority: types.ClampPriority(f.Priority),
		})
	}

	sort.SliceStable(requests, func(i, j int) bool {
		if requests[i].Priority != requests[j].Priority {
			return requests[i].Priority < requests[j].Priority
		}
		return requests[i].Path < requests[j].Path
	})

	d.log.Info("context discovery finished",
		zap.Int("requested_files", len(requests)),
		zap.String("explanation", parsed.Data.Explanation))
	return requests
}
