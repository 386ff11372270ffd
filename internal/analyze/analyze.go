package analyze

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/revizor-dev/revizor/internal/llm"
	"github.com/revizor-dev/revizor/internal/types"
)

// analysisMaxTokens bounds one batch analysis completion.
const analysisMaxTokens = 2000

// Analyzer runs the analysis phase: changed files in, a single Analysis out,
// with batch planning and per-batch merging handled internally.
type Analyzer struct {
	completer llm.Completer
	retry     *llm.RetryPolicy

	batchFileThreshold int
	batchBudget        int

	log *zap.Logger
}

// NewAnalyzer creates an analyzer. batchFileThreshold is the file count above
// which a commit is split into batches; batchBudget is the per-batch
// character limit.
func NewAnalyzer(completer llm.Completer, retry *llm.RetryPolicy, batchFileThreshold, batchBudget int, log *zap.Logger) *Analyzer {
	return &Analyzer{
		completer:          completer,
		retry:              retry,
		batchFileThreshold: batchFileThreshold,
		batchBudget:        batchBudget,
		log:                log,
	}
}

type analysisWire struct {
	Description string `json:"description"`
	Errors      string `json:"errors"`
	Findings    []struct {
		File        string `json:"file"`
		Line        int    `json:"line"`
		Severity    string `json:"severity"`
		Description string `json:"description"`
		Suggestion  string `json:"suggestion"`
	} `json:"findings"`
}

// Analyze reviews the changed files with the given context and returns the
// merged verdict. Descriptions from multiple batches join with a space;
// non-clean error lanes join with newlines. A commit whose every batch came
// back clean reports the no-issues marker.
func (a *Analyzer) Analyze(ctx context.Context, files []types.ChangedFile, contextFiles []types.ContextFile) (types.Analysis, error) {
	batches := PlanBatches(files, a.batchFileThreshold, a.batchBudget)
	if len(batches) == 0 {
		return types.Analysis{Errors: types.NoIssuesMarker}, nil
	}

	if len(batches) > 1 {
		a.log.Debug("commit split into batches",
			zap.Int("files", len(files)),
			zap.Int("batches", len(batches)))
	}

	var descriptions []string
	var errorLanes []string
	var findings []types.Finding

	for i, batch := range batches {
		result, err := a.analyzeBatch(ctx, batch, contextFiles)
		if err != nil {
			return types.Analysis{}, fmt.Errorf("analyzing batch %d/%d: %w", i+1, len(batches), err)
		}
		if result.Description != "" {
			descriptions = append(descriptions, result.Description)
		}
		if result.Errors != "" && result.Errors != types.NoIssuesMarker {
			errorLanes = append(errorLanes, result.Errors)
		}
		findings = append(findings, result.Findings...)
	}

	merged := types.Analysis{
		Description: strings.Join(descriptions, " "),
		Findings:    findings,
		Errors:      types.NoIssuesMarker,
	}
	if len(errorLanes) > 0 {
		merged.Errors = strings.Join(errorLanes, "\n")
	}
	for _, cf := range contextFiles {
		merged.ContextPaths = append(merged.ContextPaths, cf.Path)
	}
	return merged, nil
}

// analyzeBatch reviews one batch. The response is read in three passes:
// the JSON schema, then the errors-marker split, then the whole text as a
// bare description. A completion that arrived at all always yields a result.
func (a *Analyzer) analyzeBatch(ctx context.Context, batch []types.ChangedFile, contextFiles []types.ContextFile) (types.Analysis, error) {
	prompt := buildAnalysisPrompt(batch, contextFiles)

	var response string
	err := a.retry.Do(ctx, "analysis", func(ctx context.Context) error {
		var callErr error
		response, callErr = a.completer.Complete(ctx, llm.Request{
			User:      prompt,
			MaxTokens: analysisMaxTokens,
		})
		return callErr
	})
	if err != nil {
		return types.Analysis{}, err
	}

	return a.parseResponse(response), nil
}

// errorsMarker splits a free-text response into the description and errors
// lanes when the model ignored the JSON format.
const errorsMarker = "Ошибки:"

func (a *Analyzer) parseResponse(response string) types.Analysis {
	parsed := llm.Parse[analysisWire](response)
	if parsed.OK && (parsed.Data.Description != "" || parsed.Data.Errors != "") {
		result := types.Analysis{
			Description: strings.TrimSpace(parsed.Data.Description),
			Errors:      strings.TrimSpace(parsed.Data.Errors),
		}
		if result.Errors == "" {
			result.Errors = types.NoIssuesMarker
		}
		for _, f := range parsed.Data.Findings {
			result.Findings = append(result.Findings, types.Finding{
				File:        f.File,
				Line:        f.Line,
				Severity:    types.ParseSeverity(f.Severity),
				Description: f.Description,
				Suggestion:  f.Suggestion,
			})
		}
		return result
	}

	a.log.Debug("analysis response is not JSON, falling back to marker split",
		zap.String("parse_error", parsed.Err))

	if idx := strings.Index(response, errorsMarker); idx >= 0 {
		result := types.Analysis{
			Description: strings.TrimSpace(response[:idx]),
			Errors:      strings.TrimSpace(response[idx+len(errorsMarker):]),
		}
		if result.Errors == "" {
			result.Errors = types.NoIssuesMarker
		}
		return result
	}
	return types.Analysis{
		Description: strings.TrimSpace(response),
		Errors:      types.NoIssuesMarker,
	}
}
