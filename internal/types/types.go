// Package types defines the shared data model for the commit analysis pipeline.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Commit is a single revision pulled from the hosting API.
type Commit struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Title      string    `json:"title"`
	AuthorName string    `json:"author_name"`
	ParentIDs  []string  `json:"parent_ids"`
}

// ShortID returns the abbreviated commit SHA used in logs and notifications.
func (c *Commit) ShortID() string {
	if len(c.ID) <= 7 {
		return c.ID
	}
	return c.ID[:7]
}

// ChangedFile is one file modified by a commit. Diff, OldContent and NewContent are
// each optional (a created file has no old content, a deleted file no new content),
// but at least one of them must be non-empty.
type ChangedFile struct {
	Path       string `json:"path"`
	Diff       string `json:"diff"`
	OldContent string `json:"old_content,omitempty"`
	NewContent string `json:"new_content,omitempty"`
}

// Size is the serialized weight of the file for batch planning: the sum of the
// diff and both content lengths in characters.
func (f *ChangedFile) Size() int {
	return len(f.Diff) + len(f.OldContent) + len(f.NewContent)
}

// Validate checks the ChangedFile invariant.
func (f *ChangedFile) Validate() error {
	if f.Path == "" {
		return fmt.Errorf("path is required")
	}
	if f.Diff == "" && f.OldContent == "" && f.NewContent == "" {
		return fmt.Errorf("changed file %s has no diff and no content", f.Path)
	}
	return nil
}

// ContextRequest is a file the discovery engine believes is needed to analyze a
// change. The path is a model suggestion and may not resolve to a real file.
type ContextRequest struct {
	Path     string `json:"path"`
	Reason   string `json:"reason"`
	Priority int    `json:"priority"`
}

// Priority bounds. Lower number means more critical. PriorityImportant is the
// cutoff below which a missing context file is surfaced as a warning.
const (
	PriorityCritical  = 1
	PriorityImportant = 2
	PriorityDefault   = 5
)

// ClampPriority normalizes a model-supplied priority into the 1..5 range,
// defaulting to the lowest priority when absent or out of range.
func ClampPriority(p int) int {
	if p < PriorityCritical || p > PriorityDefault {
		return PriorityDefault
	}
	return p
}

// ContextFile is resolved context content, carrying the priority of the request
// that produced it.
type ContextFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Priority int    `json:"priority"`
}

// Severity classifies a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// IsValid checks if the severity value is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// ParseSeverity maps free-form model output onto a Severity, defaulting to low.
func ParseSeverity(s string) Severity {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.IsValid() {
		return sev
	}
	return SeverityLow
}

// Finding is a single reported issue in a change.
type Finding struct {
	File        string   `json:"file"`
	Line        int      `json:"line,omitempty"` // 0 when unknown
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Suggestion  string   `json:"suggestion,omitempty"`
}

// NoIssuesMarker is the sentinel the model is instructed to emit in the errors
// lane when it found nothing to report. The monitor suppresses the errors
// section of a notification when the lane equals this marker.
const NoIssuesMarker = "Нет явных ошибок"

// Analysis is the per-change result produced by the analysis engine. Findings is
// populated when the model was asked for structured output; Errors carries the
// free-text lane otherwise. ContextPaths lists the context files actually used.
type Analysis struct {
	Description  string    `json:"description"`
	Findings     []Finding `json:"findings,omitempty"`
	Errors       string    `json:"errors,omitempty"`
	ContextPaths []string  `json:"context_paths,omitempty"`
}

// NoIssues reports whether the analysis found nothing to flag.
func (a *Analysis) NoIssues() bool {
	if len(a.Findings) > 0 {
		return false
	}
	return a.Errors == "" || a.Errors == NoIssuesMarker
}

// Truncate cuts s to max characters and appends a marker stating the original
// length. The marker is appended after the cut, so truncated content is never
// mistaken for source text of the stated size.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n... [truncated, original size: %d chars]", len(s))
}
