package types

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangedFileValidate(t *testing.T) {
	tests := []struct {
		name    string
		file    ChangedFile
		wantErr bool
	}{
		{
			name: "diff only",
			file: ChangedFile{Path: "app/views.py", Diff: "@@ -1 +1 @@"},
		},
		{
			name: "new content only (created file)",
			file: ChangedFile{Path: "app/new.py", NewContent: "x = 1"},
		},
		{
			name: "old content only (deleted file)",
			file: ChangedFile{Path: "app/old.py", OldContent: "x = 1"},
		},
		{
			name:    "all empty",
			file:    ChangedFile{Path: "app/empty.py"},
			wantErr: true,
		},
		{
			name:    "missing path",
			file:    ChangedFile{Diff: "@@"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.file.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChangedFileSize(t *testing.T) {
	f := ChangedFile{Diff: "12345", OldContent: "123", NewContent: "12"}
	assert.Equal(t, 10, f.Size())
}

func TestShortID(t *testing.T) {
	c := Commit{ID: "a1b2c3d4e5f6a7b8"}
	assert.Equal(t, "a1b2c3d", c.ShortID())

	short := Commit{ID: "abc"}
	assert.Equal(t, "abc", short.ShortID())
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, 1, ClampPriority(1))
	assert.Equal(t, 3, ClampPriority(3))
	assert.Equal(t, 5, ClampPriority(0))
	assert.Equal(t, 5, ClampPriority(7))
	assert.Equal(t, 5, ClampPriority(-1))
}

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, ParseSeverity("critical"))
	assert.Equal(t, SeverityHigh, ParseSeverity(" HIGH "))
	assert.Equal(t, SeverityLow, ParseSeverity("whatever"))
	assert.Equal(t, SeverityLow, ParseSeverity(""))
}

func TestTruncate(t *testing.T) {
	content := strings.Repeat("a", 100)

	truncated := Truncate(content, 10)
	require.True(t, strings.HasPrefix(truncated, strings.Repeat("a", 10)))
	assert.Contains(t, truncated, fmt.Sprintf("[truncated, original size: %d chars]", 100))

	// Under the limit content is returned untouched.
	assert.Equal(t, content, Truncate(content, 100))
	assert.Equal(t, content, Truncate(content, 200))

	// Non-positive max disables truncation.
	assert.Equal(t, content, Truncate(content, 0))
}

func TestAnalysisNoIssues(t *testing.T) {
	clean := Analysis{Description: "renamed a variable", Errors: NoIssuesMarker}
	assert.True(t, clean.NoIssues())

	empty := Analysis{Description: "touched docs"}
	assert.True(t, empty.NoIssues())

	withErrors := Analysis{Errors: "undefined variable on line 3"}
	assert.False(t, withErrors.NoIssues())

	withFindings := Analysis{Findings: []Finding{{File: "a.py", Severity: SeverityHigh, Description: "bad"}}}
	assert.False(t, withFindings.NoIssues())
}

func TestChangeStateTransitions(t *testing.T) {
	// The happy path walks every state in order.
	path := []ChangeState{
		StateFetched, StateContextDiscovered, StateContextFetched,
		StateBatched, StateAnalyzed, StateNotified, StateMarked,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, path[i].CanTransitionTo(path[i+1]),
			"%s should transition to %s", path[i], path[i+1])
	}

	// Skip allowed only when discovery came back empty.
	assert.True(t, StateContextDiscovered.CanTransitionTo(StateBatched))
	assert.False(t, StateFetched.CanTransitionTo(StateBatched))
	assert.False(t, StateContextFetched.CanTransitionTo(StateAnalyzed))

	// Terminal states go nowhere.
	assert.Empty(t, StateMarked.ValidTransitions())
	assert.Empty(t, StateFailed.ValidTransitions())
	assert.True(t, StateMarked.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateBatched.IsTerminal())
}
