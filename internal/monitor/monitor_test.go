package monitor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/revizor-dev/revizor/internal/analyze"
	"github.com/revizor-dev/revizor/internal/config"
	"github.com/revizor-dev/revizor/internal/gitlab"
	"github.com/revizor-dev/revizor/internal/ledger"
	"github.com/revizor-dev/revizor/internal/llm"
	"github.com/revizor-dev/revizor/internal/types"
)

// fakeGit serves a fixed set of commits, diffs and files.
type fakeGit struct {
	commits []types.Commit
	diffs   map[string][]gitlab.FileDiff // keyed by commit id
	files   map[string]string            // keyed by path (any ref)
	tree    []string
}

func (g *fakeGit) ListCommits(ctx context.Context, project string, perPage int) ([]types.Commit, error) {
	return g.commits, nil
}

func (g *fakeGit) GetDiff(ctx context.Context, project, sha string) ([]gitlab.FileDiff, error) {
	return g.diffs[sha], nil
}

func (g *fakeGit) GetFileContent(ctx context.Context, project, path, ref string) (string, error) {
	content, ok := g.files[path]
	if !ok {
		return "", gitlab.ErrNotFound
	}
	return content, nil
}

func (g *fakeGit) ListFiles(ctx context.Context, project, ref string) ([]string, error) {
	return g.tree, nil
}

// fakeNotifier records messages; optionally fails every send.
type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	fail     bool
}

func (n *fakeNotifier) Send(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("telegram unreachable")
	}
	n.messages = append(n.messages, text)
	return nil
}

func (n *fakeNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

// scriptedCompleter answers discovery prompts and analysis prompts from two
// separate queues, telling them apart by the prompt header.
type scriptedCompleter struct {
	mu        sync.Mutex
	discovery []string
	analysis  []string
	err       error
}

func (c *scriptedCompleter) Complete(ctx context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	if strings.Contains(req.User, "ОПРЕДЕЛЕНИЯ КОНТЕКСТНЫХ ФАЙЛОВ") {
		if len(c.discovery) == 0 {
			return `{"required_files": [], "explanation": ""}`, nil
		}
		resp := c.discovery[0]
		if len(c.discovery) > 1 {
			c.discovery = c.discovery[1:]
		}
		return resp, nil
	}
	if len(c.analysis) == 0 {
		return `{"description": "изменения", "errors": "Нет явных ошибок"}`, nil
	}
	resp := c.analysis[0]
	if len(c.analysis) > 1 {
		c.analysis = c.analysis[1:]
	}
	return resp, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Repositories = []string{"group/app"}
	cfg.GitLabURL = "https://gitlab.example.com"
	return cfg
}

func newTestMonitor(t *testing.T, git *fakeGit, completer llm.Completer, notifier *fakeNotifier, startTime time.Time) (*Monitor, *ledger.Ledger) {
	t.Helper()

	db, err := ledger.Open(filepath.Join(t.TempDir(), "commits.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zap.NewNop()
	cfg := testConfig()
	retry := llm.NewRetryPolicy(config.RetryConfig{
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1,
		Timeout:        time.Second,
	}, nil, log)

	m := New(
		cfg,
		db,
		git,
		analyze.NewDiscoverer(completer, retry, log),
		analyze.NewFetcher(git, cfg.MaxFileSize, log),
		analyze.NewAnalyzer(completer, retry, cfg.BatchFileThreshold, cfg.BatchBudget, log),
		notifier,
		startTime,
		log,
	)
	return m, db
}

func commitAt(id, title string, at time.Time) types.Commit {
	return types.Commit{
		ID:         id,
		CreatedAt:  at,
		Title:      title,
		AuthorName: "Ivan",
		ParentIDs:  []string{"parent0"},
	}
}

func singleFileDiff() []gitlab.FileDiff {
	return []gitlab.FileDiff{
		{OldPath: "app/views.py", NewPath: "app/views.py", Diff: "@@ -1 +1 @@\n-old\n+new\n"},
	}
}

func TestEndToEndWithIssues(t *testing.T) {
	now := time.Now().UTC()
	git := &fakeGit{
		commits: []types.Commit{commitAt("aaa111bbb", "Fix login flow", now)},
		diffs:   map[string][]gitlab.FileDiff{"aaa111bbb": singleFileDiff()},
		files: map[string]string{
			"app/views.py":  "view body",
			"app/models.py": "model body",
		},
		tree: []string{"app/views.py", "app/models.py"},
	}
	completer := &scriptedCompleter{
		discovery: []string{`{"required_files": [{"path": "app/models.py", "reason": "модели", "priority": 1}], "explanation": "нужно"}`},
		analysis:  []string{`{"description": "Изменена проверка логина", "errors": "app/views.py:3 сломан вызов authenticate"}`},
	}
	notifier := &fakeNotifier{}
	m, db := newTestMonitor(t, git, completer, notifier, now.Add(-time.Hour))

	m.RunCycle(context.Background())

	messages := notifier.sent()
	require.Len(t, messages, 1)
	msg := messages[0]
	assert.Contains(t, msg, "group/app: [aaa111b](https://gitlab.example.com/group/app/-/commit/aaa111bbb)")
	assert.Contains(t, msg, "Fix login flow")
	assert.Contains(t, msg, "Автор: Ivan")
	assert.Contains(t, msg, "Изменения: Изменена проверка логина")
	assert.Contains(t, msg, "⚠️ Ошибки: app/views.py:3 сломан вызов authenticate")

	processed, err := db.IsProcessed(context.Background(), "group/app", "aaa111bbb")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestCleanCommitOmitsErrorsSection(t *testing.T) {
	now := time.Now().UTC()
	git := &fakeGit{
		commits: []types.Commit{commitAt("ccc333", "Update docs", now)},
		diffs:   map[string][]gitlab.FileDiff{"ccc333": singleFileDiff()},
		files:   map[string]string{"app/views.py": "body"},
	}
	completer := &scriptedCompleter{
		analysis: []string{`{"description": "Обновлена документация", "errors": "Нет явных ошибок"}`},
	}
	notifier := &fakeNotifier{}
	m, _ := newTestMonitor(t, git, completer, notifier, now.Add(-time.Hour))

	m.RunCycle(context.Background())

	messages := notifier.sent()
	require.Len(t, messages, 1)
	assert.NotContains(t, messages[0], "⚠️")
}

func TestRepeatedCyclesNotifyOnce(t *testing.T) {
	now := time.Now().UTC()
	git := &fakeGit{
		commits: []types.Commit{commitAt("ddd444", "One commit", now)},
		diffs:   map[string][]gitlab.FileDiff{"ddd444": singleFileDiff()},
		files:   map[string]string{"app/views.py": "body"},
	}
	notifier := &fakeNotifier{}
	m, _ := newTestMonitor(t, git, &scriptedCompleter{}, notifier, now.Add(-time.Hour))

	for i := 0; i < 3; i++ {
		m.RunCycle(context.Background())
	}
	assert.Len(t, notifier.sent(), 1, "same polling window must notify exactly once")
}

func TestCommitsBeforeStartTimeIgnored(t *testing.T) {
	now := time.Now().UTC()
	git := &fakeGit{
		commits: []types.Commit{commitAt("old1234", "Ancient commit", now.Add(-2*time.Hour))},
		diffs:   map[string][]gitlab.FileDiff{"old1234": singleFileDiff()},
		files:   map[string]string{"app/views.py": "body"},
	}
	notifier := &fakeNotifier{}
	m, _ := newTestMonitor(t, git, &scriptedCompleter{}, notifier, now.Add(-time.Hour))

	m.RunCycle(context.Background())
	assert.Empty(t, notifier.sent())
}

func TestCommitsProcessedOldestFirst(t *testing.T) {
	now := time.Now().UTC()
	git := &fakeGit{
		// API order: newest first.
		commits: []types.Commit{
			commitAt("newer11", "Second change", now),
			commitAt("older11", "First change", now.Add(-time.Minute)),
		},
		diffs: map[string][]gitlab.FileDiff{
			"newer11": singleFileDiff(),
			"older11": singleFileDiff(),
		},
		files: map[string]string{"app/views.py": "body"},
	}
	notifier := &fakeNotifier{}
	m, _ := newTestMonitor(t, git, &scriptedCompleter{}, notifier, now.Add(-time.Hour))

	m.RunCycle(context.Background())

	messages := notifier.sent()
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0], "First change")
	assert.Contains(t, messages[1], "Second change")
}

func TestEmptyCommitIsMarkedWithoutNotification(t *testing.T) {
	now := time.Now().UTC()
	git := &fakeGit{
		commits: []types.Commit{commitAt("eee555", "Empty merge", now)},
		diffs:   map[string][]gitlab.FileDiff{},
	}
	notifier := &fakeNotifier{}
	m, db := newTestMonitor(t, git, &scriptedCompleter{}, notifier, now.Add(-time.Hour))

	m.RunCycle(context.Background())

	assert.Empty(t, notifier.sent())
	processed, err := db.IsProcessed(context.Background(), "group/app", "eee555")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestAnalysisFailureForceMarksCommit(t *testing.T) {
	now := time.Now().UTC()
	git := &fakeGit{
		commits: []types.Commit{commitAt("fff666", "Broken analysis", now)},
		diffs:   map[string][]gitlab.FileDiff{"fff666": singleFileDiff()},
		files:   map[string]string{"app/views.py": "body"},
	}
	completer := &scriptedCompleter{err: errors.New("API error (status 401): bad key")}
	notifier := &fakeNotifier{}
	m, db := newTestMonitor(t, git, completer, notifier, now.Add(-time.Hour))

	m.RunCycle(context.Background())

	messages := notifier.sent()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "Ошибка обработки коммита fff666")

	// Force-marked: a later cycle must not touch the commit again.
	processed, err := db.IsProcessed(context.Background(), "group/app", "fff666")
	require.NoError(t, err)
	assert.True(t, processed)

	m.RunCycle(context.Background())
	assert.Len(t, notifier.sent(), 1)
}

func TestNotificationFailureStillMarksCommit(t *testing.T) {
	now := time.Now().UTC()
	git := &fakeGit{
		commits: []types.Commit{commitAt("0a0b0c0", "Unreachable chat", now)},
		diffs:   map[string][]gitlab.FileDiff{"0a0b0c0": singleFileDiff()},
		files:   map[string]string{"app/views.py": "body"},
	}
	notifier := &fakeNotifier{fail: true}
	m, db := newTestMonitor(t, git, &scriptedCompleter{}, notifier, now.Add(-time.Hour))

	m.RunCycle(context.Background())

	// At-most-once delivery: the commit is spent even though no message
	// went out.
	processed, err := db.IsProcessed(context.Background(), "group/app", "0a0b0c0")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestDiscoveryContextFlowsIntoAnalysisPrompt(t *testing.T) {
	now := time.Now().UTC()
	git := &fakeGit{
		commits: []types.Commit{commitAt("1a1b1c1", "Context test", now)},
		diffs:   map[string][]gitlab.FileDiff{"1a1b1c1": singleFileDiff()},
		files: map[string]string{
			"app/views.py":  "view body",
			"app/models.py": "model body",
		},
		tree: []string{"app/views.py", "app/models.py"},
	}

	var analysisPrompt string
	completer := &promptCapture{inner: &scriptedCompleter{
		discovery: []string{`{"required_files": [{"path": "app/models.py", "reason": "модели", "priority": 1}], "explanation": ""}`},
	}, capture: &analysisPrompt}
	notifier := &fakeNotifier{}
	m, _ := newTestMonitor(t, git, completer, notifier, now.Add(-time.Hour))

	m.RunCycle(context.Background())

	require.Len(t, notifier.sent(), 1)
	assert.Contains(t, analysisPrompt, "КОНТЕКСТНЫЙ ФАЙЛ 1: app/models.py")
	assert.Contains(t, analysisPrompt, "model body")
}

// promptCapture remembers the last analysis prompt it saw.
type promptCapture struct {
	inner   llm.Completer
	capture *string
}

func (p *promptCapture) Complete(ctx context.Context, req llm.Request) (string, error) {
	if strings.Contains(req.User, "ЗАДАЧА АНАЛИЗА") {
		*p.capture = req.User
	}
	return p.inner.Complete(ctx, req)
}

func TestMaxFilesCapKeepsLargestDiffs(t *testing.T) {
	now := time.Now().UTC()

	var diffs []gitlab.FileDiff
	for i := 0; i < 8; i++ {
		diffs = append(diffs, gitlab.FileDiff{
			OldPath: fmt.Sprintf("f%d.py", i),
			NewPath: fmt.Sprintf("f%d.py", i),
			Diff:    strings.Repeat("x", (i+1)*10),
		})
	}
	git := &fakeGit{
		commits: []types.Commit{commitAt("2a2b2c2", "Many files", now)},
		diffs:   map[string][]gitlab.FileDiff{"2a2b2c2": diffs},
		files:   map[string]string{},
	}

	var analysisPrompt string
	completer := &promptCapture{inner: &scriptedCompleter{}, capture: &analysisPrompt}
	notifier := &fakeNotifier{}
	m, _ := newTestMonitor(t, git, completer, notifier, now.Add(-time.Hour))

	m.RunCycle(context.Background())

	require.Len(t, notifier.sent(), 1)
	// Default cap is 5; the 5 largest diffs survive (f3..f7).
	assert.Contains(t, analysisPrompt, "f7.py")
	assert.Contains(t, analysisPrompt, "f3.py")
	assert.NotContains(t, analysisPrompt, "f2.py")
}
