// Package monitor drives the polling pipeline: discover new commits per
// repository, claim each one in the ledger, run context discovery and
// analysis, notify, and mark the commit processed. One Monitor serves all
// configured repositories; repositories run concurrently within a cycle,
// commits within a repository run oldest first.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/revizor-dev/revizor/internal/analyze"
	"github.com/revizor-dev/revizor/internal/config"
	"github.com/revizor-dev/revizor/internal/gitlab"
	"github.com/revizor-dev/revizor/internal/notify"
	"github.com/revizor-dev/revizor/internal/types"
)

// commitsPerPoll is how many recent commits are inspected per repository per
// cycle. The ledger filters the already-seen ones, so the window just has to
// outpace the repository's commit rate between cycles.
const commitsPerPoll = 20

// GitClient is the hosting-API surface the monitor needs.
type GitClient interface {
	ListCommits(ctx context.Context, project string, perPage int) ([]types.Commit, error)
	GetDiff(ctx context.Context, project, sha string) ([]gitlab.FileDiff, error)
	GetFileContent(ctx context.Context, project, path, ref string) (string, error)
	ListFiles(ctx context.Context, project, ref string) ([]string, error)
}

// Ledger is the commit marker store the monitor needs.
type Ledger interface {
	Seen(ctx context.Context, project, commitID string) (bool, error)
	Claim(ctx context.Context, project, commitID string, ts time.Time) (bool, error)
	MarkProcessed(ctx context.Context, project, commitID string, ts time.Time) error
}

// Monitor owns one polling pipeline over all configured repositories.
type Monitor struct {
	cfg        *config.Config
	ledger     Ledger
	git        GitClient
	discoverer *analyze.Discoverer
	fetcher    *analyze.Fetcher
	analyzer   *analyze.Analyzer
	notifier   notify.Notifier
	startTime  time.Time
	log        *zap.Logger
}

// New creates a monitor. Commits created before startTime are ignored.
func New(
	cfg *config.Config,
	ledger Ledger,
	git GitClient,
	discoverer *analyze.Discoverer,
	fetcher *analyze.Fetcher,
	analyzer *analyze.Analyzer,
	notifier notify.Notifier,
	startTime time.Time,
	log *zap.Logger,
) *Monitor {
	return &Monitor{
		cfg:        cfg,
		ledger:     ledger,
		git:        git,
		discoverer: discoverer,
		fetcher:    fetcher,
		analyzer:   analyzer,
		notifier:   notifier,
		startTime:  startTime,
		log:        log,
	}
}

// Run polls all repositories until the context is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("monitor started",
		zap.Int("repositories", len(m.cfg.Repositories)),
		zap.Duration("interval", m.cfg.CheckInterval),
		zap.Time("start_time", m.startTime))

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		m.RunCycle(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			m.log.Info("monitor stopping", zap.Error(ctx.Err()))
			return ctx.Err()
		}
	}
}

// RunCycle polls every configured repository once, concurrently. A failing
// repository never blocks the others; its error is logged inside the task.
func (m *Monitor) RunCycle(ctx context.Context) {
	cycle := uuid.NewString()[:8]
	log := m.log.With(zap.String("cycle", cycle))
	log.Info("polling cycle started")

	var g errgroup.Group
	for _, project := range m.cfg.Repositories {
		g.Go(func() error {
			if err := m.MonitorProject(ctx, project, log); err != nil {
				log.Error("repository poll failed",
					zap.String("project", project), zap.Error(err))
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // tasks report their own errors
	log.Info("polling cycle finished")
}

// MonitorProject polls a single repository: finds commits newer than the
// start time that the ledger has never seen and processes them oldest first.
func (m *Monitor) MonitorProject(ctx context.Context, project string, log *zap.Logger) error {
	commits, err := m.git.ListCommits(ctx, project, commitsPerPoll)
	if err != nil {
		return err
	}

	var fresh []types.Commit
	for _, c := range commits {
		if !c.CreatedAt.After(m.startTime) {
			continue
		}
		seen, err := m.ledger.Seen(ctx, project, c.ID)
		if err != nil {
			return err
		}
		if !seen {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	// The API returns newest first; notifications should arrive in commit
	// order.
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].CreatedAt.Before(fresh[j].CreatedAt)
	})
	log.Info("new commits found",
		zap.String("project", project), zap.Int("count", len(fresh)))

	for _, commit := range fresh {
		m.processCommit(ctx, project, commit, log)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// processCommit runs the full pipeline for one commit. It never returns an
// error: any failure after the claim is reported to the operator and the
// commit is force-marked so notification stays at-most-once.
func (m *Monitor) processCommit(ctx context.Context, project string, commit types.Commit, log *zap.Logger) {
	log = log.With(
		zap.String("project", project),
		zap.String("commit", commit.ShortID()))

	won, err := m.ledger.Claim(ctx, project, commit.ID, commit.CreatedAt)
	if err != nil {
		log.Error("failed to claim commit", zap.Error(err))
		return
	}
	if !won {
		log.Debug("commit already claimed elsewhere")
		return
	}

	state := types.StateFetched
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing commit",
				zap.Any("panic", r), zap.String("state", string(state)))
			m.advance(&state, types.StateFailed, log)
			m.failCommit(ctx, project, commit, fmt.Errorf("panic: %v", r), log)
		}
	}()

	if err := m.runPipeline(ctx, project, commit, &state, log); err != nil {
		log.Error("commit processing failed",
			zap.String("state", string(state)), zap.Error(err))
		m.advance(&state, types.StateFailed, log)
		m.failCommit(ctx, project, commit, err, log)
	}
}

// runPipeline walks the commit through the per-change state machine.
func (m *Monitor) runPipeline(ctx context.Context, project string, commit types.Commit, state *types.ChangeState, log *zap.Logger) error {
	changed, err := m.fetchChanges(ctx, project, commit)
	if err != nil {
		return fmt.Errorf("fetching changes: %w", err)
	}
	if len(changed) == 0 {
		// Nothing to analyze; the marker alone keeps the commit from
		// being picked up again.
		log.Debug("commit has no file changes")
		return m.ledger.MarkProcessed(ctx, project, commit.ID, commit.CreatedAt)
	}

	// Context discovery is advisory: an empty request list skips straight
	// to batching.
	available, err := m.git.ListFiles(ctx, project, commit.ID)
	if err != nil {
		log.Warn("failed to list repository files, discovering without catalog", zap.Error(err))
		available = nil
	}
	requests := m.discoverer.Discover(ctx, changed, available)
	m.advance(state, types.StateContextDiscovered, log)

	var contextFiles []types.ContextFile
	if len(requests) > 0 {
		contextFiles, err = m.fetcher.Fetch(ctx, project, commit.ID, requests)
		if err != nil {
			return fmt.Errorf("fetching context: %w", err)
		}
		m.advance(state, types.StateContextFetched, log)
	}
	m.advance(state, types.StateBatched, log)

	analysis, err := m.analyzer.Analyze(ctx, changed, contextFiles)
	if err != nil {
		return fmt.Errorf("analyzing: %w", err)
	}
	m.advance(state, types.StateAnalyzed, log)

	msg := m.formatMessage(project, commit, analysis)
	if err := m.notifier.Send(ctx, msg); err != nil {
		return fmt.Errorf("notifying: %w", err)
	}
	m.advance(state, types.StateNotified, log)

	if err := m.ledger.MarkProcessed(ctx, project, commit.ID, commit.CreatedAt); err != nil {
		return fmt.Errorf("marking processed: %w", err)
	}
	m.advance(state, types.StateMarked, log)

	log.Info("commit processed",
		zap.Int("changed_files", len(changed)),
		zap.Int("context_files", len(contextFiles)),
		zap.Bool("issues", !analysis.NoIssues()))
	return nil
}

// failCommit reports the failure to the operator and force-marks the commit
// so it is never retried. Marking must survive context cancellation.
func (m *Monitor) failCommit(ctx context.Context, project string, commit types.Commit, cause error, log *zap.Logger) {
	msg := fmt.Sprintf("Ошибка обработки коммита %s в %s: %v", commit.ShortID(), project, cause)
	if err := m.notifier.Send(ctx, msg); err != nil {
		log.Error("failed to send failure notification", zap.Error(err))
	}

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.ledger.MarkProcessed(markCtx, project, commit.ID, commit.CreatedAt); err != nil {
		log.Error("failed to force-mark commit", zap.Error(err))
	}
}

// fetchChanges turns the commit diff into ChangedFiles: largest diffs first,
// capped at the configured file count, with old/new contents resolved and
// truncated.
func (m *Monitor) fetchChanges(ctx context.Context, project string, commit types.Commit) ([]types.ChangedFile, error) {
	diffs, err := m.git.GetDiff(ctx, project, commit.ID)
	if err != nil {
		return nil, err
	}

	// Bigger diffs carry the interesting changes; they survive the cap.
	sort.SliceStable(diffs, func(i, j int) bool {
		return len(diffs[i].Diff) > len(diffs[j].Diff)
	})
	if len(diffs) > m.cfg.MaxFiles {
		diffs = diffs[:m.cfg.MaxFiles]
	}

	parentRef := ""
	if len(commit.ParentIDs) > 0 {
		parentRef = commit.ParentIDs[0]
	}

	var changed []types.ChangedFile
	for _, d := range diffs {
		path := d.NewPath
		if path == "" {
			path = d.OldPath
		}
		if path == "" {
			continue
		}

		file := types.ChangedFile{
			Path: path,
			Diff: types.Truncate(d.Diff, m.cfg.MaxFileSize),
		}
		if parentRef != "" && d.OldPath != "" {
			old, err := m.git.GetFileContent(ctx, project, d.OldPath, parentRef)
			if err != nil && !errors.Is(err, gitlab.ErrNotFound) {
				return nil, err
			}
			file.OldContent = types.Truncate(old, m.cfg.MaxFileSize)
		}
		if d.NewPath != "" {
			current, err := m.git.GetFileContent(ctx, project, d.NewPath, commit.ID)
			if err != nil && !errors.Is(err, gitlab.ErrNotFound) {
				return nil, err
			}
			file.NewContent = types.Truncate(current, m.cfg.MaxFileSize)
		}

		if err := file.Validate(); err != nil {
			continue
		}
		changed = append(changed, file)
	}
	return changed, nil
}

// formatMessage builds the notification text. The errors section appears only
// when the analysis actually flagged something.
func (m *Monitor) formatMessage(project string, commit types.Commit, analysis types.Analysis) string {
	commitURL := fmt.Sprintf("%s/%s/-/commit/%s", m.cfg.GitLabURL, project, commit.ID)
	msg := fmt.Sprintf("%s: [%s](%s)\n%s\nАвтор: %s\nИзменения: %s\n",
		project, commit.ShortID(), commitURL, commit.Title, commit.AuthorName, analysis.Description)
	if !analysis.NoIssues() {
		msg += fmt.Sprintf("⚠️ Ошибки: %s", analysis.Errors)
	}
	return msg
}

// advance moves the change to the next state, logging invalid transitions
// instead of failing the pipeline over bookkeeping.
func (m *Monitor) advance(state *types.ChangeState, to types.ChangeState, log *zap.Logger) {
	if !state.CanTransitionTo(to) {
		log.Warn("invalid state transition",
			zap.String("from", string(*state)), zap.String("to", string(to)))
	}
	*state = to
}
