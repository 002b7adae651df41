package merge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/config"
	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/git"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/gittest"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/ledger"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/models"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/registry"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/rollover"
)

const daily = "daily/2026-10-16"

type fixture struct {
	cfg    *config.Config
	repo   *git.Repo
	reg    *registry.Registry
	ledger *ledger.Ledger
	roll   *rollover.Engine
	orch   *Orchestrator
}

func newFixture(t *testing.T, withDaily bool) *fixture {
	t.Helper()
	root := gittest.NewRepo(t)
	cfg := config.Defaults()
	cfg.RepoRoot = root
	cfg.Coordination.Dir = filepath.Join(t.TempDir(), "coord")
	repo := git.New(root, "origin", nil)

	roll := rollover.New(cfg, repo, nil, nil)
	roll.SetClock(func() time.Time { return time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC) })
	if withDaily {
		_, err := roll.RolloverIfNewDay(context.Background(), rollover.Options{})
		require.NoError(t, err)
	}
	reg := registry.New(cfg, repo, nil, nil)
	reg.SetBaseResolver(roll)
	led := ledger.New(cfg, nil, nil)
	reg.SetReleaser(led)

	return &fixture{
		cfg: cfg, repo: repo, reg: reg, ledger: led, roll: roll,
		orch: New(cfg, repo, reg, led, roll, nil, nil),
	}
}

func (f *fixture) session(t *testing.T, task string, mc *models.MergeConfig) *models.Session {
	t.Helper()
	s, err := f.reg.CreateSession(context.Background(), registry.CreateOptions{Task: task, Agent: "claude", MergeConfig: mc})
	require.NoError(t, err)
	return s
}

func TestCloseSession_HierarchicalFirstDualMerge(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	s := f.session(t, "feature", nil)
	_, err := f.ledger.Declare(ctx, ledger.DeclareRequest{Agent: "claude", Session: s.SessionID, Files: []string{"feature.txt"}})
	require.NoError(t, err)
	c := gittest.Commit(t, s.WorktreePath, "feature.txt", "feature\n", "add feature")

	res, err := f.orch.CloseSession(ctx, s.SessionID, CloseOptions{})
	require.NoError(t, err)
	require.Len(t, res.Targets, 2)
	assert.Equal(t, daily, res.Targets[0].Target)
	assert.Equal(t, "main", res.Targets[1].Target)
	assert.True(t, res.AllSucceeded())
	assert.True(t, res.BranchDeleted)
	assert.True(t, res.Closed)
	assert.Equal(t, 1, res.Released)

	root := f.repo.Root()
	assert.True(t, gittest.Contains(t, root, daily, c))
	assert.True(t, gittest.Contains(t, root, "main", c))
	assert.NotContains(t, gittest.Branches(t, root), s.BranchName)
	assert.NoDirExists(t, s.WorktreePath)
	assert.NoFileExists(t, f.reg.LockPath(s.SessionID))

	active, err := f.ledger.ListActive()
	require.NoError(t, err)
	assert.Empty(t, active)
	completed, err := f.ledger.ListCompleted()
	require.NoError(t, err)
	assert.Len(t, completed, 1)
}

func TestCloseSession_TargetConflictKeepsDailyMergeAndBranch(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	root := f.repo.Root()
	s := f.session(t, "readme", nil)
	c := gittest.Commit(t, s.WorktreePath, "README.md", "session side\n", "session edit")
	gittest.Commit(t, root, "README.md", "main side\n", "main edit")

	res, err := f.orch.CloseSession(ctx, s.SessionID, CloseOptions{})
	require.Error(t, err)
	assert.True(t, derrors.Is(err, derrors.KindMergeConflict))
	assert.Equal(t, derrors.ExitMergeConflict, derrors.ExitCode(err))

	require.Len(t, res.Targets, 2)
	assert.Equal(t, OutcomeSuccess, res.Targets[0].Outcome)
	assert.Equal(t, OutcomeConflict, res.Targets[1].Outcome)
	assert.Equal(t, []string{"README.md"}, res.Targets[1].Files)
	assert.False(t, res.BranchDeleted)
	assert.False(t, res.Closed)

	assert.True(t, gittest.Contains(t, root, daily, c))
	assert.False(t, gittest.Contains(t, root, "main", c))
	assert.Contains(t, gittest.Branches(t, root), s.BranchName)
	assert.DirExists(t, s.WorktreePath)

	kept, err := f.reg.Get(s.SessionID)
	require.NoError(t, err)
	assert.Contains(t, kept.LastError, "merge conflict")
	assert.Equal(t, "main", gittest.Git(t, root, "rev-parse", "--abbrev-ref", "HEAD"))
}

func TestCloseSession_TargetFirstHaltsOnFailure(t *testing.T) {
	f := newFixture(t, true)
	root := f.repo.Root()
	s := f.session(t, "readme", &models.MergeConfig{AutoMerge: true, Strategy: config.StrategyTargetFirst})
	c := gittest.Commit(t, s.WorktreePath, "README.md", "session side\n", "session edit")
	gittest.Commit(t, root, "README.md", "main side\n", "main edit")

	res, err := f.orch.CloseSession(context.Background(), s.SessionID, CloseOptions{})
	require.Error(t, err)
	require.Len(t, res.Targets, 2)
	assert.Equal(t, "main", res.Targets[0].Target)
	assert.Equal(t, OutcomeConflict, res.Targets[0].Outcome)
	assert.Equal(t, OutcomeSkipped, res.Targets[1].Outcome)
	assert.Equal(t, ReasonPreviousFailed, res.Targets[1].Reason)
	assert.False(t, gittest.Contains(t, root, daily, c))
}

func TestCloseSession_ParallelAttemptsBoth(t *testing.T) {
	f := newFixture(t, true)
	root := f.repo.Root()
	s := f.session(t, "readme", nil)
	c := gittest.Commit(t, s.WorktreePath, "README.md", "session side\n", "session edit")
	gittest.Commit(t, root, "README.md", "main side\n", "main edit")

	res, err := f.orch.CloseSession(context.Background(), s.SessionID, CloseOptions{Strategy: config.StrategyParallel})
	require.Error(t, err)
	assert.Equal(t, config.StrategyParallel, res.Strategy)
	require.Len(t, res.Targets, 2)
	assert.Equal(t, OutcomeSuccess, res.Targets[0].Outcome)
	assert.Equal(t, OutcomeConflict, res.Targets[1].Outcome)
	assert.True(t, gittest.Contains(t, root, daily, c))
	assert.Contains(t, gittest.Branches(t, root), s.BranchName)
}

func TestCloseSession_ParallelBothSucceed(t *testing.T) {
	f := newFixture(t, true)
	root := f.repo.Root()
	s := f.session(t, "notes", &models.MergeConfig{AutoMerge: true, Strategy: config.StrategyParallel})
	c := gittest.Commit(t, s.WorktreePath, "notes.txt", "n\n", "notes")
	gittest.Commit(t, root, "README.md", "main side\n", "main edit")

	res, err := f.orch.CloseSession(context.Background(), s.SessionID, CloseOptions{})
	require.NoError(t, err)
	assert.True(t, res.AllSucceeded())
	assert.True(t, gittest.Contains(t, root, daily, c))
	assert.True(t, gittest.Contains(t, root, "main", c))
}

func TestCloseSession_BranchMissingStillCleansMetadata(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	root := f.repo.Root()
	s := f.session(t, "gone", nil)
	_, err := f.ledger.Declare(ctx, ledger.DeclareRequest{Agent: "claude", Session: s.SessionID, Files: []string{"x"}})
	require.NoError(t, err)
	gittest.Git(t, root, "worktree", "remove", "--force", s.WorktreePath)
	gittest.Git(t, root, "branch", "-D", s.BranchName)

	res, err := f.orch.CloseSession(ctx, s.SessionID, CloseOptions{})
	require.NoError(t, err)
	assert.True(t, res.BranchMissing)
	for _, tr := range res.Targets {
		assert.Equal(t, OutcomeSkipped, tr.Outcome)
		assert.Equal(t, ReasonBranchMissing, tr.Reason)
	}
	assert.True(t, res.Closed)
	assert.Equal(t, 1, res.Released)
	assert.NoFileExists(t, f.reg.LockPath(s.SessionID))
}

func TestCloseSession_DualMergeDisabled(t *testing.T) {
	f := newFixture(t, true)
	f.cfg.BranchManagement.EnableDualMerge = false
	root := f.repo.Root()
	s := f.session(t, "solo", nil)
	c := gittest.Commit(t, s.WorktreePath, "solo.txt", "s\n", "solo")

	res, err := f.orch.CloseSession(context.Background(), s.SessionID, CloseOptions{})
	require.NoError(t, err)
	require.Len(t, res.Targets, 1)
	assert.Equal(t, daily, res.Targets[0].Target)
	assert.True(t, gittest.Contains(t, root, daily, c))
	assert.False(t, gittest.Contains(t, root, "main", c))
}

func TestCloseSession_NoDailyMergesTargetOnly(t *testing.T) {
	f := newFixture(t, false)
	s := f.session(t, "early", nil)
	c := gittest.Commit(t, s.WorktreePath, "early.txt", "e\n", "early")

	res, err := f.orch.CloseSession(context.Background(), s.SessionID, CloseOptions{})
	require.NoError(t, err)
	require.Len(t, res.Targets, 1)
	assert.Equal(t, "main", res.Targets[0].Target)
	assert.True(t, gittest.Contains(t, f.repo.Root(), "main", c))
}

func TestCloseSession_AutoMergeDisabledKeepsBranch(t *testing.T) {
	f := newFixture(t, true)
	s := f.session(t, "manual", &models.MergeConfig{AutoMerge: false})
	gittest.Commit(t, s.WorktreePath, "m.txt", "m\n", "manual")

	res, err := f.orch.CloseSession(context.Background(), s.SessionID, CloseOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Targets)
	assert.True(t, res.Closed)
	assert.Contains(t, gittest.Branches(t, f.repo.Root()), s.BranchName)
	assert.NoDirExists(t, s.WorktreePath)
}

type worktreeCommitter struct{ repo *git.Repo }

func (c worktreeCommitter) CommitSession(ctx context.Context, s *models.Session) (bool, error) {
	return c.repo.CommitAll(ctx, s.WorktreePath, "[claude] "+s.Task)
}

func TestCloseSession_CommitsPendingWork(t *testing.T) {
	f := newFixture(t, true)
	f.orch.SetCommitter(worktreeCommitter{f.repo})
	s := f.session(t, "pending", nil)
	gittest.WriteFile(t, s.WorktreePath, "pending.txt", "p\n")

	res, err := f.orch.CloseSession(context.Background(), s.SessionID, CloseOptions{})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, "[claude] pending", gittest.Git(t, f.repo.Root(), "log", "-1", "--format=%s", "main^2"))
}

func TestCloseSession_DryRunChangesNothing(t *testing.T) {
	f := newFixture(t, true)
	s := f.session(t, "dry", nil)
	c := gittest.Commit(t, s.WorktreePath, "dry.txt", "d\n", "dry")

	res, err := f.orch.CloseSession(context.Background(), s.SessionID, CloseOptions{DryRun: true})
	require.NoError(t, err)
	for _, tr := range res.Targets {
		assert.Equal(t, ReasonDryRun, tr.Reason)
	}
	assert.False(t, gittest.Contains(t, f.repo.Root(), "main", c))
	assert.FileExists(t, f.reg.LockPath(s.SessionID))
}

func TestCloseSession_Errors(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.orch.CloseSession(context.Background(), "nope", CloseOptions{})
	assert.True(t, derrors.Is(err, derrors.KindMissing))

	s := f.session(t, "x", nil)
	_, err = f.orch.CloseSession(context.Background(), s.SessionID, CloseOptions{Strategy: "sideways"})
	assert.True(t, derrors.Is(err, derrors.KindConfig))
}

// process builds an independent engine stack over f's repository, the way a
// second agent process would see it.
func (f *fixture) process() (*Orchestrator, *registry.Registry) {
	repo := git.New(f.repo.Root(), "origin", nil)
	roll := rollover.New(f.cfg, repo, nil, nil)
	roll.SetClock(func() time.Time { return time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC) })
	reg := registry.New(f.cfg, repo, nil, nil)
	reg.SetBaseResolver(roll)
	led := ledger.New(f.cfg, nil, nil)
	reg.SetReleaser(led)
	return New(f.cfg, repo, reg, led, roll, nil, nil), reg
}

// Agents on disjoint files closing at the same time both land on the daily
// branch and main, and the main worktree ends where it started.
func TestConcurrentSessionsDisjointFiles(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	root := f.repo.Root()
	before := gittest.Git(t, root, "rev-parse", "--abbrev-ref", "HEAD")

	for i := 0; i < 3; i++ {
		type agent struct {
			orch    *Orchestrator
			session *models.Session
			file    string
			commit  string
		}
		var agents []*agent
		for _, name := range []string{"claude", "cursor"} {
			orch, reg := f.process()
			s, err := reg.CreateSession(ctx, registry.CreateOptions{Task: fmt.Sprintf("task %d", i), Agent: name})
			require.NoError(t, err)
			file := fmt.Sprintf("%s-%d.txt", name, i)
			_, err = f.ledger.Declare(ctx, ledger.DeclareRequest{Agent: name, Session: s.SessionID, Files: []string{file}})
			require.NoError(t, err)
			c := gittest.Commit(t, s.WorktreePath, file, name+"\n", "work "+file)
			agents = append(agents, &agent{orch: orch, session: s, file: file, commit: c})
		}

		var wg sync.WaitGroup
		results := make([]*Result, len(agents))
		errs := make([]error, len(agents))
		for j, a := range agents {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[j], errs[j] = a.orch.CloseSession(ctx, a.session.SessionID, CloseOptions{})
			}()
		}
		wg.Wait()

		for j, a := range agents {
			require.NoError(t, errs[j], "iteration %d agent %s", i, a.session.AgentType)
			assert.True(t, results[j].AllSucceeded())
			assert.True(t, gittest.Contains(t, root, daily, a.commit), "daily missing %s", a.file)
			assert.True(t, gittest.Contains(t, root, "main", a.commit), "main missing %s", a.file)
			assert.NotContains(t, gittest.Branches(t, root), a.session.BranchName)
		}
		assert.Equal(t, before, gittest.Git(t, root, "rev-parse", "--abbrev-ref", "HEAD"))
		assert.Empty(t, gittest.Git(t, root, "status", "--porcelain", "--untracked-files=no"))
	}

	gittest.Git(t, root, "checkout", "main")
	data, err := os.ReadFile(filepath.Join(root, "cursor-2.txt"))
	require.NoError(t, err)
	assert.Equal(t, "cursor\n", string(data))
}
