package orphan

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/config"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/git"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/gittest"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/ledger"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/merge"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/models"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/registry"
)

var now = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

type fixture struct {
	root   string
	reg    *registry.Registry
	ledger *ledger.Ledger
	rec    *Reclaimer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := gittest.NewRepo(t)
	cfg := config.Defaults()
	cfg.RepoRoot = root
	cfg.Coordination.Dir = filepath.Join(t.TempDir(), "coord")
	repo := git.New(root, "origin", nil)
	reg := registry.New(cfg, repo, nil, nil)
	led := ledger.New(cfg, nil, nil)
	reg.SetReleaser(led)
	orch := merge.New(cfg, repo, reg, led, nil, nil, nil)
	rec := New(cfg, repo, reg, orch, nil, nil)
	rec.SetClock(func() time.Time { return now })
	return &fixture{root: root, reg: reg, ledger: led, rec: rec}
}

func (f *fixture) sessionAged(t *testing.T, task string, age time.Duration) *models.Session {
	t.Helper()
	f.reg.SetClock(func() time.Time { return now.Add(-age) })
	s, err := f.reg.CreateSession(context.Background(), registry.CreateOptions{Task: task, Agent: "claude"})
	require.NoError(t, err)
	return s
}

const day = 24 * time.Hour

func TestFindOrphans_Threshold(t *testing.T) {
	f := newFixture(t)
	f.sessionAged(t, "young", 6*day+23*time.Hour)
	exact := f.sessionAged(t, "exact", 7*day)
	old := f.sessionAged(t, "old", 10*day)

	orphans, err := f.rec.FindOrphans(context.Background())
	require.NoError(t, err)
	require.Len(t, orphans, 2)
	assert.Equal(t, old.SessionID, orphans[0].Session.SessionID)
	assert.Equal(t, 10, orphans[0].AgeDays)
	assert.Equal(t, exact.SessionID, orphans[1].Session.SessionID)
	assert.False(t, orphans[0].BranchMissing)
}

func TestFindOrphans_BranchMissingStillReported(t *testing.T) {
	f := newFixture(t)
	s := f.sessionAged(t, "old", 10*day)
	gittest.Git(t, f.root, "worktree", "remove", "--force", s.WorktreePath)
	gittest.Git(t, f.root, "branch", "-D", s.BranchName)

	orphans, err := f.rec.FindOrphans(context.Background())
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.True(t, orphans[0].BranchMissing)
}

func TestCleanupOrphans_MissingBranchRemovesLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.sessionAged(t, "old", 10*day)
	_, err := f.ledger.Declare(ctx, ledger.DeclareRequest{Agent: "claude", Session: s.SessionID, Files: []string{"a.txt"}})
	require.NoError(t, err)
	gittest.Git(t, f.root, "worktree", "remove", "--force", s.WorktreePath)
	gittest.Git(t, f.root, "branch", "-D", s.BranchName)

	rep, err := f.rec.CleanupOrphans(ctx, ModeAll, nil)
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 1)
	assert.True(t, rep.Outcomes[0].BranchMissing)
	assert.True(t, rep.Outcomes[0].Cleaned)
	assert.NoFileExists(t, f.reg.LockPath(s.SessionID))

	active, err := f.ledger.ListActive()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCleanupOrphans_MergesLiveBranch(t *testing.T) {
	f := newFixture(t)
	s := f.sessionAged(t, "old", 8*day)
	c := gittest.Commit(t, s.WorktreePath, "late.txt", "late\n", "late work")

	rep, err := f.rec.CleanupOrphans(context.Background(), ModeAll, nil)
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 1)
	assert.True(t, rep.Outcomes[0].Cleaned)
	assert.True(t, gittest.Contains(t, f.root, "main", c))
	assert.NotContains(t, gittest.Branches(t, f.root), s.BranchName)
}

func TestCleanupOrphans_ListOnlyMutatesNothing(t *testing.T) {
	f := newFixture(t)
	s := f.sessionAged(t, "old", 10*day)

	rep, err := f.rec.CleanupOrphans(context.Background(), ModeListOnly, nil)
	require.NoError(t, err)
	assert.Len(t, rep.Orphans, 1)
	assert.Empty(t, rep.Outcomes)
	assert.FileExists(t, f.reg.LockPath(s.SessionID))
	got, err := f.reg.Get(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)
}

func TestCleanupOrphans_SelectSubset(t *testing.T) {
	f := newFixture(t)
	a := f.sessionAged(t, "a", 9*day)
	b := f.sessionAged(t, "b", 8*day)

	rep, err := f.rec.CleanupOrphans(context.Background(), ModeSelect, IDs{b.SessionID})
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, b.SessionID, rep.Outcomes[0].SessionID)
	assert.Equal(t, []string{a.SessionID}, rep.Untouched)
	assert.FileExists(t, f.reg.LockPath(a.SessionID))
	assert.NoFileExists(t, f.reg.LockPath(b.SessionID))

	_, err = f.rec.CleanupOrphans(context.Background(), ModeSelect, nil)
	assert.Error(t, err)
}

func TestCleanupOrphans_ConflictKeepsSession(t *testing.T) {
	f := newFixture(t)
	s := f.sessionAged(t, "clash", 10*day)
	gittest.Commit(t, s.WorktreePath, "README.md", "session\n", "session edit")
	gittest.Commit(t, f.root, "README.md", "main\n", "main edit")

	rep, err := f.rec.CleanupOrphans(context.Background(), ModeAll, nil)
	require.Error(t, err)
	require.Len(t, rep.Outcomes, 1)
	assert.False(t, rep.Outcomes[0].Cleaned)
	assert.NotEmpty(t, rep.Outcomes[0].Error)
	assert.Equal(t, 1, rep.Failed())

	got, err := f.reg.Get(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionOrphaned, got.Status)
	assert.Contains(t, gittest.Branches(t, f.root), s.BranchName)
}

func TestParseMode(t *testing.T) {
	for _, m := range []string{"all", "select", "list-only"} {
		got, err := ParseMode(m)
		require.NoError(t, err)
		assert.Equal(t, Mode(m), got)
	}
	_, err := ParseMode("some")
	assert.Error(t, err)
}
