package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/config"
	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/git"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/gittest"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/models"
)

type fixedBase string

func (b fixedBase) SessionBase(context.Context) (string, error) { return string(b), nil }

type recordingReleaser struct{ released []string }

func (r *recordingReleaser) ReleaseSession(_ context.Context, id, _ string) (int, error) {
	r.released = append(r.released, id)
	return 1, nil
}

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := gittest.NewRepo(t)
	cfg := config.Defaults()
	cfg.RepoRoot = root
	cfg.Coordination.Dir = filepath.Join(t.TempDir(), "coord")
	return New(cfg, git.New(root, "origin", nil), nil, nil), root
}

func TestCreateSession(t *testing.T) {
	r, root := newTestRegistry(t)
	ctx := context.Background()
	gittest.Git(t, root, "branch", "daily/2026-10-16")
	r.SetBaseResolver(fixedBase("daily/2026-10-16"))

	s, err := r.CreateSession(ctx, CreateOptions{Task: "Fix login bug", Agent: "Claude", PID: 4242})
	require.NoError(t, err)

	assert.Len(t, s.SessionID, 8)
	assert.Equal(t, "claude/"+s.SessionID+"/fix-login-bug", s.BranchName)
	assert.Equal(t, "daily/2026-10-16", s.BaseBranch)
	assert.Equal(t, models.SessionActive, s.Status)
	assert.Equal(t, "dev", s.DeveloperInitials)
	assert.Equal(t, models.MergeConfig{AutoMerge: true, TargetBranch: "main", Strategy: "hierarchical-first"}, s.MergeConfig)
	assert.Equal(t, 4242, s.PID)
	assert.DirExists(t, s.WorktreePath)
	// worktrees live beside the repository, not inside it
	assert.Equal(t, filepath.Join(root+".worktrees", "claude-"+s.SessionID), s.WorktreePath)
	assert.FileExists(t, r.LockPath(s.SessionID))

	cur := gittest.Git(t, s.WorktreePath, "rev-parse", "--abbrev-ref", "HEAD")
	assert.Equal(t, s.BranchName, cur)

	got, err := r.Get(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, s.Task, got.Task)
	assert.True(t, s.Created.Equal(got.Created))
}

func TestCreateSession_PrefixAndMergeOverrides(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.cfg.BranchManagement.SessionBranchPrefix = "session/"

	s, err := r.CreateSession(context.Background(), CreateOptions{
		Task: "docs", Agent: "cursor", DeveloperInitials: "jd",
		MergeConfig: &models.MergeConfig{AutoMerge: false, Strategy: "parallel"},
	})
	require.NoError(t, err)
	assert.Equal(t, "session/cursor/"+s.SessionID+"/docs", s.BranchName)
	assert.Equal(t, "main", s.BaseBranch)
	assert.Equal(t, "main", s.MergeConfig.TargetBranch)
	assert.Equal(t, "parallel", s.MergeConfig.Strategy)
	assert.False(t, s.MergeConfig.AutoMerge)
	assert.Equal(t, "jd", s.DeveloperInitials)
}

func TestCreateSession_UniqueIDsAndBranches(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		s, err := r.CreateSession(ctx, CreateOptions{Task: "same task", Agent: "claude"})
		require.NoError(t, err)
		assert.False(t, seen[s.BranchName])
		seen[s.BranchName] = true
	}
}

func TestCreateSession_Validation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.CreateSession(ctx, CreateOptions{Agent: "claude"})
	assert.True(t, derrors.Is(err, derrors.KindInvalid))

	_, err = r.CreateSession(ctx, CreateOptions{Task: "x"})
	assert.True(t, derrors.Is(err, derrors.KindInvalid))

	_, err = r.CreateSession(ctx, CreateOptions{Task: "x", Agent: "a", MergeConfig: &models.MergeConfig{Strategy: "yolo"}})
	assert.True(t, derrors.Is(err, derrors.KindConfig))

	_, err = r.CreateSession(ctx, CreateOptions{Task: "x", Agent: "a", Base: "nope"})
	assert.True(t, derrors.Is(err, derrors.KindMissing))

	sessions, err := r.ListSessions(Filter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestListSessions_FilterAndOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	r.SetClock(func() time.Time { return base.Add(time.Hour) })
	b, err := r.CreateSession(ctx, CreateOptions{Task: "b", Agent: "cursor"})
	require.NoError(t, err)
	r.SetClock(func() time.Time { return base })
	a, err := r.CreateSession(ctx, CreateOptions{Task: "a", Agent: "claude"})
	require.NoError(t, err)

	all, err := r.ListSessions(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.SessionID, all[0].SessionID)
	assert.Equal(t, b.SessionID, all[1].SessionID)

	_, err = r.SetStatus(b.SessionID, models.SessionPaused)
	require.NoError(t, err)

	paused, err := r.ListSessions(Filter{Status: models.SessionPaused})
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, b.SessionID, paused[0].SessionID)

	claude, err := r.ListSessions(Filter{Agent: "CLAUDE"})
	require.NoError(t, err)
	require.Len(t, claude, 1)
	assert.Equal(t, a.SessionID, claude[0].SessionID)
}

func TestListSessions_SkipsCorruptLock(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.CreateSession(context.Background(), CreateOptions{Task: "a", Agent: "claude"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(r.LockPath("x")), "junk.json"), []byte("{"), 0o644))

	all, err := r.ListSessions(Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSetStatus_ForwardOnly(t *testing.T) {
	r, _ := newTestRegistry(t)
	s, err := r.CreateSession(context.Background(), CreateOptions{Task: "a", Agent: "claude"})
	require.NoError(t, err)

	_, err = r.SetStatus(s.SessionID, models.SessionPaused)
	require.NoError(t, err)
	_, err = r.SetStatus(s.SessionID, models.SessionActive)
	require.NoError(t, err)
	closed, err := r.MarkClosed(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionClosed, closed.Status)
	assert.False(t, closed.Updated.IsZero())

	_, err = r.SetStatus(s.SessionID, models.SessionActive)
	assert.True(t, derrors.Is(err, derrors.KindInvalid))

	_, err = r.SetStatus("nope", models.SessionClosed)
	assert.True(t, derrors.Is(err, derrors.KindMissing))
}

func TestDelete(t *testing.T) {
	r, _ := newTestRegistry(t)
	s, err := r.CreateSession(context.Background(), CreateOptions{Task: "a", Agent: "claude"})
	require.NoError(t, err)

	require.NoError(t, r.Delete(s.SessionID))
	assert.NoFileExists(t, r.LockPath(s.SessionID))
	assert.True(t, derrors.Is(r.Delete(s.SessionID), derrors.KindMissing))
}

func TestHeartbeat(t *testing.T) {
	r, _ := newTestRegistry(t)
	s, err := r.CreateSession(context.Background(), CreateOptions{Task: "a", Agent: "claude"})
	require.NoError(t, err)
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(r.LockPath(s.SessionID), old, old))

	require.NoError(t, r.Heartbeat(s.SessionID, 0))
	info, err := os.Stat(r.LockPath(s.SessionID))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), info.ModTime(), time.Minute)

	require.NoError(t, r.Heartbeat(s.SessionID, os.Getpid()))
	got, err := r.Get(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), got.PID)
}

func TestSweepStale(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	rel := &recordingReleaser{}
	r.SetReleaser(rel)
	r.alive = func(pid int) bool { return pid == 1111 }

	stale, err := r.CreateSession(ctx, CreateOptions{Task: "stale", Agent: "claude", PID: 2222})
	require.NoError(t, err)
	live, err := r.CreateSession(ctx, CreateOptions{Task: "live", Agent: "claude", PID: 1111})
	require.NoError(t, err)
	fresh, err := r.CreateSession(ctx, CreateOptions{Task: "fresh", Agent: "claude", PID: 2222})
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(r.LockPath(stale.SessionID), old, old))
	require.NoError(t, os.Chtimes(r.LockPath(live.SessionID), old, old))

	dry, err := r.SweepStale(ctx, 30*time.Minute, true)
	require.NoError(t, err)
	require.Len(t, dry.Removed, 1)
	assert.FileExists(t, r.LockPath(stale.SessionID))
	assert.Empty(t, rel.released)

	res, err := r.SweepStale(ctx, 30*time.Minute, false)
	require.NoError(t, err)
	require.Len(t, res.Removed, 1)
	assert.Equal(t, stale.SessionID, res.Removed[0].SessionID)
	assert.Equal(t, 2, res.Kept)
	assert.NoFileExists(t, r.LockPath(stale.SessionID))
	assert.FileExists(t, r.LockPath(live.SessionID))
	assert.FileExists(t, r.LockPath(fresh.SessionID))
	assert.Equal(t, []string{stale.SessionID}, rel.released)
	// worktree is left for the orphan reclaimer
	assert.DirExists(t, stale.WorktreePath)
}

func TestFindByPath(t *testing.T) {
	r, _ := newTestRegistry(t)
	s, err := r.CreateSession(context.Background(), CreateOptions{Task: "a", Agent: "claude"})
	require.NoError(t, err)
	sub := filepath.Join(s.WorktreePath, "pkg")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	got, err := r.FindByPath(sub)
	require.NoError(t, err)
	assert.Equal(t, s.SessionID, got.SessionID)

	_, err = r.FindByPath(t.TempDir())
	assert.True(t, derrors.Is(err, derrors.KindMissing))
	assert.True(t, WorktreeExists(s))
}
