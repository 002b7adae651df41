package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/commit"
	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/orphan"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/rollover"
)

func TestNotifier_Ignored(t *testing.T) {
	root := t.TempDir()
	n := NewNotifier(root, time.Second, []string{".coordination", filepath.Join(root, ".devops-agent", "logs")}, nil)

	tests := []struct {
		path string
		want bool
	}{
		{filepath.Join(root, "main.go"), false},
		{filepath.Join(root, "pkg", "a.go"), false},
		{filepath.Join(root, ".git"), true},
		{filepath.Join(root, ".git", "index.lock"), true},
		{filepath.Join(root, "vendor", ".git", "HEAD"), true},
		{filepath.Join(root, ".coordination", "sessions", "x.json"), true},
		{filepath.Join(root, ".coordination-notes.md"), false},
		{filepath.Join(root, ".devops-agent", "logs", "devops-agent.log"), true},
		{filepath.Join(root, ".devops-agent", "project-settings.json"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, n.Ignored(tt.path), tt.path)
	}
}

func TestNotifier_DebouncesIntoOneBatch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	n := NewNotifier(root, 200*time.Millisecond, nil, nil)

	batches := make(chan []string, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.Run(ctx, func(_ context.Context, paths []string) { batches <- paths })
	}()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0o644))

	select {
	case got := <-batches:
		assert.Contains(t, got, filepath.Join(root, "a.txt"))
		assert.Contains(t, got, filepath.Join(root, "b.txt"))
		assert.NotContains(t, got, filepath.Join(root, ".git", "HEAD"))
	case <-time.After(5 * time.Second):
		t.Fatal("no change batch delivered")
	}

	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, batches)
}

type call struct {
	name string
	arg  string
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) add(name, arg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{name, arg})
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		out = append(out, c.name)
	}
	return out
}

type fakeHeartbeat struct{ *recorder }

func (f fakeHeartbeat) Heartbeat(id string, _ int) error { f.add("heartbeat", id); return nil }

type fakeRoller struct {
	*recorder
	err error
}

func (f fakeRoller) RolloverIfNewDay(_ context.Context, opts rollover.Options) (*rollover.Result, error) {
	f.add("rollover", opts.Dir)
	return &rollover.Result{State: rollover.StateNoRolloverNeeded}, f.err
}

type fakeCommitter struct {
	*recorder
	files []string
	err   error
}

func (f fakeCommitter) Commit(_ context.Context, dir, agent, task string) (*commit.Outcome, error) {
	f.add("commit", dir+"|"+agent+"|"+task)
	if f.err != nil {
		return nil, f.err
	}
	return &commit.Outcome{Committed: len(f.files) > 0, Files: f.files, Message: "[claude] msg"}, nil
}

type fakePusher struct{ *recorder }

func (f fakePusher) CurrentBranch(context.Context, string) (string, error) { return "claude/abc/task", nil }
func (f fakePusher) Push(_ context.Context, branch string) error {
	f.add("push", branch)
	return nil
}

type fakeReclaimer struct{ *recorder }

func (f fakeReclaimer) CleanupOrphans(_ context.Context, mode orphan.Mode, _ orphan.Selector) (*orphan.Report, error) {
	f.add("orphans", string(mode))
	return &orphan.Report{Mode: mode}, nil
}

func newLoop(rec *recorder, opts Options, files []string, rollErr error) *Loop {
	return NewLoop(opts, fakeHeartbeat{rec}, fakeRoller{rec, rollErr}, fakeCommitter{recorder: rec, files: files}, fakePusher{rec}, nil)
}

func TestTick_SessionSequence(t *testing.T) {
	rec := &recorder{}
	l := newLoop(rec, Options{Dir: "/wt", Root: "/repo", SessionID: "abc", Agent: "claude", Task: "task", Push: true}, []string{"a.go"}, nil)

	res, err := l.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"heartbeat", "rollover", "commit", "push"}, rec.names())
	assert.Equal(t, call{"rollover", "/repo"}, rec.calls[1])
	assert.Equal(t, call{"commit", "/wt|claude|task"}, rec.calls[2])
	assert.True(t, res.Pushed)
	assert.Equal(t, "claude/abc/task", res.Branch)
}

func TestTick_RepoWatchRollsOwnDir(t *testing.T) {
	rec := &recorder{}
	l := newLoop(rec, Options{Dir: "/repo", Agent: "agent"}, nil, nil)

	res, err := l.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"rollover", "commit"}, rec.names())
	assert.Equal(t, "/repo", rec.calls[0].arg)
	assert.False(t, res.Commit.Committed)
	assert.False(t, res.Pushed)
}

func TestTick_RolloverFailureDoesNotBlockCommit(t *testing.T) {
	rec := &recorder{}
	dirty := derrors.E(derrors.KindDirtyTree, "dirty")
	l := newLoop(rec, Options{Dir: "/repo", Agent: "agent", Push: true}, []string{"x"}, dirty)

	res, err := l.Tick(context.Background())
	require.NoError(t, err)
	assert.Error(t, res.RolloverErr)
	assert.Equal(t, []string{"rollover", "commit", "push"}, rec.names())
}

func TestTick_CommitErrorReturned(t *testing.T) {
	rec := &recorder{}
	l := NewLoop(Options{Dir: "/repo"}, nil, nil, fakeCommitter{recorder: rec, err: errors.New("boom")}, fakePusher{rec}, nil)

	_, err := l.Tick(context.Background())
	require.Error(t, err)
	assert.NotContains(t, rec.names(), "push")
}

func TestTick_OrphanSweepThrottled(t *testing.T) {
	rec := &recorder{}
	l := newLoop(rec, Options{Dir: "/repo"}, nil, nil)
	l.SetReclaimer(fakeReclaimer{rec}, time.Hour)
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	for range 3 {
		_, err := l.Tick(context.Background())
		require.NoError(t, err)
	}
	now = now.Add(2 * time.Hour)
	_, err := l.Tick(context.Background())
	require.NoError(t, err)

	count := 0
	for _, n := range rec.names() {
		if n == "orphans" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}
