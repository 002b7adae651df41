package commit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/config"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/git"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/gittest"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/llm"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/models"
)

type fakeGen struct {
	msg  string
	err  error
	reqs []llm.CommitRequest
}

func (f *fakeGen) CommitMessage(_ context.Context, req llm.CommitRequest) (string, error) {
	f.reqs = append(f.reqs, req)
	return f.msg, f.err
}

func commitCount(t *testing.T, dir string) string {
	return gittest.Git(t, dir, "rev-list", "--count", "HEAD")
}

func TestCommit_Idempotent(t *testing.T) {
	root := gittest.NewRepo(t)
	c := New(git.New(root, "origin", nil), nil, nil)
	ctx := context.Background()

	gittest.WriteFile(t, root, "a.txt", "a\n")
	gittest.WriteFile(t, root, "b.txt", "b\n")
	out, err := c.Commit(ctx, root, "claude", "fix login")
	require.NoError(t, err)
	assert.True(t, out.Committed)
	assert.Equal(t, "[claude] fix login: update 2 files", out.Message)
	assert.Equal(t, []string{"a.txt", "b.txt"}, out.Files)
	assert.Equal(t, "2", commitCount(t, root))

	for range 3 {
		out, err = c.Commit(ctx, root, "claude", "fix login")
		require.NoError(t, err)
		assert.False(t, out.Committed)
	}
	assert.Equal(t, "2", commitCount(t, root))
}

func TestCommit_GeneratedMessage(t *testing.T) {
	root := gittest.NewRepo(t)
	gen := &fakeGen{msg: "Add greeting"}
	c := New(git.New(root, "origin", nil), gen, nil)

	gittest.WriteFile(t, root, "hello.txt", "hi\n")
	out, err := c.Commit(context.Background(), root, "cursor", "greet")
	require.NoError(t, err)
	assert.Equal(t, "[cursor] Add greeting", out.Message)
	require.Len(t, gen.reqs, 1)
	assert.Equal(t, []string{"hello.txt"}, gen.reqs[0].Files)
	assert.Contains(t, gen.reqs[0].Diff, "+hi")
	assert.Equal(t, "[cursor] Add greeting", gittest.Git(t, root, "log", "-1", "--format=%s"))
}

func TestCommit_GeneratorFailureFallsBack(t *testing.T) {
	root := gittest.NewRepo(t)
	c := New(git.New(root, "origin", nil), &fakeGen{err: errors.New("rate limited")}, nil)

	gittest.WriteFile(t, root, "x.txt", "x\n")
	out, err := c.Commit(context.Background(), root, "claude", "")
	require.NoError(t, err)
	assert.Equal(t, "[claude] update 1 file", out.Message)
}

func TestCommitSessionAndPending(t *testing.T) {
	root := gittest.NewRepo(t)
	c := New(git.New(root, "origin", nil), nil, nil)
	ctx := context.Background()

	gittest.WriteFile(t, root, "s.txt", "s\n")
	ok, err := c.CommitSession(ctx, &models.Session{WorktreePath: root, AgentType: "claude", Task: "docs"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "[claude] docs: update 1 file", gittest.Git(t, root, "log", "-1", "--format=%s"))

	c.Task = "watch"
	gittest.WriteFile(t, root, "p.txt", "p\n")
	ok, err = c.CommitPending(ctx, root)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "[devops-agent] watch: update 1 file", gittest.Git(t, root, "log", "-1", "--format=%s"))
}

func TestFromConfig(t *testing.T) {
	cfg := config.Defaults()
	c := FromConfig(cfg, nil, nil)
	assert.Nil(t, c.gen)

	cfg.Commit.GenerateMessages = true
	assert.Nil(t, FromConfig(cfg, nil, nil).gen, "no API key")

	cfg.Commit.APIKey = "sk-test"
	assert.NotNil(t, FromConfig(cfg, nil, nil).gen)
}

func TestFallbackMessage(t *testing.T) {
	assert.Equal(t, "[a] t: update 1 file", FallbackMessage("a", "t", 1))
	assert.Equal(t, "[a] t: update 3 files", FallbackMessage("a", "t", 3))
	assert.Equal(t, "[a] update 2 files", FallbackMessage("a", "", 2))
}
