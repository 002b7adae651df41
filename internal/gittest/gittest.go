// Package gittest builds throwaway repositories for tests: a main worktree
// on branch main with one commit, optionally wired to a bare origin.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Git runs git in dir and returns trimmed stdout, failing the test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(), "LC_ALL=C", "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

// NewRepo creates a repository on branch main with an initial commit and
// returns its root.
func NewRepo(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	Git(t, dir, "init")
	Git(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	configure(t, dir)
	WriteFile(t, dir, "README.md", "# test\n")
	Git(t, dir, "add", "-A")
	Git(t, dir, "commit", "-m", "initial commit")
	return dir
}

// NewRepoWithRemote is NewRepo plus a bare "origin" that main is pushed to.
func NewRepoWithRemote(t *testing.T) (root, remote string) {
	t.Helper()
	root = NewRepo(t)
	remote = filepath.Join(filepath.Dir(root), "origin.git")
	Git(t, filepath.Dir(root), "init", "--bare", remote)
	Git(t, root, "remote", "add", "origin", remote)
	Git(t, root, "push", "-u", "origin", "main")
	return root, remote
}

// Clone clones remote into a sibling directory named name.
func Clone(t *testing.T, remote, name string) string {
	t.Helper()
	dir := filepath.Join(filepath.Dir(remote), name)
	Git(t, filepath.Dir(remote), "clone", remote, dir)
	configure(t, dir)
	return dir
}

func configure(t *testing.T, dir string) {
	t.Helper()
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "user.name", "Test")
	Git(t, dir, "config", "commit.gpgsign", "false")
}

// WriteFile writes content to dir/name, creating parent directories.
func WriteFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// Commit writes a file and commits it in dir, returning the commit id.
func Commit(t *testing.T, dir, name, content, msg string) string {
	t.Helper()
	WriteFile(t, dir, name, content)
	Git(t, dir, "add", "-A")
	Git(t, dir, "commit", "-m", msg)
	return Git(t, dir, "rev-parse", "HEAD")
}

// CommitOn checks out branch in dir, commits a file, and switches back.
func CommitOn(t *testing.T, dir, branch, name, content, msg string) string {
	t.Helper()
	prev := Git(t, dir, "rev-parse", "--abbrev-ref", "HEAD")
	Git(t, dir, "checkout", branch)
	id := Commit(t, dir, name, content, msg)
	Git(t, dir, "checkout", prev)
	return id
}

// Branches lists local branches in dir.
func Branches(t *testing.T, dir string) []string {
	t.Helper()
	out := Git(t, dir, "for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// Contains reports whether commit is reachable from branch.
func Contains(t *testing.T, dir, branch, commit string) bool {
	t.Helper()
	return exec.Command("git", "-C", dir, "merge-base", "--is-ancestor", commit, branch).Run() == nil
}
