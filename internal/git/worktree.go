package git

import (
	"context"
	"os"
	"sort"
	"strings"

	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// WorktreeAdd creates a new worktree at path on a new branch cut from base.
func (r *Repo) WorktreeAdd(ctx context.Context, path, branch, base string) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}
	_, err := r.out(ctx, "", "worktree", "add", "-b", branch, path, base)
	return err
}

// WorktreeRemove removes the worktree at path. A path that no longer exists
// is pruned from git's bookkeeping and reported as missing.
func (r *Repo) WorktreeRemove(ctx context.Context, path string, force bool) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = r.run(ctx, "", "worktree", "prune")
		return derrors.Missing("worktree", path)
	}
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := r.out(ctx, "", args...)
	return err
}

// WorktreeList returns every worktree of the repository.
func (r *Repo) WorktreeList(ctx context.Context) ([]WorktreeInfo, error) {
	out, err := r.out(ctx, "", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

// ChangedFiles returns files changed in dir relative to base: commits on
// HEAD not on base plus anything uncommitted. Paths are repo-relative and
// sorted.
func (r *Repo) ChangedFiles(ctx context.Context, dir, base string) ([]string, error) {
	set := make(map[string]bool)
	if base != "" {
		out, err := r.out(ctx, dir, "diff", "--name-only", base+"...HEAD")
		if err != nil {
			return nil, err
		}
		for _, f := range splitLines(out) {
			set[f] = true
		}
	}
	status, err := r.out(ctx, dir, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	for _, f := range parsePorcelainPaths(status) {
		set[f] = true
	}
	files := make([]string, 0, len(set))
	for f := range set {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func parsePorcelainPaths(status string) []string {
	var paths []string
	for _, line := range strings.Split(status, "\n") {
		if len(line) < 4 {
			continue
		}
		p := line[3:]
		if i := strings.Index(p, " -> "); i >= 0 {
			p = p[i+4:]
		}
		paths = append(paths, strings.Trim(p, `"`))
	}
	return paths
}

// StagedFiles lists paths staged in dir's index.
func (r *Repo) StagedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := r.out(ctx, dir, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// CommitAll stages everything in dir and commits it. It returns false
// without committing when nothing is staged, so repeated calls after a
// single change produce exactly one commit.
func (r *Repo) CommitAll(ctx context.Context, dir, message string) (bool, error) {
	if _, err := r.out(ctx, dir, "add", "-A"); err != nil {
		return false, err
	}
	res := r.run(ctx, dir, "diff", "--cached", "--quiet")
	if res.OK() {
		return false, nil
	}
	if res.ExitCode != 1 {
		return false, res.Error()
	}
	if _, err := r.out(ctx, dir, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// StageAll stages every change in dir, including untracked files.
func (r *Repo) StageAll(ctx context.Context, dir string) error {
	_, err := r.out(ctx, dir, "add", "-A")
	return err
}

// StagedDiff returns the staged patch in dir.
func (r *Repo) StagedDiff(ctx context.Context, dir string) (string, error) {
	return r.out(ctx, dir, "diff", "--cached", "--no-color")
}
