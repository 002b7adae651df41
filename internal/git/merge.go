package git

import (
	"context"
	"fmt"
	"strings"

	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
)

// MergeInto merges source into target with a non-fast-forward merge in the
// main worktree, then restores whatever branch was checked out before. The
// main worktree lock is held from the dirty check until the branch is
// restored. On conflict the merge is aborted, so the worktree is never left
// mid-merge, and a *MergeConflictError naming the unmerged files is
// returned.
func (r *Repo) MergeInto(ctx context.Context, source, target string) error {
	op := derrors.Op("git.MergeInto")
	for _, b := range []string{source, target} {
		if ok, err := r.refExists(ctx, b); err != nil {
			return err
		} else if !ok {
			return derrors.E(op, derrors.Missing("branch", b))
		}
	}

	unlock, err := r.lockMain(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	dirty, err := r.IsDirty(ctx, r.root)
	if err != nil {
		return err
	}
	if dirty {
		return derrors.E(op, derrors.KindDirtyTree,
			fmt.Sprintf("cannot merge %s into %s: %s has uncommitted changes", source, target, r.root))
	}

	original, err := r.CurrentBranch(ctx, r.root)
	if err != nil {
		return err
	}
	if original != target {
		if err := r.checkout(ctx, r.root, target); err != nil {
			return err
		}
		defer func() {
			if err := r.checkout(ctx, r.root, original); err != nil {
				r.log.Warn("restore branch after merge failed", "branch", original, "err", err)
			}
		}()
	}

	msg := fmt.Sprintf("Merge %s into %s", source, target)
	res := r.run(ctx, "", "merge", "--no-ff", "--no-edit", "-m", msg, source)
	if res.OK() {
		r.log.Info("merged", "source", source, "target", target)
		return nil
	}

	files, _ := r.UnmergedFiles(ctx, r.root)
	if r.mergeInProgress(ctx) {
		if abort := r.run(ctx, "", "merge", "--abort"); !abort.OK() {
			r.log.Error("merge --abort failed", "stderr", abort.Stderr)
		}
	}
	if len(files) > 0 || strings.Contains(res.Stdout, "CONFLICT") {
		r.log.Warn("merge conflict", "source", source, "target", target, "files", files)
		return &derrors.MergeConflictError{Source: source, Target: target, Files: files}
	}
	return res.Error()
}

// refExists accepts local branches and remote-tracking refs.
func (r *Repo) refExists(ctx context.Context, ref string) (bool, error) {
	if ok, err := r.BranchExists(ctx, ref); err != nil || ok {
		return ok, err
	}
	return r.run(ctx, "", "rev-parse", "--verify", "--quiet", ref+"^{commit}").OK(), nil
}

func (r *Repo) mergeInProgress(ctx context.Context) bool {
	return r.run(ctx, "", "rev-parse", "-q", "--verify", "MERGE_HEAD").OK()
}

// UnmergedFiles lists paths with unresolved conflicts in dir.
func (r *Repo) UnmergedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := r.out(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// Push publishes branch to the remote. When the remote has advanced, the
// remote branch is fetched and merged (never rebased) and the push retried
// exactly once; a second failure is returned. Without a remote, Push is a
// logged no-op.
func (r *Repo) Push(ctx context.Context, branch string) error {
	op := derrors.Op("git.Push")
	if !r.HasRemote(ctx) {
		r.log.Info("no remote configured, skipping push", "remote", r.remote, "branch", branch)
		return nil
	}
	res := r.run(ctx, "", "push", "-u", r.remote, branch)
	if res.OK() {
		return nil
	}
	if !isBehindRemote(res.Stderr) {
		return derrors.E(op, res.Error())
	}

	r.log.Info("push rejected, pulling and retrying once", "branch", branch)
	if fetch := r.run(ctx, "", "fetch", r.remote, branch); !fetch.OK() {
		return derrors.E(op, fetch.Error())
	}
	if err := r.MergeInto(ctx, r.remote+"/"+branch, branch); err != nil {
		return derrors.E(op, fmt.Sprintf("pull before retrying push of %s", branch), err)
	}
	if retry := r.run(ctx, "", "push", "-u", r.remote, branch); !retry.OK() {
		return derrors.E(op, "push failed after pull", retry.Error())
	}
	return nil
}

func isBehindRemote(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "non-fast-forward") ||
		strings.Contains(s, "fetch first") ||
		(strings.Contains(s, "rejected") && strings.Contains(s, "behind"))
}
