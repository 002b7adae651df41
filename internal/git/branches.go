package git

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
)

func (r *Repo) open() (*gogit.Repository, error) {
	repo, err := gogit.PlainOpenWithOptions(r.root, &gogit.PlainOpenOptions{EnableDotGitCommonDir: true})
	if err != nil {
		return nil, derrors.E(derrors.Op("git.open"), derrors.KindGit, r.root, err)
	}
	return repo, nil
}

// BranchExists reports whether a local branch exists.
func (r *Repo) BranchExists(ctx context.Context, branch string) (bool, error) {
	repo, err := r.open()
	if err != nil {
		return r.branchExistsCLI(ctx, branch)
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return r.branchExistsCLI(ctx, branch)
	}
	return true, nil
}

func (r *Repo) branchExistsCLI(ctx context.Context, branch string) (bool, error) {
	res := r.run(ctx, "", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if res.OK() {
		return true, nil
	}
	if res.ExitCode == 1 {
		return false, nil
	}
	return false, res.Error()
}

// ListBranches returns local branches whose name starts with prefix, sorted
// by name. An empty prefix lists every branch.
func (r *Repo) ListBranches(ctx context.Context, prefix string) ([]string, error) {
	names, err := r.listBranchesGoGit(prefix)
	if err != nil {
		out, cliErr := r.out(ctx, "", "for-each-ref", "--format=%(refname:short)", "refs/heads/")
		if cliErr != nil {
			return nil, cliErr
		}
		names = nil
		for _, name := range splitLines(out) {
			if strings.HasPrefix(name, prefix) {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func (r *Repo) listBranchesGoGit(prefix string) ([]string, error) {
	repo, err := r.open()
	if err != nil {
		return nil, err
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if name := ref.Name().Short(); strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	return names, err
}

// CreateBranch creates branch at from without checking it out.
func (r *Repo) CreateBranch(ctx context.Context, branch, from string) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}
	_, err := r.out(ctx, "", "branch", branch, from)
	return err
}

// Checkout switches dir to branch. Switching the main worktree waits for
// any merge in progress there.
func (r *Repo) Checkout(ctx context.Context, dir, branch string) error {
	if r.isMain(dir) {
		unlock, err := r.lockMain(ctx)
		if err != nil {
			return err
		}
		defer unlock()
	}
	return r.checkout(ctx, dir, branch)
}

func (r *Repo) checkout(ctx context.Context, dir, branch string) error {
	_, err := r.out(ctx, dir, "checkout", branch)
	return err
}

// DeleteBranch deletes a local branch. A missing branch is reported as a
// MissingResourceError so cleanup paths can treat it as already gone.
func (r *Repo) DeleteBranch(ctx context.Context, branch string, force bool) error {
	exists, err := r.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if !exists {
		return derrors.Missing("branch", branch)
	}
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err = r.out(ctx, "", "branch", flag, branch)
	return err
}

// DeleteRemoteBranch removes branch from the remote. Repositories without
// the remote, or remotes lacking the branch, are a no-op.
func (r *Repo) DeleteRemoteBranch(ctx context.Context, branch string) error {
	if !r.HasRemote(ctx) {
		return nil
	}
	if !r.run(ctx, "", "ls-remote", "--exit-code", "--heads", r.remote, branch).OK() {
		return nil
	}
	_, err := r.out(ctx, "", "push", r.remote, "--delete", branch)
	return err
}

var (
	branchNameRe = regexp.MustCompile(`^[A-Za-z0-9._/\-]+$`)
	slugRe       = regexp.MustCompile(`[^a-z0-9]+`)
)

// ValidateBranchName rejects names git would refuse or that would break
// the hierarchy's prefix parsing.
func ValidateBranchName(name string) error {
	op := derrors.Op("git.ValidateBranchName")
	switch {
	case name == "":
		return derrors.E(op, derrors.KindInvalid, "branch name is empty")
	case !branchNameRe.MatchString(name):
		return derrors.E(op, derrors.KindInvalid, fmt.Sprintf("branch name %q contains invalid characters", name))
	case strings.Contains(name, ".."), strings.Contains(name, "//"),
		strings.HasPrefix(name, "/"), strings.HasSuffix(name, "/"),
		strings.HasPrefix(name, "-"), strings.HasSuffix(name, ".lock"),
		strings.HasSuffix(name, "."):
		return derrors.E(op, derrors.KindInvalid, fmt.Sprintf("branch name %q is not a valid ref", name))
	}
	return nil
}

// Slugify lowercases s and collapses anything non-alphanumeric to single
// dashes, truncated to max characters.
func Slugify(s string, max int) string {
	slug := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if max > 0 && len(slug) > max {
		slug = strings.TrimRight(slug[:max], "-")
	}
	if slug == "" {
		slug = "task"
	}
	return slug
}
