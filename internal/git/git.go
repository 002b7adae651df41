// Package git is the adapter between the coordination engines and the git
// executable. Mutating operations shell out to git; read-only reference
// queries go through go-git so they do not spawn a process per lookup.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
)

// Result is the normalized outcome of one git invocation.
type Result struct {
	Dir      string
	Args     []string
	Stdout   string
	Stderr   string
	ExitCode int
	// Err is set when the process could not start or exited non-zero.
	Err error
}

// OK reports whether git exited zero.
func (r Result) OK() bool { return r.Err == nil }

// Error converts a failed Result into a git operation error.
func (r Result) Error() error {
	if r.Err == nil {
		return nil
	}
	msg := r.Stderr
	if msg == "" {
		msg = r.Stdout
	}
	if msg == "" {
		msg = r.Err.Error()
	}
	return derrors.E(derrors.Op("git"), derrors.KindGit,
		fmt.Sprintf("git %s: %s", strings.Join(r.Args, " "), msg), r.Err)
}

// Run executes git with args inside dir.
func Run(ctx context.Context, dir string, args ...string) Result {
	fullArgs := append([]string{"-C", dir}, args...)
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C", "GIT_MERGE_AUTOEDIT=no")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Dir:    dir,
		Args:   args,
		Stdout: strings.TrimRight(stdout.String(), "\r\n"),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if err != nil {
		res.Err = err
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}
	return res
}

// Client is the set of git operations the engines depend on. Branch names
// are always local branch short names.
type Client interface {
	Root() string
	CurrentBranch(ctx context.Context, dir string) (string, error)
	IsDirty(ctx context.Context, dir string) (bool, error)
	BranchExists(ctx context.Context, branch string) (bool, error)
	ListBranches(ctx context.Context, prefix string) ([]string, error)
	CreateBranch(ctx context.Context, branch, from string) error
	Checkout(ctx context.Context, dir, branch string) error
	DeleteBranch(ctx context.Context, branch string, force bool) error
	DeleteRemoteBranch(ctx context.Context, branch string) error
	MergeInto(ctx context.Context, source, target string) error
	Push(ctx context.Context, branch string) error
	WorktreeAdd(ctx context.Context, path, branch, base string) error
	WorktreeRemove(ctx context.Context, path string, force bool) error
	ChangedFiles(ctx context.Context, dir, base string) ([]string, error)
	CommitAll(ctx context.Context, dir, message string) (bool, error)
	StagedFiles(ctx context.Context, dir string) ([]string, error)
}

// Repo is a Client bound to one repository's main worktree.
type Repo struct {
	root     string
	remote   string
	mainLock string
	log      *slog.Logger
}

var _ Client = (*Repo)(nil)

// Open resolves the main worktree of the repository containing dir.
func Open(ctx context.Context, dir, remote string, log *slog.Logger) (*Repo, error) {
	root, err := MainWorktreeRoot(ctx, dir)
	if err != nil {
		return nil, err
	}
	return New(root, remote, log), nil
}

// New binds a Repo to an already-resolved root.
func New(root, remote string, log *slog.Logger) *Repo {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if remote == "" {
		remote = "origin"
	}
	return &Repo{root: root, remote: remote, mainLock: defaultMainLock(root), log: log.With("component", "git")}
}

func (r *Repo) Root() string   { return r.root }
func (r *Repo) Remote() string { return r.remote }

func (r *Repo) run(ctx context.Context, dir string, args ...string) Result {
	if dir == "" {
		dir = r.root
	}
	res := Run(ctx, dir, args...)
	if res.OK() {
		r.log.Debug("git", "dir", dir, "args", strings.Join(args, " "))
	} else {
		r.log.Debug("git failed", "dir", dir, "args", strings.Join(args, " "), "exit", res.ExitCode, "stderr", res.Stderr)
	}
	return res
}

func (r *Repo) out(ctx context.Context, dir string, args ...string) (string, error) {
	res := r.run(ctx, dir, args...)
	if !res.OK() {
		return "", res.Error()
	}
	return res.Stdout, nil
}

// MainWorktreeRoot returns the top-level directory of the main worktree,
// even when dir is inside a linked worktree.
func MainWorktreeRoot(ctx context.Context, dir string) (string, error) {
	res := Run(ctx, dir, "rev-parse", "--git-common-dir")
	if !res.OK() {
		return "", derrors.E(derrors.Op("git.MainWorktreeRoot"), derrors.KindConfig,
			fmt.Sprintf("%s is not inside a git repository", dir), res.Error())
	}
	common := res.Stdout
	if !filepath.IsAbs(common) {
		top := Run(ctx, dir, "rev-parse", "--show-toplevel")
		if !top.OK() {
			return "", top.Error()
		}
		// --git-common-dir is relative to the cwd, which is dir.
		abs, err := filepath.Abs(filepath.Join(dir, common))
		if err != nil {
			return "", err
		}
		common = abs
	}
	common = filepath.Clean(common)
	if filepath.Base(common) == ".git" {
		return filepath.Dir(common), nil
	}
	// Bare repositories have no main worktree.
	return "", derrors.E(derrors.Op("git.MainWorktreeRoot"), derrors.KindConfig,
		fmt.Sprintf("%s has no main worktree", common))
}

// CurrentBranch returns the branch checked out in dir ("HEAD" when detached).
func (r *Repo) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return r.out(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// IsDirty reports uncommitted changes (tracked or untracked) in dir.
func (r *Repo) IsDirty(ctx context.Context, dir string) (bool, error) {
	out, err := r.out(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// HasRemote reports whether the configured remote exists.
func (r *Repo) HasRemote(ctx context.Context) bool {
	return r.run(ctx, "", "remote", "get-url", r.remote).OK()
}

// RevParse resolves ref to a full object id.
func (r *Repo) RevParse(ctx context.Context, ref string) (string, error) {
	return r.out(ctx, "", "rev-parse", "--verify", ref+"^{commit}")
}

// IsAncestor reports whether commit is reachable from branch.
func (r *Repo) IsAncestor(ctx context.Context, commit, branch string) (bool, error) {
	res := r.run(ctx, "", "merge-base", "--is-ancestor", commit, branch)
	if res.OK() {
		return true, nil
	}
	if res.ExitCode == 1 {
		return false, nil
	}
	return false, res.Error()
}

// EnsureExcluded appends patterns to .git/info/exclude when missing so the
// coordination store never shows up as uncommitted changes.
func (r *Repo) EnsureExcluded(ctx context.Context, patterns ...string) error {
	path := filepath.Join(r.root, ".git", "info", "exclude")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	existing := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		existing[strings.TrimSpace(line)] = true
	}
	var add []string
	for _, p := range patterns {
		if !existing[p] {
			add = append(add, p)
		}
	}
	if len(add) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	prefix := ""
	if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
		prefix = "\n"
	}
	_, err = f.WriteString(prefix + strings.Join(add, "\n") + "\n")
	return err
}

func splitLines(out string) []string {
	if out == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
