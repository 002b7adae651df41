// Package registry tracks agent sessions: one JSON lock record per session
// under <coordination>/sessions, each backed by its own worktree and branch.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/config"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/daemon"
	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/git"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/models"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/store"
)

// BaseResolver picks the branch new session branches are cut from.
type BaseResolver interface {
	SessionBase(ctx context.Context) (string, error)
}

// Releaser drops every declaration a session holds.
type Releaser interface {
	ReleaseSession(ctx context.Context, sessionID, reason string) (int, error)
}

// Registry creates, lists, updates and sweeps session lock records.
type Registry struct {
	cfg      *config.Config
	git      git.Client
	locks    *store.JSONDir[models.Session]
	base     BaseResolver
	releaser Releaser
	history  store.History
	log      *slog.Logger

	now   func() time.Time
	alive func(pid int) bool
}

// New creates a Registry rooted at the configured coordination directory.
func New(cfg *config.Config, g git.Client, hist store.History, log *slog.Logger) *Registry {
	if hist == nil {
		hist = store.Nop{}
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		cfg:     cfg,
		git:     g,
		locks:   store.NewJSONDir[models.Session](filepath.Join(cfg.CoordinationDir(), "sessions"), "session lock"),
		history: hist,
		log:     log.With("component", "registry"),
		now:     time.Now,
		alive:   daemon.ProcessAlive,
	}
}

// SetBaseResolver wires the rollover engine in as the source of the
// current daily branch.
func (r *Registry) SetBaseResolver(b BaseResolver) { r.base = b }

// SetReleaser wires the ledger in so swept sessions release their files.
func (r *Registry) SetReleaser(rel Releaser) { r.releaser = rel }

// SetClock overrides the time source.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// LockPath returns the lock file of a session.
func (r *Registry) LockPath(id string) string { return r.locks.Path(id) }

// CreateOptions describes a new session.
type CreateOptions struct {
	Task              string
	Agent             string
	DeveloperInitials string
	// MergeConfig overrides the configured defaults when non-nil.
	MergeConfig *models.MergeConfig
	// Base overrides the branch the session is cut from.
	Base string
	// PID is the process that owns the session; 0 means unknown.
	PID int
}

// CreateSession cuts a dedicated branch and worktree for a new session and
// writes its lock record.
func (r *Registry) CreateSession(ctx context.Context, opts CreateOptions) (*models.Session, error) {
	op := derrors.Op("registry.CreateSession")
	task := strings.TrimSpace(opts.Task)
	agent := strings.TrimSpace(opts.Agent)
	if task == "" {
		return nil, derrors.E(op, derrors.KindInvalid, "task is required")
	}
	if agent == "" {
		return nil, derrors.E(op, derrors.KindInvalid, "agent identity is required")
	}
	agentSlug := git.Slugify(agent, 32)

	mc := models.MergeConfig{
		AutoMerge:    true,
		TargetBranch: r.cfg.BranchManagement.DefaultMergeTarget,
		Strategy:     r.cfg.BranchManagement.MergeStrategy,
	}
	if opts.MergeConfig != nil {
		mc = *opts.MergeConfig
		if mc.TargetBranch == "" {
			mc.TargetBranch = r.cfg.BranchManagement.DefaultMergeTarget
		}
		if mc.Strategy == "" {
			mc.Strategy = r.cfg.BranchManagement.MergeStrategy
		}
	}
	if !validStrategy(mc.Strategy) {
		return nil, derrors.ConfigInvalid("mergeConfig.strategy", fmt.Sprintf("unknown strategy %q", mc.Strategy))
	}

	base, err := r.resolveBase(ctx, opts.Base)
	if err != nil {
		return nil, derrors.E(op, "resolve base branch", err)
	}

	id, err := r.newID()
	if err != nil {
		return nil, derrors.E(op, err)
	}
	branch := r.BranchName(agentSlug, id, task)
	worktree := filepath.Join(r.git.Root()+".worktrees", agentSlug+"-"+id)

	initials := opts.DeveloperInitials
	if initials == "" {
		initials = r.cfg.DeveloperInitials
	}
	sess := &models.Session{
		SessionID:         id,
		AgentType:         agent,
		Task:              task,
		WorktreePath:      worktree,
		BranchName:        branch,
		BaseBranch:        base,
		Created:           r.now().UTC(),
		Status:            models.SessionActive,
		DeveloperInitials: initials,
		MergeConfig:       mc,
		PID:               opts.PID,
	}

	if err := r.git.WorktreeAdd(ctx, worktree, branch, base); err != nil {
		return nil, derrors.E(op, fmt.Sprintf("create worktree for %s", branch), err)
	}
	if err := r.locks.Create(id, sess); err != nil {
		r.log.Error("lock write failed, rolling back worktree", "session", id, "err", err)
		_ = r.git.WorktreeRemove(ctx, worktree, true)
		_ = r.git.DeleteBranch(ctx, branch, true)
		return nil, derrors.E(op, derrors.KindIO, "write session lock", err)
	}

	r.log.Info("session created", "session", id, "agent", agent, "branch", branch, "base", base)
	r.record(ctx, &store.Event{Kind: store.EventSessionCreated, SessionID: id, Branch: branch, Target: base, Outcome: "active", Detail: task})
	return sess, nil
}

func validStrategy(s string) bool {
	for _, v := range config.Strategies {
		if v == s {
			return true
		}
	}
	return false
}

// BranchName builds the session branch name. With no configured prefix it
// is <agent>/<id>/<task-slug>; otherwise the prefix is prepended.
func (r *Registry) BranchName(agent, id, task string) string {
	return r.cfg.BranchManagement.SessionBranchPrefix + agent + "/" + id + "/" + git.Slugify(task, 40)
}

func (r *Registry) newID() (string, error) {
	for range 5 {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if !r.locks.Exists(id) {
			return id, nil
		}
	}
	return "", errors.New("could not allocate a unique session id")
}

func (r *Registry) resolveBase(ctx context.Context, override string) (string, error) {
	if override != "" {
		ok, err := r.git.BranchExists(ctx, override)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", derrors.Missing("branch", override)
		}
		return override, nil
	}
	if r.base != nil {
		return r.base.SessionBase(ctx)
	}
	return r.cfg.BranchManagement.DefaultMergeTarget, nil
}

// Get returns one session record.
func (r *Registry) Get(id string) (*models.Session, error) {
	return r.locks.Get(id)
}

// Filter narrows ListSessions. Zero values match everything.
type Filter struct {
	Status models.SessionStatus
	Agent  string
}

// ListSessions returns matching sessions, oldest first. Unreadable lock
// files are logged and skipped.
func (r *Registry) ListSessions(filter Filter) ([]*models.Session, error) {
	recs, err := r.locks.List()
	if err != nil {
		return nil, err
	}
	var out []*models.Session
	for _, rec := range recs {
		if rec.Err != nil {
			r.log.Warn("skipping unreadable session lock", "key", rec.Key, "err", rec.Err)
			continue
		}
		s := rec.Value
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.Agent != "" && !strings.EqualFold(s.AgentType, filter.Agent) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

// FindByPath returns the session whose worktree contains path.
func (r *Registry) FindByPath(path string) (*models.Session, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	abs = evalSymlinks(abs)
	sessions, err := r.ListSessions(Filter{})
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		wt := evalSymlinks(s.WorktreePath)
		if abs == wt || strings.HasPrefix(abs, wt+string(filepath.Separator)) {
			return s, nil
		}
	}
	return nil, derrors.Missing("session for path", path)
}

func evalSymlinks(p string) string {
	if real, err := filepath.EvalSymlinks(p); err == nil {
		return real
	}
	return p
}

// Update rewrites a session record.
func (r *Registry) Update(s *models.Session) error {
	if !r.locks.Exists(s.SessionID) {
		return derrors.Missing("session lock", s.SessionID)
	}
	s.Updated = r.now().UTC()
	return r.locks.Put(s.SessionID, s)
}

// SetStatus moves a session forward in its lifecycle.
func (r *Registry) SetStatus(id string, status models.SessionStatus) (*models.Session, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if s.Status == status {
		return s, nil
	}
	if !s.Status.CanTransition(status) {
		return nil, derrors.E(derrors.Op("registry.SetStatus"), derrors.KindInvalid,
			fmt.Sprintf("session %s cannot move from %s to %s", id, s.Status, status))
	}
	s.Status = status
	return s, r.Update(s)
}

// MarkClosed marks a session closed. The record stays until Delete.
func (r *Registry) MarkClosed(id string) (*models.Session, error) {
	return r.SetStatus(id, models.SessionClosed)
}

// Delete removes a session's lock record.
func (r *Registry) Delete(id string) error {
	return r.locks.Delete(id)
}

// Heartbeat refreshes the lock file's mtime and, when pid is non-zero,
// records pid as the owning process.
func (r *Registry) Heartbeat(id string, pid int) error {
	if pid != 0 {
		s, err := r.Get(id)
		if err != nil {
			return err
		}
		if s.PID != pid {
			s.PID = pid
			return r.Update(s)
		}
	}
	return r.locks.Touch(id)
}

// SweepResult reports what SweepStale did.
type SweepResult struct {
	Removed []*models.Session
	Kept    int
}

// SweepStale removes lock records older than maxAge whose owning process
// is gone, releasing their declarations. Worktrees and branches are left
// for the orphan reclaimer. With dryRun nothing is mutated.
func (r *Registry) SweepStale(ctx context.Context, maxAge time.Duration, dryRun bool) (*SweepResult, error) {
	if maxAge <= 0 {
		maxAge = r.cfg.StaleLockWindow()
	}
	recs, err := r.locks.List()
	if err != nil {
		return nil, err
	}
	res := &SweepResult{}
	cutoff := r.now().Add(-maxAge)
	for _, rec := range recs {
		if rec.Err != nil || !rec.ModTime.Before(cutoff) || r.alive(rec.Value.PID) {
			res.Kept++
			continue
		}
		s := rec.Value
		res.Removed = append(res.Removed, s)
		if dryRun {
			continue
		}
		if err := r.locks.Delete(s.SessionID); err != nil && !derrors.Is(err, derrors.KindMissing) {
			return res, err
		}
		if r.releaser != nil {
			if _, err := r.releaser.ReleaseSession(ctx, s.SessionID, "stale session swept"); err != nil {
				r.log.Warn("release declarations of swept session", "session", s.SessionID, "err", err)
			}
		}
		r.log.Info("swept stale session lock", "session", s.SessionID, "pid", s.PID, "modified", rec.ModTime)
		r.record(ctx, &store.Event{Kind: store.EventSessionSwept, SessionID: s.SessionID, Branch: s.BranchName, Outcome: "removed"})
	}
	return res, nil
}

// WorktreeExists reports whether a session's worktree directory is present.
func WorktreeExists(s *models.Session) bool {
	info, err := os.Stat(s.WorktreePath)
	return err == nil && info.IsDir()
}

func (r *Registry) record(ctx context.Context, e *store.Event) {
	if err := r.history.RecordEvent(ctx, e); err != nil {
		r.log.Warn("record history event", "kind", e.Kind, "err", err)
	}
}
