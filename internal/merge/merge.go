// Package merge closes finished sessions: it merges the session branch into
// the daily branch and/or the target branch under the configured strategy,
// reports each target independently, and only removes the session branch
// when every target succeeded.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/config"
	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/git"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/models"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/store"
)

// Sessions is the slice of the session registry the orchestrator uses.
type Sessions interface {
	Get(id string) (*models.Session, error)
	Update(s *models.Session) error
	Delete(id string) error
}

// Releaser drops a session's file declarations.
type Releaser interface {
	ReleaseSession(ctx context.Context, sessionID, reason string) (int, error)
}

// DailyResolver names the current daily branch ("" when none exists).
type DailyResolver interface {
	CurrentDaily(ctx context.Context) (string, error)
}

// Committer commits a session's pending work before it is merged.
type Committer interface {
	CommitSession(ctx context.Context, s *models.Session) (bool, error)
}

// Outcome is the result of merging into one target.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeConflict Outcome = "conflict"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// Skip reasons.
const (
	ReasonBranchMissing  = "branch missing"
	ReasonPreviousFailed = "previous target failed"
	ReasonDryRun         = "dry run"
)

// TargetResult is the outcome for one target branch.
type TargetResult struct {
	Target  string   `json:"target"`
	Outcome Outcome  `json:"outcome"`
	Reason  string   `json:"reason,omitempty"`
	Files   []string `json:"files,omitempty"`
	Pushed  bool     `json:"pushed"`
	Err     error    `json:"-"`
}

// Result reports a closeSession run.
type Result struct {
	SessionID     string         `json:"sessionId"`
	Branch        string         `json:"branch"`
	Strategy      string         `json:"strategy"`
	Committed     bool           `json:"committed"`
	BranchMissing bool           `json:"branchMissing"`
	Targets       []TargetResult `json:"targets"`
	// BranchDeleted is set once the session branch and worktree are gone.
	BranchDeleted bool `json:"branchDeleted"`
	// Closed is set once the session's lock record and declarations are
	// cleaned up.
	Closed   bool `json:"closed"`
	Released int  `json:"released"`
}

// AllSucceeded reports whether every attempted target merged.
func (r *Result) AllSucceeded() bool {
	if len(r.Targets) == 0 {
		return false
	}
	for _, t := range r.Targets {
		if t.Outcome != OutcomeSuccess {
			return false
		}
	}
	return true
}

// Orchestrator merges sessions into their targets.
type Orchestrator struct {
	cfg       *config.Config
	git       git.Client
	sessions  Sessions
	releaser  Releaser
	daily     DailyResolver
	committer Committer
	history   store.History
	log       *slog.Logger
}

// New creates an Orchestrator.
func New(cfg *config.Config, g git.Client, sessions Sessions, rel Releaser, daily DailyResolver, hist store.History, log *slog.Logger) *Orchestrator {
	if hist == nil {
		hist = store.Nop{}
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		cfg:      cfg,
		git:      g,
		sessions: sessions,
		releaser: rel,
		daily:    daily,
		history:  hist,
		log:      log.With("component", "merge"),
	}
}

// SetCommitter wires auto-commit of pending session work before merging.
func (o *Orchestrator) SetCommitter(c Committer) { o.committer = c }

// CloseOptions tunes CloseSession.
type CloseOptions struct {
	// Strategy overrides the session's stored strategy.
	Strategy string
	// DryRun resolves targets without merging or deleting anything.
	DryRun bool
	// Reason is recorded when declarations are released.
	Reason string
}

// CloseSession merges a session into its targets. The returned Result is
// always populated; the error is the first merge failure, if any.
func (o *Orchestrator) CloseSession(ctx context.Context, id string, opts CloseOptions) (*Result, error) {
	op := derrors.Op("merge.CloseSession")
	s, err := o.sessions.Get(id)
	if err != nil {
		return nil, derrors.E(op, err)
	}
	return o.Close(ctx, s, opts)
}

// Close runs the close path for an already loaded session record.
func (o *Orchestrator) Close(ctx context.Context, s *models.Session, opts CloseOptions) (*Result, error) {
	op := derrors.Op("merge.Close")
	log := o.log.With("session", s.SessionID)
	strategy := opts.Strategy
	if strategy == "" {
		strategy = s.MergeConfig.Strategy
	}
	if strategy == "" {
		strategy = o.cfg.BranchManagement.MergeStrategy
	}
	if !slices.Contains(config.Strategies, strategy) {
		return nil, derrors.ConfigInvalid("strategy", fmt.Sprintf("unknown strategy %q", strategy))
	}
	if opts.Reason == "" {
		opts.Reason = "session closed"
	}
	res := &Result{SessionID: s.SessionID, Branch: s.BranchName, Strategy: strategy}

	exists, err := o.git.BranchExists(ctx, s.BranchName)
	if err != nil {
		return res, derrors.E(op, err)
	}
	res.BranchMissing = !exists

	if exists && !opts.DryRun && o.committer != nil && worktreePresent(s) {
		if res.Committed, err = o.committer.CommitSession(ctx, s); err != nil {
			return res, derrors.E(op, "commit pending session work", err)
		}
	}

	targets, err := o.targets(ctx, s, strategy)
	if err != nil {
		return res, derrors.E(op, err)
	}

	var firstErr error
	if s.MergeConfig.AutoMerge {
		res.Targets, firstErr = o.mergeAll(ctx, s, strategy, targets, res.BranchMissing, opts.DryRun)
	}
	if opts.DryRun {
		return res, nil
	}
	for _, t := range res.Targets {
		o.record(ctx, &store.Event{Kind: store.EventMerge, SessionID: s.SessionID, Branch: s.BranchName,
			Target: t.Target, Outcome: string(t.Outcome), Detail: t.Reason})
	}

	switch {
	case res.BranchMissing:
		log.Warn("session branch missing, cleaning up metadata only", "branch", s.BranchName)
		o.removeWorktree(ctx, s)
	case !s.MergeConfig.AutoMerge:
		log.Info("auto-merge disabled, keeping session branch", "branch", s.BranchName)
		o.removeWorktree(ctx, s)
	case res.AllSucceeded():
		o.removeWorktree(ctx, s)
		if err := o.git.DeleteBranch(ctx, s.BranchName, true); err != nil && !derrors.Is(err, derrors.KindMissing) {
			log.Warn("delete session branch", "branch", s.BranchName, "err", err)
		} else {
			res.BranchDeleted = true
			if err := o.git.DeleteRemoteBranch(ctx, s.BranchName); err != nil {
				log.Warn("delete remote session branch", "branch", s.BranchName, "err", err)
			}
		}
	default:
		// keep everything so the conflict can be resolved and the close retried
		if firstErr == nil {
			firstErr = errors.New("not every target merged")
		}
		s.LastError = firstErr.Error()
		if err := o.sessions.Update(s); err != nil {
			log.Warn("record close failure on session", "err", err)
		}
		log.Warn("session close incomplete, branch kept", "branch", s.BranchName, "err", firstErr)
		return res, derrors.E(op, fmt.Sprintf("close session %s", s.SessionID), firstErr)
	}

	if err := o.finalize(ctx, s, res, opts.Reason); err != nil {
		return res, derrors.E(op, err)
	}
	log.Info("session closed", "branch", s.BranchName, "targets", len(res.Targets), "branchMissing", res.BranchMissing)
	return res, nil
}

// targets returns the merge targets in strategy order. The daily branch is
// left out until the first rollover has created one.
func (o *Orchestrator) targets(ctx context.Context, s *models.Session, strategy string) ([]string, error) {
	target := s.MergeConfig.TargetBranch
	if target == "" {
		target = o.cfg.BranchManagement.DefaultMergeTarget
	}
	daily := ""
	if o.daily != nil {
		d, err := o.daily.CurrentDaily(ctx)
		if err != nil {
			return nil, err
		}
		daily = d
	}
	if daily == "" || daily == target {
		return []string{target}, nil
	}
	ordered := []string{daily, target}
	if strategy == config.StrategyTargetFirst {
		ordered = []string{target, daily}
	}
	if !o.cfg.BranchManagement.EnableDualMerge {
		return ordered[:1], nil
	}
	return ordered, nil
}

func (o *Orchestrator) mergeAll(ctx context.Context, s *models.Session, strategy string, targets []string, missing, dryRun bool) ([]TargetResult, error) {
	results := make([]TargetResult, 0, len(targets))
	var firstErr error
	halted := false
	for _, target := range targets {
		tr := TargetResult{Target: target}
		switch {
		case missing:
			tr.Outcome, tr.Reason = OutcomeSkipped, ReasonBranchMissing
		case halted:
			tr.Outcome, tr.Reason = OutcomeSkipped, ReasonPreviousFailed
		case dryRun:
			tr.Outcome, tr.Reason = OutcomeSkipped, ReasonDryRun
		default:
			o.mergeOne(ctx, s.BranchName, &tr)
			if tr.Err != nil {
				if firstErr == nil {
					firstErr = tr.Err
				}
				halted = strategy != config.StrategyParallel
			}
		}
		results = append(results, tr)
	}
	return results, firstErr
}

func (o *Orchestrator) mergeOne(ctx context.Context, branch string, tr *TargetResult) {
	err := o.git.MergeInto(ctx, branch, tr.Target)
	var mc *derrors.MergeConflictError
	switch {
	case err == nil:
		tr.Outcome = OutcomeSuccess
	case errors.As(err, &mc):
		tr.Outcome, tr.Files, tr.Reason, tr.Err = OutcomeConflict, mc.Files, "merge conflict", err
		return
	default:
		tr.Outcome, tr.Reason, tr.Err = OutcomeFailed, err.Error(), err
		return
	}
	if !o.cfg.Rollover.Push {
		return
	}
	if err := o.git.Push(ctx, tr.Target); err != nil {
		// the merge itself stands; the push is retried by the next run
		o.log.Warn("push after merge failed", "target", tr.Target, "err", err)
		tr.Reason = "merged locally, push failed: " + err.Error()
		return
	}
	tr.Pushed = true
}

func worktreePresent(s *models.Session) bool {
	if s.WorktreePath == "" {
		return false
	}
	info, err := os.Stat(s.WorktreePath)
	return err == nil && info.IsDir()
}

func (o *Orchestrator) removeWorktree(ctx context.Context, s *models.Session) {
	if s.WorktreePath == "" {
		return
	}
	if err := o.git.WorktreeRemove(ctx, s.WorktreePath, true); err != nil && !derrors.Is(err, derrors.KindMissing) {
		o.log.Warn("remove session worktree", "path", s.WorktreePath, "err", err)
	}
}

// finalize releases the session's declarations and removes its lock
// record. Missing records are already gone and not an error.
func (o *Orchestrator) finalize(ctx context.Context, s *models.Session, res *Result, reason string) error {
	if o.releaser != nil {
		n, err := o.releaser.ReleaseSession(ctx, s.SessionID, reason)
		if err != nil {
			return err
		}
		res.Released = n
	}
	if err := o.sessions.Delete(s.SessionID); err != nil && !derrors.Is(err, derrors.KindMissing) {
		return err
	}
	res.Closed = true
	o.record(ctx, &store.Event{Kind: store.EventSessionClosed, SessionID: s.SessionID, Branch: s.BranchName,
		Outcome: "closed", Detail: reason})
	return nil
}

func (o *Orchestrator) record(ctx context.Context, e *store.Event) {
	if err := o.history.RecordEvent(ctx, e); err != nil {
		o.log.Warn("record history event", "kind", e.Kind, "err", err)
	}
}
