// Package rollover cuts the day's branches. Once per calendar day in the
// configured timezone it merges the last version branch into the target,
// cuts the next version branch from the target, folds the previous daily
// branch into it and cuts today's daily branch from it. Each step is a
// transition of an explicit state machine whose progress is persisted, so a
// plan that stopped on a conflict resumes where it left off.
package rollover

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/config"
	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/git"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/models"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/store"
)

// StateFile is the name of the persisted machine state in the
// coordination directory.
const StateFile = "rollover-state.json"

// Confirmer asks whether to proceed.
type Confirmer interface {
	Confirm(ctx context.Context, title, description string) (bool, error)
}

// Committer commits pending changes in a worktree.
type Committer interface {
	CommitPending(ctx context.Context, dir string) (bool, error)
}

// Engine runs the rollover state machine.
type Engine struct {
	cfg       *config.Config
	git       git.Client
	naming    models.Naming
	confirm   Confirmer
	committer Committer
	history   store.History
	log       *slog.Logger
	now       func() time.Time
	statePath string
}

// New creates an Engine.
func New(cfg *config.Config, g git.Client, hist store.History, log *slog.Logger) *Engine {
	if hist == nil {
		hist = store.Nop{}
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		cfg:       cfg,
		git:       g,
		naming:    Naming(cfg),
		history:   hist,
		log:       log.With("component", "rollover"),
		now:       time.Now,
		statePath: filepath.Join(cfg.CoordinationDir(), StateFile),
	}
}

// Naming returns the branch naming scheme configured in cfg.
func Naming(cfg *config.Config) models.Naming {
	return models.Naming{
		DailyPrefix:   cfg.BranchManagement.DailyBranchPrefix,
		WeeklyPrefix:  cfg.BranchManagement.WeeklyBranchPrefix,
		VersionPrefix: cfg.Rollover.VersionPrefix,
		Target:        cfg.BranchManagement.DefaultMergeTarget,
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetConfirmer wires the prompt used before committing a dirty tree.
func (e *Engine) SetConfirmer(c Confirmer) { e.confirm = c }

// SetCommitter wires the committer used when a dirty tree is confirmed.
func (e *Engine) SetCommitter(c Committer) { e.committer = c }

// StatePath returns the persisted state file.
func (e *Engine) StatePath() string { return e.statePath }

// Today returns the current calendar day in the configured timezone.
func (e *Engine) Today() time.Time {
	t := e.now().In(e.cfg.Location())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// TodayBranch returns the expected daily branch name for today.
func (e *Engine) TodayBranch() string {
	return e.naming.DailyName(e.Today())
}

// Options tunes one rollover check.
type Options struct {
	// Dir is the caller's working directory; its branch is switched to
	// today's daily branch when it sits on an older one. Defaults to the
	// repository root.
	Dir string
	// Force builds a plan even when today's daily branch exists.
	Force bool
	// DryRun builds and reports the plan without executing it.
	DryRun bool
}

// Result reports what a rollover check did.
type Result struct {
	State    State
	Plan     *Plan
	Resumed  bool
	Switched string
	// Completed lists the transitions executed by this call.
	Completed []State
}

// RolloverIfNewDay is safe to call before every commit: when today's daily
// branch already exists it only makes sure the caller is on it.
func (e *Engine) RolloverIfNewDay(ctx context.Context, opts Options) (*Result, error) {
	op := derrors.Op("rollover.RolloverIfNewDay")
	if opts.Dir == "" {
		opts.Dir = e.git.Root()
	}
	today := e.TodayBranch()

	st, err := loadStatus(e.statePath)
	if err != nil {
		return nil, derrors.E(op, derrors.KindIO, "read rollover state", err)
	}
	resume := st.Incomplete() && st.Plan.Date == e.Today().Format(models.DateLayout)

	if !resume && !opts.Force {
		exists, err := e.git.BranchExists(ctx, today)
		if err != nil {
			return nil, derrors.E(op, err)
		}
		if exists {
			res := &Result{State: StateNoRolloverNeeded}
			if !opts.DryRun {
				res.Switched, err = e.switchToDaily(ctx, opts.Dir, today)
				if err != nil {
					return res, derrors.E(op, err)
				}
			}
			return res, nil
		}
	}

	var plan *Plan
	if resume {
		plan = st.Plan
		e.log.Info("resuming rollover plan", "plan", plan.ID, "reached", st.Reached)
	} else {
		plan, err = e.BuildPlan(ctx)
		if err != nil {
			return nil, derrors.E(op, err)
		}
		st = &Status{Plan: plan, State: StatePlanBuilt, Reached: StatePlanBuilt}
	}
	res := &Result{State: st.Reached, Plan: plan, Resumed: resume}
	if opts.DryRun {
		return res, nil
	}

	// dirty tree guard: nothing is persisted until the tree is clean
	if err := e.guardClean(ctx, opts.Dir); err != nil {
		return res, derrors.E(op, err)
	}
	if !resume {
		if err := e.persist(st); err != nil {
			return res, derrors.E(op, err)
		}
		e.log.Info("rollover plan built", "plan", plan.ID, "steps", plan.Steps())
	}

	for s := next(st.Reached); s != ""; s = next(s) {
		if err := e.execute(ctx, plan, s); err != nil {
			st.State, st.Error = StateFailed, err.Error()
			if perr := e.persist(st); perr != nil {
				e.log.Error("persist failed rollover state", "err", perr)
			}
			res.State = StateFailed
			e.log.Error("rollover step failed", "plan", plan.ID, "step", s, "err", err)
			e.record(ctx, plan, "failed", fmt.Sprintf("%s: %v", s, err))
			return res, derrors.E(op, fmt.Sprintf("rollover to %s stopped before %s", plan.Daily, s), err)
		}
		st.State, st.Reached, st.Error = s, s, ""
		if err := e.persist(st); err != nil {
			return res, derrors.E(op, err)
		}
		res.State = s
		res.Completed = append(res.Completed, s)
		e.log.Info("rollover transition", "plan", plan.ID, "state", s)
	}

	e.record(ctx, plan, "completed", fmt.Sprintf("%v", res.Completed))
	res.Switched, err = e.switchToDaily(ctx, opts.Dir, plan.Daily)
	if err != nil {
		return res, derrors.E(op, err)
	}
	return res, nil
}

// BuildPlan assembles today's forward-merge chain from the branches that
// exist now. The version counter advances once per executed rollover, so
// calendar days with no rollover are not counted: after a three-day gap the
// next version is still the latest plus one increment.
func (e *Engine) BuildPlan(ctx context.Context) (*Plan, error) {
	today := e.Today()
	target := e.naming.Target
	if ok, err := e.git.BranchExists(ctx, target); err != nil {
		return nil, err
	} else if !ok {
		return nil, derrors.E(derrors.Op("rollover.BuildPlan"), derrors.Missing("branch", target))
	}

	prevVersion, minor, err := e.latestVersion(ctx)
	if err != nil {
		return nil, err
	}
	newMinor := e.cfg.Rollover.VersionStartMinor
	if prevVersion != "" {
		newMinor = minor + e.cfg.Rollover.VersionIncrement
	}
	prevDaily, err := e.latestDailyBefore(ctx, today)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		Date:        today.Format(models.DateLayout),
		Target:      target,
		PrevVersion: prevVersion,
		NewVersion:  e.naming.VersionName(newMinor),
		PrevDaily:   prevDaily,
		Daily:       e.naming.DailyName(today),
		Push:        e.cfg.Rollover.Push,
	}
	p.ID = p.Date + "@" + p.NewVersion
	return p, nil
}

func (e *Engine) latestVersion(ctx context.Context) (string, int, error) {
	names, err := e.git.ListBranches(ctx, e.naming.VersionPrefix)
	if err != nil {
		return "", 0, err
	}
	best, bestMinor := "", -1
	for _, n := range names {
		if m, ok := e.naming.ParseVersion(n); ok && m > bestMinor {
			best, bestMinor = n, m
		}
	}
	return best, bestMinor, nil
}

// latestDailyBefore returns the most recent daily branch dated on or
// before day.
func (e *Engine) latestDailyBefore(ctx context.Context, day time.Time) (string, error) {
	names, err := e.git.ListBranches(ctx, e.naming.DailyPrefix)
	if err != nil {
		return "", err
	}
	var best string
	var bestDate time.Time
	for _, n := range names {
		d, ok := e.naming.ParseDaily(n)
		if !ok || d.After(day) {
			continue
		}
		if best == "" || d.After(bestDate) {
			best, bestDate = n, d
		}
	}
	return best, nil
}

// execute performs the transition that enters s. Branch creation is
// skipped when the branch already exists so a resumed plan can repeat a
// step that was interrupted after its side effect.
func (e *Engine) execute(ctx context.Context, p *Plan, s State) error {
	switch s {
	case StateVersionMerged:
		if p.PrevVersion == "" {
			return nil
		}
		if err := e.git.MergeInto(ctx, p.PrevVersion, p.Target); err != nil {
			return err
		}
		return e.push(ctx, p, p.Target)
	case StateVersionCreated:
		return e.ensureBranch(ctx, p.NewVersion, p.Target)
	case StateDailyFolded:
		if p.PrevDaily != "" {
			if err := e.git.MergeInto(ctx, p.PrevDaily, p.NewVersion); err != nil {
				return err
			}
		}
		return e.push(ctx, p, p.NewVersion)
	case StateDailyCreated:
		if err := e.ensureBranch(ctx, p.Daily, p.NewVersion); err != nil {
			return err
		}
		return e.push(ctx, p, p.Daily)
	}
	return fmt.Errorf("no transition into %s", s)
}

func (e *Engine) ensureBranch(ctx context.Context, branch, from string) error {
	ok, err := e.git.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if ok {
		e.log.Info("branch already exists, skipping create", "branch", branch)
		return nil
	}
	return e.git.CreateBranch(ctx, branch, from)
}

func (e *Engine) push(ctx context.Context, p *Plan, branch string) error {
	if !p.Push {
		return nil
	}
	return e.git.Push(ctx, branch)
}

// guardClean refuses to roll over a dirty tree. When a committer and a
// confirmer are wired and the confirmation is granted, the caller's pending
// changes are committed first.
func (e *Engine) guardClean(ctx context.Context, dir string) error {
	dirs := []string{e.git.Root()}
	if dir != e.git.Root() {
		dirs = append(dirs, dir)
	}
	for _, d := range dirs {
		dirty, err := e.git.IsDirty(ctx, d)
		if err != nil {
			return err
		}
		if !dirty {
			continue
		}
		if d == dir && e.committer != nil && e.confirmed(ctx, d) {
			if _, err := e.committer.CommitPending(ctx, d); err != nil {
				return err
			}
			if dirty, err = e.git.IsDirty(ctx, d); err != nil {
				return err
			} else if !dirty {
				continue
			}
		}
		return derrors.E(derrors.KindDirtyTree, fmt.Sprintf("%s has uncommitted changes; commit or stash them before rollover", d))
	}
	return nil
}

func (e *Engine) confirmed(ctx context.Context, dir string) bool {
	if e.confirm == nil {
		return false
	}
	ok, err := e.confirm.Confirm(ctx, "Commit pending changes before rollover?",
		fmt.Sprintf("%s has uncommitted changes. They must be committed before the daily branch can roll over.", dir))
	if err != nil {
		e.log.Warn("rollover confirmation failed", "err", err)
		return false
	}
	return ok
}

// switchToDaily moves dir onto today's daily branch when it currently sits
// on an older daily branch. Session branches and everything else are left
// alone, and so is a dirty tree.
func (e *Engine) switchToDaily(ctx context.Context, dir, today string) (string, error) {
	cur, err := e.git.CurrentBranch(ctx, dir)
	if err != nil || cur == today {
		return "", err
	}
	node := e.naming.Classify(cur)
	if node.Kind != models.BranchDaily || !node.Start.Before(e.Today()) {
		return "", nil
	}
	dirty, err := e.git.IsDirty(ctx, dir)
	if err != nil {
		return "", err
	}
	if dirty {
		e.log.Warn("day boundary crossed but tree is dirty, staying on old daily branch", "dir", dir, "branch", cur)
		return "", nil
	}
	if err := e.git.Checkout(ctx, dir, today); err != nil {
		return "", err
	}
	e.log.Info("switched to today's daily branch", "dir", dir, "from", cur, "to", today)
	return today, nil
}

// SessionBase returns the branch new sessions are cut from: today's daily
// branch, else the latest daily branch, else the target.
func (e *Engine) SessionBase(ctx context.Context) (string, error) {
	daily, err := e.latestDailyBefore(ctx, e.Today())
	if err != nil {
		return "", err
	}
	if daily != "" {
		return daily, nil
	}
	return e.naming.Target, nil
}

// CurrentDaily returns today's daily branch if it exists, else the latest
// earlier one, else "".
func (e *Engine) CurrentDaily(ctx context.Context) (string, error) {
	return e.latestDailyBefore(ctx, e.Today())
}

// Status returns the persisted state of the most recent plan, or nil.
func (e *Engine) Status() (*Status, error) {
	return loadStatus(e.statePath)
}

func (e *Engine) persist(st *Status) error {
	st.UpdatedAt = e.now().UTC()
	if err := saveStatus(e.statePath, st); err != nil {
		return derrors.E(derrors.KindIO, "write rollover state", err)
	}
	return nil
}

func (e *Engine) record(ctx context.Context, p *Plan, outcome, detail string) {
	ev := &store.Event{Kind: store.EventRollover, Branch: p.Daily, Target: p.NewVersion, Outcome: outcome, Detail: detail}
	if err := e.history.RecordEvent(ctx, ev); err != nil {
		e.log.Warn("record history event", "kind", ev.Kind, "err", err)
	}
}
