// Package weekly folds the daily branches of the last completed seven-day
// window into one weekly branch and prunes weekly branches beyond the
// retention count.
package weekly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/config"
	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/git"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/models"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/rollover"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/store"
)

// WindowDays is the length of the consolidation window.
const WindowDays = 7

// Skip reasons.
const (
	SkipDisabled     = "weekly consolidation disabled"
	SkipNoDailies    = "no daily branches in window"
	SkipExists       = "weekly branch already exists"
	SkipAllCovered   = "daily branches already covered by a weekly branch"
	SkipOverlaps     = "range overlaps an existing weekly branch"
	SkipNotScheduled = "not the weekly cleanup day"
)

// Consolidator runs weekly consolidation and retention.
type Consolidator struct {
	cfg     *config.Config
	git     git.Client
	naming  models.Naming
	history store.History
	log     *slog.Logger
	now     func() time.Time
}

// New creates a Consolidator.
func New(cfg *config.Config, g git.Client, hist store.History, log *slog.Logger) *Consolidator {
	if hist == nil {
		hist = store.Nop{}
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Consolidator{
		cfg:     cfg,
		git:     g,
		naming:  rollover.Naming(cfg),
		history: hist,
		log:     log.With("component", "weekly"),
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (c *Consolidator) SetClock(now func() time.Time) { c.now = now }

func (c *Consolidator) today() time.Time {
	t := c.now().In(c.cfg.Location())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Window returns the most recently completed seven-day window, ending
// yesterday.
func (c *Consolidator) Window() (start, end time.Time) {
	end = c.today().AddDate(0, 0, -1)
	return end.AddDate(0, 0, -(WindowDays - 1)), end
}

// IsDue reports whether today is the configured weekly cleanup day.
func (c *Consolidator) IsDue() bool {
	return c.today().Weekday() == c.cfg.CleanupWeekday()
}

// Options tunes Consolidate.
type Options struct {
	DryRun bool
	// IfDue only runs on the configured cleanup day.
	IfDue bool
	// Force runs even when weekly consolidation is disabled.
	Force bool
}

// Result reports one consolidation run.
type Result struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Dailies     []string
	Weekly      string
	SkipReason  string
	Folded      []string
	// FailedOn is the daily branch whose fold conflicted.
	FailedOn string
	Deleted  []string
	Pruned   []string
}

// Skipped reports whether the run was a no-op.
func (r *Result) Skipped() bool { return r.SkipReason != "" }

// Consolidate folds the window's daily branches into a new weekly branch
// in chronological order. Sources are deleted only after every fold
// succeeded; on a conflict the weekly branch keeps the folds that worked.
func (c *Consolidator) Consolidate(ctx context.Context, opts Options) (*Result, error) {
	op := derrors.Op("weekly.Consolidate")
	res := &Result{}
	res.WindowStart, res.WindowEnd = c.Window()
	switch {
	case !c.cfg.BranchManagement.EnableWeeklyConsolidation && !opts.Force:
		res.SkipReason = SkipDisabled
		return res, nil
	case opts.IfDue && !c.IsDue():
		res.SkipReason = SkipNotScheduled
		return res, nil
	}

	dailies, err := c.dailiesIn(ctx, res.WindowStart, res.WindowEnd)
	if err != nil {
		return res, derrors.E(op, err)
	}
	if len(dailies) == 0 {
		res.SkipReason = SkipNoDailies
		return res, nil
	}

	name := c.naming.WeeklyName(dailies[0].Start, dailies[len(dailies)-1].Start)
	if exists, err := c.git.BranchExists(ctx, name); err != nil {
		return res, derrors.E(op, err)
	} else if exists {
		c.log.Info("weekly branch exists, skipping", "branch", name)
		res.Weekly, res.SkipReason = name, SkipExists
		return res, nil
	}

	weeklies, err := c.weeklies(ctx)
	if err != nil {
		return res, derrors.E(op, err)
	}
	dailies = uncovered(dailies, weeklies)
	if len(dailies) == 0 {
		res.SkipReason = SkipAllCovered
		return res, nil
	}
	for _, d := range dailies {
		res.Dailies = append(res.Dailies, d.Name)
	}
	first, last := dailies[0].Start, dailies[len(dailies)-1].Start
	res.Weekly = c.naming.WeeklyName(first, last)
	for _, w := range weeklies {
		if w.Name == res.Weekly {
			res.SkipReason = SkipExists
			return res, nil
		}
		if models.Overlaps(first, last, w.Start, w.End) {
			res.SkipReason = fmt.Sprintf("%s (%s)", SkipOverlaps, w.Name)
			return res, nil
		}
	}
	if opts.DryRun {
		return res, nil
	}

	target := c.cfg.BranchManagement.DefaultMergeTarget
	if err := c.git.CreateBranch(ctx, res.Weekly, target); err != nil {
		return res, derrors.E(op, err)
	}
	c.log.Info("weekly branch created", "branch", res.Weekly, "from", target, "dailies", res.Dailies)

	for _, d := range dailies {
		if err := c.git.MergeInto(ctx, d.Name, res.Weekly); err != nil {
			res.FailedOn = d.Name
			c.log.Warn("weekly fold failed", "daily", d.Name, "weekly", res.Weekly, "err", err)
			if c.cfg.Cleanup.PruneFoldedOnPartialFailure {
				res.Deleted = c.deleteDailies(ctx, res.Folded)
			}
			c.record(ctx, res, "partial", fmt.Sprintf("folded %d of %d, stopped at %s", len(res.Folded), len(dailies), d.Name))
			return res, derrors.E(op, fmt.Sprintf("fold %s into %s", d.Name, res.Weekly), err)
		}
		res.Folded = append(res.Folded, d.Name)
	}

	if c.cfg.Rollover.Push {
		if err := c.git.Push(ctx, res.Weekly); err != nil {
			c.log.Warn("push weekly branch", "branch", res.Weekly, "err", err)
		}
	}
	res.Deleted = c.deleteDailies(ctx, res.Folded)
	c.record(ctx, res, "success", fmt.Sprintf("folded %d daily branches", len(res.Folded)))

	res.Pruned, err = c.Prune(ctx, false)
	if err != nil {
		return res, derrors.E(op, err)
	}
	return res, nil
}

func (c *Consolidator) deleteDailies(ctx context.Context, names []string) []string {
	var deleted []string
	for _, n := range names {
		if err := c.git.DeleteBranch(ctx, n, true); err != nil && !derrors.Is(err, derrors.KindMissing) {
			c.log.Warn("delete folded daily branch", "branch", n, "err", err)
			continue
		}
		if err := c.git.DeleteRemoteBranch(ctx, n); err != nil {
			c.log.Warn("delete remote daily branch", "branch", n, "err", err)
		}
		deleted = append(deleted, n)
	}
	return deleted
}

// Prune deletes the oldest weekly branches beyond the retention count,
// oldest first by name, and returns the names removed (or that would be
// removed with dryRun).
func (c *Consolidator) Prune(ctx context.Context, dryRun bool) ([]string, error) {
	weeklies, err := c.weeklies(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(weeklies))
	for _, w := range weeklies {
		names = append(names, w.Name)
	}
	sort.Strings(names)
	keep := max(c.cfg.Cleanup.RetainWeeklyBranches, 0)
	if len(names) <= keep {
		return nil, nil
	}
	victims := names[:len(names)-keep]
	if dryRun {
		return victims, nil
	}
	var pruned []string
	var errs []error
	for _, n := range victims {
		if err := c.git.DeleteBranch(ctx, n, true); err != nil && !derrors.Is(err, derrors.KindMissing) {
			errs = append(errs, err)
			continue
		}
		if err := c.git.DeleteRemoteBranch(ctx, n); err != nil {
			c.log.Warn("delete remote weekly branch", "branch", n, "err", err)
		}
		pruned = append(pruned, n)
	}
	if len(pruned) > 0 {
		c.log.Info("pruned weekly branches", "branches", pruned, "retain", keep)
		ev := &store.Event{Kind: store.EventRetention, Outcome: "pruned", Detail: fmt.Sprintf("%v", pruned)}
		if err := c.history.RecordEvent(ctx, ev); err != nil {
			c.log.Warn("record history event", "kind", ev.Kind, "err", err)
		}
	}
	return pruned, errors.Join(errs...)
}

// dailiesIn returns daily branches dated within [start, end], oldest
// first.
func (c *Consolidator) dailiesIn(ctx context.Context, start, end time.Time) ([]models.BranchNode, error) {
	names, err := c.git.ListBranches(ctx, c.naming.DailyPrefix)
	if err != nil {
		return nil, err
	}
	var out []models.BranchNode
	for _, n := range names {
		node := c.naming.Classify(n)
		if node.Kind != models.BranchDaily || node.Start.Before(start) || node.Start.After(end) {
			continue
		}
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (c *Consolidator) weeklies(ctx context.Context) ([]models.BranchNode, error) {
	names, err := c.git.ListBranches(ctx, c.naming.WeeklyPrefix)
	if err != nil {
		return nil, err
	}
	var out []models.BranchNode
	for _, n := range names {
		if node := c.naming.Classify(n); node.Kind == models.BranchWeekly {
			out = append(out, node)
		}
	}
	return out, nil
}

// uncovered drops dailies whose date already lies inside a weekly range.
func uncovered(dailies, weeklies []models.BranchNode) []models.BranchNode {
	var out []models.BranchNode
	for _, d := range dailies {
		covered := false
		for _, w := range weeklies {
			if models.Overlaps(d.Start, d.Start, w.Start, w.End) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, d)
		}
	}
	return out
}

func (c *Consolidator) record(ctx context.Context, res *Result, outcome, detail string) {
	ev := &store.Event{Kind: store.EventConsolidation, Branch: res.Weekly, Outcome: outcome, Detail: detail}
	if err := c.history.RecordEvent(ctx, ev); err != nil {
		c.log.Warn("record history event", "kind", ev.Kind, "err", err)
	}
}
