package watch

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/commit"
	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/orphan"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/rollover"
)

// Heartbeater refreshes a session lock.
type Heartbeater interface {
	Heartbeat(id string, pid int) error
}

// Roller is the rollover check run before every commit.
type Roller interface {
	RolloverIfNewDay(ctx context.Context, opts rollover.Options) (*rollover.Result, error)
}

// Committer commits a working directory.
type Committer interface {
	Commit(ctx context.Context, dir, agent, task string) (*commit.Outcome, error)
}

// Pusher pushes the branch checked out in a directory.
type Pusher interface {
	CurrentBranch(ctx context.Context, dir string) (string, error)
	Push(ctx context.Context, branch string) error
}

// Reclaimer cleans up orphaned sessions.
type Reclaimer interface {
	CleanupOrphans(ctx context.Context, mode orphan.Mode, sel orphan.Selector) (*orphan.Report, error)
}

// Options describes what a Loop watches and on whose behalf it commits.
type Options struct {
	// Dir is the watched working directory.
	Dir string
	// Root is the repository's main worktree, where rollovers run.
	Root      string
	SessionID string
	Agent     string
	Task      string
	Push      bool
	// HeartbeatEvery refreshes the session lock even without changes.
	HeartbeatEvery time.Duration
}

// Loop runs heartbeat, rollover, commit and push for each change batch.
type Loop struct {
	opts      Options
	heartbeat Heartbeater
	roll      Roller
	commit    Committer
	git       Pusher
	orphans   Reclaimer
	orphanGap time.Duration
	lastSweep time.Time
	log       *slog.Logger
	now       func() time.Time
}

// NewLoop creates a Loop. hb may be nil when no session is watched.
func NewLoop(opts Options, hb Heartbeater, roll Roller, com Committer, g Pusher, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if opts.Root == "" {
		opts.Root = opts.Dir
	}
	l := log.With("component", "watch", "dir", opts.Dir)
	if opts.SessionID != "" {
		l = l.With("session", opts.SessionID)
	}
	return &Loop{opts: opts, heartbeat: hb, roll: roll, commit: com, git: g, log: l, now: time.Now}
}

// SetReclaimer enables orphan cleanup at most once per every.
func (l *Loop) SetReclaimer(r Reclaimer, every time.Duration) {
	l.orphans, l.orphanGap = r, every
}

// SetClock overrides the time source.
func (l *Loop) SetClock(now func() time.Time) { l.now = now }

// TickResult reports one trigger.
type TickResult struct {
	Rollover    *rollover.Result
	RolloverErr error
	Commit      *commit.Outcome
	Branch      string
	Pushed      bool
	Orphans     *orphan.Report
}

// Tick runs one trigger. A failed rollover is logged and does not stop
// the commit; a failed commit or push is returned.
func (l *Loop) Tick(ctx context.Context) (*TickResult, error) {
	op := derrors.Op("watch.Tick")
	res := &TickResult{}
	l.beat()

	// session worktrees never sit on a daily branch; roll the main worktree
	rollDir := l.opts.Dir
	if l.opts.SessionID != "" {
		rollDir = l.opts.Root
	}
	if l.roll != nil {
		res.Rollover, res.RolloverErr = l.roll.RolloverIfNewDay(ctx, rollover.Options{Dir: rollDir})
		switch {
		case res.RolloverErr == nil:
		case derrors.Is(res.RolloverErr, derrors.KindDirtyTree):
			l.log.Info("rollover postponed, tree is dirty", "err", res.RolloverErr)
		default:
			l.log.Warn("rollover check failed", "err", res.RolloverErr)
		}
	}

	out, err := l.commit.Commit(ctx, l.opts.Dir, l.opts.Agent, l.opts.Task)
	if err != nil {
		return res, derrors.E(op, "auto-commit", err)
	}
	res.Commit = out

	if out.Committed && l.opts.Push && l.git != nil {
		if res.Branch, err = l.git.CurrentBranch(ctx, l.opts.Dir); err != nil {
			return res, derrors.E(op, err)
		}
		if err := l.git.Push(ctx, res.Branch); err != nil {
			return res, derrors.E(op, "push "+res.Branch, err)
		}
		res.Pushed = true
	}

	if l.orphans != nil && l.now().Sub(l.lastSweep) >= l.orphanGap {
		l.lastSweep = l.now()
		res.Orphans, err = l.orphans.CleanupOrphans(ctx, orphan.ModeAll, nil)
		if err != nil {
			l.log.Warn("orphan auto-cleanup incomplete", "err", err)
		}
	}
	return res, nil
}

func (l *Loop) beat() {
	if l.heartbeat == nil || l.opts.SessionID == "" {
		return
	}
	if err := l.heartbeat.Heartbeat(l.opts.SessionID, os.Getpid()); err != nil {
		l.log.Warn("session heartbeat failed", "err", err)
	}
}

// Run ticks once for work left over from before the loop started, then
// once per change batch from n until ctx is done.
func (l *Loop) Run(ctx context.Context, n *Notifier) error {
	l.logTick(l.Tick(ctx))

	if l.opts.HeartbeatEvery > 0 && l.heartbeat != nil {
		go func() {
			t := time.NewTicker(l.opts.HeartbeatEvery)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					l.beat()
				}
			}
		}()
	}

	return n.Run(ctx, func(ctx context.Context, paths []string) {
		l.log.Debug("changes detected", "paths", len(paths))
		l.logTick(l.Tick(ctx))
	})
}

func (l *Loop) logTick(res *TickResult, err error) {
	if err != nil {
		l.log.Error("watch trigger failed", "err", err)
		return
	}
	if res.Commit != nil && res.Commit.Committed {
		l.log.Info("auto-committed", "files", len(res.Commit.Files), "message", res.Commit.Message, "pushed", res.Pushed)
	}
}
