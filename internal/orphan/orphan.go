// Package orphan finds sessions that outlived the orphan threshold and
// reclaims them through the normal session close path.
package orphan

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/config"
	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/git"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/merge"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/models"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/registry"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/store"
)

// Sessions is the slice of the registry the reclaimer uses.
type Sessions interface {
	ListSessions(filter registry.Filter) ([]*models.Session, error)
	SetStatus(id string, status models.SessionStatus) (*models.Session, error)
}

// Closer runs the session close path.
type Closer interface {
	Close(ctx context.Context, s *models.Session, opts merge.CloseOptions) (*merge.Result, error)
}

// Selector picks which detected orphans to clean up.
type Selector interface {
	SelectOrphans(ctx context.Context, orphans []Orphan) ([]string, error)
}

// Mode controls what CleanupOrphans mutates.
type Mode string

const (
	ModeAll      Mode = "all"
	ModeSelect   Mode = "select"
	ModeListOnly Mode = "list-only"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !slices.Contains([]Mode{ModeAll, ModeSelect, ModeListOnly}, m) {
		return "", derrors.E(derrors.KindInvalid, fmt.Sprintf("unknown cleanup mode %q", s))
	}
	return m, nil
}

// Orphan is a session older than the threshold.
type Orphan struct {
	Session       *models.Session `json:"session"`
	AgeDays       int             `json:"ageDays"`
	BranchMissing bool            `json:"branchMissing"`
}

// Outcome is the cleanup result for one orphan.
type Outcome struct {
	SessionID     string        `json:"sessionId"`
	BranchMissing bool          `json:"branchMissing"`
	Merge         *merge.Result `json:"merge,omitempty"`
	Cleaned       bool          `json:"cleaned"`
	Error         string        `json:"error,omitempty"`
}

// Report is the result of CleanupOrphans.
type Report struct {
	Mode     Mode      `json:"mode"`
	Orphans  []Orphan  `json:"orphans"`
	Outcomes []Outcome `json:"outcomes"`
	// Untouched lists detected orphans that were not selected.
	Untouched []string `json:"untouched,omitempty"`
}

// Failed counts orphans whose cleanup did not finish.
func (r *Report) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.Cleaned {
			n++
		}
	}
	return n
}

// Reclaimer detects and cleans up orphan sessions.
type Reclaimer struct {
	cfg      *config.Config
	git      git.Client
	sessions Sessions
	closer   Closer
	history  store.History
	log      *slog.Logger
	now      func() time.Time
}

// New creates a Reclaimer.
func New(cfg *config.Config, g git.Client, sessions Sessions, closer Closer, hist store.History, log *slog.Logger) *Reclaimer {
	if hist == nil {
		hist = store.Nop{}
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Reclaimer{
		cfg:      cfg,
		git:      g,
		sessions: sessions,
		closer:   closer,
		history:  hist,
		log:      log.With("component", "orphan"),
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (r *Reclaimer) SetClock(now func() time.Time) { r.now = now }

// Threshold returns the configured orphan age.
func (r *Reclaimer) Threshold() time.Duration {
	return time.Duration(r.cfg.BranchManagement.OrphanSessionThresholdDays) * 24 * time.Hour
}

// FindOrphans lists sessions created at least the threshold ago, oldest
// first. A missing branch is reported, never used to hide a session.
func (r *Reclaimer) FindOrphans(ctx context.Context) ([]Orphan, error) {
	sessions, err := r.sessions.ListSessions(registry.Filter{})
	if err != nil {
		return nil, err
	}
	now := r.now()
	threshold := r.Threshold()
	var out []Orphan
	for _, s := range sessions {
		if s.Status == models.SessionClosed || s.Age(now) < threshold {
			continue
		}
		exists, err := r.git.BranchExists(ctx, s.BranchName)
		if err != nil {
			r.log.Warn("check orphan branch", "session", s.SessionID, "err", err)
		}
		out = append(out, Orphan{Session: s, AgeDays: s.AgeDays(now), BranchMissing: err == nil && !exists})
	}
	return out, nil
}

// CleanupOrphans detects orphans and, unless mode is list-only, runs the
// close path for all of them or for the subset sel picks.
func (r *Reclaimer) CleanupOrphans(ctx context.Context, mode Mode, sel Selector) (*Report, error) {
	op := derrors.Op("orphan.CleanupOrphans")
	orphans, err := r.FindOrphans(ctx)
	if err != nil {
		return nil, derrors.E(op, err)
	}
	rep := &Report{Mode: mode, Orphans: orphans}
	if mode == ModeListOnly || len(orphans) == 0 {
		return rep, nil
	}

	chosen := orphans
	if mode == ModeSelect {
		if sel == nil {
			return rep, derrors.E(op, derrors.KindInvalid, "select mode needs a selector")
		}
		ids, err := sel.SelectOrphans(ctx, orphans)
		if err != nil {
			return rep, derrors.E(op, err)
		}
		chosen = nil
		for _, o := range orphans {
			if slices.Contains(ids, o.Session.SessionID) {
				chosen = append(chosen, o)
			} else {
				rep.Untouched = append(rep.Untouched, o.Session.SessionID)
			}
		}
	}

	for _, o := range chosen {
		rep.Outcomes = append(rep.Outcomes, r.reclaim(ctx, o))
	}
	if n := rep.Failed(); n > 0 {
		return rep, derrors.E(op, fmt.Sprintf("%d of %d orphan(s) could not be cleaned up", n, len(chosen)))
	}
	return rep, nil
}

func (r *Reclaimer) reclaim(ctx context.Context, o Orphan) Outcome {
	s := o.Session
	out := Outcome{SessionID: s.SessionID, BranchMissing: o.BranchMissing}
	log := r.log.With("session", s.SessionID)

	if s.Status != models.SessionOrphaned {
		updated, err := r.sessions.SetStatus(s.SessionID, models.SessionOrphaned)
		if err != nil {
			log.Warn("mark session orphaned", "err", err)
		} else {
			s = updated
		}
	}

	res, err := r.closer.Close(ctx, s, merge.CloseOptions{Reason: "orphan session reclaimed"})
	out.Merge = res
	if res != nil {
		out.BranchMissing = res.BranchMissing
		out.Cleaned = res.Closed
	}
	if err != nil {
		out.Error = err.Error()
		log.Warn("orphan cleanup incomplete", "err", err)
	} else {
		log.Info("orphan reclaimed", "branchMissing", out.BranchMissing, "ageDays", o.AgeDays)
	}

	outcome := "cleaned"
	if !out.Cleaned {
		outcome = "failed"
	}
	ev := &store.Event{Kind: store.EventOrphanCleanup, SessionID: s.SessionID, Branch: s.BranchName,
		Outcome: outcome, Detail: fmt.Sprintf("age %dd, branchMissing=%t", o.AgeDays, out.BranchMissing)}
	if err := r.history.RecordEvent(ctx, ev); err != nil {
		log.Warn("record history event", "kind", ev.Kind, "err", err)
	}
	return out
}

// IDs is a Selector that picks a fixed set of session ids.
type IDs []string

func (ids IDs) SelectOrphans(context.Context, []Orphan) ([]string, error) { return ids, nil }
