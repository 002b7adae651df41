// Package ledger is the advisory file coordination ledger. Each (agent,
// session) pair owns at most one active declaration listing the files it
// intends to edit; a file may appear in only one active declaration. The
// check and the write are separate steps, so two processes declaring the
// same file at the same instant can both succeed. Audit reports undeclared
// edits after the fact.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/config"
	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/git"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/models"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/store"
)

// Ledger reads and writes declarations in the repository-wide coordination
// store.
type Ledger struct {
	active    *store.JSONDir[models.Declaration]
	completed *store.JSONDir[models.Declaration]
	history   store.History
	log       *slog.Logger
	now       func() time.Time
}

// New opens the ledger under cfg's coordination directory.
func New(cfg *config.Config, hist store.History, log *slog.Logger) *Ledger {
	return NewAt(cfg.CoordinationDir(), hist, log)
}

// NewAt opens the ledger rooted at dir.
func NewAt(dir string, hist store.History, log *slog.Logger) *Ledger {
	if hist == nil {
		hist = store.Nop{}
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Ledger{
		active:    store.NewJSONDir[models.Declaration](filepath.Join(dir, "active-edits"), "declaration"),
		completed: store.NewJSONDir[models.Declaration](filepath.Join(dir, "completed-edits"), "completed declaration"),
		history:   hist,
		log:       log.With("component", "ledger"),
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// Key returns the record key of an (agent, session) pair. The slugs keep
// the file name readable; the digest of the raw pair keeps keys distinct
// when the slugs coincide.
func Key(agent, session string) string {
	sum := sha256.Sum256([]byte(agent + "\x00" + session))
	return git.Slugify(agent, 24) + "-" + git.Slugify(session, 32) + "-" + hex.EncodeToString(sum[:6])
}

// DeclareRequest is one declaration attempt.
type DeclareRequest struct {
	Agent     string
	Session   string
	Files     []string
	Operation models.Operation
	Reason    string
	// EstimatedDuration is advisory, in seconds.
	EstimatedDuration int
	// Replace swaps the declared file set instead of extending it.
	Replace bool
}

// Declare records req unless one of its files is held by another active
// declaration, in which case a *CoordinationConflictError lists every
// colliding file and its holder and nothing is written.
func (l *Ledger) Declare(ctx context.Context, req DeclareRequest) (*models.Declaration, error) {
	op := derrors.Op("ledger.Declare")
	if strings.TrimSpace(req.Agent) == "" || strings.TrimSpace(req.Session) == "" {
		return nil, derrors.E(op, derrors.KindInvalid, "agent and session are required")
	}
	if req.Operation == "" {
		req.Operation = models.OperationEdit
	}
	if !req.Operation.Valid() {
		return nil, derrors.E(op, derrors.KindInvalid, fmt.Sprintf("unknown operation %q", req.Operation))
	}
	if req.EstimatedDuration < 0 {
		return nil, derrors.E(op, derrors.KindInvalid, "estimated duration must not be negative")
	}
	files, err := NormalizeAll(req.Files)
	if err != nil {
		return nil, derrors.E(op, err)
	}
	if len(files) == 0 {
		return nil, derrors.E(op, derrors.KindInvalid, "at least one file is required")
	}

	key := Key(req.Agent, req.Session)
	recs, err := l.active.List()
	if err != nil {
		return nil, derrors.E(op, derrors.KindIO, err)
	}
	var own *models.Declaration
	ownKey := key
	var conflicts []derrors.FileConflict
	for _, rec := range recs {
		if rec.Err != nil {
			l.log.Warn("skipping unreadable declaration", "key", rec.Key, "err", rec.Err)
			continue
		}
		d := rec.Value
		if d.Agent == req.Agent && d.Session == req.Session {
			own, ownKey = d, rec.Key
			continue
		}
		if rec.Key == key {
			return nil, derrors.E(op, derrors.KindCoordination,
				fmt.Sprintf("declaration record %s belongs to %s/%s", key, d.Agent, d.Session))
		}
		for _, f := range files {
			if d.Holds(f) {
				conflicts = append(conflicts, derrors.FileConflict{File: f, Agent: d.Agent, Session: d.Session})
			}
		}
	}
	if len(conflicts) > 0 {
		sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].File < conflicts[j].File })
		l.log.Info("declaration rejected", "agent", req.Agent, "session", req.Session, "conflicts", len(conflicts))
		return nil, derrors.E(op, &derrors.CoordinationConflictError{Conflicts: conflicts})
	}

	if own != nil && !req.Replace {
		files = union(own.Files, files)
	}

	d := &models.Declaration{
		Agent:             req.Agent,
		Session:           req.Session,
		Files:             files,
		Operation:         req.Operation,
		Reason:            req.Reason,
		DeclaredAt:        l.now().UTC(),
		EstimatedDuration: req.EstimatedDuration,
	}
	if err := l.active.Put(key, d); err != nil {
		return nil, derrors.E(op, derrors.KindIO, err)
	}
	if ownKey != key {
		if err := l.active.Delete(ownKey); err != nil {
			l.log.Warn("remove superseded declaration", "key", ownKey, "err", err)
		}
	}
	l.log.Info("files declared", "agent", d.Agent, "session", d.Session, "files", d.Files)
	l.record(ctx, &store.Event{Kind: store.EventDeclare, SessionID: d.Session, Outcome: "declared",
		Detail: strings.Join(d.Files, ",")})
	return d, nil
}

// Release moves the (agent, session) declaration to the completed area.
// Declarations are only released when their session ends or is abandoned.
func (l *Ledger) Release(ctx context.Context, agent, session, reason string) (*models.Declaration, error) {
	key, d, err := l.find(agent, session)
	if err != nil {
		return nil, err
	}
	if err := l.archive(key, d); err != nil {
		return nil, derrors.E(derrors.Op("ledger.Release"), derrors.KindIO, err)
	}
	l.log.Info("declaration released", "agent", d.Agent, "session", d.Session, "reason", reason)
	l.record(ctx, &store.Event{Kind: store.EventRelease, SessionID: d.Session, Outcome: "released", Detail: reason})
	return d, nil
}

// ReleaseSession releases every active declaration belonging to sessionID
// and returns how many were moved.
func (l *Ledger) ReleaseSession(ctx context.Context, sessionID, reason string) (int, error) {
	recs, err := l.active.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if rec.Err != nil || rec.Value.Session != sessionID {
			continue
		}
		if err := l.archive(rec.Key, rec.Value); err != nil {
			return n, derrors.E(derrors.Op("ledger.ReleaseSession"), derrors.KindIO, err)
		}
		n++
	}
	if n > 0 {
		l.log.Info("session declarations released", "session", sessionID, "count", n, "reason", reason)
		l.record(ctx, &store.Event{Kind: store.EventRelease, SessionID: sessionID, Outcome: "released",
			Detail: fmt.Sprintf("%d declaration(s): %s", n, reason)})
	}
	return n, nil
}

func (l *Ledger) archive(key string, d *models.Declaration) error {
	released := l.now().UTC()
	d.ReleasedAt = &released
	return l.active.Archive(key, d, l.completed, key+"-"+store.NewULID())
}

// Availability is the answer for one file.
type Availability struct {
	File      string `json:"file"`
	Available bool   `json:"available"`
	Agent     string `json:"agent,omitempty"`
	Session   string `json:"session,omitempty"`
}

// CheckAvailability reports, per file, whether any active declaration holds
// it. It never writes.
func (l *Ledger) CheckAvailability(files []string) ([]Availability, error) {
	norm, err := NormalizeAll(files)
	if err != nil {
		return nil, err
	}
	active, err := l.ListActive()
	if err != nil {
		return nil, err
	}
	out := make([]Availability, 0, len(norm))
	for _, f := range norm {
		a := Availability{File: f, Available: true}
		for _, d := range active {
			if d.Holds(f) {
				a.Available, a.Agent, a.Session = false, d.Agent, d.Session
				break
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// Get returns the active declaration of an (agent, session) pair.
func (l *Ledger) Get(agent, session string) (*models.Declaration, error) {
	_, d, err := l.find(agent, session)
	return d, err
}

// find returns the active record owned by exactly (agent, session).
func (l *Ledger) find(agent, session string) (string, *models.Declaration, error) {
	key := Key(agent, session)
	d, err := l.active.Get(key)
	if err != nil {
		return "", nil, err
	}
	if d.Agent != agent || d.Session != session {
		return "", nil, derrors.Missing("declaration", agent+"/"+session)
	}
	return key, d, nil
}

// ListActive returns all readable active declarations ordered by declaration
// time.
func (l *Ledger) ListActive() ([]*models.Declaration, error) {
	return l.list(l.active)
}

// ListCompleted returns the released declarations ordered by declaration
// time.
func (l *Ledger) ListCompleted() ([]*models.Declaration, error) {
	return l.list(l.completed)
}

func (l *Ledger) list(dir *store.JSONDir[models.Declaration]) ([]*models.Declaration, error) {
	recs, err := dir.List()
	if err != nil {
		return nil, err
	}
	out := make([]*models.Declaration, 0, len(recs))
	for _, rec := range recs {
		if rec.Err != nil {
			l.log.Warn("skipping unreadable declaration", "key", rec.Key, "err", rec.Err)
			continue
		}
		out = append(out, rec.Value)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DeclaredAt.Before(out[j].DeclaredAt) })
	return out, nil
}

// AuditReport compares what a session declared with what it changed.
type AuditReport struct {
	Agent      string   `json:"agent"`
	Session    string   `json:"session"`
	Declared   []string `json:"declared"`
	Changed    []string `json:"changed"`
	Undeclared []string `json:"undeclared"`
	// Unused are declared files that were never touched.
	Unused []string `json:"unused"`
}

// Clean reports whether every changed file was declared.
func (r *AuditReport) Clean() bool { return len(r.Undeclared) == 0 }

// Audit compares the active declaration of (agent, session) with changed.
// A session with no declaration has every change reported as undeclared.
func (l *Ledger) Audit(agent, session string, changed []string) (*AuditReport, error) {
	var declared []string
	d, err := l.Get(agent, session)
	switch {
	case err == nil:
		declared = d.Files
	case derrors.Is(err, derrors.KindMissing):
	default:
		return nil, err
	}
	report := Compare(declared, changed)
	report.Agent, report.Session = agent, session
	return report, nil
}

// Compare builds an AuditReport from two file lists.
func Compare(declared, changed []string) *AuditReport {
	decl := make(map[string]bool, len(declared))
	for _, f := range declared {
		decl[Normalize(f)] = true
	}
	chg := make(map[string]bool, len(changed))
	r := &AuditReport{Declared: sortedKeys(decl)}
	for _, f := range changed {
		f = Normalize(f)
		if chg[f] {
			continue
		}
		chg[f] = true
		r.Changed = append(r.Changed, f)
		if !decl[f] {
			r.Undeclared = append(r.Undeclared, f)
		}
	}
	for _, f := range r.Declared {
		if !chg[f] {
			r.Unused = append(r.Unused, f)
		}
	}
	sort.Strings(r.Changed)
	sort.Strings(r.Undeclared)
	return r
}

// Normalize cleans a repository-relative path to slash form.
func Normalize(p string) string {
	p = strings.TrimSpace(filepath.ToSlash(p))
	p = path.Clean(p)
	return strings.TrimPrefix(p, "./")
}

// NormalizeAll normalizes, deduplicates and sorts files. Absolute paths and
// paths escaping the repository are rejected.
func NormalizeAll(files []string) ([]string, error) {
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if strings.TrimSpace(f) == "" {
			continue
		}
		n := Normalize(f)
		if path.IsAbs(n) || filepath.IsAbs(f) || n == ".." || strings.HasPrefix(n, "../") || n == "." {
			return nil, derrors.E(derrors.KindInvalid, fmt.Sprintf("file %q must be relative to the repository root", f))
		}
		seen[n] = true
	}
	return sortedKeys(seen), nil
}

func union(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, f := range a {
		set[f] = true
	}
	for _, f := range b {
		set[f] = true
	}
	return sortedKeys(set)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (l *Ledger) record(ctx context.Context, e *store.Event) {
	if err := l.history.RecordEvent(ctx, e); err != nil {
		l.log.Warn("record history event", "kind", e.Kind, "err", err)
	}
}
