// Package prompt asks the operator yes/no and pick-from-list questions on
// a terminal, and answers them automatically when nobody is there.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/orphan"
)

// TestTTYEnv forces CanPrompt on ("1") or off (anything else) when set.
const TestTTYEnv = "DEVOPS_AGENT_TEST_TTY"

// Prompter answers the questions the engines ask.
type Prompter interface {
	Confirm(ctx context.Context, title, description string) (bool, error)
	SelectOrphans(ctx context.Context, orphans []orphan.Orphan) ([]string, error)
}

// New returns an interactive prompter when stdin is a terminal and
// assumeYes is false, otherwise an automatic one. Without a terminal the
// automatic answer is no, so nothing is committed or reclaimed unasked.
func New(assumeYes bool) Prompter {
	if assumeYes {
		return Auto{Answer: true}
	}
	if CanPrompt() {
		return Interactive{Accessible: os.Getenv("ACCESSIBLE") != ""}
	}
	return Auto{}
}

// CanPrompt reports whether stdin is an interactive terminal.
func CanPrompt() bool {
	if v, ok := os.LookupEnv(TestTTYEnv); ok {
		return v == "1"
	}
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Interactive prompts with huh forms.
type Interactive struct {
	Accessible bool
}

func (p Interactive) form(groups ...*huh.Group) *huh.Form {
	return huh.NewForm(groups...).WithAccessible(p.Accessible)
}

func (p Interactive) Confirm(ctx context.Context, title, description string) (bool, error) {
	ok := false
	form := p.form(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(description).
			Affirmative("Yes").
			Negative("No").
			Value(&ok),
	))
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, fmt.Errorf("confirm prompt: %w", err)
	}
	return ok, nil
}

func (p Interactive) SelectOrphans(ctx context.Context, orphans []orphan.Orphan) ([]string, error) {
	options := make([]huh.Option[string], 0, len(orphans))
	for _, o := range orphans {
		options = append(options, huh.NewOption(Label(o), o.Session.SessionID))
	}
	var picked []string
	form := p.form(huh.NewGroup(
		huh.NewMultiSelect[string]().
			Title("Which orphaned sessions should be cleaned up?").
			Description("Use space to select, enter to confirm.").
			Options(options...).
			Value(&picked),
	))
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return nil, nil
		}
		return nil, fmt.Errorf("orphan selection: %w", err)
	}
	return picked, nil
}

// Label renders an orphan as a single selection line.
func Label(o orphan.Orphan) string {
	s := o.Session
	label := fmt.Sprintf("%s  %-10s %3dd  %s", s.SessionID, s.AgentType, o.AgeDays, s.Task)
	if o.BranchMissing {
		label += "  (branch missing)"
	}
	return label
}

// Auto answers every question with the same value.
type Auto struct {
	Answer bool
}

func (a Auto) Confirm(context.Context, string, string) (bool, error) { return a.Answer, nil }

// SelectOrphans picks every orphan when Answer is true, none otherwise.
func (a Auto) SelectOrphans(_ context.Context, orphans []orphan.Orphan) ([]string, error) {
	if !a.Answer {
		return nil, nil
	}
	ids := make([]string, 0, len(orphans))
	for _, o := range orphans {
		ids = append(ids, o.Session.SessionID)
	}
	return ids, nil
}
