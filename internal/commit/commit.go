// Package commit turns pending worktree changes into commits. Calling it
// repeatedly is safe: with nothing staged it does nothing.
package commit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/config"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/llm"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/models"
)

// Git is the subset of the git adapter the committer needs.
type Git interface {
	StageAll(ctx context.Context, dir string) error
	StagedFiles(ctx context.Context, dir string) ([]string, error)
	StagedDiff(ctx context.Context, dir string) (string, error)
	CommitAll(ctx context.Context, dir, message string) (bool, error)
}

// Generator writes a commit message for a staged change.
type Generator interface {
	CommitMessage(ctx context.Context, req llm.CommitRequest) (string, error)
}

// Committer commits pending changes with a generated or fallback message.
type Committer struct {
	git Git
	gen Generator
	log *slog.Logger

	// Agent and Task label commits made through CommitPending.
	Agent string
	Task  string
}

// New creates a Committer. gen may be nil.
func New(g Git, gen Generator, log *slog.Logger) *Committer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Committer{git: g, gen: gen, log: log.With("component", "commit"), Agent: "devops-agent"}
}

// FromConfig wires the Anthropic generator when message generation is
// enabled and an API key is present.
func FromConfig(cfg *config.Config, g Git, log *slog.Logger) *Committer {
	var gen Generator
	if cfg.Commit.GenerateMessages && cfg.Commit.APIKey != "" {
		gen = llm.NewClient(cfg.Commit.APIKey, cfg.Commit.Model)
	}
	return New(g, gen, log)
}

// Outcome reports one commit attempt.
type Outcome struct {
	Committed bool
	Message   string
	Files     []string
}

// Commit stages everything in dir and commits it on behalf of agent.
func (c *Committer) Commit(ctx context.Context, dir, agent, task string) (*Outcome, error) {
	if err := c.git.StageAll(ctx, dir); err != nil {
		return nil, err
	}
	files, err := c.git.StagedFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return &Outcome{}, nil
	}
	msg := c.message(ctx, dir, agent, task, files)
	ok, err := c.git.CommitAll(ctx, dir, msg)
	if err != nil {
		return nil, err
	}
	if ok {
		c.log.Info("committed", "dir", dir, "agent", agent, "files", len(files))
	}
	return &Outcome{Committed: ok, Message: msg, Files: files}, nil
}

// CommitPending commits dir using the committer's own labels.
func (c *Committer) CommitPending(ctx context.Context, dir string) (bool, error) {
	out, err := c.Commit(ctx, dir, c.Agent, c.Task)
	if err != nil {
		return false, err
	}
	return out.Committed, nil
}

// CommitSession commits a session's worktree labelled with its agent and
// task.
func (c *Committer) CommitSession(ctx context.Context, s *models.Session) (bool, error) {
	out, err := c.Commit(ctx, s.WorktreePath, s.AgentType, s.Task)
	if err != nil {
		return false, err
	}
	return out.Committed, nil
}

func (c *Committer) message(ctx context.Context, dir, agent, task string, files []string) string {
	fallback := FallbackMessage(agent, task, len(files))
	if c.gen == nil {
		return fallback
	}
	diff, err := c.git.StagedDiff(ctx, dir)
	if err != nil {
		c.log.Warn("read staged diff", "err", err)
	}
	msg, err := c.gen.CommitMessage(ctx, llm.CommitRequest{Agent: agent, Task: task, Files: files, Diff: diff})
	if err != nil || strings.TrimSpace(msg) == "" {
		c.log.Warn("commit message generation failed, using fallback", "err", err)
		return fallback
	}
	return fmt.Sprintf("[%s] %s", agent, msg)
}

// FallbackMessage is the deterministic message used without a generator.
func FallbackMessage(agent, task string, n int) string {
	noun := "files"
	if n == 1 {
		noun = "file"
	}
	if task == "" {
		return fmt.Sprintf("[%s] update %d %s", agent, n, noun)
	}
	return fmt.Sprintf("[%s] %s: update %d %s", agent, task, n, noun)
}
