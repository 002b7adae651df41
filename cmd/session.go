package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/agent"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/merge"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/models"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/output"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/registry"
)

var (
	sessionTask        string
	sessionAgent       string
	sessionTarget      string
	sessionStrategy    string
	sessionBase        string
	sessionInitials    string
	sessionNoAutoMerge bool
	sessionJSON        bool
	sessionStatus      string
	sessionProbe       bool
	sessionMaxAge      time.Duration
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage agent sessions",
	Long:  "Create, list and close the isolated branch and worktree each agent works in.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd.Context())
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Start a session on its own branch and worktree",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCreateRun(cmd.Context())
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd.Context())
	},
}

var sessionCloseCmd = &cobra.Command{
	Use:   "close [session-id]",
	Short: "Merge a session into its targets and clean it up",
	Long: `Commit pending work, merge the session branch into the daily and target
branches, then delete the branch and worktree and release its declarations.

Without an ID the session owning the current directory is closed. On a merge
conflict the branch and worktree are kept and the command exits with code 3.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCloseRun(cmd.Context(), args)
	},
}

var sessionPauseCmd = &cobra.Command{
	Use:   "pause [session-id]",
	Short: "Mark a session paused",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionSetStatusRun(cmd.Context(), args, models.SessionPaused)
	},
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Mark a paused or orphaned session active again",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionSetStatusRun(cmd.Context(), args, models.SessionActive)
	},
}

var sessionSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove stale session locks whose process is gone",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionSweepRun(cmd.Context())
	},
}

func init() {
	sessionCreateCmd.Flags().StringVarP(&sessionTask, "task", "t", "", "Task description (required)")
	sessionCreateCmd.Flags().StringVarP(&sessionAgent, "agent", "a", "", "Agent kind (default: detected from the environment)")
	sessionCreateCmd.Flags().StringVar(&sessionTarget, "target", "", "Merge target branch (default: branchManagement.defaultMergeTarget)")
	sessionCreateCmd.Flags().StringVar(&sessionStrategy, "strategy", "", "Merge strategy: hierarchical-first, target-first or parallel")
	sessionCreateCmd.Flags().StringVar(&sessionBase, "base", "", "Branch to cut the session from (default: today's daily branch)")
	sessionCreateCmd.Flags().StringVar(&sessionInitials, "initials", "", "Developer initials")
	sessionCreateCmd.Flags().BoolVar(&sessionNoAutoMerge, "no-auto-merge", false, "Keep the branch on close instead of merging")
	sessionCreateCmd.Flags().BoolVar(&sessionJSON, "json", false, "Print the session record as JSON")
	_ = sessionCreateCmd.MarkFlagRequired("task")

	sessionListCmd.Flags().StringVar(&sessionStatus, "status", "", "Filter by status: active, paused, orphaned")
	sessionListCmd.Flags().StringVarP(&sessionAgent, "agent", "a", "", "Filter by agent kind")
	sessionListCmd.Flags().BoolVar(&sessionProbe, "probe", false, "Check whether an agent process is running in each worktree")
	sessionListCmd.Flags().BoolVar(&sessionJSON, "json", false, "Print sessions as JSON")

	sessionCloseCmd.Flags().StringVar(&sessionStrategy, "strategy", "", "Override the session's merge strategy")
	sessionCloseCmd.Flags().BoolVar(&sessionJSON, "json", false, "Print the close result as JSON")

	sessionSweepCmd.Flags().DurationVar(&sessionMaxAge, "max-age", 0, "Lock age before a record counts as stale (default: coordination.staleLockMinutes)")

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionCloseCmd)
	sessionCmd.AddCommand(sessionPauseCmd)
	sessionCmd.AddCommand(sessionResumeCmd)
	sessionCmd.AddCommand(sessionSweepCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionCreateRun(ctx context.Context) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	agentName := agent.Resolve(sessionAgent)

	opts := registry.CreateOptions{
		Task:              sessionTask,
		Agent:             agentName,
		DeveloperInitials: sessionInitials,
		Base:              sessionBase,
		PID:               os.Getppid(),
	}
	if sessionTarget != "" || sessionStrategy != "" || sessionNoAutoMerge {
		opts.MergeConfig = &models.MergeConfig{
			AutoMerge:    !sessionNoAutoMerge,
			TargetBranch: sessionTarget,
			Strategy:     sessionStrategy,
		}
	}

	if dryRun {
		ui.DryRunMsg("Would create a %s session for %q", agentName, sessionTask)
		return nil
	}

	s, err := a.registry.CreateSession(ctx, opts)
	if err != nil {
		return err
	}
	if sessionJSON {
		return printJSON(s)
	}

	ui.Success("Session %s created", output.Cyan(s.SessionID))
	fmt.Fprintf(ui.Out, "  Agent:     %s\n", s.AgentType)
	fmt.Fprintf(ui.Out, "  Branch:    %s (from %s)\n", s.BranchName, s.BaseBranch)
	fmt.Fprintf(ui.Out, "  Worktree:  %s\n", s.WorktreePath)
	fmt.Fprintf(ui.Out, "  Merges to: %s (%s)\n", s.MergeConfig.TargetBranch, s.MergeConfig.Strategy)
	fmt.Fprintln(ui.Out)
	ui.Info("cd %s", s.WorktreePath)
	return nil
}

func sessionListRun(ctx context.Context) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	status := models.SessionStatus(sessionStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("invalid status %q", sessionStatus)
	}
	sessions, err := a.registry.ListSessions(registry.Filter{Status: status, Agent: sessionAgent})
	if err != nil {
		return err
	}
	if sessionJSON {
		if sessions == nil {
			sessions = []*models.Session{}
		}
		return printJSON(sessions)
	}
	if len(sessions) == 0 {
		ui.Info("No sessions")
		return nil
	}

	headers := []string{"ID", "Agent", "Branch", "Status", "Age", "Task"}
	var probe agent.ProcessDetector
	if sessionProbe {
		probe = &agent.OSProcessDetector{}
		headers = append(headers, "Running")
	}
	threshold := a.cfg.BranchManagement.OrphanSessionThresholdDays
	now := time.Now()

	table := ui.Table(headers)
	for _, s := range sessions {
		row := []string{
			output.Cyan(s.SessionID),
			s.AgentType,
			s.BranchName,
			output.SessionStatusColor(string(s.Status)),
			output.AgeColor(s.AgeDays(now), threshold),
			truncate(s.Task, 40),
		}
		if !registry.WorktreeExists(s) {
			row[2] += output.Faint(" (no worktree)")
		}
		if probe != nil {
			running := output.Faint("no")
			if probe.RunningIn(s.WorktreePath) {
				running = output.Green("yes")
			}
			row = append(row, running)
		}
		_ = table.Append(row)
	}
	_ = table.Render()
	return nil
}

func sessionCloseRun(ctx context.Context, args []string) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	s, err := resolveSession(a, args)
	if err != nil {
		return err
	}

	res, err := a.merge.Close(ctx, s, merge.CloseOptions{
		Strategy: sessionStrategy,
		DryRun:   dryRun,
		Reason:   "session closed",
	})
	if res != nil {
		if sessionJSON {
			if jerr := printJSON(res); jerr != nil {
				return jerr
			}
		} else {
			printCloseResult(res)
		}
	}
	return err
}

func printCloseResult(res *merge.Result) {
	if res.Committed {
		ui.Step("Committed pending work on %s", res.Branch)
	}
	if res.BranchMissing {
		ui.Warning("Branch %s no longer exists; cleaning up the record only", res.Branch)
	}
	if len(res.Targets) > 0 {
		table := ui.Table([]string{"Target", "Outcome", "Detail"})
		for _, t := range res.Targets {
			detail := t.Reason
			if len(t.Files) > 0 {
				detail = strings.Join(t.Files, ", ")
			}
			if t.Pushed {
				detail = strings.TrimSpace(detail + " pushed")
			}
			_ = table.Append([]string{t.Target, output.OutcomeColor(string(t.Outcome)), detail})
		}
		_ = table.Render()
	}
	switch {
	case ui.DryRun:
		ui.DryRunMsg("Would merge %s with strategy %s", res.Branch, res.Strategy)
	case res.Closed:
		ui.Success("Session %s closed (%d declarations released)", res.SessionID, res.Released)
	default:
		ui.Warning("Session %s kept; resolve the conflict in its worktree and close again", res.SessionID)
	}
}

func sessionSetStatusRun(ctx context.Context, args []string, status models.SessionStatus) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	s, err := resolveSession(a, args)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would mark session %s %s", s.SessionID, status)
		return nil
	}
	if _, err := a.registry.SetStatus(s.SessionID, status); err != nil {
		return err
	}
	ui.Success("Session %s is now %s", s.SessionID, output.SessionStatusColor(string(status)))
	return nil
}

func sessionSweepRun(ctx context.Context) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	res, err := a.registry.SweepStale(ctx, sessionMaxAge, dryRun)
	if err != nil {
		return err
	}
	for _, s := range res.Removed {
		if dryRun {
			ui.DryRunMsg("Would remove stale lock %s (%s)", s.SessionID, s.BranchName)
		} else {
			ui.Step("Removed stale lock %s (%s)", s.SessionID, s.BranchName)
		}
	}
	ui.Info("%d stale, %d kept", len(res.Removed), res.Kept)
	return nil
}

// resolveSession returns the session named in args, or the one whose
// worktree contains the working directory.
func resolveSession(a *app, args []string) (*models.Session, error) {
	if len(args) > 0 {
		return a.registry.Get(args[0])
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return a.registry.FindByPath(wd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(ui.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
