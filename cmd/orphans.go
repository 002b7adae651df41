package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/orphan"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/output"
)

var (
	orphansAll    bool
	orphansSelect bool
	orphansIDs    []string
	orphansJSON   bool
)

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "Find and reclaim sessions inactive past the orphan threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		return orphansListRun(cmd.Context())
	},
}

var orphansListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List orphan sessions, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return orphansListRun(cmd.Context())
	},
}

var orphansCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Merge and remove orphan sessions",
	Long: `Merge each selected orphan's branch into its targets, then delete the
branch, worktree and lock and release its declarations. An orphan whose
merge conflicts is kept.

With --all every orphan is reclaimed. With --select the orphans named by
--id are reclaimed, or an interactive picker is shown when none are named.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return orphansCleanupRun(cmd.Context())
	},
}

func init() {
	orphansListCmd.Flags().BoolVar(&orphansJSON, "json", false, "Print orphans as JSON")
	orphansCleanupCmd.Flags().BoolVar(&orphansAll, "all", false, "Reclaim every orphan")
	orphansCleanupCmd.Flags().BoolVar(&orphansSelect, "select", false, "Reclaim a chosen subset")
	orphansCleanupCmd.Flags().StringSliceVar(&orphansIDs, "id", nil, "Session ID to reclaim (repeatable, implies --select)")
	orphansCleanupCmd.Flags().BoolVar(&orphansJSON, "json", false, "Print the cleanup report as JSON")
	orphansCleanupCmd.MarkFlagsMutuallyExclusive("all", "select")

	orphansCmd.AddCommand(orphansListCmd)
	orphansCmd.AddCommand(orphansCleanupCmd)
	rootCmd.AddCommand(orphansCmd)
}

func orphansListRun(ctx context.Context) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	orphans, err := a.orphans.FindOrphans(ctx)
	if err != nil {
		return err
	}
	if orphansJSON {
		if orphans == nil {
			orphans = []orphan.Orphan{}
		}
		return printJSON(orphans)
	}
	if len(orphans) == 0 {
		ui.Success("No sessions older than %d days", a.cfg.BranchManagement.OrphanSessionThresholdDays)
		return nil
	}
	printOrphans(orphans, a.cfg.BranchManagement.OrphanSessionThresholdDays)
	return nil
}

func printOrphans(orphans []orphan.Orphan, threshold int) {
	table := ui.Table([]string{"ID", "Agent", "Branch", "Age", "Task"})
	for _, o := range orphans {
		branch := o.Session.BranchName
		if o.BranchMissing {
			branch = output.Faint(branch + " (missing)")
		}
		_ = table.Append([]string{
			output.Cyan(o.Session.SessionID),
			o.Session.AgentType,
			branch,
			output.AgeColor(o.AgeDays, threshold),
			truncate(o.Session.Task, 40),
		})
	}
	_ = table.Render()
}

func orphansCleanupRun(ctx context.Context) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}

	mode := orphan.ModeListOnly
	var sel orphan.Selector
	switch {
	case orphansAll:
		mode = orphan.ModeAll
	case len(orphansIDs) > 0:
		mode, sel = orphan.ModeSelect, orphan.IDs(orphansIDs)
	case orphansSelect:
		mode, sel = orphan.ModeSelect, a.prompt
	}
	if dryRun {
		mode = orphan.ModeListOnly
	}

	report, err := a.orphans.CleanupOrphans(ctx, mode, sel)
	if err != nil {
		return err
	}
	if orphansJSON {
		return printJSON(report)
	}

	if mode == orphan.ModeListOnly {
		if len(report.Orphans) == 0 {
			ui.Success("No orphan sessions")
			return nil
		}
		printOrphans(report.Orphans, a.cfg.BranchManagement.OrphanSessionThresholdDays)
		if dryRun {
			ui.DryRunMsg("Would reclaim up to %d session(s)", len(report.Orphans))
		} else {
			ui.Info("Pass --all or --select to reclaim them")
		}
		return nil
	}

	for _, o := range report.Outcomes {
		switch {
		case o.Cleaned && o.BranchMissing:
			ui.Success("%s: branch gone, record removed", o.SessionID)
		case o.Cleaned:
			ui.Success("%s: merged and removed", o.SessionID)
		default:
			ui.Error("%s: kept (%s)", o.SessionID, o.Error)
		}
	}
	if len(report.Untouched) > 0 {
		ui.VerboseLog("not selected: %v", report.Untouched)
	}
	if n := report.Failed(); n > 0 {
		return fmt.Errorf("%d orphan session(s) could not be reclaimed", n)
	}
	return nil
}
