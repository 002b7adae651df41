package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/output"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/rollover"
)

var (
	rolloverForce bool
	rolloverDir   string
)

var rolloverCmd = &cobra.Command{
	Use:   "rollover",
	Short: "Roll the previous day's work into a new version and daily branch",
	Long: `Check whether today's daily branch exists and, if not, run the forward
merge chain: previous version into the merge target, a new version branch
from the target, the previous daily into the new version, and today's daily
branch from the new version.

Progress is persisted after each step; an interrupted rollover resumes
where it stopped the next time it runs on the same day.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return rolloverRun(cmd.Context())
	},
}

var rolloverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the progress of the most recent rollover",
	RunE: func(cmd *cobra.Command, args []string) error {
		return rolloverStatusRun(cmd.Context())
	},
}

func init() {
	rolloverCmd.Flags().BoolVarP(&rolloverForce, "force", "f", false, "Build a plan even when today's daily branch exists")
	rolloverCmd.Flags().StringVar(&rolloverDir, "dir", "", "Working directory to switch onto the daily branch (default: repository root)")
	rolloverCmd.AddCommand(rolloverStatusCmd)
	rootCmd.AddCommand(rolloverCmd)
}

func rolloverRun(ctx context.Context) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	res, err := a.rollover.RolloverIfNewDay(ctx, rollover.Options{
		Dir:    rolloverDir,
		Force:  rolloverForce,
		DryRun: dryRun,
	})
	if res != nil {
		printRollover(res)
	}
	return err
}

func printRollover(res *rollover.Result) {
	if res.Plan != nil {
		if res.Resumed {
			ui.Info("Resuming rollover for %s", res.Plan.Date)
		}
		for _, step := range res.Plan.Steps() {
			if ui.DryRun {
				ui.DryRunMsg("Would %s", step)
			} else {
				ui.VerboseLog("%s", step)
			}
		}
	}
	for _, st := range res.Completed {
		ui.Step("%s", st)
	}
	if res.Switched != "" {
		ui.Info("Switched to %s", output.Cyan(res.Switched))
	}
	switch res.State {
	case rollover.StateNoRolloverNeeded:
		ui.Success("Daily branch is current")
	case rollover.StateDailyCreated:
		ui.Success("Rolled over to %s", output.Cyan(res.Plan.Daily))
	case rollover.StatePlanBuilt:
		if !ui.DryRun {
			ui.Warning("Rollover planned but not executed")
		}
	case rollover.StateFailed:
		ui.Error("Rollover failed; it resumes on the next run")
	}
}

func rolloverStatusRun(ctx context.Context) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	st, err := a.rollover.Status()
	if err != nil {
		return err
	}
	fmt.Fprintf(ui.Out, "  Today:        %s\n", a.rollover.TodayBranch())
	if st == nil || st.Plan == nil {
		fmt.Fprintf(ui.Out, "  Last plan:    %s\n", output.Faint("(none)"))
		return nil
	}
	fmt.Fprintf(ui.Out, "  Last plan:    %s (%s)\n", st.Plan.Date, st.Plan.ID)
	fmt.Fprintf(ui.Out, "  Version:      %s\n", st.Plan.NewVersion)
	fmt.Fprintf(ui.Out, "  Daily:        %s\n", st.Plan.Daily)
	fmt.Fprintf(ui.Out, "  State:        %s (reached %s)\n", st.State, st.Reached)
	fmt.Fprintf(ui.Out, "  Updated:      %s\n", st.UpdatedAt.Local().Format(time.DateTime))
	if st.Error != "" {
		fmt.Fprintf(ui.Out, "  Error:        %s\n", output.Red(st.Error))
	}
	if st.Incomplete() {
		ui.Warning("Rollover incomplete; run 'devops-agent rollover' to resume")
	}
	return nil
}
