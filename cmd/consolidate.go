package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/output"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/weekly"
)

var (
	consolidateIfDue     bool
	consolidateForce     bool
	consolidatePruneOnly bool
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Fold the last seven days of daily branches into a weekly branch",
	Long: `Create a weekly branch covering the seven days that end yesterday, merge
each daily branch in that window into it oldest first, and delete the
folded dailies. Weekly branches beyond cleanup.retainWeeklyBranches are
pruned afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return consolidateRun(cmd.Context())
	},
}

func init() {
	consolidateCmd.Flags().BoolVar(&consolidateIfDue, "if-due", false, "Only run on the configured cleanup day")
	consolidateCmd.Flags().BoolVarP(&consolidateForce, "force", "f", false, "Run even when weekly consolidation is disabled")
	consolidateCmd.Flags().BoolVar(&consolidatePruneOnly, "prune-only", false, "Only apply weekly branch retention")
	rootCmd.AddCommand(consolidateCmd)
}

func consolidateRun(ctx context.Context) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	if consolidatePruneOnly {
		pruned, err := a.weekly.Prune(ctx, dryRun)
		printPruned(pruned)
		return err
	}

	res, err := a.weekly.Consolidate(ctx, weekly.Options{DryRun: dryRun, IfDue: consolidateIfDue, Force: consolidateForce})
	if res == nil {
		return err
	}
	if res.Skipped() {
		ui.Info("Skipped: %s", res.SkipReason)
		return err
	}

	ui.Info("Window %s .. %s -> %s", res.WindowStart.Format("2006-01-02"), res.WindowEnd.Format("2006-01-02"), output.Cyan(res.Weekly))
	for _, d := range res.Dailies {
		if dryRun {
			ui.DryRunMsg("Would fold %s", d)
		}
	}
	for _, d := range res.Folded {
		ui.Step("Folded %s", d)
	}
	if res.FailedOn != "" {
		ui.Error("Conflict folding %s; remaining dailies kept", res.FailedOn)
	}
	for _, d := range res.Deleted {
		ui.VerboseLog("deleted %s", d)
	}
	printPruned(res.Pruned)
	if err == nil && !dryRun {
		ui.Success("Consolidated %d daily branch(es) into %s", len(res.Folded), res.Weekly)
	}
	return err
}

func printPruned(pruned []string) {
	for _, b := range pruned {
		if dryRun {
			ui.DryRunMsg("Would prune %s", b)
		} else {
			ui.Step("Pruned %s", b)
		}
	}
}
