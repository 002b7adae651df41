package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/output"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/store"
)

var (
	historyKind    string
	historySession string
	historyLimit   int
	historyJSON    bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded coordination events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return historyRun(cmd.Context())
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyKind, "kind", "", "Filter by event kind (e.g. merge, rollover, coord.declare)")
	historyCmd.Flags().StringVarP(&historySession, "session", "s", "", "Filter by session ID")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Max events to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print events as JSON")
	rootCmd.AddCommand(historyCmd)
}

func historyRun(ctx context.Context) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	events, err := a.history.ListEvents(ctx, store.EventFilter{
		Kind:      store.EventKind(historyKind),
		SessionID: historySession,
		Limit:     historyLimit,
	})
	if err != nil {
		return err
	}
	if historyJSON {
		if events == nil {
			events = []*store.Event{}
		}
		return printJSON(events)
	}
	if len(events) == 0 {
		ui.Info("No events recorded")
		return nil
	}

	table := ui.Table([]string{"When", "Kind", "Session", "Branch", "Target", "Outcome", "Detail"})
	for _, e := range events {
		_ = table.Append([]string{
			e.CreatedAt.Local().Format("2006-01-02 15:04"),
			string(e.Kind),
			e.SessionID,
			e.Branch,
			e.Target,
			output.OutcomeColor(e.Outcome),
			truncate(e.Detail, 40),
		})
	}
	_ = table.Render()
	return nil
}
