package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/agent"
	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/ledger"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/models"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/output"
)

var (
	coordSession   string
	coordAgent     string
	coordOperation string
	coordReason    string
	coordEstimate  int
	coordReplace   bool
	coordJSON      bool
	coordCompleted bool
)

var coordCmd = &cobra.Command{
	Use:     "coord",
	Aliases: []string{"files"},
	Short:   "Declare and inspect file edit intents",
	Long: `Agents declare the files they are about to edit before touching them.
A declaration that overlaps another session's is rejected with the list of
conflicting files and their holders (exit code 4). Declarations last until
the owning session closes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return coordStatusRun(cmd.Context())
	},
}

var coordDeclareCmd = &cobra.Command{
	Use:   "declare <file>...",
	Short: "Declare files this session is about to edit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return coordDeclareRun(cmd.Context(), args)
	},
}

var coordReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release this session's declaration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return coordReleaseRun(cmd.Context())
	},
}

var coordCheckCmd = &cobra.Command{
	Use:   "check <file>...",
	Short: "Report whether files are free to declare",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return coordCheckRun(cmd.Context(), args)
	},
}

var coordStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List active declarations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return coordStatusRun(cmd.Context())
	},
}

var coordAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Compare a session's changes with its declaration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return coordAuditRun(cmd.Context())
	},
}

func init() {
	for _, c := range []*cobra.Command{coordDeclareCmd, coordReleaseCmd, coordAuditCmd} {
		c.Flags().StringVarP(&coordSession, "session", "s", "", "Session ID (default: session owning the current directory)")
		c.Flags().StringVarP(&coordAgent, "agent", "a", "", "Agent kind (default: the session's agent)")
	}
	coordDeclareCmd.Flags().StringVar(&coordOperation, "operation", "edit", "edit, create or delete")
	coordDeclareCmd.Flags().StringVarP(&coordReason, "reason", "r", "", "Why these files are needed")
	coordDeclareCmd.Flags().IntVar(&coordEstimate, "estimate", 0, "Estimated duration in seconds")
	coordDeclareCmd.Flags().BoolVar(&coordReplace, "replace", false, "Replace the declared set instead of extending it")
	coordReleaseCmd.Flags().StringVarP(&coordReason, "reason", "r", "released manually", "Release reason")
	coordCheckCmd.Flags().BoolVar(&coordJSON, "json", false, "Print availability as JSON")
	coordStatusCmd.Flags().BoolVar(&coordJSON, "json", false, "Print declarations as JSON")
	coordStatusCmd.Flags().BoolVar(&coordCompleted, "completed", false, "List released declarations instead")
	coordAuditCmd.Flags().BoolVar(&coordJSON, "json", false, "Print the audit report as JSON")

	coordCmd.AddCommand(coordDeclareCmd)
	coordCmd.AddCommand(coordReleaseCmd)
	coordCmd.AddCommand(coordCheckCmd)
	coordCmd.AddCommand(coordStatusCmd)
	coordCmd.AddCommand(coordAuditCmd)
	rootCmd.AddCommand(coordCmd)
}

// coordIdentity resolves the (agent, session) pair for a ledger call. The
// session owning the working directory supplies defaults for both.
func coordIdentity(a *app) (agentName, session string, s *models.Session, err error) {
	agentName, session = coordAgent, coordSession
	if session != "" {
		s, err = a.registry.Get(session)
		if err != nil && !derrors.Is(err, derrors.KindMissing) {
			return "", "", nil, err
		}
	} else {
		wd, werr := os.Getwd()
		if werr != nil {
			return "", "", nil, werr
		}
		s, err = a.registry.FindByPath(wd)
		if err != nil {
			return "", "", nil, fmt.Errorf("no --session given and %s is not a session worktree", wd)
		}
		session = s.SessionID
	}
	if agentName == "" {
		if s != nil {
			agentName = s.AgentType
		} else {
			agentName = agent.Resolve("")
		}
	}
	return agentName, session, s, nil
}

func coordDeclareRun(ctx context.Context, files []string) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	agentName, session, _, err := coordIdentity(a)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would declare %s for %s/%s", strings.Join(files, ", "), agentName, session)
		return nil
	}

	d, err := a.ledger.Declare(ctx, ledger.DeclareRequest{
		Agent:             agentName,
		Session:           session,
		Files:             files,
		Operation:         models.Operation(coordOperation),
		Reason:            coordReason,
		EstimatedDuration: coordEstimate,
		Replace:           coordReplace,
	})
	var cc *derrors.CoordinationConflictError
	if errors.As(err, &cc) {
		ui.Error("Declaration rejected: files held by other sessions")
		table := ui.Table([]string{"File", "Agent", "Session"})
		for _, c := range cc.Conflicts {
			_ = table.Append([]string{output.Red(c.File), c.Agent, c.Session})
		}
		_ = table.Render()
		return err
	}
	if err != nil {
		return err
	}
	ui.Success("Declared %d file(s) for %s/%s", len(d.Files), d.Agent, d.Session)
	for _, f := range d.Files {
		ui.VerboseLog("%s", f)
	}
	return nil
}

func coordReleaseRun(ctx context.Context) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	agentName, session, _, err := coordIdentity(a)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would release the declaration of %s/%s", agentName, session)
		return nil
	}
	d, err := a.ledger.Release(ctx, agentName, session, coordReason)
	if err != nil {
		return err
	}
	ui.Success("Released %d file(s) for %s/%s", len(d.Files), agentName, session)
	return nil
}

func coordCheckRun(ctx context.Context, files []string) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	avail, err := a.ledger.CheckAvailability(files)
	if err != nil {
		return err
	}
	if coordJSON {
		return printJSON(avail)
	}
	table := ui.Table([]string{"File", "Status", "Held by"})
	for _, av := range avail {
		if av.Available {
			_ = table.Append([]string{av.File, output.Green("free"), ""})
			continue
		}
		_ = table.Append([]string{av.File, output.Red("held"), av.Agent + "/" + av.Session})
	}
	_ = table.Render()
	return nil
}

func coordStatusRun(ctx context.Context) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	list := a.ledger.ListActive
	if coordCompleted {
		list = a.ledger.ListCompleted
	}
	decls, err := list()
	if err != nil {
		return err
	}
	if coordJSON {
		if decls == nil {
			decls = []*models.Declaration{}
		}
		return printJSON(decls)
	}
	if len(decls) == 0 {
		ui.Info("No declarations")
		return nil
	}
	now := time.Now()
	table := ui.Table([]string{"Agent", "Session", "Op", "Files", "Since", "Reason"})
	for _, d := range decls {
		_ = table.Append([]string{
			d.Agent,
			output.Cyan(d.Session),
			string(d.Operation),
			strings.Join(d.Files, ", "),
			now.Sub(d.DeclaredAt).Round(time.Minute).String(),
			truncate(d.Reason, 30),
		})
	}
	_ = table.Render()
	return nil
}

func coordAuditRun(ctx context.Context) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	agentName, session, s, err := coordIdentity(a)
	if err != nil {
		return err
	}
	if s == nil {
		return derrors.Missing("session", session)
	}
	changed, err := a.repo.ChangedFiles(ctx, s.WorktreePath, s.BaseBranch)
	if err != nil {
		return err
	}
	report, err := a.ledger.Audit(agentName, session, changed)
	if err != nil {
		return err
	}
	if coordJSON {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		ui.Info("%d declared, %d changed", len(report.Declared), len(report.Changed))
		for _, f := range report.Undeclared {
			ui.Error("changed without declaration: %s", f)
		}
		for _, f := range report.Unused {
			ui.VerboseLog("declared, untouched: %s", f)
		}
	}
	if !report.Clean() {
		return derrors.E(derrors.Op("coord.audit"), derrors.KindCoordination,
			fmt.Sprintf("%d undeclared change(s) in session %s", len(report.Undeclared), session))
	}
	if !coordJSON {
		ui.Success("Every change in %s was declared", session)
	}
	return nil
}
