package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/gittest"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/output"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/registry"
)

// testEnv points the commands at a fresh repository with isolated global
// config and captured output. It returns the repository root and stdout.
func testEnv(t *testing.T) (string, *bytes.Buffer) {
	t.Helper()
	root := gittest.NewRepo(t)
	globalDir := t.TempDir()

	origFunc := globalConfigDirFunc
	globalConfigDirFunc = func() (string, error) { return globalDir, nil }
	t.Cleanup(func() { globalConfigDirFunc = origFunc })

	viper.Reset()
	setGlobalDefaults()

	out := &bytes.Buffer{}
	ui = output.New()
	ui.Out = out
	ui.ErrOut = &bytes.Buffer{}

	repoFlag = root
	verbose, dryRun, assumeYes = false, false, false
	configForce, configGlobal = false, false
	sessionAgent, sessionStrategy, sessionTarget, sessionBase = "", "", "", ""
	sessionNoAutoMerge, sessionJSON = false, false
	coordSession, coordAgent, coordOperation, coordReason = "", "", "edit", ""
	coordReplace, coordJSON, coordCompleted = false, false, false
	orphansAll, orphansSelect, orphansIDs, orphansJSON = false, false, nil, false
	t.Setenv("DEVOPS_AGENT_AGENT", "")
	t.Setenv("DEVOPS_AGENT_TEST_TTY", "")

	t.Cleanup(func() {
		closeApp()
		repoFlag = ""
		dryRun = false
	})
	return root, out
}

func TestSessionLifecycle(t *testing.T) {
	root, out := testEnv(t)
	ctx := context.Background()

	sessionTask, sessionAgent = "add feature", "claude"
	require.NoError(t, sessionCreateRun(ctx))
	assert.Contains(t, out.String(), "created")

	sessions, err := current.registry.ListSessions(registry.Filter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, "claude", s.AgentType)
	assert.Equal(t, "main", s.BaseBranch)

	coordSession = s.SessionID
	require.NoError(t, coordDeclareRun(ctx, []string{"feature.txt"}))

	// another session cannot take the same file
	coordSession, coordAgent = "other", "cursor"
	err = coordDeclareRun(ctx, []string{"./feature.txt", "other.txt"})
	require.Error(t, err)
	assert.Equal(t, derrors.ExitCoordination, derrors.ExitCode(err))

	coordSession, coordAgent = s.SessionID, ""
	gittest.WriteFile(t, s.WorktreePath, "feature.txt", "feature\n")
	require.NoError(t, coordAuditRun(ctx))

	out.Reset()
	require.NoError(t, sessionCloseRun(ctx, []string{s.SessionID}))
	assert.Contains(t, out.String(), "closed")

	sessions, err = current.registry.ListSessions(registry.Filter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.NotContains(t, gittest.Branches(t, root), s.BranchName)
	assert.Equal(t, "feature", gittest.Git(t, root, "show", "main:feature.txt"))

	active, err := current.ledger.ListActive()
	require.NoError(t, err)
	assert.Empty(t, active)

	out.Reset()
	require.NoError(t, historyRun(ctx))
	assert.Contains(t, out.String(), "session.created")
}

func TestCoordAudit_UndeclaredChange(t *testing.T) {
	_, _ = testEnv(t)
	ctx := context.Background()

	sessionTask, sessionAgent = "audit", "claude"
	require.NoError(t, sessionCreateRun(ctx))
	sessions, err := current.registry.ListSessions(registry.Filter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	coordSession = sessions[0].SessionID
	require.NoError(t, coordDeclareRun(ctx, []string{"a.txt"}))
	gittest.WriteFile(t, sessions[0].WorktreePath, "b.txt", "b\n")

	err = coordAuditRun(ctx)
	require.Error(t, err)
	assert.Equal(t, derrors.ExitCoordination, derrors.ExitCode(err))
}

func TestSessionClose_DryRunKeepsEverything(t *testing.T) {
	root, _ := testEnv(t)
	ctx := context.Background()

	sessionTask, sessionAgent = "dry", "claude"
	require.NoError(t, sessionCreateRun(ctx))
	sessions, err := current.registry.ListSessions(registry.Filter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	dryRun, ui.DryRun = true, true
	require.NoError(t, sessionCloseRun(ctx, []string{sessions[0].SessionID}))

	assert.Contains(t, gittest.Branches(t, root), sessions[0].BranchName)
	_, err = current.registry.Get(sessions[0].SessionID)
	assert.NoError(t, err)
}

func TestRolloverCommand(t *testing.T) {
	root, out := testEnv(t)
	ctx := context.Background()

	require.NoError(t, rolloverRun(ctx))
	daily := current.rollover.TodayBranch()
	branches := gittest.Branches(t, root)
	assert.Contains(t, branches, "v0.20")
	assert.Contains(t, branches, daily)
	assert.Contains(t, out.String(), "Rolled over")

	// second run is a no-op
	out.Reset()
	require.NoError(t, rolloverRun(ctx))
	assert.Contains(t, out.String(), "current")

	out.Reset()
	require.NoError(t, rolloverStatusRun(ctx))
	assert.Contains(t, out.String(), daily)
}

func TestOrphansCleanup_DefaultsToListOnly(t *testing.T) {
	_, out := testEnv(t)
	require.NoError(t, orphansCleanupRun(context.Background()))
	assert.Contains(t, out.String(), "No orphan sessions")
}

func TestOrphansCleanup_SelectWithoutTTYPicksNothing(t *testing.T) {
	_, _ = testEnv(t)
	orphansSelect = true
	require.NoError(t, orphansCleanupRun(context.Background()))
}

func TestConsolidate_SkippedWhenNotDue(t *testing.T) {
	_, out := testEnv(t)
	consolidateIfDue = true
	t.Cleanup(func() { consolidateIfDue = false })

	a, err := loadApp(context.Background())
	require.NoError(t, err)
	if a.weekly.IsDue() {
		t.Skip("today is the configured cleanup day")
	}
	require.NoError(t, consolidateRun(context.Background()))
	assert.Contains(t, out.String(), "Skipped")
}

func TestLoadApp_ExcludesStateDirs(t *testing.T) {
	root, _ := testEnv(t)
	_, err := loadApp(context.Background())
	require.NoError(t, err)

	data := gittest.Git(t, root, "check-ignore", ".devops-agent/history.db", ".coordination/active/x.json")
	assert.Contains(t, data, ".devops-agent/history.db")
	assert.Contains(t, data, ".coordination/active/x.json")
}
