package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var naming = Naming{DailyPrefix: "daily/", WeeklyPrefix: "weekly/", VersionPrefix: "v0.", Target: "main"}

func day(s string) time.Time {
	d, _ := time.Parse(DateLayout, s)
	return d
}

func TestSessionStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		want     bool
	}{
		{SessionActive, SessionPaused, true},
		{SessionPaused, SessionActive, true},
		{SessionActive, SessionClosed, true},
		{SessionActive, SessionOrphaned, true},
		{SessionOrphaned, SessionClosed, true},
		{SessionOrphaned, SessionActive, false},
		{SessionClosed, SessionActive, false},
		{SessionClosed, SessionClosed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
	assert.False(t, SessionStatus("running").Valid())
}

func TestSession_JSONFieldNames(t *testing.T) {
	s := Session{
		SessionID: "a1b2c3d4", AgentType: "claude", Task: "fix login",
		WorktreePath: "/w", BranchName: "claude/a1b2c3d4/fix-login",
		Created: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC), Status: SessionActive,
		DeveloperInitials: "jd",
		MergeConfig:       MergeConfig{AutoMerge: true, TargetBranch: "main", Strategy: "parallel"},
	}
	data, err := json.Marshal(s)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, k := range []string{"sessionId", "agentType", "task", "worktreePath", "branchName", "created", "status", "developerInitials", "mergeConfig"} {
		assert.Contains(t, raw, k)
	}
	assert.Equal(t, "2026-10-16T09:00:00Z", raw["created"])
	assert.Equal(t, map[string]any{"autoMerge": true, "targetBranch": "main", "strategy": "parallel"}, raw["mergeConfig"])
	assert.NotContains(t, raw, "updated")
}

func TestSession_AgeDays(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	s := Session{Created: now.Add(-10 * 24 * time.Hour)}
	assert.Equal(t, 10, s.AgeDays(now))
	s.Created = now.Add(-(7*24*time.Hour - time.Minute))
	assert.Equal(t, 6, s.AgeDays(now))
}

func TestDeclaration_Holds(t *testing.T) {
	d := Declaration{Files: []string{"a.txt", "src/b.go"}}
	assert.True(t, d.Holds("src/b.go"))
	assert.False(t, d.Holds("c.txt"))
	assert.True(t, OperationCreate.Valid())
	assert.False(t, Operation("rename").Valid())
}

func TestNaming_Daily(t *testing.T) {
	name := naming.DailyName(day("2026-10-16"))
	assert.Equal(t, "daily/2026-10-16", name)
	d, ok := naming.ParseDaily(name)
	require.True(t, ok)
	assert.Equal(t, day("2026-10-16"), d)

	_, ok = naming.ParseDaily("daily/yesterday")
	assert.False(t, ok)
	_, ok = naming.ParseDaily("weekly/2026-10-16")
	assert.False(t, ok)
}

func TestNaming_Weekly(t *testing.T) {
	name := naming.WeeklyName(day("2026-10-05"), day("2026-10-11"))
	assert.Equal(t, "weekly/2026-10-05_to_2026-10-11", name)
	s, e, ok := naming.ParseWeekly(name)
	require.True(t, ok)
	assert.Equal(t, day("2026-10-05"), s)
	assert.Equal(t, day("2026-10-11"), e)

	_, _, ok = naming.ParseWeekly("weekly/2026-10-11_to_2026-10-05")
	assert.False(t, ok)
	_, _, ok = naming.ParseWeekly("weekly/2026-10-05")
	assert.False(t, ok)
}

func TestNaming_Version(t *testing.T) {
	assert.Equal(t, "v0.21", naming.VersionName(21))
	m, ok := naming.ParseVersion("v0.21")
	require.True(t, ok)
	assert.Equal(t, 21, m)
	_, ok = naming.ParseVersion("v0.x")
	assert.False(t, ok)
	_, ok = naming.ParseVersion("v1.2")
	assert.False(t, ok)
}

func TestNaming_Classify(t *testing.T) {
	assert.Equal(t, BranchTarget, naming.Classify("main").Kind)
	assert.Equal(t, BranchDaily, naming.Classify("daily/2026-10-16").Kind)
	assert.Equal(t, BranchWeekly, naming.Classify("weekly/2026-10-05_to_2026-10-11").Kind)
	v := naming.Classify("v0.22")
	assert.Equal(t, BranchVersion, v.Kind)
	assert.Equal(t, 22, v.Minor)
	assert.Equal(t, "main", v.Parent)
	assert.Equal(t, BranchOther, naming.Classify("feature/x").Kind)
}

func TestOverlaps(t *testing.T) {
	assert.True(t, Overlaps(day("2026-10-01"), day("2026-10-07"), day("2026-10-07"), day("2026-10-10")))
	assert.False(t, Overlaps(day("2026-10-01"), day("2026-10-07"), day("2026-10-08"), day("2026-10-10")))
}
