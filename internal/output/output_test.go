package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestInfo(t *testing.T) {
	u, out, _ := newTestUI()
	u.Info("hello %s", "world")
	assert.Contains(t, out.String(), "hello world")
}

func TestSuccess(t *testing.T) {
	u, out, _ := newTestUI()
	u.Success("done %d", 42)
	assert.Contains(t, out.String(), "done 42")
}

func TestWarning(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Warning("careful %s", "now")
	assert.Contains(t, errOut.String(), "careful now")
}

func TestError(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Error("failed %s", "badly")
	assert.Contains(t, errOut.String(), "failed badly")
}

func TestVerboseLog_Enabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = true
	u.VerboseLog("detail %d", 1)
	assert.Contains(t, out.String(), "detail 1")
}

func TestVerboseLog_Disabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = false
	u.VerboseLog("detail %d", 1)
	assert.Empty(t, out.String())
}

func TestDryRunMsg_Enabled(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRun = true
	u.DryRunMsg("would create %s", "file")
	assert.Contains(t, errOut.String(), "[DRY-RUN]")
	assert.Contains(t, errOut.String(), "would create file")
}

func TestDryRunMsg_Disabled(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRun = false
	u.DryRunMsg("would create %s", "file")
	assert.Empty(t, errOut.String())
}

func TestStep(t *testing.T) {
	u, out, _ := newTestUI()
	u.Step("merge %s into %s", "daily/2026-10-15", "v0.21")
	assert.Contains(t, out.String(), "merge daily/2026-10-15 into v0.21")
}

func TestColorHelpers(t *testing.T) {
	assert.NotEmpty(t, Cyan("test"))
	assert.NotEmpty(t, Green("test"))
	assert.NotEmpty(t, Yellow("test"))
	assert.NotEmpty(t, Red("test"))
	assert.NotEmpty(t, Faint("test"))
}

func TestSessionStatusColor(t *testing.T) {
	for _, s := range []string{"active", "paused", "orphaned", "closed"} {
		assert.Contains(t, SessionStatusColor(s), s)
	}
	assert.Equal(t, "unknown", SessionStatusColor("unknown"))
}

func TestOutcomeColor(t *testing.T) {
	for _, s := range []string{"success", "skipped", "conflict"} {
		assert.Contains(t, OutcomeColor(s), s)
	}
	assert.Equal(t, "pending", OutcomeColor("pending"))
}

func TestAgeColor(t *testing.T) {
	assert.Contains(t, AgeColor(10, 7), "10d")
	assert.Contains(t, AgeColor(4, 7), "4d")
	assert.Contains(t, AgeColor(1, 7), "1d")
	assert.Contains(t, AgeColor(3, 0), "3d")
}

func TestTable(t *testing.T) {
	u, out, _ := newTestUI()
	table := u.Table([]string{"Session", "Status"})
	require.NotNil(t, table)

	table.Append([]string{"a1b2c3d4", "active"})
	table.Append([]string{"e5f6a7b8", "paused"})
	err := table.Render()
	require.NoError(t, err)

	result := out.String()
	assert.True(t, strings.Contains(result, "a1b2c3d4"), "table output should contain session ids")
	assert.True(t, strings.Contains(result, "e5f6a7b8"), "table output should contain session ids")
}
