package agent

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func envOf(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDetectFrom(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		want   string
		source string
	}{
		{"nothing set", nil, Fallback, "default"},
		{"claude", map[string]string{"CLAUDECODE": "1"}, "claude", "CLAUDECODE"},
		{"cursor", map[string]string{"CURSOR_TRACE_ID": "abc"}, "cursor", "CURSOR_TRACE_ID"},
		{"explicit override wins", map[string]string{"CLAUDECODE": "1", "DEVOPS_AGENT_AGENT": " Copilot "}, "copilot", "DEVOPS_AGENT_AGENT"},
		{"blank ignored", map[string]string{"CLAUDECODE": "  ", "GEMINI_CLI": "1"}, "gemini", "GEMINI_CLI"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := DetectFrom(envOf(tt.env))
			assert.Equal(t, tt.want, id.Name)
			assert.Equal(t, tt.source, id.Source)
		})
	}
}

func TestResolve(t *testing.T) {
	assert.Equal(t, "cursor", Resolve(" cursor "))

	t.Setenv("DEVOPS_AGENT_AGENT", "aider")
	assert.Equal(t, "aider", Resolve(""))
}

func TestWithin(t *testing.T) {
	root := t.TempDir()
	assert.True(t, within(root, root))
	assert.True(t, within(filepath.Join(root, "pkg", "x"), root))
	assert.False(t, within(root+"-other", root))
	assert.False(t, within("", root))
}
