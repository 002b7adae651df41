// Package agent guesses which coding agent launched the current process.
// The guess is only used when the caller did not name an agent explicitly.
package agent

import (
	"os"
	"strings"
)

// Fallback is the identity used when nothing matches.
const Fallback = "agent"

// Identity is a detected agent kind and the signal it came from.
type Identity struct {
	Name   string
	Source string
}

type signal struct {
	env  string
	name string
}

// signals are checked in order; the first variable that is set wins.
var signals = []signal{
	{"DEVOPS_AGENT_AGENT", ""},
	{"CLAUDECODE", "claude"},
	{"CLAUDE_CODE_ENTRYPOINT", "claude"},
	{"CURSOR_TRACE_ID", "cursor"},
	{"CURSOR_AGENT", "cursor"},
	{"GEMINI_CLI", "gemini"},
	{"CODEX_SANDBOX", "codex"},
	{"AIDER_MODEL", "aider"},
	{"OPENCODE", "opencode"},
	{"WINDSURF_SESSION_ID", "windsurf"},
}

// Detect inspects the process environment.
func Detect() Identity {
	return DetectFrom(os.LookupEnv)
}

// DetectFrom inspects env. DEVOPS_AGENT_AGENT names the agent directly.
func DetectFrom(env func(string) (string, bool)) Identity {
	for _, s := range signals {
		v, ok := env(s.env)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		name := s.name
		if name == "" {
			name = strings.ToLower(strings.TrimSpace(v))
		}
		return Identity{Name: name, Source: s.env}
	}
	return Identity{Name: Fallback, Source: "default"}
}

// Resolve returns explicit when set, otherwise the detected identity name.
func Resolve(explicit string) string {
	if s := strings.TrimSpace(explicit); s != "" {
		return s
	}
	return Detect().Name
}
