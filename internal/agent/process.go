package agent

import (
	"os/exec"
	"path/filepath"
	"strings"
)

// Binaries are the process names treated as coding agents.
var Binaries = []string{"claude", "cursor-agent", "gemini", "codex", "aider", "opencode"}

// ProcessDetector checks whether an agent process is working in a directory.
type ProcessDetector interface {
	RunningIn(worktreePath string) bool
}

// OSProcessDetector uses pgrep + lsof (macOS/Linux).
type OSProcessDetector struct{}

// RunningIn returns true if an agent process has its cwd at or under
// worktreePath.
func (d *OSProcessDetector) RunningIn(worktreePath string) bool {
	absWT, err := filepath.Abs(worktreePath)
	if err != nil {
		return false
	}
	for _, bin := range Binaries {
		out, err := exec.Command("pgrep", "-x", bin).Output()
		if err != nil {
			continue
		}
		for pid := range strings.FieldsSeq(strings.TrimSpace(string(out))) {
			if within(getCwd(pid), absWT) {
				return true
			}
		}
	}
	return false
}

func within(cwd, root string) bool {
	if cwd == "" {
		return false
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return false
	}
	return abs == root || strings.HasPrefix(abs, root+string(filepath.Separator))
}

// getCwd resolves the current working directory of a process via lsof.
func getCwd(pid string) string {
	out, err := exec.Command("lsof", "-a", "-p", pid, "-d", "cwd", "-Fn").Output()
	if err != nil {
		return ""
	}
	for line := range strings.SplitSeq(string(out), "\n") {
		if strings.HasPrefix(line, "n") && !strings.HasPrefix(line, "n ") {
			return line[1:]
		}
	}
	return ""
}
