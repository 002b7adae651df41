package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/agent"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/daemon"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/logger"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/models"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/output"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/watch"
)

var (
	watchDir       string
	watchSession   string
	watchDebounce  time.Duration
	watchHeartbeat time.Duration
	watchSweep     time.Duration
	watchPush      bool
	watchDaemon    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Auto-commit a worktree as files change",
	Long: `Watch a session worktree (or the repository) and, after each debounced
batch of file changes, run the daily rollover check, commit everything on
behalf of the session's agent and push the branch.

Inside a session worktree the session is detected automatically. With
--daemon the watcher detaches and records its pid under
.devops-agent/run/; stop it with 'devops-agent watch stop'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchRun(cmd)
	},
}

var watchStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a background watcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchStopRun(cmd.Context())
	},
}

var watchStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a background watcher is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchStatusRun(cmd.Context())
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchDir, "dir", "", "Directory to watch (default: current directory)")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", watch.DefaultDebounce, "Quiet period before a change batch is committed")
	watchCmd.Flags().DurationVar(&watchHeartbeat, "heartbeat", time.Minute, "Session lock refresh interval")
	watchCmd.Flags().DurationVar(&watchSweep, "orphan-sweep", time.Hour, "Interval between orphan cleanups when cleanup.autoCleanupOrphans is on")
	watchCmd.Flags().BoolVar(&watchPush, "push", true, "Push the branch after each commit (default: rollover.push)")
	watchCmd.Flags().BoolVarP(&watchDaemon, "daemon", "d", false, "Run in the background")
	watchCmd.PersistentFlags().StringVarP(&watchSession, "session", "s", "", "Session to watch (default: detected from the directory)")

	watchCmd.AddCommand(watchStopCmd)
	watchCmd.AddCommand(watchStatusCmd)
	rootCmd.AddCommand(watchCmd)
}

// watchTarget resolves the directory to watch and the session owning it.
func watchTarget(a *app) (string, *models.Session, error) {
	if watchSession != "" {
		s, err := a.registry.Get(watchSession)
		if err != nil {
			return "", nil, err
		}
		return s.WorktreePath, s, nil
	}
	dir := watchDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", nil, err
		}
		dir = wd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", nil, err
	}
	if s, err := a.registry.FindByPath(dir); err == nil {
		return s.WorktreePath, s, nil
	}
	return dir, nil, nil
}

func watchRun(cmd *cobra.Command) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	dir, s, err := watchTarget(a)
	if err != nil {
		return err
	}

	opts := watch.Options{
		Dir:            dir,
		Root:           a.cfg.RepoRoot,
		Agent:          agent.Resolve(""),
		Push:           a.cfg.Rollover.Push && a.repo.HasRemote(ctx),
		HeartbeatEvery: watchHeartbeat,
	}
	if cmd.Flags().Changed("push") {
		opts.Push = watchPush
	}
	var sessionID string
	if s != nil {
		sessionID = s.SessionID
		opts.SessionID, opts.Agent, opts.Task = s.SessionID, s.AgentType, s.Task
	}
	pf := daemon.NewPIDFile(daemon.WatchPIDPath(a.cfg.StateDir(), sessionID))

	if watchDaemon {
		return startWatchDaemon(a, pf, sessionID)
	}
	if dryRun {
		ui.DryRunMsg("Would watch %s for %s (push: %v)", dir, opts.Agent, opts.Push)
		return nil
	}

	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Remove() }()

	log := logger.ComponentLogger("watch")
	if sessionID != "" {
		log = logger.WithSession(sessionID).With("component", "watch")
	}
	loop := watch.NewLoop(opts, a.registry, a.rollover, a.committer, a.repo, log)
	if a.cfg.Cleanup.AutoCleanupOrphans {
		loop.SetReclaimer(a.orphans, watchSweep)
	}
	notifier := watch.NewNotifier(dir, watchDebounce, []string{a.cfg.StateDir(), a.cfg.CoordinationDir()}, log)

	ui.Info("Watching %s", output.Cyan(dir))
	if sessionID != "" {
		ui.Info("Session %s (%s): %s", sessionID, opts.Agent, opts.Task)
	}
	ui.Info("Press Ctrl+C to stop")
	if err := loop.Run(ctx, notifier); err != nil && ctx.Err() == nil {
		return err
	}
	ui.Info("Watcher stopped")
	return nil
}

// startWatchDaemon re-executes this command detached, without --daemon.
func startWatchDaemon(a *app, pf *daemon.PIDFile, sessionID string) error {
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("watcher already running (pid %d)", pid)
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	var args []string
	for _, arg := range os.Args[1:] {
		if arg == "--daemon" || arg == "-d" || arg == "--daemon=true" {
			continue
		}
		args = append(args, arg)
	}
	if sessionID != "" && watchSession == "" {
		args = append(args, "--session", sessionID)
	}

	if dryRun {
		ui.DryRunMsg("Would start %s %v in the background", exe, args)
		return nil
	}

	outPath := filepath.Join(a.cfg.StateDir(), "logs", filepath.Base(pf.Path)+".out")
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	child := exec.Command(exe, args...)
	child.Stdout = out
	child.Stderr = out
	child.Dir = a.cfg.RepoRoot
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	if err := pf.WritePID(child.Process.Pid); err != nil {
		return err
	}
	_ = child.Process.Release()

	ui.Success("Watcher started (pid %d)", child.Process.Pid)
	ui.Info("Output: %s", outPath)
	return nil
}

func watchPIDFile(ctx context.Context) (*daemon.PIDFile, error) {
	a, err := loadApp(ctx)
	if err != nil {
		return nil, err
	}
	id := watchSession
	if id == "" {
		if wd, err := os.Getwd(); err == nil {
			if s, err := a.registry.FindByPath(wd); err == nil {
				id = s.SessionID
			}
		}
	}
	return daemon.NewPIDFile(daemon.WatchPIDPath(a.cfg.StateDir(), id)), nil
}

func watchStopRun(ctx context.Context) error {
	pf, err := watchPIDFile(ctx)
	if err != nil {
		return err
	}
	pid, running := pf.IsRunning()
	if !running {
		_ = pf.Remove()
		ui.Info("No watcher running")
		return nil
	}
	if dryRun {
		ui.DryRunMsg("Would stop watcher pid %d", pid)
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("signal watcher: %w", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for daemon.ProcessAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if daemon.ProcessAlive(pid) {
		ui.Warning("Watcher did not exit, killing pid %d", pid)
		if err := pf.Signal(sigKILL()); err != nil {
			return err
		}
	}
	_ = pf.Remove()
	ui.Success("Watcher stopped (pid %d)", pid)
	return nil
}

func watchStatusRun(ctx context.Context) error {
	pf, err := watchPIDFile(ctx)
	if err != nil {
		return err
	}
	if pid, running := pf.IsRunning(); running {
		ui.Success("Watcher running (pid %d)", pid)
		return nil
	}
	ui.Info("No watcher running")
	return nil
}
