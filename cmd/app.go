package cmd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/commit"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/config"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/git"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/ledger"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/logger"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/merge"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/orphan"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/prompt"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/registry"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/rollover"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/store"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/weekly"
)

// app holds the engines for one invocation, wired against one repository.
type app struct {
	cfg       *config.Config
	repo      *git.Repo
	history   store.History
	prompt    prompt.Prompter
	committer *commit.Committer
	rollover  *rollover.Engine
	registry  *registry.Registry
	ledger    *ledger.Ledger
	merge     *merge.Orchestrator
	weekly    *weekly.Consolidator
	orphans   *orphan.Reclaimer
}

var current *app

// repoDir returns --repo or the working directory.
func repoDir() (string, error) {
	if repoFlag != "" {
		return filepath.Abs(repoFlag)
	}
	return os.Getwd()
}

// loadConfig resolves the main worktree and loads its project settings.
func loadConfig(ctx context.Context) (*config.Config, error) {
	dir, err := repoDir()
	if err != nil {
		return nil, err
	}
	root, err := git.MainWorktreeRoot(ctx, dir)
	if err != nil {
		return nil, err
	}
	return config.Load(root)
}

// loadApp builds the shared engines on first call.
func loadApp(ctx context.Context) (*app, error) {
	if current != nil {
		return current, nil
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	initLogger(cfg)
	log := logger.Get()

	repo := git.New(cfg.RepoRoot, cfg.Rollover.Remote, log)
	repo.SetMainLock(filepath.Join(cfg.CoordinationDir(), git.MainLockName))
	excludes := []string{config.SettingsDir + "/"}
	if !filepath.IsAbs(cfg.Coordination.Dir) {
		excludes = append(excludes, filepath.ToSlash(cfg.Coordination.Dir)+"/")
	}
	if err := repo.EnsureExcluded(ctx, excludes...); err != nil {
		ui.Warning("Could not update .git/info/exclude: %v", err)
	}

	a := &app{cfg: cfg, repo: repo, history: openHistory(ctx, cfg)}
	a.prompt = prompt.New(assumeYes || cfg.Automation.AutoConfirm)
	a.committer = commit.FromConfig(cfg, repo, log)

	a.rollover = rollover.New(cfg, repo, a.history, log)
	a.rollover.SetConfirmer(a.prompt)
	a.rollover.SetCommitter(a.committer)

	a.ledger = ledger.New(cfg, a.history, log)
	a.registry = registry.New(cfg, repo, a.history, log)
	a.registry.SetBaseResolver(a.rollover)
	a.registry.SetReleaser(a.ledger)

	a.merge = merge.New(cfg, repo, a.registry, a.ledger, a.rollover, a.history, log)
	a.merge.SetCommitter(a.committer)
	a.weekly = weekly.New(cfg, repo, a.history, log)
	a.orphans = orphan.New(cfg, repo, a.registry, a.merge, a.history, log)

	current = a
	return a, nil
}

func initLogger(cfg *config.Config) {
	path := viper.GetString("log_path")
	if path == "" {
		path = filepath.Join(cfg.StateDir(), "logs", "devops-agent.log")
	}
	if err := logger.Init(path); err != nil {
		ui.Warning("Logging disabled: %v", err)
		return
	}
	if err := logger.SetLevel(viper.GetString("log_level")); err != nil {
		ui.Warning("%v", err)
	}
	if verbose {
		logger.SetDebug(true)
	}
}

// openHistory opens the SQLite history database. History is an audit aid,
// so a failure degrades to no history rather than failing the command.
func openHistory(ctx context.Context, cfg *config.Config) store.History {
	path := viper.GetString("history_db")
	if path == "" {
		path = filepath.Join(cfg.StateDir(), "history.db")
	}
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		ui.Warning("History disabled: %v", err)
		return store.Nop{}
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		ui.Warning("History disabled: %v", err)
		return store.Nop{}
	}
	return s
}

func closeApp() {
	if current != nil {
		_ = current.history.Close()
		current = nil
	}
	logger.Close()
}
