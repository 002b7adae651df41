package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/output"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui *output.UI

	verbose   bool
	dryRun    bool
	assumeYes bool
	repoFlag  string

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "devops-agent",
	Short: "Branch lifecycle and file coordination for concurrent AI coding agents",
	Long: `devops-agent keeps many autonomous coding agents working on one git
repository without clobbering each other.

Each agent session gets its own branch and worktree, declares the files it
is about to edit, and is merged into the daily and target branches when it
closes. Daily branches roll over at midnight, fold into weekly branches, and
abandoned sessions are reclaimed.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	closeApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(derrors.ExitCode(err))
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().StringVar(&repoFlag, "repo", "", "Repository path (default: current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Answer yes to every confirmation")
	rootCmd.PersistentFlags().String("config", "", "Global config file (default ~/.config/devops-agent/config.yaml)")
}

// globalConfigDirFunc returns the global config directory, replaceable in tests.
var globalConfigDirFunc = defaultGlobalConfigDir

func defaultGlobalConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "devops-agent"), nil
}

// initConfig loads the global, process-level settings. Project settings
// live in the repository and are loaded per command by loadApp.
func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if dir, err := globalConfigDirFunc(); err == nil {
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DEVOPS_AGENT")
	viper.AutomaticEnv()
	setGlobalDefaults()

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func setGlobalDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_path", "")
	viper.SetDefault("history_db", "")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun
}
