package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/config"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/git"
)

var (
	configForce  bool
	configGlobal bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage devops-agent configuration.

Project settings live in <repo>/.devops-agent/project-settings.json and can
be overridden per key with DEVOPS_AGENT_* environment variables. Process
settings (logging, history database) live in ~/.config/devops-agent/config.yaml.

Running bare 'devops-agent config' is the same as 'devops-agent config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun(cmd.Context())
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write project settings with defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configGlobal {
			return configInitGlobalRun()
		}
		return configInitRun(cmd.Context())
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun(cmd.Context())
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one effective project setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return configGetRun(cmd.Context(), args[0])
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Validate and persist one project setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return configSetRun(cmd.Context(), args[0], args[1])
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the project settings in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun(cmd.Context())
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
	configInitCmd.Flags().BoolVar(&configGlobal, "global", false, "Write the global config.yaml instead")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// globalTemplate is the template for generating config.yaml with comments.
const globalTemplate = `# devops-agent process settings
# Project settings live in <repo>/.devops-agent/project-settings.json.
# See: devops-agent config show (for effective values and sources)

# Log level: debug, info, warn or error (default: "info")
log_level: "{{ .LogLevel }}"

# Log file (default: <repo>/.devops-agent/logs/devops-agent.log)
# log_path: {{ .LogPath }}

# SQLite history database (default: <repo>/.devops-agent/history.db)
# history_db: {{ .HistoryDB }}
`

type globalTemplateData struct {
	LogLevel  string
	LogPath   string
	HistoryDB string
}

// globalKeys are the process-level settings read through viper.
var globalKeys = []config.KeyInfo{
	{Key: "log_level", EnvVar: "DEVOPS_AGENT_LOG_LEVEL"},
	{Key: "log_path", EnvVar: "DEVOPS_AGENT_LOG_PATH"},
	{Key: "history_db", EnvVar: "DEVOPS_AGENT_HISTORY_DB"},
}

func globalConfigPath() (string, error) {
	dir, err := globalConfigDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// projectRoot resolves the main worktree without loading settings, so
// config init works on a repository whose settings are invalid.
func projectRoot(ctx context.Context) (string, error) {
	dir, err := repoDir()
	if err != nil {
		return "", err
	}
	return git.MainWorktreeRoot(ctx, dir)
}

func configInitRun(ctx context.Context) error {
	root, err := projectRoot(ctx)
	if err != nil {
		return err
	}
	path := config.PathFor(root)
	if _, err := os.Stat(path); err == nil {
		if !configForce {
			return fmt.Errorf("settings file already exists: %s (use --force to overwrite)", path)
		}
		ui.Warning("Overwriting existing settings file")
	}

	cfg := config.Defaults()
	cfg.RepoRoot = root
	cfg.Path = path
	if dryRun {
		ui.DryRunMsg("Would create settings file: %s", path)
		return nil
	}
	if err := cfg.Save(); err != nil {
		return err
	}
	ui.Success("Settings file created: %s", path)
	return nil
}

func configInitGlobalRun() error {
	cfgPath, err := globalConfigPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	data := globalTemplateData{
		LogLevel:  viper.GetString("log_level"),
		LogPath:   viper.GetString("log_path"),
		HistoryDB: viper.GetString("history_db"),
	}
	tmpl, err := template.New("config").Parse(globalTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(cfgPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	ui.Success("Config file created: %s", cfgPath)
	return nil
}

func configShowRun(ctx context.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfg.Path); err == nil {
		ui.Info("Settings file: %s", cfg.Path)
	} else {
		ui.Info("Settings file: (none, using defaults)")
	}
	fmt.Fprintln(ui.Out)

	fileValues := config.FileKeys(cfg.Path)
	cfg.Each(func(k config.KeyInfo, val any) {
		fmt.Fprintf(ui.Out, "  %-44s %v  %s\n", k.Key, val, detectSource(k.Key, k.EnvVar, fileValues))
	})

	fmt.Fprintln(ui.Out)
	globalPath, _ := globalConfigPath()
	if used := viper.ConfigFileUsed(); used != "" {
		globalPath = used
	}
	globalValues := readConfigFileValues(globalPath)
	if len(globalValues) > 0 {
		ui.Info("Config file: %s", globalPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)
	for _, k := range globalKeys {
		fmt.Fprintf(ui.Out, "  %-44s %v  %s\n", k.Key, viper.Get(k.Key), detectSource(k.Key, k.EnvVar, globalValues))
	}
	return nil
}

func configGetRun(ctx context.Context, key string) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	val, err := cfg.Get(key)
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out, val)
	return nil
}

func configSetRun(ctx context.Context, key, value string) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if err := cfg.Set(key, value); err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would set %s = %s in %s", key, value, cfg.Path)
		return nil
	}
	if err := cfg.Save(); err != nil {
		return err
	}
	ui.Success("%s = %s", key, value)
	return nil
}

// readConfigFileValues returns the dotted keys present in a YAML file.
func readConfigFileValues(path string) map[string]bool {
	if path == "" {
		return map[string]bool{}
	}
	return config.FileKeys(path)
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun(ctx context.Context) error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set (e.g. export EDITOR=vim)")
	}

	root, err := projectRoot(ctx)
	if err != nil {
		return err
	}
	path := config.PathFor(root)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("settings file not found: %s (run 'devops-agent config init' first)", path)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", path, editor)
		return nil
	}

	editCmd := exec.CommandContext(ctx, editor, path)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	if err := editCmd.Run(); err != nil {
		return err
	}
	if _, err := config.Load(root); err != nil {
		ui.Warning("Settings no longer valid: %v", err)
		return err
	}
	return nil
}
