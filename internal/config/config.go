// Package config loads, validates and persists the project configuration
// stored in <repo>/.devops-agent/project-settings.json. The configuration is
// read once per invocation and never mutated mid-operation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/store"
)

const (
	// SettingsDir is the per-repository directory holding settings and logs.
	SettingsDir = ".devops-agent"
	// SettingsFile is the project settings file name inside SettingsDir.
	SettingsFile = "project-settings.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "DEVOPS_AGENT"
)

// Merge strategies.
const (
	StrategyHierarchicalFirst = "hierarchical-first"
	StrategyTargetFirst       = "target-first"
	StrategyParallel          = "parallel"
)

// Strategies lists the accepted merge strategies.
var Strategies = []string{StrategyHierarchicalFirst, StrategyTargetFirst, StrategyParallel}

type BranchManagement struct {
	DefaultMergeTarget         string `mapstructure:"defaultMergeTarget" json:"defaultMergeTarget"`
	EnableDualMerge            bool   `mapstructure:"enableDualMerge" json:"enableDualMerge"`
	EnableWeeklyConsolidation  bool   `mapstructure:"enableWeeklyConsolidation" json:"enableWeeklyConsolidation"`
	OrphanSessionThresholdDays int    `mapstructure:"orphanSessionThresholdDays" json:"orphanSessionThresholdDays"`
	MergeStrategy              string `mapstructure:"mergeStrategy" json:"mergeStrategy"`
	ConflictResolution         string `mapstructure:"conflictResolution" json:"conflictResolution"`
	DailyBranchPrefix          string `mapstructure:"dailyBranchPrefix" json:"dailyBranchPrefix"`
	WeeklyBranchPrefix         string `mapstructure:"weeklyBranchPrefix" json:"weeklyBranchPrefix"`
	SessionBranchPrefix        string `mapstructure:"sessionBranchPrefix" json:"sessionBranchPrefix"`
}

type Cleanup struct {
	AutoCleanupOrphans          bool   `mapstructure:"autoCleanupOrphans" json:"autoCleanupOrphans"`
	WeeklyCleanupDay            string `mapstructure:"weeklyCleanupDay" json:"weeklyCleanupDay"`
	RetainWeeklyBranches        int    `mapstructure:"retainWeeklyBranches" json:"retainWeeklyBranches"`
	PruneFoldedOnPartialFailure bool   `mapstructure:"pruneFoldedOnPartialFailure" json:"pruneFoldedOnPartialFailure"`
}

type Rollover struct {
	Timezone          string `mapstructure:"timezone" json:"timezone"`
	VersionPrefix     string `mapstructure:"versionPrefix" json:"versionPrefix"`
	VersionStartMinor int    `mapstructure:"versionStartMinor" json:"versionStartMinor"`
	VersionIncrement  int    `mapstructure:"versionIncrement" json:"versionIncrement"`
	Push              bool   `mapstructure:"push" json:"push"`
	Remote            string `mapstructure:"remote" json:"remote"`
}

type Coordination struct {
	Dir              string `mapstructure:"dir" json:"dir"`
	StaleLockMinutes int    `mapstructure:"staleLockMinutes" json:"staleLockMinutes"`
}

type Automation struct {
	AutoConfirm bool `mapstructure:"autoConfirm" json:"autoConfirm"`
}

type Commit struct {
	GenerateMessages bool   `mapstructure:"generateMessages" json:"generateMessages"`
	Model            string `mapstructure:"model" json:"model"`
	// APIKey is only ever read from the environment.
	APIKey string `mapstructure:"apiKey" json:"-"`
}

// Config is the validated project configuration.
type Config struct {
	BranchManagement  BranchManagement `mapstructure:"branchManagement" json:"branchManagement"`
	Cleanup           Cleanup          `mapstructure:"cleanup" json:"cleanup"`
	Rollover          Rollover         `mapstructure:"rollover" json:"rollover"`
	Coordination      Coordination     `mapstructure:"coordination" json:"coordination"`
	Automation        Automation       `mapstructure:"automation" json:"automation"`
	Commit            Commit           `mapstructure:"commit" json:"commit"`
	DeveloperInitials string           `mapstructure:"developerInitials" json:"developerInitials"`

	// Path is the settings file this config was loaded from.
	Path string `mapstructure:"-" json:"-"`
	// RepoRoot is the main worktree of the repository.
	RepoRoot string `mapstructure:"-" json:"-"`
}

// Defaults returns the documented default configuration.
func Defaults() *Config {
	return &Config{
		BranchManagement: BranchManagement{
			DefaultMergeTarget:         "main",
			EnableDualMerge:            true,
			EnableWeeklyConsolidation:  true,
			OrphanSessionThresholdDays: 7,
			MergeStrategy:              StrategyHierarchicalFirst,
			ConflictResolution:         "manual",
			DailyBranchPrefix:          "daily/",
			WeeklyBranchPrefix:         "weekly/",
			SessionBranchPrefix:        "",
		},
		Cleanup: Cleanup{
			AutoCleanupOrphans:   false,
			WeeklyCleanupDay:     "sunday",
			RetainWeeklyBranches: 4,
		},
		Rollover: Rollover{
			Timezone:          "America/New_York",
			VersionPrefix:     "v0.",
			VersionStartMinor: 20,
			VersionIncrement:  1,
			Push:              true,
			Remote:            "origin",
		},
		Coordination: Coordination{
			Dir:              ".coordination",
			StaleLockMinutes: 30,
		},
		Commit: Commit{
			Model: "claude-haiku-4-5-20251001",
		},
		DeveloperInitials: "dev",
	}
}

// PathFor returns the settings file path for a repository root.
func PathFor(repoRoot string) string {
	return filepath.Join(repoRoot, SettingsDir, SettingsFile)
}

// Load reads the settings file for repoRoot, applies environment overrides
// and validates the result. A missing file yields the defaults.
func Load(repoRoot string) (*Config, error) {
	return LoadFile(repoRoot, PathFor(repoRoot))
}

// LoadFile is Load with an explicit settings path.
func LoadFile(repoRoot, path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, derrors.ConfigLoadFailed(path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, derrors.ConfigLoadFailed(path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, derrors.ConfigLoadFailed(path, err)
	}
	cfg.Path = path
	cfg.RepoRoot = repoRoot
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range Keys {
		v.SetDefault(k.Key, k.get(Defaults()))
	}
	_ = v.BindEnv("commit.apiKey", EnvPrefix+"_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

// Validate rejects configurations that would make an engine misbehave.
func (c *Config) Validate() error {
	bm := c.BranchManagement
	if strings.TrimSpace(bm.DefaultMergeTarget) == "" || strings.ContainsAny(bm.DefaultMergeTarget, " ~^:?*[\\") {
		return derrors.ConfigInvalid("branchManagement.defaultMergeTarget", fmt.Sprintf("invalid branch name %q", bm.DefaultMergeTarget))
	}
	if !slices.Contains(Strategies, bm.MergeStrategy) {
		return derrors.ConfigInvalid("branchManagement.mergeStrategy",
			fmt.Sprintf("unknown strategy %q (want one of %s)", bm.MergeStrategy, strings.Join(Strategies, ", ")))
	}
	if bm.ConflictResolution != "manual" {
		return derrors.ConfigInvalid("branchManagement.conflictResolution", fmt.Sprintf("unsupported value %q (only \"manual\")", bm.ConflictResolution))
	}
	if bm.OrphanSessionThresholdDays < 1 {
		return derrors.ConfigInvalid("branchManagement.orphanSessionThresholdDays", "must be at least 1")
	}
	if bm.DailyBranchPrefix == "" || bm.WeeklyBranchPrefix == "" {
		return derrors.ConfigInvalid("branchManagement", "daily and weekly branch prefixes must not be empty")
	}
	if bm.DailyBranchPrefix == bm.WeeklyBranchPrefix {
		return derrors.ConfigInvalid("branchManagement", "daily and weekly branch prefixes must differ")
	}
	if _, err := ParseWeekday(c.Cleanup.WeeklyCleanupDay); err != nil {
		return derrors.ConfigInvalid("cleanup.weeklyCleanupDay", err.Error())
	}
	if c.Cleanup.RetainWeeklyBranches < 0 {
		return derrors.ConfigInvalid("cleanup.retainWeeklyBranches", "must not be negative")
	}
	if _, err := time.LoadLocation(c.Rollover.Timezone); err != nil {
		return derrors.ConfigInvalid("rollover.timezone", err.Error())
	}
	if c.Rollover.VersionPrefix == "" {
		return derrors.ConfigInvalid("rollover.versionPrefix", "must not be empty")
	}
	if c.Rollover.VersionStartMinor < 0 {
		return derrors.ConfigInvalid("rollover.versionStartMinor", "must not be negative")
	}
	if c.Rollover.VersionIncrement < 1 {
		return derrors.ConfigInvalid("rollover.versionIncrement", "must be at least 1")
	}
	if c.Rollover.Remote == "" {
		return derrors.ConfigInvalid("rollover.remote", "must not be empty")
	}
	if c.Coordination.Dir == "" {
		return derrors.ConfigInvalid("coordination.dir", "must not be empty")
	}
	if c.Coordination.StaleLockMinutes < 1 {
		return derrors.ConfigInvalid("coordination.staleLockMinutes", "must be at least 1")
	}
	return nil
}

// Location returns the configured rollover timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Rollover.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CleanupWeekday returns the parsed weekly cleanup day.
func (c *Config) CleanupWeekday() time.Weekday {
	d, _ := ParseWeekday(c.Cleanup.WeeklyCleanupDay)
	return d
}

// CoordinationDir returns the absolute repository-wide coordination store.
func (c *Config) CoordinationDir() string {
	if filepath.IsAbs(c.Coordination.Dir) {
		return c.Coordination.Dir
	}
	return filepath.Join(c.RepoRoot, c.Coordination.Dir)
}

// StaleLockWindow returns the session lock staleness window.
func (c *Config) StaleLockWindow() time.Duration {
	return time.Duration(c.Coordination.StaleLockMinutes) * time.Minute
}

// StateDir returns <repo>/.devops-agent.
func (c *Config) StateDir() string {
	return filepath.Join(c.RepoRoot, SettingsDir)
}

// ParseWeekday accepts full or three-letter English weekday names.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) == 3 && strings.HasPrefix(name, s)) {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("unknown weekday %q", s)
}

// Save validates and atomically writes the configuration to c.Path.
func (c *Config) Save() error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return store.WriteFileAtomic(c.Path, append(data, '\n'), 0o644)
}

// FileKeys returns the dotted keys literally present in the settings file.
// JSON is a YAML subset, so the yaml decoder reads it directly.
func FileKeys(path string) map[string]bool {
	result := make(map[string]bool)
	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}
	flattenKeys("", parsed, result)
	return result
}

func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}
