package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// KeyInfo describes one settable configuration key.
type KeyInfo struct {
	Key    string
	EnvVar string
	get    func(*Config) any
	set    func(*Config, string) error
}

func envVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func strKey(key string, p func(*Config) *string) KeyInfo {
	return KeyInfo{
		Key:    key,
		EnvVar: envVar(key),
		get:    func(c *Config) any { return *p(c) },
		set:    func(c *Config, v string) error { *p(c) = v; return nil },
	}
}

func boolKey(key string, p func(*Config) *bool) KeyInfo {
	return KeyInfo{
		Key:    key,
		EnvVar: envVar(key),
		get:    func(c *Config) any { return *p(c) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: expected true/false, got %q", key, v)
			}
			*p(c) = b
			return nil
		},
	}
}

func intKey(key string, p func(*Config) *int) KeyInfo {
	return KeyInfo{
		Key:    key,
		EnvVar: envVar(key),
		get:    func(c *Config) any { return *p(c) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: expected an integer, got %q", key, v)
			}
			*p(c) = n
			return nil
		},
	}
}

// Keys lists every user-settable key in display order.
var Keys = []KeyInfo{
	strKey("branchManagement.defaultMergeTarget", func(c *Config) *string { return &c.BranchManagement.DefaultMergeTarget }),
	boolKey("branchManagement.enableDualMerge", func(c *Config) *bool { return &c.BranchManagement.EnableDualMerge }),
	boolKey("branchManagement.enableWeeklyConsolidation", func(c *Config) *bool { return &c.BranchManagement.EnableWeeklyConsolidation }),
	intKey("branchManagement.orphanSessionThresholdDays", func(c *Config) *int { return &c.BranchManagement.OrphanSessionThresholdDays }),
	strKey("branchManagement.mergeStrategy", func(c *Config) *string { return &c.BranchManagement.MergeStrategy }),
	strKey("branchManagement.conflictResolution", func(c *Config) *string { return &c.BranchManagement.ConflictResolution }),
	strKey("branchManagement.dailyBranchPrefix", func(c *Config) *string { return &c.BranchManagement.DailyBranchPrefix }),
	strKey("branchManagement.weeklyBranchPrefix", func(c *Config) *string { return &c.BranchManagement.WeeklyBranchPrefix }),
	strKey("branchManagement.sessionBranchPrefix", func(c *Config) *string { return &c.BranchManagement.SessionBranchPrefix }),
	boolKey("cleanup.autoCleanupOrphans", func(c *Config) *bool { return &c.Cleanup.AutoCleanupOrphans }),
	strKey("cleanup.weeklyCleanupDay", func(c *Config) *string { return &c.Cleanup.WeeklyCleanupDay }),
	intKey("cleanup.retainWeeklyBranches", func(c *Config) *int { return &c.Cleanup.RetainWeeklyBranches }),
	boolKey("cleanup.pruneFoldedOnPartialFailure", func(c *Config) *bool { return &c.Cleanup.PruneFoldedOnPartialFailure }),
	strKey("rollover.timezone", func(c *Config) *string { return &c.Rollover.Timezone }),
	strKey("rollover.versionPrefix", func(c *Config) *string { return &c.Rollover.VersionPrefix }),
	intKey("rollover.versionStartMinor", func(c *Config) *int { return &c.Rollover.VersionStartMinor }),
	intKey("rollover.versionIncrement", func(c *Config) *int { return &c.Rollover.VersionIncrement }),
	boolKey("rollover.push", func(c *Config) *bool { return &c.Rollover.Push }),
	strKey("rollover.remote", func(c *Config) *string { return &c.Rollover.Remote }),
	strKey("coordination.dir", func(c *Config) *string { return &c.Coordination.Dir }),
	intKey("coordination.staleLockMinutes", func(c *Config) *int { return &c.Coordination.StaleLockMinutes }),
	boolKey("automation.autoConfirm", func(c *Config) *bool { return &c.Automation.AutoConfirm }),
	boolKey("commit.generateMessages", func(c *Config) *bool { return &c.Commit.GenerateMessages }),
	strKey("commit.model", func(c *Config) *string { return &c.Commit.Model }),
	strKey("developerInitials", func(c *Config) *string { return &c.DeveloperInitials }),
}

func lookupKey(key string) (KeyInfo, bool) {
	for _, k := range Keys {
		if strings.EqualFold(k.Key, key) {
			return k, true
		}
	}
	return KeyInfo{}, false
}

// KeyNames returns all settable key names, sorted.
func KeyNames() []string {
	names := make([]string, 0, len(Keys))
	for _, k := range Keys {
		names = append(names, k.Key)
	}
	sort.Strings(names)
	return names
}

// Get returns the string form of a key's effective value.
func (c *Config) Get(key string) (string, error) {
	k, ok := lookupKey(key)
	if !ok {
		return "", fmt.Errorf("unknown config key %q", key)
	}
	return fmt.Sprint(k.get(c)), nil
}

// Set parses value into key and validates the whole configuration. The
// receiver is left unchanged when validation fails.
func (c *Config) Set(key, value string) error {
	k, ok := lookupKey(key)
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	next := *c
	if err := k.set(&next, value); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}

// Each calls fn for every key with its current value.
func (c *Config) Each(fn func(k KeyInfo, value any)) {
	for _, k := range Keys {
		fn(k, k.get(c))
	}
}
