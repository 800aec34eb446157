// Package config provides HCL configuration handling for the governor:
// per-segment thresholds, application signatures, whitelist patterns,
// enforcement tuning and declarative shaping policies.
package config

import (
	"fmt"
	"strconv"
	"time"

	"grimm.is/floe/internal/shaping"
)

// Documented accounting defaults, applied when a segment has no threshold
// entry: 15 KB/s sampled over a 15 second window.
const (
	DefaultRateThresholdBytes = 15 * 1024
	DefaultWindowSeconds      = 15
	DefaultGraceSeconds       = 120
	DefaultTickSeconds        = 60
	DefaultCommandTimeoutSecs = 30
	DefaultStatsIntervalSecs  = 60
	DefaultFeedIntervalSecs   = 15
	DefaultRetentionDays      = 30
)

// Config is the root configuration document.
type Config struct {
	Defaults    *Defaults      `hcl:"defaults,block"`
	Log         *LogConfig     `hcl:"log,block"`
	Database    *Database      `hcl:"database,block"`
	Audit       *AuditConfig   `hcl:"audit,block"`
	Enforcement *Enforcement   `hcl:"enforcement,block"`
	Shaping     *ShapingConfig `hcl:"shaping,block"`
	Feed        *FeedConfig    `hcl:"feed,block"`
	Thresholds  []Threshold    `hcl:"threshold,block"`
	Apps        []AppSignature `hcl:"app,block"`
	Whitelist   *Whitelist     `hcl:"whitelist,block"`
	Policies    []PolicyBlock  `hcl:"policy,block"`
}

// Defaults holds fallback accounting parameters.
type Defaults struct {
	RateThresholdBytes    int `hcl:"rate_threshold_bytes,optional"`
	WindowSeconds         int `hcl:"window_seconds,optional"`
	CommandTimeoutSeconds int `hcl:"command_timeout_seconds,optional"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `hcl:"level,optional"` // debug, info, warn, error
	JSON  bool   `hcl:"json,optional"`
}

// Database locates the main sqlite database.
type Database struct {
	Path string `hcl:"path,optional"`
}

// AuditConfig locates the audit trail.
type AuditConfig struct {
	Path          string `hcl:"path,optional"`
	RetentionDays int    `hcl:"retention_days,optional"`
}

// Enforcement tunes the blacklist state machine.
type Enforcement struct {
	GraceSeconds     int    `hcl:"grace_seconds,optional"`
	TickSeconds      int    `hcl:"tick_seconds,optional"`
	InterfacePattern string `hcl:"interface_pattern,optional"` // fmt pattern mapping segment id to ifname
}

// ShapingConfig tunes the policy manager.
type ShapingConfig struct {
	BackupBeforeApply    *bool `hcl:"backup_before_apply,optional"`
	StatsIntervalSeconds int   `hcl:"stats_interval_seconds,optional"`
}

// FeedConfig locates the flow-sample spool.
type FeedConfig struct {
	Path            string `hcl:"path,optional"`
	IntervalSeconds int    `hcl:"interval_seconds,optional"`
}

// Threshold is the per-segment accounting configuration. The block label
// is the segment id.
type Threshold struct {
	Segment            string `hcl:"segment,label"`
	RateThresholdBytes int    `hcl:"rate_threshold_bytes,optional"`
	WindowSeconds      int    `hcl:"window_seconds,optional"`
	DailyLimitSeconds  int    `hcl:"daily_limit_seconds"`
}

// SegmentID parses the block label.
func (t Threshold) SegmentID() (int, error) {
	id, err := strconv.Atoi(t.Segment)
	if err != nil {
		return 0, fmt.Errorf("threshold label %q is not a segment id", t.Segment)
	}
	return id, nil
}

// AppSignature labels traffic whose DNS query matches the pattern.
// Declaration order is significant: first match wins.
type AppSignature struct {
	Name    string `hcl:"name,label"`
	Pattern string `hcl:"pattern"`
}

// Whitelist exempts matching DNS queries from accounting entirely.
type Whitelist struct {
	Patterns []string `hcl:"patterns,optional"`
}

// ApplyDefaults fills zero values with documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Defaults == nil {
		c.Defaults = &Defaults{}
	}
	if c.Defaults.RateThresholdBytes <= 0 {
		c.Defaults.RateThresholdBytes = DefaultRateThresholdBytes
	}
	if c.Defaults.WindowSeconds <= 0 {
		c.Defaults.WindowSeconds = DefaultWindowSeconds
	}
	if c.Defaults.CommandTimeoutSeconds <= 0 {
		c.Defaults.CommandTimeoutSeconds = DefaultCommandTimeoutSecs
	}

	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Database == nil {
		c.Database = &Database{}
	}
	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/floe/floe.db"
	}

	if c.Audit == nil {
		c.Audit = &AuditConfig{}
	}
	if c.Audit.Path == "" {
		c.Audit.Path = "/var/lib/floe/audit.db"
	}
	if c.Audit.RetentionDays <= 0 {
		c.Audit.RetentionDays = 90
	}

	if c.Enforcement == nil {
		c.Enforcement = &Enforcement{}
	}
	if c.Enforcement.GraceSeconds <= 0 {
		c.Enforcement.GraceSeconds = DefaultGraceSeconds
	}
	if c.Enforcement.TickSeconds <= 0 {
		c.Enforcement.TickSeconds = DefaultTickSeconds
	}
	if c.Enforcement.InterfacePattern == "" {
		c.Enforcement.InterfacePattern = "vlan%d"
	}

	if c.Shaping == nil {
		c.Shaping = &ShapingConfig{}
	}
	if c.Shaping.BackupBeforeApply == nil {
		b := true
		c.Shaping.BackupBeforeApply = &b
	}
	if c.Shaping.StatsIntervalSeconds <= 0 {
		c.Shaping.StatsIntervalSeconds = DefaultStatsIntervalSecs
	}

	if c.Feed == nil {
		c.Feed = &FeedConfig{}
	}
	if c.Feed.Path == "" {
		c.Feed.Path = "/var/spool/floe/flows.jsonl"
	}
	if c.Feed.IntervalSeconds <= 0 {
		c.Feed.IntervalSeconds = DefaultFeedIntervalSecs
	}
}

// CommandTimeout returns the bounded per-invocation timeout.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Defaults.CommandTimeoutSeconds) * time.Second
}

// GracePeriod returns the pending-to-blacklisted hysteresis window.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Enforcement.GraceSeconds) * time.Second
}

// ThresholdFor returns the threshold entry for a segment, nil when absent.
func (c *Config) ThresholdFor(segment int) *Threshold {
	for i := range c.Thresholds {
		id, err := c.Thresholds[i].SegmentID()
		if err != nil {
			continue
		}
		if id == segment {
			return &c.Thresholds[i]
		}
	}
	return nil
}

// ShapingPolicies converts policy blocks into the typed shaping model.
// A block with an unknown kind is an error; policies are explicit
// configuration and must not be silently dropped.
func (c *Config) ShapingPolicies() ([]*shaping.Policy, error) {
	out := make([]*shaping.Policy, 0, len(c.Policies))
	for i := range c.Policies {
		p, err := c.Policies[i].ToPolicy()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
