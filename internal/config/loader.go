package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Load reads, decodes and validates an HCL config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(filepath.Base(path), data)
}

// Parse decodes config from bytes. The filename is only used in
// diagnostics and must carry a .hcl or .json suffix for hclsimple.
func Parse(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints. Malformed app and whitelist
// patterns are not rejected here; the classifier skips them at compile
// time so one bad regex cannot take down the whole config.
func (c *Config) Validate() error {
	for _, t := range c.Thresholds {
		if _, err := t.SegmentID(); err != nil {
			return err
		}
		if t.DailyLimitSeconds <= 0 {
			return fmt.Errorf("threshold %q: daily_limit_seconds must be positive", t.Segment)
		}
		if t.WindowSeconds < 0 || t.RateThresholdBytes < 0 {
			return fmt.Errorf("threshold %q: negative accounting parameter", t.Segment)
		}
	}

	seen := make(map[string]bool, len(c.Apps))
	for _, a := range c.Apps {
		if a.Name == "" {
			return fmt.Errorf("app signature with empty name")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate app signature %q", a.Name)
		}
		seen[a.Name] = true
	}

	// The pattern must contain exactly one %d verb to map segment ids
	// onto interface names.
	if strings.Count(c.Enforcement.InterfacePattern, "%d") != 1 {
		return fmt.Errorf("enforcement interface_pattern %q must contain exactly one %%d", c.Enforcement.InterfacePattern)
	}

	names := make(map[string]bool, len(c.Policies))
	for i := range c.Policies {
		if names[c.Policies[i].Name] {
			return fmt.Errorf("duplicate policy %q", c.Policies[i].Name)
		}
		names[c.Policies[i].Name] = true
		if _, err := c.Policies[i].ToPolicy(); err != nil {
			return err
		}
	}
	return nil
}
