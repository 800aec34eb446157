package cmd

import (
	"fmt"
	"strings"

	"grimm.is/floe/internal/config"
)

// RunCheck validates a config file and reports what it declares.
func RunCheck(configFile string, verbose bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	fmt.Printf("%s: OK\n", configFile)
	if !verbose {
		return nil
	}

	fmt.Printf("  thresholds: %d\n", len(cfg.Thresholds))
	for _, t := range cfg.Thresholds {
		fmt.Printf("    segment %s: limit %ds", t.Segment, t.DailyLimitSeconds)
		if t.RateThresholdBytes > 0 {
			fmt.Printf(", rate %dB over %ds", t.RateThresholdBytes, t.WindowSeconds)
		}
		fmt.Println()
	}

	fmt.Printf("  app signatures: %d\n", len(cfg.Apps))
	for _, a := range cfg.Apps {
		fmt.Printf("    %s: %s\n", a.Name, a.Pattern)
	}
	if cfg.Whitelist != nil {
		fmt.Printf("  whitelist patterns: %d\n", len(cfg.Whitelist.Patterns))
	}

	policies, err := cfg.ShapingPolicies()
	if err != nil {
		return err
	}
	fmt.Printf("  policies: %d\n", len(policies))
	for _, p := range policies {
		fmt.Printf("    %s on %s:\n", p.Name, p.Interface)
		for _, argv := range p.CompileAll() {
			fmt.Printf("      %s\n", strings.Join(argv, " "))
		}
	}
	return nil
}
