package policy

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"grimm.is/floe/internal/clock"
	"grimm.is/floe/internal/command"
	"grimm.is/floe/internal/logging"
	"grimm.is/floe/internal/metrics"
	"grimm.is/floe/internal/shaping"
	"grimm.is/floe/internal/store"
)

// Collector samples per-class tc counters for applied policies and
// persists them as telemetry.
type Collector struct {
	store   *store.Store
	runner  command.Runner
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Registry
}

// NewCollector builds a stats collector.
func NewCollector(st *store.Store, runner command.Runner, clk clock.Clock, logger *logging.Logger, reg *metrics.Registry) *Collector {
	return &Collector{
		store:   st,
		runner:  runner,
		clock:   clk,
		logger:  logger.WithComponent("shaping-stats"),
		metrics: reg,
	}
}

// Collect samples counters on every interface with an applied policy.
// A failure on one interface does not abort the others.
func (c *Collector) Collect(ctx context.Context) {
	policies, err := c.store.ListPolicies()
	if err != nil {
		c.logger.Error("failed to list policies", "error", err)
		return
	}

	seen := make(map[string]bool)
	var stats []shaping.Stat
	for _, p := range policies {
		if !p.Applied() || seen[p.Interface] {
			continue
		}
		seen[p.Interface] = true

		res, err := c.runner.Output(ctx, []string{"tc", "-s", "class", "show", "dev", p.Interface})
		if err != nil {
			c.logger.Warn("failed to read class stats", "interface", p.Interface, "error", err)
			continue
		}
		stats = append(stats, c.parseClassStats(p.Interface, res.Stdout)...)
	}

	if len(stats) == 0 {
		return
	}
	for _, s := range stats {
		c.metrics.ClassBytes.WithLabelValues(s.Interface, s.ClassID).Set(float64(s.Bytes))
		c.metrics.ClassDropped.WithLabelValues(s.Interface, s.ClassID).Set(float64(s.Dropped))
	}
	if err := c.store.AddStats(stats); err != nil {
		c.logger.Error("failed to persist class stats", "error", err)
	}
}

var (
	classHeaderRe = regexp.MustCompile(`^class (\S+) (\S+)`)
	sentRe        = regexp.MustCompile(`^\s*Sent (\d+) bytes (\d+) pkt \(dropped (\d+), overlimits (\d+)`)
)

// parseClassStats reads `tc -s class show dev X` output. Each class
// block starts with a "class <kind> <classid>" header followed by an
// indented "Sent N bytes M pkt (dropped D, overlimits O ..." line.
func (c *Collector) parseClassStats(iface, output string) []shaping.Stat {
	now := c.clock.Now()
	var out []shaping.Stat
	var current *shaping.Stat

	for _, line := range strings.Split(output, "\n") {
		if m := classHeaderRe.FindStringSubmatch(line); m != nil {
			if current != nil {
				out = append(out, *current)
			}
			current = &shaping.Stat{
				Interface: iface,
				Kind:      m[1],
				ClassID:   m[2],
				Timestamp: now,
			}
			continue
		}
		if current == nil {
			continue
		}
		if m := sentRe.FindStringSubmatch(line); m != nil {
			current.Bytes, _ = strconv.ParseUint(m[1], 10, 64)
			current.Packets, _ = strconv.ParseUint(m[2], 10, 64)
			current.Dropped, _ = strconv.ParseUint(m[3], 10, 64)
			current.Overlimits, _ = strconv.ParseUint(m[4], 10, 64)
		}
	}
	if current != nil {
		out = append(out, *current)
	}
	return out
}
