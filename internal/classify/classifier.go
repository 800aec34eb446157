// Package classify turns raw flow samples into persisted usage records.
//
// Samples arrive in batches from the flow feed. Whitelisted queries are
// dropped outright, application signatures label the rest, and samples
// whose byte count clears the segment's rate threshold accrue window
// seconds of usage keyed by (segment, address, app). Accrued totals are
// flushed as one row per key at the end of the batch.
package classify

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"grimm.is/floe/internal/config"
	"grimm.is/floe/internal/logging"
	"grimm.is/floe/internal/metrics"
	"grimm.is/floe/internal/store"
)

// Sample is one observed flow.
type Sample struct {
	Segment   int       `json:"segment"`
	Address   string    `json:"address"`
	Hostname  string    `json:"hostname,omitempty"`
	Bytes     int64     `json:"bytes"`
	Timestamp time.Time `json:"timestamp"`
	DNSQuery  string    `json:"dns_query,omitempty"`
}

type signature struct {
	name    string
	pattern *regexp.Regexp
}

// Classifier matches samples against compiled signatures and thresholds.
type Classifier struct {
	cfg        *config.Config
	store      *store.Store
	logger     *logging.Logger
	metrics    *metrics.Registry
	signatures []signature
	whitelist  []*regexp.Regexp
}

// New compiles signatures and whitelist patterns from config. A pattern
// that fails to compile is logged and skipped; it never fails the load.
func New(cfg *config.Config, st *store.Store, logger *logging.Logger, reg *metrics.Registry) *Classifier {
	c := &Classifier{
		cfg:     cfg,
		store:   st,
		logger:  logger.WithComponent("classify"),
		metrics: reg,
	}
	for _, app := range cfg.Apps {
		re, err := regexp.Compile(app.Pattern)
		if err != nil {
			c.logger.Warn("skipping malformed app signature",
				"app", app.Name, "pattern", app.Pattern, "error", err)
			continue
		}
		c.signatures = append(c.signatures, signature{name: app.Name, pattern: re})
	}
	if cfg.Whitelist != nil {
		for _, p := range cfg.Whitelist.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				c.logger.Warn("skipping malformed whitelist pattern",
					"pattern", p, "error", err)
				continue
			}
			c.whitelist = append(c.whitelist, re)
		}
	}
	return c
}

type accrualKey struct {
	segment int
	address string
	app     string
}

type accrual struct {
	seconds  int
	hostname string
}

// Classify processes one batch of samples and persists the accrued usage.
// One bad sample never aborts the rest of the batch. The flush is stamped
// with the batch timestamp.
func (c *Classifier) Classify(samples []Sample, batchTime time.Time) error {
	accrued := make(map[accrualKey]*accrual)

	for _, s := range samples {
		if s.Address == "" || s.Bytes < 0 {
			c.metrics.SamplesTotal.WithLabelValues("invalid").Inc()
			c.logger.Debug("dropping invalid sample", "segment", s.Segment, "address", s.Address)
			continue
		}

		query := normalizeQuery(s.DNSQuery)
		if c.isWhitelisted(query) {
			c.metrics.SamplesTotal.WithLabelValues("whitelisted").Inc()
			continue
		}

		app := c.matchApp(query)
		if app != "" {
			c.metrics.AppMatches.WithLabelValues(app).Inc()
		}

		rate, window := c.thresholdFor(s.Segment)
		if s.Bytes < int64(rate)*int64(window) {
			c.metrics.SamplesTotal.WithLabelValues("below_threshold").Inc()
			continue
		}

		key := accrualKey{segment: s.Segment, address: s.Address, app: app}
		a := accrued[key]
		if a == nil {
			a = &accrual{}
			accrued[key] = a
		}
		a.seconds += window
		if a.hostname == "" {
			a.hostname = s.Hostname
		}
		c.metrics.SamplesTotal.WithLabelValues("accrued").Inc()
	}

	if len(accrued) == 0 {
		return nil
	}

	sessions := make([]store.UsageSession, 0, len(accrued))
	for key, a := range accrued {
		sessions = append(sessions, store.UsageSession{
			Segment:   key.segment,
			Address:   key.address,
			Hostname:  a.hostname,
			App:       key.app,
			Seconds:   a.seconds,
			Timestamp: batchTime,
		})
		c.metrics.UsageSecondsTotal.WithLabelValues(strconv.Itoa(key.segment)).Add(float64(a.seconds))
	}
	// Deterministic insert order keeps the batch readable in the db.
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].Segment != sessions[j].Segment {
			return sessions[i].Segment < sessions[j].Segment
		}
		if sessions[i].Address != sessions[j].Address {
			return sessions[i].Address < sessions[j].Address
		}
		return sessions[i].App < sessions[j].App
	})

	if err := c.store.AddUsageSessions(sessions); err != nil {
		return fmt.Errorf("flush usage batch: %w", err)
	}
	c.logger.Debug("flushed usage batch",
		"samples", len(samples), "sessions", len(sessions), "batch_time", batchTime)
	return nil
}

// matchApp returns the first signature matching the query, in declared
// order. Empty means uncategorized.
func (c *Classifier) matchApp(query string) string {
	if query == "" {
		return ""
	}
	for _, sig := range c.signatures {
		if sig.pattern.MatchString(query) {
			return sig.name
		}
	}
	return ""
}

func (c *Classifier) isWhitelisted(query string) bool {
	if query == "" {
		return false
	}
	for _, re := range c.whitelist {
		if re.MatchString(query) {
			return true
		}
	}
	return false
}

func (c *Classifier) thresholdFor(segment int) (rate, window int) {
	if t := c.cfg.ThresholdFor(segment); t != nil {
		rate, window = t.RateThresholdBytes, t.WindowSeconds
	}
	if rate <= 0 {
		rate = c.cfg.Defaults.RateThresholdBytes
	}
	if window <= 0 {
		window = c.cfg.Defaults.WindowSeconds
	}
	return rate, window
}

// normalizeQuery lowercases a DNS query name and strips the trailing
// dot so patterns match both "cdn.example.com" and "CDN.Example.Com.".
func normalizeQuery(q string) string {
	if q == "" {
		return ""
	}
	return strings.TrimSuffix(dns.CanonicalName(q), ".")
}
