package enforce

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"grimm.is/floe/internal/audit"
	"grimm.is/floe/internal/clock"
	"grimm.is/floe/internal/command"
	"grimm.is/floe/internal/config"
	"grimm.is/floe/internal/logging"
	"grimm.is/floe/internal/metrics"
	"grimm.is/floe/internal/store"
)

const (
	nftTable = "floe"
	nftSet   = "seg_blocklist"
)

// bootstrapScript is fed to nft -f -. The flush only clears chain
// rules; set elements survive, so existing blocks persist across a
// daemon restart.
const bootstrapScript = `table inet ` + nftTable + ` {}
flush table inet ` + nftTable + `
table inet ` + nftTable + ` {
	set ` + nftSet + ` {
		type ifname
	}
	chain forward {
		type filter hook forward priority 0; policy accept;
		iifname @` + nftSet + ` counter drop
		oifname @` + nftSet + ` counter drop
	}
}
`

// smoothingWindow bounds the moving average over recent usage rows.
// The average is logged for diagnostics; transitions use the daily
// total only.
const smoothingWindow = 5

// Enforcer drives the blacklist state machine on every tick.
type Enforcer struct {
	mu      sync.Mutex
	cfg     *config.Config
	store   *store.Store
	audit   *audit.Store
	runner  command.Runner
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Registry
}

// New builds an enforcer. The audit store may be nil.
func New(cfg *config.Config, st *store.Store, au *audit.Store, runner command.Runner, clk clock.Clock, logger *logging.Logger, reg *metrics.Registry) *Enforcer {
	return &Enforcer{
		cfg:     cfg,
		store:   st,
		audit:   au,
		runner:  runner,
		clock:   clk,
		logger:  logger.WithComponent("enforce"),
		metrics: reg,
	}
}

// Bootstrap installs the nftables table, blocklist set and drop rules.
// It is idempotent and must run before the first Evaluate.
func (e *Enforcer) Bootstrap(ctx context.Context) error {
	if err := e.runner.RunInput(ctx, bootstrapScript, []string{"nft", "-f", "-"}); err != nil {
		return fmt.Errorf("bootstrap nftables: %w", err)
	}
	e.logger.Info("nftables bootstrap complete", "table", nftTable, "set", nftSet)
	return nil
}

// Evaluate runs one enforcement pass over every configured segment.
// Per-segment failures are logged and do not abort the pass.
func (e *Enforcer) Evaluate(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.clock.Now()
	defer func() {
		e.metrics.EvaluateDuration.Observe(e.clock.Since(start).Seconds())
	}()

	for _, th := range e.cfg.Thresholds {
		segment, err := th.SegmentID()
		if err != nil {
			continue // rejected at config load; belt and braces
		}
		if err := e.evaluateSegment(ctx, segment, int64(th.DailyLimitSeconds)); err != nil {
			e.logger.Error("segment evaluation failed", "segment", segment, "error", err)
		}
	}
}

func (e *Enforcer) evaluateSegment(ctx context.Context, segment int, limit int64) error {
	now := e.clock.Now()

	total, err := e.store.SumUsageSince(segment, clock.StartOfDay(now))
	if err != nil {
		return err
	}

	current := StatusOk
	changedAt := now
	if row, err := e.store.GetSegmentStatus(segment); err != nil {
		return err
	} else if row != nil {
		current = Status(row.Status)
		changedAt = row.ChangedAt
	}

	e.logSmoothed(segment, total)

	next, effect := Transition(current, total, limit, now.Sub(changedAt), e.cfg.GracePeriod())

	if effect != EffectNone {
		if err := e.applyEffect(ctx, segment, effect, total, limit); err != nil {
			// Command failed: leave the persisted status untouched so
			// the next tick retries the same transition.
			return err
		}
	}

	if next != current {
		if err := e.store.SetSegmentStatus(segment, string(next), now); err != nil {
			return err
		}
		e.metrics.Transitions.WithLabelValues(strconv.Itoa(segment), string(next)).Inc()
		e.logger.Info("segment status changed",
			"segment", segment, "from", current, "to", next,
			"total_seconds", total, "limit_seconds", limit)
	}
	e.metrics.SegmentStatus.WithLabelValues(strconv.Itoa(segment)).Set(next.GaugeValue())
	return nil
}

// logSmoothed computes a moving average over the most recent usage rows.
// Diagnostic only: the transition decision never consults it.
func (e *Enforcer) logSmoothed(segment int, total int64) {
	recent, err := e.store.RecentUsage(segment, smoothingWindow)
	if err != nil || len(recent) == 0 {
		return
	}
	var sum int
	for _, r := range recent {
		sum += r.Seconds
	}
	e.logger.Debug("segment usage",
		"segment", segment,
		"total_seconds", total,
		"smoothed_seconds", float64(sum)/float64(len(recent)),
		"samples", len(recent))
}

func (e *Enforcer) applyEffect(ctx context.Context, segment int, effect Effect, total, limit int64) error {
	ifname := fmt.Sprintf(e.cfg.Enforcement.InterfacePattern, segment)

	var action string
	var argv []string
	switch effect {
	case EffectBlock:
		action = "blacklist"
		argv = []string{"nft", "add", "element", "inet", nftTable, nftSet, "{", ifname, "}"}
	case EffectUnblock:
		action = "unblacklist"
		argv = []string{"nft", "delete", "element", "inet", nftTable, nftSet, "{", ifname, "}"}
	default:
		return nil
	}

	runErr := e.runner.Run(ctx, argv)
	success := runErr == nil

	result := "ok"
	if !success {
		result = "error"
	}
	e.metrics.EnforcementCommands.WithLabelValues(action, result).Inc()

	reason := fmt.Sprintf("daily usage %ds of %ds", total, limit)
	if err := e.store.AddEnforcementEvent(store.EnforcementEvent{
		Segment:   segment,
		Action:    action,
		Reason:    reason,
		Success:   success,
		Timestamp: e.clock.Now(),
	}); err != nil {
		e.logger.Error("failed to record enforcement event", "segment", segment, "error", err)
	}
	if e.audit != nil {
		if err := e.audit.Write(audit.Event{
			Actor:   "enforcer",
			Action:  action,
			Target:  strconv.Itoa(segment),
			Success: success,
			Details: map[string]any{
				"interface":     ifname,
				"total_seconds": total,
				"limit_seconds": limit,
			},
		}); err != nil {
			e.logger.Error("failed to write audit event", "segment", segment, "error", err)
		}
	}

	if runErr != nil {
		return fmt.Errorf("%s segment %d: %w", action, segment, runErr)
	}
	e.logger.Info("enforcement command applied", "segment", segment, "action", action, "interface", ifname)
	return nil
}

// Statuses returns the persisted status of every known segment.
func (e *Enforcer) Statuses() ([]store.SegmentStatus, error) {
	return e.store.ListSegmentStatuses()
}
