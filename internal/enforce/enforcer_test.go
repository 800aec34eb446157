package enforce

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/floe/internal/clock"
	"grimm.is/floe/internal/command"
	"grimm.is/floe/internal/config"
	"grimm.is/floe/internal/logging"
	"grimm.is/floe/internal/metrics"
	"grimm.is/floe/internal/store"
)

const enforcerConfig = `
enforcement {
  grace_seconds     = 120
  interface_pattern = "vlan%d"
}

threshold "100" {
  daily_limit_seconds = 3600
}
`

type enforcerFixture struct {
	enforcer *Enforcer
	store    *store.Store
	runner   *command.RecordingRunner
	clock    *clock.MockClock
}

func newFixture(t *testing.T) *enforcerFixture {
	t.Helper()
	cfg, err := config.Parse("test.hcl", []byte(enforcerConfig))
	require.NoError(t, err)

	logger := logging.New(logging.Config{Level: logging.LevelError})
	st, err := store.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	runner := command.NewRecordingRunner()
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	reg := metrics.NewRegistry(prometheus.NewRegistry())

	return &enforcerFixture{
		enforcer: New(cfg, st, nil, runner, clk, logger, reg),
		store:    st,
		runner:   runner,
		clock:    clk,
	}
}

func (f *enforcerFixture) addUsage(t *testing.T, segment, seconds int) {
	t.Helper()
	require.NoError(t, f.store.AddUsageSessions([]store.UsageSession{{
		Segment:   segment,
		Address:   "10.0.100.5",
		Seconds:   seconds,
		Timestamp: f.clock.Now(),
	}}))
}

func (f *enforcerFixture) status(t *testing.T, segment int) Status {
	t.Helper()
	row, err := f.store.GetSegmentStatus(segment)
	require.NoError(t, err)
	if row == nil {
		return StatusOk
	}
	return Status(row.Status)
}

func blockCalls(runner *command.RecordingRunner) []string {
	var out []string
	for _, argv := range runner.Calls {
		joined := strings.Join(argv, " ")
		if strings.Contains(joined, "element") {
			out = append(out, joined)
		}
	}
	return out
}

func TestEvaluateGraceSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 3700 seconds used against a 3600 second budget.
	f.addUsage(t, 100, 3700)

	// First tick: over limit, enter Pending, no command.
	f.enforcer.Evaluate(ctx)
	assert.Equal(t, StatusPending, f.status(t, 100))
	assert.Empty(t, blockCalls(f.runner))

	// 119s later: still inside the grace window.
	f.clock.Advance(119 * time.Second)
	f.enforcer.Evaluate(ctx)
	assert.Equal(t, StatusPending, f.status(t, 100))
	assert.Empty(t, blockCalls(f.runner))

	// Past the window: blacklist, exactly one block command and event.
	f.clock.Advance(2 * time.Second)
	f.enforcer.Evaluate(ctx)
	assert.Equal(t, StatusBlacklisted, f.status(t, 100))

	calls := blockCalls(f.runner)
	require.Len(t, calls, 1)
	assert.Equal(t, "nft add element inet floe seg_blocklist { vlan100 }", calls[0])

	events, err := f.store.ListEnforcementEvents(100, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "blacklist", events[0].Action)
	assert.True(t, events[0].Success)
}

func TestEvaluateBlacklistIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addUsage(t, 100, 3700)
	f.enforcer.Evaluate(ctx)
	f.clock.Advance(3 * time.Minute)
	f.enforcer.Evaluate(ctx)
	require.Equal(t, StatusBlacklisted, f.status(t, 100))

	// Further ticks while still over limit issue no additional commands.
	f.clock.Advance(time.Minute)
	f.enforcer.Evaluate(ctx)
	f.clock.Advance(time.Minute)
	f.enforcer.Evaluate(ctx)
	assert.Len(t, blockCalls(f.runner), 1)
}

func TestEvaluateRecoveryUnblocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addUsage(t, 100, 3700)
	f.enforcer.Evaluate(ctx)
	f.clock.Advance(3 * time.Minute)
	f.enforcer.Evaluate(ctx)
	require.Equal(t, StatusBlacklisted, f.status(t, 100))

	// Next day the daily total resets; recovery is immediate.
	f.clock.Advance(24 * time.Hour)
	f.enforcer.Evaluate(ctx)
	assert.Equal(t, StatusOk, f.status(t, 100))

	calls := blockCalls(f.runner)
	require.Len(t, calls, 2)
	assert.Equal(t, "nft delete element inet floe seg_blocklist { vlan100 }", calls[1])
}

func TestEvaluateFailedCommandKeepsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addUsage(t, 100, 3700)
	f.enforcer.Evaluate(ctx)
	require.Equal(t, StatusPending, f.status(t, 100))

	f.runner.FailOn["nft add element inet floe seg_blocklist { vlan100 }"] = errors.New("nft: command failed")
	f.clock.Advance(3 * time.Minute)
	f.enforcer.Evaluate(ctx)

	// Status stays Pending so the next tick retries the block.
	assert.Equal(t, StatusPending, f.status(t, 100))

	events, err := f.store.ListEnforcementEvents(100, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)

	// Retry succeeds once the command does.
	delete(f.runner.FailOn, "nft add element inet floe seg_blocklist { vlan100 }")
	f.enforcer.Evaluate(ctx)
	assert.Equal(t, StatusBlacklisted, f.status(t, 100))
}

func TestEvaluateUnderLimitStaysOk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addUsage(t, 100, 100)
	f.enforcer.Evaluate(ctx)
	assert.Equal(t, StatusOk, f.status(t, 100))
	assert.Empty(t, blockCalls(f.runner))
}

func TestBootstrapFeedsScript(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.enforcer.Bootstrap(context.Background()))

	require.Len(t, f.runner.Calls, 1)
	assert.Equal(t, []string{"nft", "-f", "-"}, f.runner.Calls[0])
	assert.Contains(t, f.runner.Inputs[0], "set seg_blocklist")
	assert.Contains(t, f.runner.Inputs[0], "type ifname")
}
