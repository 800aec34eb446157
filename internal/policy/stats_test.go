package policy

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/floe/internal/clock"
	"grimm.is/floe/internal/command"
	"grimm.is/floe/internal/logging"
	"grimm.is/floe/internal/metrics"
	"grimm.is/floe/internal/store"
)

const tcClassOutput = `class htb 1: root rate 100Mbit ceil 100Mbit burst 1600b cburst 1600b
 Sent 0 bytes 0 pkt (dropped 0, overlimits 0 requeues 0)
 backlog 0b 0p requeues 0
class htb 1:30 parent 1: prio 0 rate 10Mbit ceil 12Mbit burst 1600b cburst 1599b
 Sent 123456 bytes 789 pkt (dropped 5, overlimits 10 requeues 0)
 backlog 0b 0p requeues 0
 lended: 700 borrowed: 89 giants: 0
`

func newCollectorFixture(t *testing.T) (*Collector, *Manager, *store.Store, *command.RecordingRunner) {
	t.Helper()
	logger := logging.New(logging.Config{Level: logging.LevelError})
	st, err := store.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	runner := command.NewRecordingRunner()
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	reg := metrics.NewRegistry(prometheus.NewRegistry())

	mgr := New(st, nil, runner, clk, logger, reg, false)
	return NewCollector(st, runner, clk, logger, reg), mgr, st, runner
}

func TestParseClassStats(t *testing.T) {
	c, _, _, _ := newCollectorFixture(t)

	stats := c.parseClassStats("vlan200", tcClassOutput)
	require.Len(t, stats, 2)

	assert.Equal(t, "1:", stats[0].ClassID)
	assert.Equal(t, uint64(0), stats[0].Bytes)

	assert.Equal(t, "vlan200", stats[1].Interface)
	assert.Equal(t, "htb", stats[1].Kind)
	assert.Equal(t, "1:30", stats[1].ClassID)
	assert.Equal(t, uint64(123456), stats[1].Bytes)
	assert.Equal(t, uint64(789), stats[1].Packets)
	assert.Equal(t, uint64(5), stats[1].Dropped)
	assert.Equal(t, uint64(10), stats[1].Overlimits)
}

func TestCollectOnlyAppliedPolicies(t *testing.T) {
	c, mgr, st, runner := newCollectorFixture(t)

	require.NoError(t, mgr.Create(capPolicy()))
	c.Collect(context.Background())
	assert.Empty(t, runner.Calls, "unapplied policy must not be sampled")

	require.NoError(t, mgr.Apply(context.Background(), "guest-cap"))
	runner.Calls = nil
	runner.Outputs["tc -s class show dev vlan200"] = tcClassOutput

	c.Collect(context.Background())
	require.Len(t, runner.Calls, 1)

	stats, err := st.ListStats("vlan200", 10)
	require.NoError(t, err)
	assert.Len(t, stats, 2)
}
