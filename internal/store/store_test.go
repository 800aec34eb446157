package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/floe/internal/iface"
	"grimm.is/floe/internal/shaping"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUsageSessionsRoundtrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.AddUsageSessions([]UsageSession{
		{Segment: 10, Address: "192.168.10.5", App: "Netflix", Seconds: 15, Timestamp: now},
		{Segment: 10, Address: "192.168.10.6", Seconds: 15, Timestamp: now.Add(time.Minute)},
		{Segment: 20, Address: "192.168.20.2", App: "YouTube", Seconds: 30, Timestamp: now},
	}))

	total, err := s.SumUsageSince(10, now)
	require.NoError(t, err)
	assert.Equal(t, int64(30), total)

	total, err = s.SumUsageSince(10, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(15), total)

	recent, err := s.RecentUsage(10, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "192.168.10.6", recent[0].Address)
	assert.Empty(t, recent[0].App)
}

func TestSumUsageEmptyIsZero(t *testing.T) {
	s := newTestStore(t)
	total, err := s.SumUsageSince(99, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSegmentStatusUpsert(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	st, err := s.GetSegmentStatus(10)
	require.NoError(t, err)
	assert.Nil(t, st)

	require.NoError(t, s.SetSegmentStatus(10, "pending", now))
	require.NoError(t, s.SetSegmentStatus(10, "blacklisted", now.Add(2*time.Minute)))

	st, err = s.GetSegmentStatus(10)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "blacklisted", st.Status)

	all, err := s.ListSegmentStatuses()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEnforcementEvents(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.AddEnforcementEvent(EnforcementEvent{
		Segment: 10, Action: "blacklist", Reason: "over daily limit", Success: true, Timestamp: now,
	}))
	require.NoError(t, s.AddEnforcementEvent(EnforcementEvent{
		Segment: 10, Action: "unblacklist", Success: false, Timestamp: now.Add(time.Hour),
	}))

	evs, err := s.ListEnforcementEvents(10, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "unblacklist", evs[0].Action)
	assert.False(t, evs[0].Success)
	assert.Equal(t, "over daily limit", evs[1].Reason)
}

func TestPruning(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()

	require.NoError(t, s.AddUsageSessions([]UsageSession{
		{Segment: 1, Address: "a", Seconds: 10, Timestamp: old},
		{Segment: 1, Address: "b", Seconds: 10, Timestamp: fresh},
	}))
	n, err := s.PruneUsage(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testPolicy() *shaping.Policy {
	return &shaping.Policy{
		Name:        "office",
		Description: "office VLAN shaping",
		Interface:   "eth0.100",
		Qdiscs: []shaping.Qdisc{
			{Handle: "1:", Parent: "root", Options: shaping.HTB{Default: "30"}},
			{Handle: "10:", Parent: "1:10", Options: shaping.FQCodel{Limit: "1024"}},
		},
		Classes: []shaping.Class{
			{ClassID: "1:1", Parent: "1:", Options: shaping.HTBClass{Rate: "100mbit"}},
			{ClassID: "1:10", Parent: "1:1", Options: shaping.HTBClass{Rate: "40mbit", Ceil: "100mbit", Prio: "1"}},
		},
		Filters: []shaping.Filter{
			{Parent: "1:", Protocol: "ip", Prio: "1",
				Options: shaping.U32{Matches: []shaping.U32Match{{Proto: "ip", Field: "dport", Value: "443", Mask: "0xffff"}}},
				FlowID:  "1:10"},
		},
	}
}

func TestPolicyRoundtrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreatePolicy(testPolicy()))

	p, err := s.GetPolicy("office")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "eth0.100", p.Interface)
	assert.False(t, p.Applied())
	require.Len(t, p.Qdiscs, 2)
	require.Len(t, p.Classes, 2)
	require.Len(t, p.Filters, 1)

	// typed options survive the round trip, order included
	assert.Equal(t, shaping.HTB{Default: "30"}, p.Qdiscs[0].Options)
	assert.Equal(t, "fq_codel", p.Qdiscs[1].Options.Kind())
	assert.Equal(t, shaping.HTBClass{Rate: "40mbit", Ceil: "100mbit", Prio: "1"}, p.Classes[1].Options)

	// compiled output equals the original's
	assert.Equal(t, testPolicy().CompileAll(), p.CompileAll())
}

func TestCreatePolicyDuplicate(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreatePolicy(testPolicy()))
	err := s.CreatePolicy(testPolicy())
	assert.True(t, errors.Is(err, ErrDuplicatePolicy))
}

func TestGetPolicyAbsent(t *testing.T) {
	s := newTestStore(t)
	p, err := s.GetPolicy("missing")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestDeletePolicyRemovesObjects(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreatePolicy(testPolicy()))
	require.NoError(t, s.DeletePolicy("office"))

	p, err := s.GetPolicy("office")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestMarkPolicyApplied(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreatePolicy(testPolicy()))

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.MarkPolicyApplied("office", at))

	p, err := s.GetPolicy("office")
	require.NoError(t, err)
	assert.True(t, p.Applied())

	require.NoError(t, s.ClearPolicyApplied("office"))
	p, err = s.GetPolicy("office")
	require.NoError(t, err)
	assert.False(t, p.Applied())
}

func TestInterfaceSnapshot(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.SaveInterfaces([]iface.Interface{
		{Name: "eth0", Index: 2, Type: "ethernet", State: "up", MTU: 1500, MAC: "aa:bb:cc:dd:ee:ff",
			Addrs: []string{"192.168.1.1/24"}, DiscoveredAt: now},
		{Name: "eth0.100", Index: 3, Type: "vlan", State: "up", MTU: 1500, VLANID: 100,
			ParentInterface: "eth0", DiscoveredAt: now},
	}))

	ifaces, err := s.ListInterfaces()
	require.NoError(t, err)
	require.Len(t, ifaces, 2)
	assert.Equal(t, []string{"192.168.1.1/24"}, ifaces[0].Addrs)
	assert.Equal(t, 100, ifaces[1].VLANID)

	// snapshot replaces, not appends
	require.NoError(t, s.SaveInterfaces([]iface.Interface{{Name: "eth1", Index: 4, DiscoveredAt: now}}))
	ifaces, err = s.ListInterfaces()
	require.NoError(t, err)
	assert.Len(t, ifaces, 1)
}

func TestStatsAndBackups(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.AddStats([]shaping.Stat{
		{Interface: "eth0", ClassID: "1:10", Kind: "htb", Bytes: 1000, Packets: 10, Timestamp: now},
	}))
	stats, err := s.ListStats("eth0", 10)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(1000), stats[0].Bytes)

	require.NoError(t, s.SaveBackup("eth0", "apply-1", "qdisc htb 1: root", now))
	require.NoError(t, s.SaveBackup("eth0", "apply-2", "qdisc htb 1: root refreshed", now.Add(time.Minute)))

	id, content, err := s.LatestBackup("eth0")
	require.NoError(t, err)
	assert.Equal(t, "apply-2", id)
	assert.Contains(t, content, "refreshed")

	id, _, err = s.LatestBackup("eth9")
	require.NoError(t, err)
	assert.Empty(t, id)
}
