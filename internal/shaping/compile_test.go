package shaping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQdiscCompileRootHTB(t *testing.T) {
	q := Qdisc{
		Handle:  "1:",
		Parent:  "root",
		Options: HTB{Default: "30"},
	}

	want := []string{"tc", "qdisc", "add", "dev", "eth0", "root", "handle", "1:", "htb", "default", "30"}
	assert.Equal(t, want, q.Compile("eth0"))
}

func TestQdiscCompileChildFQCodel(t *testing.T) {
	q := Qdisc{
		Handle:  "10:",
		Parent:  "1:10",
		Options: FQCodel{Limit: "1024", Target: "5ms"},
	}

	want := []string{"tc", "qdisc", "add", "dev", "eth0.100", "parent", "1:10", "handle", "10:", "fq_codel", "limit", "1024", "target", "5ms"}
	assert.Equal(t, want, q.Compile("eth0.100"))
}

func TestQdiscOptionOrderPreserved(t *testing.T) {
	// tc option syntax is positional for several kinds; declaration order
	// must survive compilation exactly.
	q := Qdisc{Handle: "1:", Parent: "root", Options: HTB{Default: "30", R2Q: "10"}}
	got := q.Compile("eth1")
	assert.Equal(t, []string{"htb", "default", "30", "r2q", "10"}, got[8:])
}

func TestQdiscInverse(t *testing.T) {
	q := Qdisc{Handle: "1:", Parent: "root", Options: HTB{Default: "30"}}
	want := []string{"tc", "qdisc", "del", "dev", "eth0", "root", "handle", "1:"}
	assert.Equal(t, want, q.Inverse("eth0"))
}

func TestClassCompileHTB(t *testing.T) {
	c := Class{
		ClassID: "1:10",
		Parent:  "1:",
		Options: HTBClass{Rate: "10mbit", Ceil: "20mbit", Prio: "1"},
	}

	want := []string{"tc", "class", "add", "dev", "eth0", "parent", "1:", "classid", "1:10", "htb",
		"rate", "10mbit", "ceil", "20mbit", "prio", "1"}
	assert.Equal(t, want, c.Compile("eth0"))
}

func TestClassCompileOmitsUnsetOptions(t *testing.T) {
	c := Class{ClassID: "1:20", Parent: "1:", Options: HTBClass{Rate: "5mbit"}}
	want := []string{"tc", "class", "add", "dev", "vlan10", "parent", "1:", "classid", "1:20", "htb", "rate", "5mbit"}
	assert.Equal(t, want, c.Compile("vlan10"))
}

func TestClassInverse(t *testing.T) {
	c := Class{ClassID: "1:10", Parent: "1:", Options: HTBClass{Rate: "10mbit"}}
	want := []string{"tc", "class", "del", "dev", "eth0", "parent", "1:", "classid", "1:10"}
	assert.Equal(t, want, c.Inverse("eth0"))
}

func TestFilterCompileU32(t *testing.T) {
	f := Filter{
		Parent:   "1:",
		Protocol: "ip",
		Prio:     "1",
		Options: U32{Matches: []U32Match{
			{Proto: "ip", Field: "dport", Value: "443", Mask: "0xffff"},
			{Proto: "ip", Field: "protocol", Value: "6", Mask: "0xff"},
		}},
		FlowID: "1:10",
	}

	want := []string{"tc", "filter", "add", "dev", "eth0", "parent", "1:", "protocol", "ip", "prio", "1",
		"u32",
		"match", "ip", "dport", "443", "0xffff",
		"match", "ip", "protocol", "6", "0xff",
		"flowid", "1:10"}
	assert.Equal(t, want, f.Compile("eth0"))
}

func TestFilterCompileFWHandleBeforeKind(t *testing.T) {
	f := Filter{
		Parent:   "1:",
		Protocol: "ip",
		Prio:     "2",
		Handle:   "0x1",
		Options:  FW{},
		FlowID:   "1:20",
	}

	want := []string{"tc", "filter", "add", "dev", "eth0", "parent", "1:", "protocol", "ip", "prio", "2",
		"handle", "0x1", "fw", "flowid", "1:20"}
	assert.Equal(t, want, f.Compile("eth0"))
}

func TestFilterInverse(t *testing.T) {
	f := Filter{Parent: "1:", Protocol: "ip", Prio: "1", Options: U32{}, FlowID: "1:10"}
	want := []string{"tc", "filter", "del", "dev", "eth0", "parent", "1:", "protocol", "ip", "prio", "1"}
	assert.Equal(t, want, f.Inverse("eth0"))
}

func TestPolicyCompileAllDependencyOrder(t *testing.T) {
	p := &Policy{
		Name:      "office",
		Interface: "eth0",
		Qdiscs: []Qdisc{
			{Handle: "1:", Parent: "root", Options: HTB{Default: "30"}},
		},
		Classes: []Class{
			{ClassID: "1:1", Parent: "1:", Options: HTBClass{Rate: "100mbit"}},
			{ClassID: "1:10", Parent: "1:1", Options: HTBClass{Rate: "40mbit", Ceil: "100mbit"}},
		},
		Filters: []Filter{
			{Parent: "1:", Protocol: "ip", Prio: "1",
				Options: U32{Matches: []U32Match{{Proto: "ip", Field: "dport", Value: "443", Mask: "0xffff"}}},
				FlowID:  "1:10"},
		},
	}

	cmds := p.CompileAll()
	require.Len(t, cmds, 4)
	assert.Equal(t, "qdisc", cmds[0][1])
	assert.Equal(t, "class", cmds[1][1])
	assert.Equal(t, "class", cmds[2][1])
	assert.Equal(t, "filter", cmds[3][1])
}

func TestPolicyInverseAllReverseOrder(t *testing.T) {
	p := &Policy{
		Interface: "eth0",
		Qdiscs:    []Qdisc{{Handle: "1:", Parent: "root", Options: HTB{}}},
		Classes: []Class{
			{ClassID: "1:1", Parent: "1:", Options: HTBClass{Rate: "100mbit"}},
			{ClassID: "1:10", Parent: "1:1", Options: HTBClass{Rate: "40mbit"}},
		},
		Filters: []Filter{
			{Parent: "1:", Protocol: "ip", Prio: "1", Options: U32{}, FlowID: "1:10"},
		},
	}

	cmds := p.InverseAll()
	require.Len(t, cmds, 4)
	// filters first, then classes in reverse, then qdiscs
	assert.Equal(t, "filter", cmds[0][1])
	assert.Equal(t, []string{"tc", "class", "del", "dev", "eth0", "parent", "1:1", "classid", "1:10"}, cmds[1])
	assert.Equal(t, []string{"tc", "class", "del", "dev", "eth0", "parent", "1:", "classid", "1:1"}, cmds[2])
	assert.Equal(t, "qdisc", cmds[3][1])
}

func TestCompileIsDeterministic(t *testing.T) {
	q := Qdisc{Handle: "1:", Parent: "root", Options: HTB{Default: "30"}}
	first := q.Compile("eth0")
	second := q.Compile("eth0")
	assert.Equal(t, first, second)
}
