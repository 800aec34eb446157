// Package shaping defines the declarative traffic-shaping model and the
// compiler that turns each object into its exact tc command line. The
// package is pure: no I/O, no execution, deterministic output.
package shaping

import (
	"fmt"
	"time"
)

// QdiscOptions is the tagged kind variant for a queueing discipline.
// Tokens returns the kind-specific options in declaration order; tc syntax
// is positional for several kinds, so order is part of the contract.
type QdiscOptions interface {
	Kind() string
	Tokens() []string
}

// HTB is a hierarchical token bucket qdisc.
type HTB struct {
	Default string `hcl:"default,optional" json:"default,omitempty"` // minor id of the default class, e.g. "30"
	R2Q     string `hcl:"r2q,optional" json:"r2q,omitempty"`
}

func (o HTB) Kind() string { return "htb" }

func (o HTB) Tokens() []string {
	var t []string
	if o.Default != "" {
		t = append(t, "default", o.Default)
	}
	if o.R2Q != "" {
		t = append(t, "r2q", o.R2Q)
	}
	return t
}

// FQCodel is a fq_codel leaf qdisc.
type FQCodel struct {
	Limit    string `hcl:"limit,optional" json:"limit,omitempty"`
	Target   string `hcl:"target,optional" json:"target,omitempty"`
	Interval string `hcl:"interval,optional" json:"interval,omitempty"`
}

func (o FQCodel) Kind() string { return "fq_codel" }

func (o FQCodel) Tokens() []string {
	var t []string
	if o.Limit != "" {
		t = append(t, "limit", o.Limit)
	}
	if o.Target != "" {
		t = append(t, "target", o.Target)
	}
	if o.Interval != "" {
		t = append(t, "interval", o.Interval)
	}
	return t
}

// SFQ is a stochastic fairness queueing leaf qdisc.
type SFQ struct {
	Perturb string `hcl:"perturb,optional" json:"perturb,omitempty"`
}

func (o SFQ) Kind() string { return "sfq" }

func (o SFQ) Tokens() []string {
	if o.Perturb == "" {
		return nil
	}
	return []string{"perturb", o.Perturb}
}

// Qdisc is a declarative queueing discipline bound to an interface.
type Qdisc struct {
	ID        int64        `json:"id,omitempty"`
	Handle    string       `json:"handle"` // e.g. "1:"
	Parent    string       `json:"parent"` // "root" or a classid like "1:10"
	Options   QdiscOptions `json:"options"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// ClassOptions is the tagged kind variant for a traffic class.
type ClassOptions interface {
	Kind() string
	Tokens() []string
}

// HTBClass carries the htb class parameters. Rates are tc rate strings
// ("10mbit", "500kbit") passed through verbatim.
type HTBClass struct {
	Rate    string `hcl:"rate" json:"rate"`
	Ceil    string `hcl:"ceil,optional" json:"ceil,omitempty"`
	Prio    string `hcl:"prio,optional" json:"prio,omitempty"`
	Burst   string `hcl:"burst,optional" json:"burst,omitempty"`
	Quantum string `hcl:"quantum,optional" json:"quantum,omitempty"`
}

func (o HTBClass) Kind() string { return "htb" }

func (o HTBClass) Tokens() []string {
	var t []string
	if o.Rate != "" {
		t = append(t, "rate", o.Rate)
	}
	if o.Ceil != "" {
		t = append(t, "ceil", o.Ceil)
	}
	if o.Prio != "" {
		t = append(t, "prio", o.Prio)
	}
	if o.Burst != "" {
		t = append(t, "burst", o.Burst)
	}
	if o.Quantum != "" {
		t = append(t, "quantum", o.Quantum)
	}
	return t
}

// Class is a declarative bandwidth class attached to a qdisc.
type Class struct {
	ID        int64        `json:"id,omitempty"`
	ClassID   string       `json:"classid"` // e.g. "1:10"
	Parent    string       `json:"parent"`  // e.g. "1:" or "1:1"
	Options   ClassOptions `json:"options"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// FilterOptions is the tagged kind variant for a packet classifier.
type FilterOptions interface {
	Kind() string
	Tokens() []string
}

// U32Match is a single u32 selector, e.g. {Proto: "ip", Field: "dport",
// Value: "443", Mask: "0xffff"} → "match ip dport 443 0xffff".
type U32Match struct {
	Proto string `hcl:"proto" json:"proto"` // "ip", "ip6"
	Field string `hcl:"field" json:"field"` // "src", "dst", "sport", "dport", "protocol"
	Value string `hcl:"value" json:"value"`
	Mask  string `hcl:"mask,optional" json:"mask,omitempty"`
}

func (m U32Match) tokens() []string {
	t := []string{"match", m.Proto, m.Field, m.Value}
	if m.Mask != "" {
		t = append(t, m.Mask)
	}
	return t
}

// U32 classifies by header match criteria, in declared order.
type U32 struct {
	Matches []U32Match `hcl:"match,block" json:"matches"`
}

func (o U32) Kind() string { return "u32" }

func (o U32) Tokens() []string {
	var t []string
	for _, m := range o.Matches {
		t = append(t, m.tokens()...)
	}
	return t
}

// FW classifies by firewall mark. The mark travels in the filter handle,
// which tc expects before the kind keyword; Filter.Compile handles that.
type FW struct{}

func (o FW) Kind() string { return "fw" }

func (o FW) Tokens() []string { return nil }

// Filter is a declarative packet classifier steering traffic into a class.
type Filter struct {
	ID        int64         `json:"id,omitempty"`
	Parent    string        `json:"parent"`           // e.g. "1:"
	Protocol  string        `json:"protocol"`         // "ip", "ip6", "all"
	Prio      string        `json:"prio"`             // e.g. "1"
	Handle    string        `json:"handle,omitempty"` // fwmark for fw filters, optional for u32
	Options   FilterOptions `json:"options"`
	FlowID    string        `json:"flowid"` // target classid
	CreatedAt time.Time     `json:"created_at,omitempty"`
}

// Policy is the top-level shaping unit: ordered qdiscs, classes and
// filters targeting one interface. Apply order is qdiscs, classes,
// filters; classes attach to qdiscs and filters to classes.
type Policy struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Interface   string     `json:"interface"`
	Qdiscs      []Qdisc    `json:"qdiscs"`
	Classes     []Class    `json:"classes"`
	Filters     []Filter   `json:"filters"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
	AppliedAt   *time.Time `json:"applied_at,omitempty"`
}

// Applied reports whether the policy has been applied to the kernel.
func (p *Policy) Applied() bool {
	return p.AppliedAt != nil && !p.AppliedAt.IsZero()
}

// Validate checks that the policy is structurally sound enough to
// compile: naming, target interface and the fields every tc command
// line needs.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.Interface == "" {
		return fmt.Errorf("policy %s: interface is required", p.Name)
	}
	for i, q := range p.Qdiscs {
		if q.Handle == "" {
			return fmt.Errorf("policy %s: qdisc %d: handle is required", p.Name, i)
		}
		if q.Options == nil {
			return fmt.Errorf("policy %s: qdisc %s: options are required", p.Name, q.Handle)
		}
	}
	for i, c := range p.Classes {
		if c.ClassID == "" || c.Parent == "" {
			return fmt.Errorf("policy %s: class %d: classid and parent are required", p.Name, i)
		}
		if c.Options == nil {
			return fmt.Errorf("policy %s: class %s: options are required", p.Name, c.ClassID)
		}
	}
	for i, f := range p.Filters {
		if f.Parent == "" || f.FlowID == "" {
			return fmt.Errorf("policy %s: filter %d: parent and flowid are required", p.Name, i)
		}
		if f.Options == nil {
			return fmt.Errorf("policy %s: filter %d: options are required", p.Name, i)
		}
	}
	return nil
}

// Stat is one observed counter sample for a class on an interface.
// Telemetry only, never authoritative state.
type Stat struct {
	ID         int64     `json:"id,omitempty"`
	Interface  string    `json:"interface"`
	ClassID    string    `json:"classid"`
	Kind       string    `json:"kind"`
	Bytes      uint64    `json:"bytes"`
	Packets    uint64    `json:"packets"`
	Dropped    uint64    `json:"dropped"`
	Overlimits uint64    `json:"overlimits"`
	Timestamp  time.Time `json:"timestamp"`
}
