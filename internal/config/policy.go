package config

import (
	"fmt"

	"grimm.is/floe/internal/shaping"
)

// PolicyBlock is the HCL form of a shaping policy. Sub-blocks declare
// qdiscs, classes and filters in the order they must be applied.
type PolicyBlock struct {
	Name        string        `hcl:"name,label"`
	Description string        `hcl:"description,optional"`
	Interface   string        `hcl:"interface"`
	Qdiscs      []QdiscBlock  `hcl:"qdisc,block"`
	Classes     []ClassBlock  `hcl:"class,block"`
	Filters     []FilterBlock `hcl:"filter,block"`
}

// QdiscBlock declares one queueing discipline. Only the attributes for
// the named kind are consulted.
type QdiscBlock struct {
	Kind   string `hcl:"kind,label"`
	Handle string `hcl:"handle"`
	Parent string `hcl:"parent,optional"`

	// htb
	Default string `hcl:"default,optional"`
	R2Q     string `hcl:"r2q,optional"`

	// fq_codel
	Limit    string `hcl:"limit,optional"`
	Target   string `hcl:"target,optional"`
	Interval string `hcl:"interval,optional"`

	// sfq
	Perturb string `hcl:"perturb,optional"`
}

// ClassBlock declares one traffic class.
type ClassBlock struct {
	Kind    string `hcl:"kind,label"`
	ClassID string `hcl:"classid"`
	Parent  string `hcl:"parent"`
	Rate    string `hcl:"rate,optional"`
	Ceil    string `hcl:"ceil,optional"`
	Prio    string `hcl:"prio,optional"`
	Burst   string `hcl:"burst,optional"`
	Quantum string `hcl:"quantum,optional"`
}

// FilterBlock declares one classifier rule.
type FilterBlock struct {
	Kind     string       `hcl:"kind,label"`
	Parent   string       `hcl:"parent"`
	Protocol string       `hcl:"protocol,optional"`
	Prio     string       `hcl:"prio,optional"`
	Handle   string       `hcl:"handle,optional"`
	FlowID   string       `hcl:"flowid"`
	Matches  []MatchBlock `hcl:"match,block"`
}

// MatchBlock is a u32 selector.
type MatchBlock struct {
	Proto string `hcl:"proto"`
	Field string `hcl:"field"`
	Value string `hcl:"value"`
	Mask  string `hcl:"mask,optional"`
}

// ToPolicy converts the block into the typed model.
func (b *PolicyBlock) ToPolicy() (*shaping.Policy, error) {
	p := &shaping.Policy{
		Name:        b.Name,
		Description: b.Description,
		Interface:   b.Interface,
	}
	if p.Interface == "" {
		return nil, fmt.Errorf("policy %q: interface is required", b.Name)
	}
	for _, q := range b.Qdiscs {
		opts, err := q.options()
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", b.Name, err)
		}
		parent := q.Parent
		if parent == "" {
			parent = shaping.RootParent
		}
		p.Qdiscs = append(p.Qdiscs, shaping.Qdisc{
			Handle:  q.Handle,
			Parent:  parent,
			Options: opts,
		})
	}
	for _, c := range b.Classes {
		if c.Kind != "htb" {
			return nil, fmt.Errorf("policy %q: unknown class kind %q", b.Name, c.Kind)
		}
		if c.Rate == "" {
			return nil, fmt.Errorf("policy %q: class %s: rate is required", b.Name, c.ClassID)
		}
		p.Classes = append(p.Classes, shaping.Class{
			ClassID: c.ClassID,
			Parent:  c.Parent,
			Options: shaping.HTBClass{
				Rate:    c.Rate,
				Ceil:    c.Ceil,
				Prio:    c.Prio,
				Burst:   c.Burst,
				Quantum: c.Quantum,
			},
		})
	}
	for _, f := range b.Filters {
		opts, err := f.options()
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", b.Name, err)
		}
		proto := f.Protocol
		if proto == "" {
			proto = "ip"
		}
		prio := f.Prio
		if prio == "" {
			prio = "1"
		}
		p.Filters = append(p.Filters, shaping.Filter{
			Parent:   f.Parent,
			Protocol: proto,
			Prio:     prio,
			Handle:   f.Handle,
			Options:  opts,
			FlowID:   f.FlowID,
		})
	}
	return p, nil
}

func (q *QdiscBlock) options() (shaping.QdiscOptions, error) {
	switch q.Kind {
	case "htb":
		return shaping.HTB{Default: q.Default, R2Q: q.R2Q}, nil
	case "fq_codel":
		return shaping.FQCodel{Limit: q.Limit, Target: q.Target, Interval: q.Interval}, nil
	case "sfq":
		return shaping.SFQ{Perturb: q.Perturb}, nil
	default:
		return nil, fmt.Errorf("unknown qdisc kind %q", q.Kind)
	}
}

func (f *FilterBlock) options() (shaping.FilterOptions, error) {
	switch f.Kind {
	case "u32":
		u := shaping.U32{}
		for _, m := range f.Matches {
			u.Matches = append(u.Matches, shaping.U32Match{
				Proto: m.Proto,
				Field: m.Field,
				Value: m.Value,
				Mask:  m.Mask,
			})
		}
		return u, nil
	case "fw":
		if f.Handle == "" {
			return nil, fmt.Errorf("fw filter requires a handle (fwmark)")
		}
		return shaping.FW{}, nil
	default:
		return nil, fmt.Errorf("unknown filter kind %q", f.Kind)
	}
}
