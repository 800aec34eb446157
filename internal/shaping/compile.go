package shaping

// RootParent is the parent value meaning the interface root.
const RootParent = "root"

func parentTokens(parent string) []string {
	if parent == RootParent || parent == "" {
		return []string{"root"}
	}
	return []string{"parent", parent}
}

// Compile returns the exact tc token sequence that creates the qdisc on dev.
func (q Qdisc) Compile(dev string) []string {
	argv := []string{"tc", "qdisc", "add", "dev", dev}
	argv = append(argv, parentTokens(q.Parent)...)
	argv = append(argv, "handle", q.Handle, q.Options.Kind())
	argv = append(argv, q.Options.Tokens()...)
	return argv
}

// Inverse returns the tc token sequence that removes the qdisc from dev.
func (q Qdisc) Inverse(dev string) []string {
	argv := []string{"tc", "qdisc", "del", "dev", dev}
	argv = append(argv, parentTokens(q.Parent)...)
	argv = append(argv, "handle", q.Handle)
	return argv
}

// Compile returns the exact tc token sequence that creates the class on dev.
func (c Class) Compile(dev string) []string {
	argv := []string{"tc", "class", "add", "dev", dev, "parent", c.Parent, "classid", c.ClassID, c.Options.Kind()}
	argv = append(argv, c.Options.Tokens()...)
	return argv
}

// Inverse returns the tc token sequence that removes the class from dev.
func (c Class) Inverse(dev string) []string {
	return []string{"tc", "class", "del", "dev", dev, "parent", c.Parent, "classid", c.ClassID}
}

// Compile returns the exact tc token sequence that creates the filter on dev.
func (f Filter) Compile(dev string) []string {
	argv := []string{"tc", "filter", "add", "dev", dev, "parent", f.Parent, "protocol", f.Protocol, "prio", f.Prio}
	if f.Handle != "" {
		argv = append(argv, "handle", f.Handle)
	}
	argv = append(argv, f.Options.Kind())
	argv = append(argv, f.Options.Tokens()...)
	argv = append(argv, "flowid", f.FlowID)
	return argv
}

// Inverse returns the tc token sequence that removes the filter from dev.
// Deletion addresses the filter by parent, protocol and prio, which is how
// tc identifies it; kind options are not needed.
func (f Filter) Inverse(dev string) []string {
	argv := []string{"tc", "filter", "del", "dev", dev, "parent", f.Parent, "protocol", f.Protocol, "prio", f.Prio}
	if f.Handle != "" {
		argv = append(argv, "handle", f.Handle, f.Options.Kind())
	}
	return argv
}

// CompileAll returns every command for the policy in strict dependency
// order: qdiscs, then classes, then filters.
func (p *Policy) CompileAll() [][]string {
	out := make([][]string, 0, len(p.Qdiscs)+len(p.Classes)+len(p.Filters))
	for _, q := range p.Qdiscs {
		out = append(out, q.Compile(p.Interface))
	}
	for _, c := range p.Classes {
		out = append(out, c.Compile(p.Interface))
	}
	for _, f := range p.Filters {
		out = append(out, f.Compile(p.Interface))
	}
	return out
}

// InverseFor returns teardown commands for a prefix of the CompileAll
// sequence, in reverse order. Used to roll back a partial apply: pass
// the commands that actually succeeded.
func (p *Policy) InverseFor(applied [][]string) [][]string {
	objects := make([]func(string) []string, 0, len(p.Qdiscs)+len(p.Classes)+len(p.Filters))
	for _, q := range p.Qdiscs {
		objects = append(objects, q.Inverse)
	}
	for _, c := range p.Classes {
		objects = append(objects, c.Inverse)
	}
	for _, f := range p.Filters {
		objects = append(objects, f.Inverse)
	}
	n := len(applied)
	if n > len(objects) {
		n = len(objects)
	}
	out := make([][]string, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, objects[i](p.Interface))
	}
	return out
}

// InverseAll returns teardown commands in reverse dependency order:
// filters, then classes, then qdiscs.
func (p *Policy) InverseAll() [][]string {
	out := make([][]string, 0, len(p.Qdiscs)+len(p.Classes)+len(p.Filters))
	for i := len(p.Filters) - 1; i >= 0; i-- {
		out = append(out, p.Filters[i].Inverse(p.Interface))
	}
	for i := len(p.Classes) - 1; i >= 0; i-- {
		out = append(out, p.Classes[i].Inverse(p.Interface))
	}
	for i := len(p.Qdiscs) - 1; i >= 0; i-- {
		out = append(out, p.Qdiscs[i].Inverse(p.Interface))
	}
	return out
}
