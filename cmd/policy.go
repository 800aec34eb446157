package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"grimm.is/floe/internal/policy"
)

// openManager wires a policy manager against the configured store.
// CLI invocations run alongside the daemon; sqlite WAL mode keeps the
// two processes from blocking each other.
func openManager(configFile string) (*policy.Manager, func(), error) {
	env, err := openEnv(configFile)
	if err != nil {
		return nil, nil, err
	}
	mgr := policy.New(env.store, env.audit, env.runner, env.clock, env.logger, env.metrics, *env.cfg.Shaping.BackupBeforeApply)
	return mgr, env.close, nil
}

// RunPolicyList prints all stored policies.
func RunPolicyList(configFile string) error {
	mgr, closeEnv, err := openManager(configFile)
	if err != nil {
		return err
	}
	defer closeEnv()

	policies, err := mgr.List()
	if err != nil {
		return err
	}
	if len(policies) == 0 {
		fmt.Println("no policies")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tINTERFACE\tOBJECTS\tAPPLIED")
	for _, p := range policies {
		applied := "-"
		if p.Applied() {
			applied = p.AppliedAt.Format("2006-01-02 15:04:05")
		}
		objects := len(p.Qdiscs) + len(p.Classes) + len(p.Filters)
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.Name, p.Interface, objects, applied)
	}
	return w.Flush()
}

// RunPolicyShow prints one policy with its compiled commands.
func RunPolicyShow(configFile, name string) error {
	mgr, closeEnv, err := openManager(configFile)
	if err != nil {
		return err
	}
	defer closeEnv()

	p, err := mgr.Get(name)
	if err != nil {
		return err
	}
	fmt.Printf("%s on %s", p.Name, p.Interface)
	if p.Description != "" {
		fmt.Printf(" (%s)", p.Description)
	}
	fmt.Println()
	for _, argv := range p.CompileAll() {
		fmt.Printf("  %s\n", strings.Join(argv, " "))
	}
	return nil
}

// RunPolicySync loads policies from config into the store.
func RunPolicySync(configFile string) error {
	env, err := openEnv(configFile)
	if err != nil {
		return err
	}
	defer env.close()

	mgr := policy.New(env.store, env.audit, env.runner, env.clock, env.logger, env.metrics, *env.cfg.Shaping.BackupBeforeApply)
	policies, err := env.cfg.ShapingPolicies()
	if err != nil {
		return err
	}
	created := 0
	for _, p := range policies {
		if _, err := mgr.Get(p.Name); err == nil {
			continue
		}
		if err := mgr.Create(p); err != nil {
			return err
		}
		created++
	}
	fmt.Printf("synced %d policies (%d created)\n", len(policies), created)
	return nil
}

// RunPolicyApply applies a stored policy to the kernel.
func RunPolicyApply(configFile, name string) error {
	mgr, closeEnv, err := openManager(configFile)
	if err != nil {
		return err
	}
	defer closeEnv()

	if err := mgr.Apply(context.Background(), name); err != nil {
		return err
	}
	fmt.Printf("applied %s\n", name)
	return nil
}

// RunPolicyRemove tears down an applied policy.
func RunPolicyRemove(configFile, name string) error {
	mgr, closeEnv, err := openManager(configFile)
	if err != nil {
		return err
	}
	defer closeEnv()

	if err := mgr.Remove(context.Background(), name); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", name)
	return nil
}

// RunPolicyDelete removes a policy from the store, tearing it down
// first when applied.
func RunPolicyDelete(configFile, name string) error {
	mgr, closeEnv, err := openManager(configFile)
	if err != nil {
		return err
	}
	defer closeEnv()

	if err := mgr.Delete(context.Background(), name); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", name)
	return nil
}
