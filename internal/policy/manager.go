// Package policy manages declarative traffic-shaping policies: CRUD
// against the store plus transactional apply and removal of the
// compiled tc command sequences.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"grimm.is/floe/internal/audit"
	"grimm.is/floe/internal/clock"
	"grimm.is/floe/internal/command"
	"grimm.is/floe/internal/logging"
	"grimm.is/floe/internal/metrics"
	"grimm.is/floe/internal/shaping"
	"grimm.is/floe/internal/store"
)

// ErrNotFound is returned when a named policy does not exist.
var ErrNotFound = errors.New("policy not found")

// ApplyError reports a failed policy apply after rollback completed.
type ApplyError struct {
	Policy  string
	Command []string
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply policy %s: %q: %v", e.Policy, strings.Join(e.Command, " "), e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Manager owns the shaping policy lifecycle. Applies to the same
// interface are serialized; different interfaces proceed in parallel.
type Manager struct {
	store   *store.Store
	audit   *audit.Store
	runner  command.Runner
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Registry
	backup  bool

	mu     sync.Mutex
	ifaces map[string]*sync.Mutex
}

// New builds a manager. The audit store may be nil. backup controls
// whether the current tc state is snapshotted before each apply.
func New(st *store.Store, au *audit.Store, runner command.Runner, clk clock.Clock, logger *logging.Logger, reg *metrics.Registry, backup bool) *Manager {
	return &Manager{
		store:   st,
		audit:   au,
		runner:  runner,
		clock:   clk,
		logger:  logger.WithComponent("policy"),
		metrics: reg,
		backup:  backup,
		ifaces:  make(map[string]*sync.Mutex),
	}
}

func (m *Manager) ifaceLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.ifaces[name]
	if l == nil {
		l = &sync.Mutex{}
		m.ifaces[name] = l
	}
	return l
}

// Create validates and persists a policy without applying it.
func (m *Manager) Create(p *shaping.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.CreatedAt = m.clock.Now()
	if err := m.store.CreatePolicy(p); err != nil {
		return err
	}
	m.logger.Info("policy created", "policy", p.Name, "interface", p.Interface)
	return nil
}

// Get returns a stored policy, ErrNotFound when absent.
func (m *Manager) Get(name string) (*shaping.Policy, error) {
	p, err := m.store.GetPolicy(name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

// List returns all stored policies.
func (m *Manager) List() ([]*shaping.Policy, error) {
	return m.store.ListPolicies()
}

// Apply compiles a policy and executes its commands in dependency
// order: qdiscs, then classes, then filters. On the first failure
// every command already executed is undone in reverse order and the
// original error is surfaced to the caller.
func (m *Manager) Apply(ctx context.Context, name string) error {
	p, err := m.Get(name)
	if err != nil {
		return err
	}

	lock := m.ifaceLock(p.Interface)
	lock.Lock()
	defer lock.Unlock()

	applyID := uuid.New().String()
	log := m.logger.WithFields(map[string]any{
		"policy": p.Name, "interface": p.Interface, "apply_id": applyID,
	})

	if m.backup {
		if err := m.saveBackup(ctx, p.Interface, applyID); err != nil {
			log.Warn("tc state backup failed, continuing", "error", err)
		}
	}

	cmds := p.CompileAll()
	applied := make([][]string, 0, len(cmds))
	for _, argv := range cmds {
		if err := m.runner.Run(ctx, argv); err != nil {
			m.metrics.TCCommands.WithLabelValues("error").Inc()
			log.Error("tc command failed, rolling back",
				"command", strings.Join(argv, " "), "applied", len(applied), "error", err)
			m.rollback(ctx, p, applied, log)
			m.metrics.PolicyApplies.WithLabelValues("error").Inc()
			m.writeAudit("policy-apply", p.Name, false, map[string]any{
				"apply_id": applyID, "failed_command": strings.Join(argv, " "),
			})
			return &ApplyError{Policy: p.Name, Command: argv, Err: err}
		}
		m.metrics.TCCommands.WithLabelValues("ok").Inc()
		applied = append(applied, argv)
	}

	if err := m.store.MarkPolicyApplied(p.Name, m.clock.Now()); err != nil {
		return err
	}
	m.metrics.PolicyApplies.WithLabelValues("ok").Inc()
	m.writeAudit("policy-apply", p.Name, true, map[string]any{
		"apply_id": applyID, "commands": len(cmds),
	})
	log.Info("policy applied", "commands", len(cmds))
	return nil
}

// rollback undoes already-executed commands in reverse order. Rollback
// failures are logged and skipped; a partial teardown must not mask
// the original apply error.
func (m *Manager) rollback(ctx context.Context, p *shaping.Policy, applied [][]string, log *logging.Logger) {
	m.metrics.PolicyRollbacks.Inc()
	inverses := p.InverseFor(applied)
	for _, argv := range inverses {
		if err := m.runner.Run(ctx, argv); err != nil {
			log.Warn("rollback command failed",
				"command", strings.Join(argv, " "), "error", err)
		}
	}
	log.Info("rollback complete", "commands", len(inverses))
}

// Remove tears down an applied policy and clears its applied mark.
// Teardown is best effort: deleting the root qdisc removes the whole
// hierarchy, so later delete errors are logged, not surfaced.
func (m *Manager) Remove(ctx context.Context, name string) error {
	p, err := m.Get(name)
	if err != nil {
		return err
	}

	lock := m.ifaceLock(p.Interface)
	lock.Lock()
	defer lock.Unlock()

	var firstErr error
	for _, argv := range p.InverseAll() {
		if err := m.runner.Run(ctx, argv); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.logger.Debug("teardown command failed",
				"policy", name, "command", strings.Join(argv, " "), "error", err)
		}
	}

	if err := m.store.ClearPolicyApplied(name); err != nil {
		return err
	}
	m.writeAudit("policy-remove", name, firstErr == nil, nil)
	m.logger.Info("policy removed", "policy", name)
	return nil
}

// Delete removes a policy from the store, tearing it down first if it
// is currently applied.
func (m *Manager) Delete(ctx context.Context, name string) error {
	p, err := m.Get(name)
	if err != nil {
		return err
	}
	if p.Applied() {
		if err := m.Remove(ctx, name); err != nil {
			return err
		}
	}
	if err := m.store.DeletePolicy(name); err != nil {
		return err
	}
	m.writeAudit("policy-delete", name, true, nil)
	m.logger.Info("policy deleted", "policy", name)
	return nil
}

// saveBackup snapshots the interface's current tc configuration so an
// operator can reconstruct pre-apply state by hand if needed.
func (m *Manager) saveBackup(ctx context.Context, iface, applyID string) error {
	var b strings.Builder
	for _, object := range []string{"qdisc", "class", "filter"} {
		res, err := m.runner.Output(ctx, []string{"tc", object, "show", "dev", iface})
		if err != nil {
			return err
		}
		b.WriteString("# tc " + object + " show dev " + iface + "\n")
		b.WriteString(res.Stdout)
		if !strings.HasSuffix(res.Stdout, "\n") {
			b.WriteString("\n")
		}
	}
	return m.store.SaveBackup(iface, applyID, b.String(), m.clock.Now())
}

func (m *Manager) writeAudit(action, target string, success bool, details map[string]any) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Write(audit.Event{
		Actor:   "policy-manager",
		Action:  action,
		Target:  target,
		Success: success,
		Details: details,
	}); err != nil {
		m.logger.Error("failed to write audit event", "action", action, "error", err)
	}
}
