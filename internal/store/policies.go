package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"grimm.is/floe/internal/shaping"
)

// CreatePolicy persists a policy and its nested shaping objects in one
// transaction. The kernel is not touched. Duplicate names are rejected
// with ErrDuplicatePolicy.
func (s *Store) CreatePolicy(p *shaping.Policy) error {
	existing, err := s.GetPolicy(p.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrDuplicatePolicy, p.Name)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin create policy: %w", err)
	}
	defer tx.Rollback()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if _, err := tx.Exec(`
		INSERT INTO policies (name, description, iface, created_at, applied_at)
		VALUES (?, ?, ?, ?, NULL)
	`, p.Name, p.Description, p.Interface, p.CreatedAt); err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}

	for i, q := range p.Qdiscs {
		opts, err := json.Marshal(q.Options)
		if err != nil {
			return fmt.Errorf("marshal qdisc options: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO qdiscs (policy, seq, handle, parent, kind, options, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.Name, i, q.Handle, q.Parent, q.Options.Kind(), string(opts), p.CreatedAt); err != nil {
			return fmt.Errorf("insert qdisc: %w", err)
		}
	}
	for i, c := range p.Classes {
		opts, err := json.Marshal(c.Options)
		if err != nil {
			return fmt.Errorf("marshal class options: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO classes (policy, seq, classid, parent, kind, options, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.Name, i, c.ClassID, c.Parent, c.Options.Kind(), string(opts), p.CreatedAt); err != nil {
			return fmt.Errorf("insert class: %w", err)
		}
	}
	for i, f := range p.Filters {
		opts, err := json.Marshal(f.Options)
		if err != nil {
			return fmt.Errorf("marshal filter options: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO filters (policy, seq, parent, protocol, prio, handle, kind, options, flowid, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, p.Name, i, f.Parent, f.Protocol, f.Prio, f.Handle, f.Options.Kind(), string(opts), f.FlowID, p.CreatedAt); err != nil {
			return fmt.Errorf("insert filter: %w", err)
		}
	}

	return tx.Commit()
}

// GetPolicy loads a policy with its shaping objects, nil when absent.
func (s *Store) GetPolicy(name string) (*shaping.Policy, error) {
	p := &shaping.Policy{}
	var desc sql.NullString
	var appliedAt sql.NullTime
	err := s.db.QueryRow(`
		SELECT name, description, iface, created_at, applied_at FROM policies WHERE name = ?
	`, name).Scan(&p.Name, &desc, &p.Interface, &p.CreatedAt, &appliedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	p.Description = desc.String
	if appliedAt.Valid {
		t := appliedAt.Time
		p.AppliedAt = &t
	}

	if err := s.loadPolicyObjects(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) loadPolicyObjects(p *shaping.Policy) error {
	qrows, err := s.db.Query(`
		SELECT id, handle, parent, kind, options, created_at FROM qdiscs
		WHERE policy = ? ORDER BY seq
	`, p.Name)
	if err != nil {
		return fmt.Errorf("load qdiscs: %w", err)
	}
	defer qrows.Close()
	for qrows.Next() {
		var q shaping.Qdisc
		var kind string
		var opts sql.NullString
		if err := qrows.Scan(&q.ID, &q.Handle, &q.Parent, &kind, &opts, &q.CreatedAt); err != nil {
			return fmt.Errorf("scan qdisc: %w", err)
		}
		q.Options, err = shaping.UnmarshalQdiscOptions(kind, []byte(opts.String))
		if err != nil {
			return fmt.Errorf("decode qdisc options: %w", err)
		}
		p.Qdiscs = append(p.Qdiscs, q)
	}
	if err := qrows.Err(); err != nil {
		return err
	}

	crows, err := s.db.Query(`
		SELECT id, classid, parent, kind, options, created_at FROM classes
		WHERE policy = ? ORDER BY seq
	`, p.Name)
	if err != nil {
		return fmt.Errorf("load classes: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var c shaping.Class
		var kind string
		var opts sql.NullString
		if err := crows.Scan(&c.ID, &c.ClassID, &c.Parent, &kind, &opts, &c.CreatedAt); err != nil {
			return fmt.Errorf("scan class: %w", err)
		}
		c.Options, err = shaping.UnmarshalClassOptions(kind, []byte(opts.String))
		if err != nil {
			return fmt.Errorf("decode class options: %w", err)
		}
		p.Classes = append(p.Classes, c)
	}
	if err := crows.Err(); err != nil {
		return err
	}

	frows, err := s.db.Query(`
		SELECT id, parent, protocol, prio, handle, kind, options, flowid, created_at FROM filters
		WHERE policy = ? ORDER BY seq
	`, p.Name)
	if err != nil {
		return fmt.Errorf("load filters: %w", err)
	}
	defer frows.Close()
	for frows.Next() {
		var f shaping.Filter
		var kind string
		var handle, opts sql.NullString
		if err := frows.Scan(&f.ID, &f.Parent, &f.Protocol, &f.Prio, &handle, &kind, &opts, &f.FlowID, &f.CreatedAt); err != nil {
			return fmt.Errorf("scan filter: %w", err)
		}
		f.Handle = handle.String
		f.Options, err = shaping.UnmarshalFilterOptions(kind, []byte(opts.String))
		if err != nil {
			return fmt.Errorf("decode filter options: %w", err)
		}
		p.Filters = append(p.Filters, f)
	}
	return frows.Err()
}

// ListPolicies returns all policies, shaping objects included.
func (s *Store) ListPolicies() ([]*shaping.Policy, error) {
	rows, err := s.db.Query("SELECT name FROM policies ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*shaping.Policy, 0, len(names))
	for _, name := range names {
		p, err := s.GetPolicy(name)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// DeletePolicy removes a policy and its objects.
func (s *Store) DeletePolicy(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete policy: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"qdiscs", "classes", "filters"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE policy = ?", name); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	if _, err := tx.Exec("DELETE FROM policies WHERE name = ?", name); err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	return tx.Commit()
}

// MarkPolicyApplied records a successful apply timestamp.
func (s *Store) MarkPolicyApplied(name string, at time.Time) error {
	_, err := s.db.Exec("UPDATE policies SET applied_at = ? WHERE name = ?", at, name)
	if err != nil {
		return fmt.Errorf("mark applied: %w", err)
	}
	return nil
}

// ClearPolicyApplied resets the applied timestamp (after teardown).
func (s *Store) ClearPolicyApplied(name string) error {
	_, err := s.db.Exec("UPDATE policies SET applied_at = NULL WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("clear applied: %w", err)
	}
	return nil
}
