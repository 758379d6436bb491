package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/oarkflow/squealx"

	"github.com/remoteops/pdp"
)

// SQLPolicyStore persists policies in SQL. List-valued fields are
// stored as JSON columns; every update and delete snapshots the prior
// row into policy_history.
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

const policyColumns = `id, name, description, effect, resources_json, actions_json, conditions_json, principals_json, not_principals_json, priority, is_active, version, parent_id, tags_json, created_at, updated_at`

func policyParams(p *pdp.Policy) (map[string]any, error) {
	resources, _ := json.Marshal(p.Resources)
	actions, _ := json.Marshal(p.Actions)
	principals, _ := json.Marshal(p.Principals)
	notPrincipals, _ := json.Marshal(p.NotPrincipals)
	tags, _ := json.Marshal(p.Tags)
	conditions, err := json.Marshal(p.Conditions)
	if err != nil {
		return nil, fmt.Errorf("encode conditions: %w", err)
	}
	return map[string]any{
		"id":                  p.ID,
		"name":                p.Name,
		"description":         p.Description,
		"effect":              string(p.Effect),
		"resources_json":      string(resources),
		"actions_json":        string(actions),
		"conditions_json":     string(conditions),
		"principals_json":     string(principals),
		"not_principals_json": string(notPrincipals),
		"priority":            p.Priority,
		"is_active":           boolToInt(p.IsActive),
		"version":             p.Version,
		"parent_id":           p.ParentID,
		"tags_json":           string(tags),
		"created_at":          p.CreatedAt,
		"updated_at":          p.UpdatedAt,
	}, nil
}

func (s *SQLPolicyStore) CreatePolicy(ctx context.Context, p *pdp.Policy) error {
	params, err := policyParams(p)
	if err != nil {
		return err
	}
	q := `INSERT INTO policies(` + policyColumns + `) VALUES(:id, :name, :description, :effect, :resources_json, :actions_json, :conditions_json, :principals_json, :not_principals_json, :priority, :is_active, :version, :parent_id, :tags_json, :created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, q, params); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("policy %q: %w", p.Name, pdp.ErrDuplicateName)
		}
		return err
	}
	return nil
}

func (s *SQLPolicyStore) UpdatePolicy(ctx context.Context, p *pdp.Policy) error {
	if err := s.snapshotPolicy(ctx, p.ID); err != nil && !errors.Is(err, pdp.ErrNotFound) {
		return err
	}
	params, err := policyParams(p)
	if err != nil {
		return err
	}
	q := `UPDATE policies SET name = :name, description = :description, effect = :effect, resources_json = :resources_json, actions_json = :actions_json, conditions_json = :conditions_json, principals_json = :principals_json, not_principals_json = :not_principals_json, priority = :priority, is_active = :is_active, version = :version, parent_id = :parent_id, tags_json = :tags_json, updated_at = :updated_at WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, params)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("policy %q: %w", p.Name, pdp.ErrDuplicateName)
		}
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("policy %q: %w", p.ID, pdp.ErrNotFound)
	}
	return nil
}

func (s *SQLPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	if err := s.snapshotPolicy(ctx, id); err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `DELETE FROM policies WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("policy %q: %w", id, pdp.ErrNotFound)
	}
	return nil
}

func (s *SQLPolicyStore) GetPolicy(ctx context.Context, id string) (*pdp.Policy, error) {
	return s.getBy(ctx, "id = :v", id)
}

func (s *SQLPolicyStore) GetPolicyByName(ctx context.Context, name string) (*pdp.Policy, error) {
	return s.getBy(ctx, "name = :v", name)
}

func (s *SQLPolicyStore) getBy(ctx context.Context, where, value string) (*pdp.Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies WHERE ` + where
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"v": value})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("policy %q: %w", value, pdp.ErrNotFound)
	}
	return scanPolicy(r)
}

func (s *SQLPolicyStore) ListPolicies(ctx context.Context) ([]*pdp.Policy, error) {
	return s.listWhere(ctx, "1=1", nil)
}

func (s *SQLPolicyStore) ListChildPolicies(ctx context.Context, parentID string) ([]*pdp.Policy, error) {
	return s.listWhere(ctx, "parent_id = :parent_id", map[string]any{"parent_id": parentID})
}

func (s *SQLPolicyStore) listWhere(ctx context.Context, where string, params map[string]any) ([]*pdp.Policy, error) {
	if params == nil {
		params = map[string]any{}
	}
	q := `SELECT ` + policyColumns + ` FROM policies WHERE ` + where + ` ORDER BY name`
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*pdp.Policy, 0)
	for r.Next() {
		p, err := scanPolicy(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(r rowScanner) (*pdp.Policy, error) {
	var p pdp.Policy
	var effect string
	var resources, actions, conditions, principals, notPrin, tags string
	var isActive int
	var createdRaw, updatedRaw any
	if err := r.Scan(&p.ID, &p.Name, &p.Description, &effect,
		&resources, &actions, &conditions, &principals, &notPrin,
		&p.Priority, &isActive, &p.Version, &p.ParentID, &tags,
		&createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	p.Effect = pdp.Effect(effect)
	p.IsActive = isActive != 0
	if err := json.Unmarshal([]byte(resources), &p.Resources); err != nil {
		return nil, fmt.Errorf("decode resources for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(actions), &p.Actions); err != nil {
		return nil, fmt.Errorf("decode actions for %s: %w", p.ID, err)
	}
	if conditions != "" && conditions != "null" {
		if err := json.Unmarshal([]byte(conditions), &p.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions for %s: %w", p.ID, err)
		}
	}
	_ = json.Unmarshal([]byte(principals), &p.Principals)
	_ = json.Unmarshal([]byte(notPrin), &p.NotPrincipals)
	_ = json.Unmarshal([]byte(tags), &p.Tags)
	p.CreatedAt = scanTime(createdRaw)
	p.UpdatedAt = scanTime(updatedRaw)
	return &p, nil
}

// snapshotPolicy copies the current row into policy_history before a
// mutation so version history survives updates and deletes.
func (s *SQLPolicyStore) snapshotPolicy(ctx context.Context, id string) error {
	p, err := s.GetPolicy(ctx, id)
	if err != nil {
		return err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO policy_history(policy_id, snapshot_json) VALUES(:policy_id, :snapshot_json)`,
		map[string]any{"policy_id": id, "snapshot_json": string(b)})
	return err
}

// GetPolicyHistory returns prior versions of a policy, oldest first.
func (s *SQLPolicyStore) GetPolicyHistory(ctx context.Context, id string) ([]*pdp.Policy, error) {
	q := `SELECT snapshot_json FROM policy_history WHERE policy_id = :policy_id ORDER BY seq ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"policy_id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*pdp.Policy, 0)
	for r.Next() {
		var snap string
		if err := r.Scan(&snap); err != nil {
			return nil, err
		}
		var p pdp.Policy
		if err := json.Unmarshal([]byte(snap), &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no history for policy %s: %w", id, pdp.ErrNotFound)
	}
	return out, nil
}
