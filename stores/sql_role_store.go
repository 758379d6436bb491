package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oarkflow/squealx"

	"github.com/remoteops/pdp"
)

// SQLRoleStore persists roles with their policy id list as a JSON
// column.
type SQLRoleStore struct {
	db *squealx.DB
}

func NewSQLRoleStore(db *squealx.DB) *SQLRoleStore {
	return &SQLRoleStore{db: db}
}

const roleColumns = `id, name, description, policy_ids_json, is_active, is_system, tags_json, created_at, updated_at`

func roleParams(r *pdp.Role) map[string]any {
	policyIDs, _ := json.Marshal(r.PolicyIDs)
	tags, _ := json.Marshal(r.Tags)
	return map[string]any{
		"id":              r.ID,
		"name":            r.Name,
		"description":     r.Description,
		"policy_ids_json": string(policyIDs),
		"is_active":       boolToInt(r.IsActive),
		"is_system":       boolToInt(r.IsSystem),
		"tags_json":       string(tags),
		"created_at":      r.CreatedAt,
		"updated_at":      r.UpdatedAt,
	}
}

func (s *SQLRoleStore) CreateRole(ctx context.Context, r *pdp.Role) error {
	q := `INSERT INTO roles(` + roleColumns + `) VALUES(:id, :name, :description, :policy_ids_json, :is_active, :is_system, :tags_json, :created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, q, roleParams(r)); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("role %q: %w", r.Name, pdp.ErrDuplicateName)
		}
		return err
	}
	return nil
}

func (s *SQLRoleStore) UpdateRole(ctx context.Context, r *pdp.Role) error {
	q := `UPDATE roles SET name = :name, description = :description, policy_ids_json = :policy_ids_json, is_active = :is_active, is_system = :is_system, tags_json = :tags_json, updated_at = :updated_at WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, roleParams(r))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("role %q: %w", r.Name, pdp.ErrDuplicateName)
		}
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("role %q: %w", r.ID, pdp.ErrNotFound)
	}
	return nil
}

func (s *SQLRoleStore) DeleteRole(ctx context.Context, id string) error {
	res, err := s.db.NamedExecContext(ctx, `DELETE FROM roles WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("role %q: %w", id, pdp.ErrNotFound)
	}
	return nil
}

func (s *SQLRoleStore) GetRole(ctx context.Context, id string) (*pdp.Role, error) {
	return s.getBy(ctx, "id = :v", id)
}

func (s *SQLRoleStore) GetRoleByName(ctx context.Context, name string) (*pdp.Role, error) {
	return s.getBy(ctx, "name = :v", name)
}

func (s *SQLRoleStore) getBy(ctx context.Context, where, value string) (*pdp.Role, error) {
	q := `SELECT ` + roleColumns + ` FROM roles WHERE ` + where
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"v": value})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("role %q: %w", value, pdp.ErrNotFound)
	}
	return scanRole(r)
}

func (s *SQLRoleStore) ListRoles(ctx context.Context) ([]*pdp.Role, error) {
	q := `SELECT ` + roleColumns + ` FROM roles ORDER BY name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*pdp.Role, 0)
	for r.Next() {
		role, err := scanRole(r)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}

// RolesUsingPolicy scans role rows for a policy reference. Policy ids
// live inside a JSON column, so the filter runs in process rather than
// in SQL.
func (s *SQLRoleStore) RolesUsingPolicy(ctx context.Context, policyID string) ([]string, error) {
	roles, err := s.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0)
	for _, r := range roles {
		for _, pid := range r.PolicyIDs {
			if pid == policyID {
				out = append(out, r.ID)
				break
			}
		}
	}
	return out, nil
}

func scanRole(r rowScanner) (*pdp.Role, error) {
	var role pdp.Role
	var policyIDs, tags string
	var isActive, isSystem int
	var createdRaw, updatedRaw any
	if err := r.Scan(&role.ID, &role.Name, &role.Description, &policyIDs,
		&isActive, &isSystem, &tags, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	role.IsActive = isActive != 0
	role.IsSystem = isSystem != 0
	if err := json.Unmarshal([]byte(policyIDs), &role.PolicyIDs); err != nil {
		return nil, fmt.Errorf("decode policy ids for %s: %w", role.ID, err)
	}
	_ = json.Unmarshal([]byte(tags), &role.Tags)
	role.CreatedAt = scanTime(createdRaw)
	role.UpdatedAt = scanTime(updatedRaw)
	return &role, nil
}
