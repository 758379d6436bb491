package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/remoteops/pdp"
)

// SQLAssignmentStore persists principal edges in four small join
// tables. Assigns use upsert semantics so re-assigning refreshes
// expiry instead of failing.
type SQLAssignmentStore struct {
	db *squealx.DB
}

func NewSQLAssignmentStore(db *squealx.DB) *SQLAssignmentStore {
	return &SQLAssignmentStore{db: db}
}

func (s *SQLAssignmentStore) AssignPolicyToUser(ctx context.Context, userID, policyID string, expiresAt *time.Time) error {
	q := `INSERT INTO user_policies(user_id, policy_id, assigned_at, expires_at) VALUES(:user_id, :policy_id, :assigned_at, :expires_at)
		ON CONFLICT(user_id, policy_id) DO UPDATE SET assigned_at = :assigned_at, expires_at = :expires_at`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"user_id":     userID,
		"policy_id":   policyID,
		"assigned_at": time.Now(),
		"expires_at":  nullableTime(expiresAt),
	})
	return err
}

func (s *SQLAssignmentStore) RemovePolicyFromUser(ctx context.Context, userID, policyID string) (bool, error) {
	return s.removeEdge(ctx, `DELETE FROM user_policies WHERE user_id = :a AND policy_id = :b`, userID, policyID)
}

func (s *SQLAssignmentStore) ListUserPolicyAssignments(ctx context.Context, userID string) ([]pdp.UserPolicyAssignment, error) {
	q := `SELECT user_id, policy_id, assigned_at, expires_at FROM user_policies WHERE user_id = :user_id ORDER BY policy_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]pdp.UserPolicyAssignment, 0)
	for r.Next() {
		var a pdp.UserPolicyAssignment
		var assignedRaw, expiresRaw any
		if err := r.Scan(&a.UserID, &a.PolicyID, &assignedRaw, &expiresRaw); err != nil {
			return nil, err
		}
		a.AssignedAt = scanTime(assignedRaw)
		if expiresRaw != nil {
			t := scanTime(expiresRaw)
			if !t.IsZero() {
				a.ExpiresAt = &t
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *SQLAssignmentStore) AssignRoleToUser(ctx context.Context, userID, roleID string) error {
	q := `INSERT INTO user_roles(user_id, role_id, assigned_at) VALUES(:a, :b, :at)
		ON CONFLICT(user_id, role_id) DO NOTHING`
	return s.insertEdge(ctx, q, userID, roleID)
}

func (s *SQLAssignmentStore) RemoveRoleFromUser(ctx context.Context, userID, roleID string) (bool, error) {
	return s.removeEdge(ctx, `DELETE FROM user_roles WHERE user_id = :a AND role_id = :b`, userID, roleID)
}

func (s *SQLAssignmentStore) ListUserRoles(ctx context.Context, userID string) ([]string, error) {
	return s.listEdge(ctx, `SELECT role_id FROM user_roles WHERE user_id = :a ORDER BY role_id`, userID)
}

func (s *SQLAssignmentStore) AssignPolicyToGroup(ctx context.Context, groupID, policyID string) error {
	q := `INSERT INTO group_policies(group_id, policy_id, assigned_at) VALUES(:a, :b, :at)
		ON CONFLICT(group_id, policy_id) DO NOTHING`
	return s.insertEdge(ctx, q, groupID, policyID)
}

func (s *SQLAssignmentStore) RemovePolicyFromGroup(ctx context.Context, groupID, policyID string) (bool, error) {
	return s.removeEdge(ctx, `DELETE FROM group_policies WHERE group_id = :a AND policy_id = :b`, groupID, policyID)
}

func (s *SQLAssignmentStore) ListGroupPolicies(ctx context.Context, groupID string) ([]string, error) {
	return s.listEdge(ctx, `SELECT policy_id FROM group_policies WHERE group_id = :a ORDER BY policy_id`, groupID)
}

func (s *SQLAssignmentStore) AssignRoleToGroup(ctx context.Context, groupID, roleID string) error {
	q := `INSERT INTO group_roles(group_id, role_id, assigned_at) VALUES(:a, :b, :at)
		ON CONFLICT(group_id, role_id) DO NOTHING`
	return s.insertEdge(ctx, q, groupID, roleID)
}

func (s *SQLAssignmentStore) RemoveRoleFromGroup(ctx context.Context, groupID, roleID string) (bool, error) {
	return s.removeEdge(ctx, `DELETE FROM group_roles WHERE group_id = :a AND role_id = :b`, groupID, roleID)
}

func (s *SQLAssignmentStore) ListGroupRoles(ctx context.Context, groupID string) ([]string, error) {
	return s.listEdge(ctx, `SELECT role_id FROM group_roles WHERE group_id = :a ORDER BY role_id`, groupID)
}

func (s *SQLAssignmentStore) PolicyAssigned(ctx context.Context, policyID string) (bool, error) {
	q := `SELECT EXISTS(SELECT 1 FROM user_policies WHERE policy_id = :id) OR EXISTS(SELECT 1 FROM group_policies WHERE policy_id = :id)`
	return s.existsQuery(ctx, q, policyID)
}

func (s *SQLAssignmentStore) RoleAssigned(ctx context.Context, roleID string) (bool, error) {
	q := `SELECT EXISTS(SELECT 1 FROM user_roles WHERE role_id = :id) OR EXISTS(SELECT 1 FROM group_roles WHERE role_id = :id)`
	return s.existsQuery(ctx, q, roleID)
}

func (s *SQLAssignmentStore) insertEdge(ctx context.Context, q, a, b string) error {
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"a": a, "b": b, "at": time.Now()})
	return err
}

func (s *SQLAssignmentStore) removeEdge(ctx context.Context, q, a, b string) (bool, error) {
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"a": a, "b": b})
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLAssignmentStore) listEdge(ctx context.Context, q, a string) ([]string, error) {
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"a": a})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]string, 0)
	for r.Next() {
		var id string
		if err := r.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *SQLAssignmentStore) existsQuery(ctx context.Context, q, id string) (bool, error) {
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return false, err
	}
	defer r.Close()
	if !r.Next() {
		return false, nil
	}
	var n int
	if err := r.Scan(&n); err != nil {
		return false, err
	}
	return n != 0, nil
}

// SQLGroupMembershipStore keeps user-to-group membership in SQL for
// deployments that do not run Redis.
type SQLGroupMembershipStore struct {
	db *squealx.DB
}

func NewSQLGroupMembershipStore(db *squealx.DB) *SQLGroupMembershipStore {
	return &SQLGroupMembershipStore{db: db}
}

func (s *SQLGroupMembershipStore) AddUserToGroup(ctx context.Context, userID, groupID string) error {
	q := `INSERT INTO group_members(user_id, group_id) VALUES(:a, :b) ON CONFLICT(user_id, group_id) DO NOTHING`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"a": userID, "b": groupID})
	return err
}

func (s *SQLGroupMembershipStore) RemoveUserFromGroup(ctx context.Context, userID, groupID string) (bool, error) {
	res, err := s.db.NamedExecContext(ctx, `DELETE FROM group_members WHERE user_id = :a AND group_id = :b`, map[string]any{"a": userID, "b": groupID})
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLGroupMembershipStore) ListUserGroups(ctx context.Context, userID string) ([]string, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT group_id FROM group_members WHERE user_id = :a ORDER BY group_id`, map[string]any{"a": userID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]string, 0)
	for r.Next() {
		var id string
		if err := r.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
