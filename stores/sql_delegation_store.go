package stores

import (
	"context"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/remoteops/pdp"
)

// SQLDelegationStore persists policy delegations.
type SQLDelegationStore struct {
	db *squealx.DB
}

func NewSQLDelegationStore(db *squealx.DB) *SQLDelegationStore {
	return &SQLDelegationStore{db: db}
}

const delegationColumns = `id, from_user_id, to_user_id, policy_id, reason, start_date, end_date, is_active, created_at, updated_at`

func delegationParams(d *pdp.PolicyDelegation) map[string]any {
	return map[string]any{
		"id":           d.ID,
		"from_user_id": d.FromUserID,
		"to_user_id":   d.ToUserID,
		"policy_id":    d.PolicyID,
		"reason":       d.Reason,
		"start_date":   d.StartDate,
		"end_date":     d.EndDate,
		"is_active":    boolToInt(d.IsActive),
		"created_at":   d.CreatedAt,
		"updated_at":   d.UpdatedAt,
	}
}

func (s *SQLDelegationStore) CreateDelegation(ctx context.Context, d *pdp.PolicyDelegation) error {
	q := `INSERT INTO delegations(` + delegationColumns + `) VALUES(:id, :from_user_id, :to_user_id, :policy_id, :reason, :start_date, :end_date, :is_active, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, delegationParams(d))
	return err
}

func (s *SQLDelegationStore) UpdateDelegation(ctx context.Context, d *pdp.PolicyDelegation) error {
	q := `UPDATE delegations SET is_active = :is_active, start_date = :start_date, end_date = :end_date, reason = :reason, updated_at = :updated_at WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, delegationParams(d))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("delegation %q: %w", d.ID, pdp.ErrNotFound)
	}
	return nil
}

func (s *SQLDelegationStore) GetDelegation(ctx context.Context, id string) (*pdp.PolicyDelegation, error) {
	q := `SELECT ` + delegationColumns + ` FROM delegations WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("delegation %q: %w", id, pdp.ErrNotFound)
	}
	return scanDelegation(r)
}

func (s *SQLDelegationStore) ListDelegationsFrom(ctx context.Context, userID string) ([]*pdp.PolicyDelegation, error) {
	return s.listWhere(ctx, "from_user_id = :uid", userID)
}

func (s *SQLDelegationStore) ListDelegationsTo(ctx context.Context, userID string) ([]*pdp.PolicyDelegation, error) {
	return s.listWhere(ctx, "to_user_id = :uid", userID)
}

func (s *SQLDelegationStore) listWhere(ctx context.Context, where, userID string) ([]*pdp.PolicyDelegation, error) {
	q := `SELECT ` + delegationColumns + ` FROM delegations WHERE ` + where + ` ORDER BY created_at`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"uid": userID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*pdp.PolicyDelegation, 0)
	for r.Next() {
		d, err := scanDelegation(r)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func scanDelegation(r rowScanner) (*pdp.PolicyDelegation, error) {
	var d pdp.PolicyDelegation
	var isActive int
	var startRaw, endRaw, createdRaw, updatedRaw any
	if err := r.Scan(&d.ID, &d.FromUserID, &d.ToUserID, &d.PolicyID, &d.Reason,
		&startRaw, &endRaw, &isActive, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	d.IsActive = isActive != 0
	d.StartDate = scanTime(startRaw)
	d.EndDate = scanTime(endRaw)
	d.CreatedAt = scanTime(createdRaw)
	d.UpdatedAt = scanTime(updatedRaw)
	return &d, nil
}
