package pdp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DelegatePolicy lets a user temporarily confer a policy they
// effectively hold on another user. The window must be well formed and
// in the future relative to start; the grant only influences decisions
// between StartDate and EndDate inclusive.
func (e *Engine) DelegatePolicy(ctx context.Context, fromUserID, toUserID, policyID string, start, end time.Time, reason string) (*PolicyDelegation, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("delegation window end %s not after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	if fromUserID == toUserID {
		return nil, fmt.Errorf("cannot delegate policy %s to self", policyID)
	}
	if _, err := e.policies.GetPolicy(ctx, policyID); err != nil {
		return nil, err
	}
	held, err := e.userHoldsPolicy(ctx, fromUserID, policyID)
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, fmt.Errorf("user %s, policy %s: %w", fromUserID, policyID, ErrDelegationNotHeld)
	}

	now := e.now()
	d := &PolicyDelegation{
		ID:         uuid.NewString(),
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		PolicyID:   policyID,
		Reason:     reason,
		StartDate:  start,
		EndDate:    end,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.delegations.CreateDelegation(ctx, d); err != nil {
		return nil, err
	}
	e.ClearUserCache(ctx, toUserID)
	e.metrics.IncrCounter("delegation.created", 1, nil)
	e.audit("delegation.created", "delegation", d.ID, fromUserID, map[string]any{
		"to_user_id": toUserID,
		"policy_id":  policyID,
	})
	e.logger.Info("policy delegated",
		"delegation_id", d.ID, "from", fromUserID, "to", toUserID, "policy_id", policyID)
	return d, nil
}

// RevokeDelegation deactivates a delegation before its window ends.
// Revocation is terminal; revoking an already-revoked or missing
// delegation reports false.
func (e *Engine) RevokeDelegation(ctx context.Context, delegationID, revokedBy string) (bool, error) {
	d, err := e.delegations.GetDelegation(ctx, delegationID)
	if err != nil {
		return false, err
	}
	if !d.IsActive {
		return false, nil
	}
	d.IsActive = false
	d.UpdatedAt = e.now()
	if err := e.delegations.UpdateDelegation(ctx, d); err != nil {
		return false, err
	}
	e.ClearUserCache(ctx, d.ToUserID)
	e.metrics.IncrCounter("delegation.revoked", 1, nil)
	e.audit("delegation.revoked", "delegation", d.ID, revokedBy, map[string]any{
		"to_user_id": d.ToUserID,
		"policy_id":  d.PolicyID,
	})
	return true, nil
}

// GetDelegation returns one delegation by id.
func (e *Engine) GetDelegation(ctx context.Context, delegationID string) (*PolicyDelegation, error) {
	return e.delegations.GetDelegation(ctx, delegationID)
}

// ListDelegationsFrom returns delegations a user has granted.
func (e *Engine) ListDelegationsFrom(ctx context.Context, userID string) ([]*PolicyDelegation, error) {
	return e.delegations.ListDelegationsFrom(ctx, userID)
}

// ListDelegationsTo returns delegations a user has received.
func (e *Engine) ListDelegationsTo(ctx context.Context, userID string) ([]*PolicyDelegation, error) {
	return e.delegations.ListDelegationsTo(ctx, userID)
}

// ListActiveDelegationsTo filters received delegations to those whose
// window covers the engine's current time.
func (e *Engine) ListActiveDelegationsTo(ctx context.Context, userID string) ([]*PolicyDelegation, error) {
	all, err := e.delegations.ListDelegationsTo(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := make([]*PolicyDelegation, 0, len(all))
	for _, d := range all {
		if d.ActiveAt(now) {
			out = append(out, d)
		}
	}
	return out, nil
}
