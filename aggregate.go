package pdp

import (
	"context"
	"errors"
)

// GetEffectivePolicies resolves every policy that currently applies to
// a user: unexpired direct assignments, active role grants, group
// grants (policies and roles), active delegations received, and, when
// inheritance is enabled, the ancestors of all of those. The result is
// deduplicated and sorted in evaluation order.
func (e *Engine) GetEffectivePolicies(ctx context.Context, userID string) ([]*Policy, error) {
	var cached []*Policy
	if e.cacheGet(ctx, cacheKeyUserPolicies+userID, &cached) {
		return cached, nil
	}

	now := e.now()
	byID := map[string]*Policy{}

	addPolicy := func(policyID string) error {
		if _, ok := byID[policyID]; ok {
			return nil
		}
		p, err := e.GetPolicy(ctx, policyID)
		if errors.Is(err, ErrNotFound) {
			// stale reference, skip rather than fail the decision
			e.logger.Debug("skipping dangling policy reference", "policy_id", policyID, "user_id", userID)
			return nil
		}
		if err != nil {
			return err
		}
		byID[p.ID] = p
		return nil
	}

	addRole := func(roleID string) error {
		r, err := e.GetRole(ctx, roleID)
		if errors.Is(err, ErrNotFound) {
			e.logger.Debug("skipping dangling role reference", "role_id", roleID, "user_id", userID)
			return nil
		}
		if err != nil {
			return err
		}
		if !r.IsActive {
			return nil
		}
		for _, pid := range r.PolicyIDs {
			if err := addPolicy(pid); err != nil {
				return err
			}
		}
		return nil
	}

	direct, err := e.assignments.ListUserPolicyAssignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, a := range direct {
		if a.Expired(now) {
			continue
		}
		if err := addPolicy(a.PolicyID); err != nil {
			return nil, err
		}
	}

	roleIDs, err := e.assignments.ListUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, rid := range roleIDs {
		if err := addRole(rid); err != nil {
			return nil, err
		}
	}

	groupIDs, err := e.groups.ListUserGroups(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, gid := range groupIDs {
		pids, err := e.assignments.ListGroupPolicies(ctx, gid)
		if err != nil {
			return nil, err
		}
		for _, pid := range pids {
			if err := addPolicy(pid); err != nil {
				return nil, err
			}
		}
		rids, err := e.assignments.ListGroupRoles(ctx, gid)
		if err != nil {
			return nil, err
		}
		for _, rid := range rids {
			if err := addRole(rid); err != nil {
				return nil, err
			}
		}
	}

	received, err := e.delegations.ListDelegationsTo(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, d := range received {
		if !d.ActiveAt(now) {
			continue
		}
		if err := addPolicy(d.PolicyID); err != nil {
			return nil, err
		}
	}

	if e.opts.EnablePolicyInheritance {
		// snapshot first: addPolicy mutates byID
		roots := make([]*Policy, 0, len(byID))
		for _, p := range byID {
			roots = append(roots, p)
		}
		for _, p := range roots {
			chain, err := e.GetPolicyHierarchy(ctx, p.ID)
			if err != nil {
				return nil, err
			}
			for _, ancestor := range chain[1:] {
				if _, ok := byID[ancestor.ID]; !ok {
					byID[ancestor.ID] = ancestor
				}
			}
		}
	}

	out := make([]*Policy, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sortPoliciesForEvaluation(out)
	e.cacheSet(ctx, cacheKeyUserPolicies+userID, out, e.opts.DecisionCacheTTL)
	return out, nil
}

// userHoldsPolicy reports whether the policy is in the user's current
// effective set.
func (e *Engine) userHoldsPolicy(ctx context.Context, userID, policyID string) (bool, error) {
	held, err := e.GetEffectivePolicies(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range held {
		if p.ID == policyID {
			return true, nil
		}
	}
	return false, nil
}
